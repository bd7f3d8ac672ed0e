// The main package for the simwatch executable.
package main

import (
	"github.com/quantfold/simwatch/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
