// Package cmd defines and implements the CLI commands for the simwatch executable.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/simwatch/internal/config"
	"github.com/quantfold/simwatch/internal/monitor"
	"github.com/quantfold/simwatch/internal/progress"
	"github.com/quantfold/simwatch/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchTotalRuns uint64

// newWatchCmd creates and configures the 'watch' subcommand. It follows a
// single job until it reaches a terminal status or the user interrupts.
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follows a simulation job until it finishes",
		Long: `Subscribes to the progress stream of the given job and prints merged
progress updates. If the stream stays silent or drops past its reconnect
budget, watch keeps reporting through HTTP polling until the job reaches
a terminal status.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatchCommand,
	}
	cmd.Flags().Uint64Var(&watchTotalRuns, "total-runs", 0, "expected total simulation runs, shown before the server reports its own count")
	return cmd
}

func runWatchCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger
	cfg := appInstance.Config
	jobID := args[0]

	mon := monitor.New(
		transport.NewStreamDialer(cfg.StreamBaseURL(), logger),
		transport.NewStatusClient(cfg.Service.APIBase, cfg.RequestTimeout(), logger),
		monitorConfig(cfg, logger),
	)

	done := make(chan progress.JobStatus, 1)
	mon.SetCallbacks(monitor.Callbacks{
		OnMessage: func(s progress.Snapshot) {
			logger.Info("progress",
				zap.String("job_id", jobID),
				zap.String("status", s.Status.Label()),
				zap.Float64("fraction", s.ProgressFraction),
				zap.Uint64("current_run", s.CurrentRun),
				zap.Uint64("total_runs", s.TotalRuns),
				zap.String("eta", s.ETALabel()),
			)
		},
		OnStatusChange: func(st progress.JobStatus) {
			logger.Info("status changed", zap.String("job_id", jobID), zap.String("status", st.Label()))
		},
		OnCompletion: func(st progress.JobStatus) {
			select {
			case done <- st:
			default:
			}
		},
		OnNotice: func(msg string) {
			logger.Info(msg, zap.String("job_id", jobID))
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon.Connect(jobID, watchTotalRuns)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if cerr := mon.Close(closeCtx); cerr != nil {
			logger.Warn("monitor close", zap.Error(cerr))
		}
	}()

	select {
	case st := <-done:
		m := mon.Metrics()
		logger.Info("job finished",
			zap.String("job_id", jobID),
			zap.String("status", st.Label()),
			zap.Uint64("messages", m.MessageCount),
			zap.Float64("throughput_runs_per_sec", m.Throughput),
			zap.Duration("total_duration", m.TotalDuration),
		)
		if st != progress.StatusCompleted {
			return fmt.Errorf("job %s ended %s", jobID, st.Label())
		}
		return nil
	case <-ctx.Done():
		logger.Info("interrupted", zap.String("job_id", jobID), zap.String("last_status", mon.StatusLabel()))
		return nil
	}
}

func monitorConfig(cfg config.Config, logger *zap.Logger) monitor.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return monitor.Config{
		WatchdogDelay:  ms(cfg.Monitor.WatchdogDelayMs),
		PollInterval:   ms(cfg.Monitor.PollIntervalMs),
		PollFirstDelay: ms(cfg.Monitor.PollFirstDelayMs),
		ReconnectDelay: ms(cfg.Monitor.ReconnectDelayMs),
		MaxReconnects:  cfg.Monitor.MaxReconnects,
		RequestTimeout: cfg.RequestTimeout(),
		DialTimeout:    ms(cfg.Monitor.DialTimeoutMs),
		Logger:         logger,
	}
}
