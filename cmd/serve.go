package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quantfold/simwatch/internal/metrics"
	"github.com/quantfold/simwatch/internal/simserver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates and configures the 'serve' subcommand. It runs a
// local scripted simulation service, useful for demos and for exercising
// the watch command end to end without a real backend.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs a local scripted simulation service",
		Long: `Starts an HTTP server that plays back scripted simulation jobs.
POST /api/jobs registers a demo job; its progress is then available on the
same endpoints a real simulation service exposes, so 'simwatch watch' can
be pointed at it directly. Prometheus metrics are served on /metrics.`,
		RunE: runServeCommand,
	}
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger
	cfg := appInstance.Config

	metrics.Init()

	router := chi.NewRouter()
	router.Mount("/", simserver.New(logger).Handler())
	router.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Serve.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("simulation service listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("simulation service stopped")
	return nil
}
