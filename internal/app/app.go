// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgavriloff/nvdash/internal/config"
	"github.com/dgavriloff/nvdash/internal/httpserver"
	"github.com/dgavriloff/nvdash/internal/monitor"
	"github.com/dgavriloff/nvdash/internal/nvml"
	"github.com/dgavriloff/nvdash/internal/procname"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	binding := nvml.NewLive(baseLogger.With("component", "nvml"))
	resolver := procname.NewResolver(cfg.ProcRoot, baseLogger.With("component", "procname"))

	mon, err := monitor.New(binding, resolver, baseLogger.With("component", "monitor"))
	if err != nil {
		return fmt.Errorf("init gpu monitor: %w", err)
	}
	defer func() {
		if err := mon.Close(); err != nil {
			appLogger.Warn("monitor close", "err", err)
		}
	}()

	appLogger.Info("detected GPUs",
		"count", mon.DeviceCount(),
		"driver", mon.DriverVersion(),
		"cuda", mon.CUDAVersion(),
	)

	poller, err := monitor.NewPoller(mon, cfg.PollInterval, baseLogger.With("component", "poller"))
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}

	pollerCtx, pollerCancel := context.WithCancel(ctx)
	defer pollerCancel()

	pollerErrCh := make(chan error, 1)
	go func() {
		pollerErrCh <- poller.Run(pollerCtx, cfg.DriveInterval)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), poller)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			pollerCancel()
			if err != nil {
				return err
			}
			if pollerErrCh != nil {
				if pollerErr := <-pollerErrCh; pollerErr != nil && !errors.Is(pollerErr, context.Canceled) {
					return pollerErr
				}
			}
			return nil
		case err := <-pollerErrCh:
			pollerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			pollerCancel()
			if pollerErrCh != nil {
				if pollerErr := <-pollerErrCh; pollerErr != nil && !errors.Is(pollerErr, context.Canceled) {
					return pollerErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
