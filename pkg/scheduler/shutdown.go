package scheduler

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrShutdownTimeout is returned when a run did not drain in time after a
// shutdown signal.
var ErrShutdownTimeout = errors.New("shutdown timeout expired")

// RunWithGracefulShutdown calls run and handles SIGTERM/SIGINT. On a signal
// the context passed to run is cancelled, which drains every pipeline started
// from it; if draining takes longer than timeout, ErrShutdownTimeout is
// returned without waiting further.
func RunWithGracefulShutdown(ctx context.Context, logger *zap.Logger, run func(context.Context) error, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.Stringer("signal", sig))
		cancel()

		select {
		case err := <-errCh:
			return err
		case <-time.After(timeout):
			logger.Warn("shutdown timeout expired, forcing exit", zap.Duration("timeout", timeout))
			return ErrShutdownTimeout
		}

	case err := <-errCh:
		return err
	}
}
