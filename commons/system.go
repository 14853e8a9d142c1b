package commons

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// CaptureSigint cancels ctx on SIGINT or SIGTERM. If the process is still running
// grace later, it exits.
func CaptureSigint(ctx context.Context, cancel context.CancelFunc, grace time.Duration) {
	if ctx == nil || cancel == nil {
		Log.Error("ctx or cancel == nil")
		return
	}

	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigs:
			Log.Info("caught signal", zap.Any("signal", sig))

		case <-ctx.Done():
			Log.Info("context cancelled")
		}

		signal.Stop(sigs)

		Log.Info("Canceling all processes...")
		cancel()

		Log.Sync()

		time.Sleep(grace)
		os.Exit(0)
	}()
}
