package concurrency

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvelop42/cocode/log"
)

// HandleSignals shuts mgr down when the process receives SIGINT or SIGTERM.
// The returned context is cancelled when a signal arrives. Calling the
// returned function releases the signal registration.
func HandleSignals(ctx context.Context, mgr *LifecycleManager) (context.Context, context.CancelFunc) {
	sigCtx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			log.WarningLog.Printf("received %v, stopping agents", sig)
			cancel()
			mgr.ShutdownAll(false)
		case <-sigCtx.Done():
		}
	}()

	return sigCtx, func() {
		signal.Stop(sigs)
		cancel()
	}
}
