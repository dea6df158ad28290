// Package shutdown wires OS signals to a graceful teardown handler.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdown
}

// ListenForShutdown blocks until a signal arrives, invokes the handler, and
// then waits for done up to the timeout before returning.
func ListenForShutdown(
	signalChan chan os.Signal,
	done chan bool,
	handler func(),
	timeout time.Duration,
	l *zap.Logger,
) {
	sig := <-signalChan
	l.Sugar().Infow("Received shutdown signal", zap.String("signal", sig.String()))
	signal.Stop(signalChan)

	handler()

	select {
	case <-done:
	case <-time.After(timeout):
		l.Sugar().Warnw("Graceful shutdown timed out")
	}
}
