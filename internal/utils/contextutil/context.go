package contextutil

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	// ShutdownTimeout bounds graceful teardown of HTTP servers and exporters.
	ShutdownTimeout = 15 * time.Second
	// ConnectTimeout bounds database connects and dials.
	ConnectTimeout = 10 * time.Second
)

// WithSignals returns a context cancelled on SIGINT or SIGTERM.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// WithShutdownTimeout is detached from any cancelled parent so cleanup still
// gets its full budget after a signal.
func WithShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ShutdownTimeout)
}

// WithCustomTimeout creates a context with a custom timeout
func WithCustomTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
