// Package runctl provides the interrupt-handling glue the CLI commands use
// to turn Ctrl+C / SIGTERM into a graceful context cancellation, adapted
// from the teacher's internal/ui/spinning.SafeInterrupt -- the spinner
// display it was bundled with was a terminal-UI concern with no place in
// this engine, so only the signal/grace-period half survives here.
package runctl

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// SafeInterrupt installs a SIGINT/SIGTERM handler that calls onInterrupt
// once, then forcibly exits after gracePeriod if the program is still
// running -- a last resort against a cancellation that a component fails
// to honor.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		klog.Errorf("received %s, shutting down (grace period %s)...", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		klog.Fatalf("graceful shutdown grace period (%s) expired, exiting", gracePeriod)
	}()
}

// WithCancelOnInterrupt returns a context derived from parent that is
// canceled on SIGINT/SIGTERM, and its CancelFunc. Calling the CancelFunc
// cancels the context; the signal handler stays installed. Once a signal
// arrives, the process exits after gracePeriod if it is still running
// (see SafeInterrupt).
func WithCancelOnInterrupt(parent context.Context, gracePeriod time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	SafeInterrupt(cancel, gracePeriod)
	return ctx, cancel
}
