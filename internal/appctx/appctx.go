// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a new context that is not tied to the parent's
// cancellation but still reacts to stopCh and its own timeout. Use this
// for work that must outlive the request that triggered it: the sweeper's
// closes, and recovery's force-restart, must not die because an HTTP
// request context was cancelled mid-flight.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
