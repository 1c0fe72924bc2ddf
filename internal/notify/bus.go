// Package notify implements the Notification Bus (C7, spec §4.7): an
// in-order, per-subscriber-isolated fan-out of command status, session
// lifecycle, and recovery events, scoped per session.
package notify

import (
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
)

// Subscription is a live feed of notifications for one session.
type Subscription interface {
	// C returns the channel notifications arrive on. Closed on Unsubscribe
	// or when the bus itself is closed.
	C() <-chan v1.Notification
	Unsubscribe()
}

// Bus fans out notifications to subscribers of a session. Publish must
// preserve per-command ordering (queued -> executing -> terminal) for any
// one subscriber; it is the caller's responsibility to publish from a
// single goroutine per session (the queue engine's worker loop does this).
type Bus interface {
	Publish(sessionID string, n v1.Notification) error
	Subscribe(sessionID string) (Subscription, error)
	// Drop removes all subscriptions for a session, e.g. on session close.
	Drop(sessionID string)
	Close() error
}
