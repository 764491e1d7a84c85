package api

import (
	"context"

	"prism-calendar/reconcile"
)

// Sessions hands out the live session of a logged-in owner.
type Sessions interface {
	Acquire(ctx context.Context, ownerID string) (*reconcile.Session, func(), error)
	Active() int
}

// Authenticator is implemented by types able to extract owner ids from headers.
type Authenticator interface {
	OwnerIDFromAuthHeader(string) (string, error)
}

// Deduper prevents a retried request from running its intent twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, ownerID, key string) (bool, error)
	// Remove deletes a previously added key, used when the intent fails.
	Remove(ctx context.Context, ownerID, key string) error
}
