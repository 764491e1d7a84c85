package storage

import (
	"context"
	"sync/atomic"
	"time"
)

// Change operations carried by ChangeEvent.Op.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpRemoved = "removed"
	OpBatch   = "batch"
	OpSaved   = "saved"
)

// ChangeEvent announces an acknowledged write to one owner's tasks.
type ChangeEvent struct {
	OwnerID   string   `json:"ownerId"`
	Op        string   `json:"op"`
	TaskIDs   []string `json:"taskIds"`
	Timestamp int64    `json:"timestamp"`
}

// Publisher receives change events after writes are acknowledged.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Listener delivers change events for one owner until closed.
type Listener interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Notifier fans change events out to listeners of the same owner.
type Notifier interface {
	Publisher
	Listen(ctx context.Context, ownerID string) (Listener, error)
}

var lastTimestamp int64

// nextTimestamp returns strictly increasing unix nanoseconds.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

func newChangeEvent(ownerID, op string, ids ...string) ChangeEvent {
	return ChangeEvent{OwnerID: ownerID, Op: op, TaskIDs: ids, Timestamp: nextTimestamp()}
}
