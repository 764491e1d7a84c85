// Package reconcile keeps the in-memory task list of a logged-in owner in
// step with the store's live query while local mutations are in flight.
package reconcile

import (
	"prism-calendar/domain"
)

// Reconciler merges an inbound snapshot into the current local list and
// returns the new local list. Implementations must not retain either slice.
type Reconciler func(current, snapshot []domain.Task) []domain.Task

// Wholesale treats the snapshot as authoritative and replaces the local list
// with it. A local edit that the snapshot predates disappears until the next
// snapshot carries it.
func Wholesale(_, snapshot []domain.Task) []domain.Task {
	out := make([]domain.Task, len(snapshot))
	for i, t := range snapshot {
		out[i] = t.Clone()
	}
	return out
}

// Feed is a cancellable stream of full task list snapshots.
type Feed interface {
	Snapshots() <-chan []domain.Task
	Errors() <-chan error
	Cancel()
}
