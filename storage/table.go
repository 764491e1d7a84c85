package storage

import (
	"context"
)

// MaxBatch is the largest number of entities one atomic Merge accepts. It
// matches the Azure Tables entity group transaction limit.
const MaxBatch = 100

// MergeMode selects what a merge does with entities that do not exist yet.
type MergeMode int

const (
	// MergeExisting fails the whole merge when any entity is missing.
	MergeExisting MergeMode = iota
	// MergeOrInsert creates missing entities from the supplied fields.
	MergeOrInsert
)

// Table is a document backend holding task entities partitioned by owner.
type Table interface {
	Insert(ctx context.Context, ent TaskEntity) error
	// Merge writes the set fields of every entity atomically. All entities
	// must share the owner partition.
	Merge(ctx context.Context, ownerID string, ents []TaskEntity, mode MergeMode) error
	// Delete succeeds when the entity is already gone.
	Delete(ctx context.Context, ownerID, id string) error
	List(ctx context.Context, ownerID string) ([]TaskEntity, error)
}
