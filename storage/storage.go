package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-calendar/domain"
)

// Storage is the task store client. Every write is scoped to an owner,
// returns only after the backend acknowledged it and then announces the
// change to the notifier and any extra publishers.
type Storage struct {
	table      Table
	notifier   Notifier
	publishers []Publisher
	logger     *log.Logger
}

// New creates a Storage over table. A nil notifier falls back to an
// in-process one.
func New(table Table, notifier Notifier, logger *log.Logger, publishers ...Publisher) *Storage {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Storage{table: table, notifier: notifier, publishers: publishers, logger: logger}
}

// Create stores a new task and returns the id assigned to it.
func (s *Storage) Create(ctx context.Context, task domain.Task) (string, error) {
	if task.OwnerID == "" {
		return "", domain.ErrNoOwner
	}
	task.ID = uuid.NewString()
	ent, err := entityFromTask(task)
	if err != nil {
		return "", &domain.WriteError{Op: "create", Err: err}
	}
	if err := s.table.Insert(ctx, ent); err != nil {
		return "", &domain.WriteError{Op: "create", Err: err}
	}
	s.announce(ctx, newChangeEvent(task.OwnerID, OpCreated, task.ID))
	return task.ID, nil
}

// Update writes only the given fields of one task.
func (s *Storage) Update(ctx context.Context, ownerID, id string, fields domain.TaskFields) error {
	if ownerID == "" {
		return domain.ErrNoOwner
	}
	if fields.Empty() {
		return nil
	}
	ent, err := entityFromFields(ownerID, id, fields)
	if err != nil {
		return &domain.WriteError{Op: "update", TaskID: id, Err: err}
	}
	if err := s.table.Merge(ctx, ownerID, []TaskEntity{ent}, MergeExisting); err != nil {
		return &domain.WriteError{Op: "update", TaskID: id, Err: err}
	}
	s.announce(ctx, newChangeEvent(ownerID, OpUpdated, id))
	return nil
}

// Remove deletes a task. Removing a task that is already gone succeeds.
func (s *Storage) Remove(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return domain.ErrNoOwner
	}
	if err := s.table.Delete(ctx, ownerID, id); err != nil {
		return &domain.WriteError{Op: "remove", TaskID: id, Err: err}
	}
	s.announce(ctx, newChangeEvent(ownerID, OpRemoved, id))
	return nil
}

// BatchWrite applies every patch atomically. On failure no patch is visible
// and the error carries no partial result.
func (s *Storage) BatchWrite(ctx context.Context, ownerID string, patches []domain.Patch) error {
	if ownerID == "" {
		return domain.ErrNoOwner
	}
	if len(patches) == 0 {
		return nil
	}
	if len(patches) > MaxBatch {
		return &domain.BatchWriteError{Op: "batch", Count: len(patches), Err: domain.ErrBatchTooLarge}
	}
	ents, ids, err := patchEntities(ownerID, patches)
	if err != nil {
		return &domain.BatchWriteError{Op: "batch", Count: len(patches), Err: err}
	}
	if err := s.table.Merge(ctx, ownerID, ents, MergeExisting); err != nil {
		return &domain.BatchWriteError{Op: "batch", Count: len(patches), Err: err}
	}
	s.announce(ctx, newChangeEvent(ownerID, OpBatch, ids...))
	return nil
}

// SaveAll merge-upserts the content and day of every task. Order is never
// written. Tasks are written in chunks of MaxBatch; each chunk is atomic on
// its own and the first failing chunk stops the save.
func (s *Storage) SaveAll(ctx context.Context, ownerID string, tasks []domain.Task) error {
	if ownerID == "" {
		return domain.ErrNoOwner
	}
	for start := 0; start < len(tasks); start += MaxBatch {
		end := min(start+MaxBatch, len(tasks))
		patches := make([]domain.Patch, 0, end-start)
		for _, t := range tasks[start:end] {
			fields := domain.ContentFields(t)
			day := t.Day
			fields.Day = &day
			patches = append(patches, domain.Patch{ID: t.ID, Fields: fields})
		}
		ents, ids, err := patchEntities(ownerID, patches)
		if err == nil {
			err = s.table.Merge(ctx, ownerID, ents, MergeOrInsert)
		}
		if err != nil {
			return &domain.BatchWriteError{Op: "save-all", Count: len(patches), Err: err}
		}
		s.announce(ctx, newChangeEvent(ownerID, OpSaved, ids...))
	}
	return nil
}

// FetchTasks returns the owner's tasks ordered by day, then order.
func (s *Storage) FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if ownerID == "" {
		return nil, domain.ErrNoOwner
	}
	ents, err := s.table.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ents))
	for _, ent := range ents {
		t, err := ent.Task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	domain.SortCanonical(tasks)
	return tasks, nil
}

func (s *Storage) announce(ctx context.Context, ev ChangeEvent) {
	// The write is already durable; a request context cancelled right after
	// it must not swallow the notification.
	ctx = context.WithoutCancel(ctx)
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"owner": ev.OwnerID, "op": ev.Op}).Error("failed to publish change")
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"owner": ev.OwnerID, "op": ev.Op}).Error("failed to export change")
		}
	}
}

func patchEntities(ownerID string, patches []domain.Patch) ([]TaskEntity, []string, error) {
	ents := make([]TaskEntity, 0, len(patches))
	ids := make([]string, 0, len(patches))
	seen := make(map[string]struct{}, len(patches))
	for _, p := range patches {
		if strings.TrimSpace(p.ID) == "" {
			return nil, nil, errors.New("patch without task id")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, nil, fmt.Errorf("task %s patched twice in one batch", p.ID)
		}
		seen[p.ID] = struct{}{}
		ent, err := entityFromFields(ownerID, p.ID, p.Fields)
		if err != nil {
			return nil, nil, err
		}
		ents = append(ents, ent)
		ids = append(ids, p.ID)
	}
	return ents, ids, nil
}
