// Package coordinator turns user intents into local session changes and
// store writes.
package coordinator

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-calendar/domain"
	"prism-calendar/ordering"
	"prism-calendar/reconcile"
)

const tracerName = "prism-calendar/coordinator"

// Store is the write side of the task store client.
type Store interface {
	Create(ctx context.Context, task domain.Task) (string, error)
	Update(ctx context.Context, ownerID, id string, fields domain.TaskFields) error
	Remove(ctx context.Context, ownerID, id string) error
	BatchWrite(ctx context.Context, ownerID string, patches []domain.Patch) error
	SaveAll(ctx context.Context, ownerID string, tasks []domain.Task) error
}

// Coordinator applies the intents of one owner against that owner's
// session. Local state changes before the store call is issued; failures
// are logged and returned, never retried.
type Coordinator struct {
	store   Store
	session *reconcile.Session
	logger  *log.Entry
}

func New(store Store, session *reconcile.Session, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{
		store:   store,
		session: session,
		logger:  logger.WithField("owner", session.OwnerID()),
	}
}

// MoveRequest describes a drop: the dragged task, its index in its current
// day and the target day and index.
type MoveRequest struct {
	TaskID    string
	FromIndex int
	ToDay     domain.Day
	ToIndex   int
}

// Add creates a task at the end of day. When a move into the day took the
// reserved order meanwhile, the task is placed last and its order rewritten.
func (c *Coordinator) Add(ctx context.Context, text string, day domain.Day) (task domain.Task, err error) {
	ctx, span := c.start(ctx, "add", attribute.String("prism.day", day.String()))
	writes := 1
	defer func() { c.finish(span, "add", task.ID, err, writes) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, domain.ErrEmptyText
	}
	if !day.Valid() {
		return domain.Task{}, domain.ErrInvalidDay
	}

	order, release := c.session.ReserveOrder(day)
	defer release()
	task = domain.Task{
		OwnerID:  c.session.OwnerID(),
		Text:     text,
		Day:      day,
		Order:    order,
		Subtasks: []domain.Subtask{},
	}
	id, err := c.store.Create(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	task.ID = id
	task, moved := c.session.Settle(task)
	if !moved {
		return task, nil
	}
	writes++
	order = task.Order
	return task, c.store.Update(ctx, c.session.OwnerID(), id, domain.TaskFields{Order: &order})
}

// EditText writes a new text. The local list is left to the next snapshot.
func (c *Coordinator) EditText(ctx context.Context, id, text string) (err error) {
	ctx, span := c.start(ctx, "edit_text", attribute.String("prism.task_id", id))
	defer func() { c.finish(span, "edit_text", id, err, 1) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ErrEmptyText
	}
	if _, ok := c.session.Task(id); !ok {
		return domain.ErrTaskNotFound
	}
	return c.store.Update(ctx, c.session.OwnerID(), id, domain.TaskFields{Text: &text})
}

// Toggle flips completion locally and then in the store. A failed write is
// not rolled back; the next snapshot restores the stored value.
func (c *Coordinator) Toggle(ctx context.Context, id string) (completed bool, err error) {
	ctx, span := c.start(ctx, "toggle", attribute.String("prism.task_id", id))
	defer func() { c.finish(span, "toggle", id, err, 1) }()

	err = c.session.Mutate(id, func(t *domain.Task) {
		t.Completed = !t.Completed
		completed = t.Completed
	})
	if err != nil {
		return false, err
	}
	return completed, c.store.Update(ctx, c.session.OwnerID(), id, domain.TaskFields{Completed: &completed})
}

// Delete removes the task locally and then from the store.
func (c *Coordinator) Delete(ctx context.Context, id string) (err error) {
	ctx, span := c.start(ctx, "delete", attribute.String("prism.task_id", id))
	defer func() { c.finish(span, "delete", id, err, 1) }()

	c.session.Remove(id)
	return c.store.Remove(ctx, c.session.OwnerID(), id)
}

// Move reorders within a day or moves across days. The new positions are
// shown at once and written as one batch; on failure they stay visible until
// the next snapshot corrects them.
func (c *Coordinator) Move(ctx context.Context, req MoveRequest) (updates []ordering.Update, err error) {
	ctx, span := c.start(ctx, "move",
		attribute.String("prism.task_id", req.TaskID),
		attribute.String("prism.day", req.ToDay.String()),
		attribute.Int("prism.from_index", req.FromIndex),
		attribute.Int("prism.to_index", req.ToIndex),
	)
	defer func() { c.finish(span, "move", req.TaskID, err, len(updates)) }()

	if !req.ToDay.Valid() {
		return nil, domain.ErrInvalidDay
	}
	err = c.session.Update(func(tasks []domain.Task) ([]domain.Task, error) {
		i := domain.IndexOf(tasks, req.TaskID)
		if i < 0 {
			return nil, domain.ErrTaskNotFound
		}
		src := domain.Bucket(tasks, tasks[i].Day)
		dst := domain.Bucket(tasks, req.ToDay)
		var err error
		updates, err = ordering.Move(src, dst, req.TaskID, req.FromIndex, req.ToIndex, req.ToDay)
		if err != nil {
			return nil, err
		}
		if len(updates) == 0 {
			return nil, reconcile.ErrUnchanged
		}
		return ordering.Apply(tasks, updates), nil
	})
	if err != nil || len(updates) == 0 {
		return nil, err
	}
	return updates, c.store.BatchWrite(ctx, c.session.OwnerID(), ordering.Patches(updates))
}

// SaveAll merge-upserts every held task as an explicit resync.
func (c *Coordinator) SaveAll(ctx context.Context) (err error) {
	tasks := c.session.Tasks()
	ctx, span := c.start(ctx, "save_all")
	defer func() { c.finish(span, "save_all", "", err, len(tasks)) }()

	if len(tasks) == 0 {
		return nil
	}
	return c.store.SaveAll(ctx, c.session.OwnerID(), tasks)
}

// UpdateTask writes text, completion, subtasks and notes of task in one
// update. The local copy is replaced and the detail view closed only once
// the store acknowledged the write.
func (c *Coordinator) UpdateTask(ctx context.Context, task domain.Task) (err error) {
	ctx, span := c.start(ctx, "update_task", attribute.String("prism.task_id", task.ID))
	defer func() { c.finish(span, "update_task", task.ID, err, 1) }()

	if strings.TrimSpace(task.Text) == "" {
		return domain.ErrEmptyText
	}
	if _, ok := c.session.Task(task.ID); !ok {
		return domain.ErrTaskNotFound
	}
	fields := domain.ContentFields(task)
	if err := c.store.Update(ctx, c.session.OwnerID(), task.ID, fields); err != nil {
		return err
	}
	_ = c.session.Mutate(task.ID, fields.Apply)
	c.session.ClearSelection()
	return nil
}

// OpenDetail selects a task for the detail view.
func (c *Coordinator) OpenDetail(id string) error {
	return c.session.Select(id)
}

// CloseDetail closes the detail view.
func (c *Coordinator) CloseDetail() {
	c.session.ClearSelection()
}

func (c *Coordinator) start(ctx context.Context, intent string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("prism.owner_id", c.session.OwnerID()))
	return otel.Tracer(tracerName).Start(ctx, "coordinator."+intent, trace.WithAttributes(attrs...))
}

func (c *Coordinator) finish(span trace.Span, op, taskID string, err error, writes int) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry := c.logger.WithError(err).WithField("op", op)
		if taskID != "" {
			entry = entry.WithField("task", taskID)
		}
		entry.Error("task mutation failed")
		return
	}
	span.SetAttributes(attribute.Int("prism.writes", writes))
	span.SetStatus(codes.Ok, "")
}
