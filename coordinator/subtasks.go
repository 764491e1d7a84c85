package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"prism-calendar/domain"
)

// Subtask edits from the detail view change the local task first and then
// write the touched field. Like Toggle they are not rolled back on failure,
// and they leave the detail view open.

func (c *Coordinator) AddSubtask(ctx context.Context, taskID, text string) (st domain.Subtask, err error) {
	err = c.editDetail(ctx, "add_subtask", taskID, func(t *domain.Task) (domain.TaskFields, error) {
		var err error
		if st, err = t.AddSubtask(text); err != nil {
			return domain.TaskFields{}, err
		}
		return domain.TaskFields{Subtasks: &t.Subtasks}, nil
	})
	return st, err
}

func (c *Coordinator) ToggleSubtask(ctx context.Context, taskID, subtaskID string) (completed bool, err error) {
	err = c.editDetail(ctx, "toggle_subtask", taskID, func(t *domain.Task) (domain.TaskFields, error) {
		var err error
		if completed, err = t.ToggleSubtask(subtaskID); err != nil {
			return domain.TaskFields{}, err
		}
		return domain.TaskFields{Subtasks: &t.Subtasks}, nil
	})
	return completed, err
}

func (c *Coordinator) RemoveSubtask(ctx context.Context, taskID, subtaskID string) error {
	return c.editDetail(ctx, "remove_subtask", taskID, func(t *domain.Task) (domain.TaskFields, error) {
		if err := t.RemoveSubtask(subtaskID); err != nil {
			return domain.TaskFields{}, err
		}
		return domain.TaskFields{Subtasks: &t.Subtasks}, nil
	})
}

func (c *Coordinator) ClearNotes(ctx context.Context, taskID string) error {
	return c.editDetail(ctx, "clear_notes", taskID, func(t *domain.Task) (domain.TaskFields, error) {
		t.ClearNotes()
		return domain.TaskFields{Notes: &t.Notes}, nil
	})
}

func (c *Coordinator) editDetail(ctx context.Context, op, taskID string, edit func(t *domain.Task) (domain.TaskFields, error)) (err error) {
	ctx, span := c.start(ctx, op, attribute.String("prism.task_id", taskID))
	defer func() { c.finish(span, op, taskID, err, 1) }()

	var fields domain.TaskFields
	err = c.session.Update(func(tasks []domain.Task) ([]domain.Task, error) {
		i := domain.IndexOf(tasks, taskID)
		if i < 0 {
			return nil, domain.ErrTaskNotFound
		}
		edited := tasks[i].Clone()
		f, err := edit(&edited)
		if err != nil {
			return nil, err
		}
		fields = f
		if f.Subtasks != nil {
			subtasks := append([]domain.Subtask{}, *f.Subtasks...)
			fields.Subtasks = &subtasks
		}
		tasks[i] = edited
		return tasks, nil
	})
	if err != nil {
		return err
	}
	return c.store.Update(ctx, c.session.OwnerID(), taskID, fields)
}
