package storage

import (
	"fmt"

	"github.com/bytedance/sonic"

	"prism-calendar/domain"
)

// TaskEntity is the stored shape of a task. PartitionKey is the owner and
// RowKey the task id. Nil fields are absent from a merge and left untouched
// by the backend.
type TaskEntity struct {
	PartitionKey string  `json:"PartitionKey"`
	RowKey       string  `json:"RowKey"`
	Text         *string `json:"Text,omitempty"`
	Day          *string `json:"Day,omitempty"`
	Order        *int    `json:"Order,omitempty"`
	Completed    *bool   `json:"Completed,omitempty"`
	Subtasks     *string `json:"Subtasks,omitempty"`
	Notes        *string `json:"Notes,omitempty"`
}

// entityFromTask builds a complete entity for insertion.
func entityFromTask(t domain.Task) (TaskEntity, error) {
	subtasks := t.Subtasks
	if subtasks == nil {
		subtasks = []domain.Subtask{}
	}
	return entityFromFields(t.OwnerID, t.ID, domain.TaskFields{
		Text:      &t.Text,
		Day:       &t.Day,
		Order:     &t.Order,
		Completed: &t.Completed,
		Subtasks:  &subtasks,
		Notes:     &t.Notes,
	})
}

// entityFromFields builds a merge entity carrying only the set fields.
func entityFromFields(ownerID, id string, f domain.TaskFields) (TaskEntity, error) {
	ent := TaskEntity{PartitionKey: ownerID, RowKey: id}
	if f.Text != nil {
		v := *f.Text
		ent.Text = &v
	}
	if f.Day != nil {
		v := f.Day.String()
		ent.Day = &v
	}
	if f.Order != nil {
		v := *f.Order
		ent.Order = &v
	}
	if f.Completed != nil {
		v := *f.Completed
		ent.Completed = &v
	}
	if f.Subtasks != nil {
		subtasks := *f.Subtasks
		if subtasks == nil {
			subtasks = []domain.Subtask{}
		}
		data, err := sonic.Marshal(subtasks)
		if err != nil {
			return TaskEntity{}, fmt.Errorf("encode subtasks: %w", err)
		}
		v := string(data)
		ent.Subtasks = &v
	}
	if f.Notes != nil {
		v := *f.Notes
		ent.Notes = &v
	}
	return ent, nil
}

// Task converts a stored entity back into the domain shape.
func (e TaskEntity) Task() (domain.Task, error) {
	t := domain.Task{ID: e.RowKey, OwnerID: e.PartitionKey, Subtasks: []domain.Subtask{}}
	if e.Text != nil {
		t.Text = *e.Text
	}
	if e.Day != nil {
		t.Day = domain.Day(*e.Day)
	}
	if e.Order != nil {
		t.Order = *e.Order
	}
	if e.Completed != nil {
		t.Completed = *e.Completed
	}
	if e.Subtasks != nil && *e.Subtasks != "" {
		if err := sonic.UnmarshalString(*e.Subtasks, &t.Subtasks); err != nil {
			return domain.Task{}, fmt.Errorf("decode subtasks of %s: %w", e.RowKey, err)
		}
	}
	if e.Notes != nil {
		t.Notes = *e.Notes
	}
	return t, nil
}
