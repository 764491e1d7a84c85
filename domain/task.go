package domain

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Task represents a single calendar entry. It belongs to exactly one day
// bucket and sits at Order within it.
type Task struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Text      string    `json:"text"`
	Day       Day       `json:"day"`
	Order     int       `json:"order"`
	Completed bool      `json:"completed"`
	Subtasks  []Subtask `json:"subtasks"`
	Notes     string    `json:"notes"`
}

// Subtask is a checklist item nested in a task.
type Subtask struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Clone returns a copy that shares no slices with t.
func (t Task) Clone() Task {
	if t.Subtasks != nil {
		t.Subtasks = append(make([]Subtask, 0, len(t.Subtasks)), t.Subtasks...)
	}
	return t
}

// AddSubtask appends a new open subtask. Blank text is rejected.
func (t *Task) AddSubtask(text string) (Subtask, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Subtask{}, ErrEmptyText
	}
	st := Subtask{ID: nextSubtaskID(), Text: text}
	t.Subtasks = append(t.Subtasks, st)
	return st, nil
}

// ToggleSubtask flips the completion flag of the subtask with the given id.
func (t *Task) ToggleSubtask(id string) (bool, error) {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			t.Subtasks[i].Completed = !t.Subtasks[i].Completed
			return t.Subtasks[i].Completed, nil
		}
	}
	return false, ErrTaskNotFound
}

// RemoveSubtask drops the subtask with the given id.
func (t *Task) RemoveSubtask(id string) error {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			t.Subtasks = append(t.Subtasks[:i:i], t.Subtasks[i+1:]...)
			return nil
		}
	}
	return ErrTaskNotFound
}

// ClearNotes empties the free text notes.
func (t *Task) ClearNotes() { t.Notes = "" }

var lastSubtaskStamp int64

// nextSubtaskID returns a time based id that never repeats within the process,
// even when two subtasks are added in the same millisecond.
func nextSubtaskID() string {
	for {
		now := time.Now().UnixMilli()
		last := atomic.LoadInt64(&lastSubtaskStamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastSubtaskStamp, last, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}
