package domain

// TaskFields carries a partial task update. Nil fields are left untouched.
type TaskFields struct {
	Text      *string
	Day       *Day
	Order     *int
	Completed *bool
	Subtasks  *[]Subtask
	Notes     *string
}

// Patch addresses a partial update at one task.
type Patch struct {
	ID     string
	Fields TaskFields
}

// Empty reports whether f changes nothing.
func (f TaskFields) Empty() bool {
	return f.Text == nil && f.Day == nil && f.Order == nil && f.Completed == nil && f.Subtasks == nil && f.Notes == nil
}

// Apply merges f into t.
func (f TaskFields) Apply(t *Task) {
	if f.Text != nil {
		t.Text = *f.Text
	}
	if f.Day != nil {
		t.Day = *f.Day
	}
	if f.Order != nil {
		t.Order = *f.Order
	}
	if f.Completed != nil {
		t.Completed = *f.Completed
	}
	if f.Subtasks != nil {
		t.Subtasks = append(make([]Subtask, 0, len(*f.Subtasks)), (*f.Subtasks)...)
	}
	if f.Notes != nil {
		t.Notes = *f.Notes
	}
}

// ContentFields returns the fields written by a full task update from the
// detail editor. Day and order are positional and are never part of it.
func ContentFields(t Task) TaskFields {
	text := t.Text
	completed := t.Completed
	subtasks := append([]Subtask{}, t.Subtasks...)
	notes := t.Notes
	return TaskFields{Text: &text, Completed: &completed, Subtasks: &subtasks, Notes: &notes}
}
