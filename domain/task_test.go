package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroOrder(t *testing.T) {
	task := Task{ID: "t1", Text: "Write code", Day: "2024-06-10", Order: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"order\":0") {
		t.Fatalf("expected order field to be present, got %s", payload)
	}
	if !strings.Contains(string(payload), "\"day\":\"2024-06-10\"") {
		t.Fatalf("expected day as date string, got %s", payload)
	}
}

func TestSubtaskLifecycle(t *testing.T) {
	task := Task{ID: "t1", Text: "trip"}

	first, err := task.AddSubtask("  passport ")
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	second, err := task.AddSubtask("tickets")
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected unique subtask ids, got %q twice", first.ID)
	}
	if first.Text != "passport" {
		t.Fatalf("expected trimmed text, got %q", first.Text)
	}

	done, err := task.ToggleSubtask(second.ID)
	if err != nil || !done {
		t.Fatalf("toggle: done=%v err=%v", done, err)
	}
	if err := task.RemoveSubtask(first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(task.Subtasks) != 1 || task.Subtasks[0].ID != second.ID || !task.Subtasks[0].Completed {
		t.Fatalf("unexpected subtasks: %#v", task.Subtasks)
	}

	if _, err := task.AddSubtask("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if err := task.RemoveSubtask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRemoveSubtaskDoesNotAliasClone(t *testing.T) {
	task := Task{Subtasks: []Subtask{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	clone := task.Clone()

	if err := clone.RemoveSubtask("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if task.Subtasks[0].ID != "a" || len(task.Subtasks) != 3 {
		t.Fatalf("original mutated: %#v", task.Subtasks)
	}
}

func TestTaskFieldsApply(t *testing.T) {
	task := Task{ID: "t1", Text: "old", Day: "2024-06-10", Order: 3, Notes: "keep"}
	text := "new"
	day := Day("2024-06-11")
	order := 0
	TaskFields{Text: &text, Day: &day, Order: &order}.Apply(&task)

	if task.Text != "new" || task.Day != day || task.Order != 0 || task.Notes != "keep" {
		t.Fatalf("unexpected task after apply: %#v", task)
	}
	if !(TaskFields{}).Empty() {
		t.Fatalf("zero fields should be empty")
	}
}

func TestContentFieldsExcludePosition(t *testing.T) {
	f := ContentFields(Task{Text: "x", Day: "2024-06-10", Order: 4, Completed: true})
	if f.Day != nil || f.Order != nil {
		t.Fatalf("content fields must not carry position: %#v", f)
	}
	if f.Subtasks == nil || *f.Subtasks == nil {
		t.Fatalf("subtasks must be an explicit empty list")
	}
	if f.Text == nil || *f.Text != "x" || f.Completed == nil || !*f.Completed {
		t.Fatalf("unexpected content fields: %#v", f)
	}
}

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    Day
		wantErr bool
	}{
		{in: "2024-06-10", want: "2024-06-10"},
		{in: "2024-02-30", wantErr: true},
		{in: "10/06/2024", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDay(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDay) {
					t.Fatalf("expected ErrInvalidDay, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseDay(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestDayOfNormalisesTimeOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	late := time.Date(2024, 6, 10, 23, 59, 0, 0, loc)
	if got := DayOf(late); got != "2024-06-10" {
		t.Fatalf("DayOf = %q", got)
	}
	if got := Day("2024-06-10").Time(); !got.Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Time = %v", got)
	}
}

func TestMonthDays(t *testing.T) {
	days := MonthDays(2024, time.February)
	if len(days) != 29 {
		t.Fatalf("expected 29 days in Feb 2024, got %d", len(days))
	}
	if days[0] != "2024-02-01" || days[28] != "2024-02-29" {
		t.Fatalf("unexpected bounds %s..%s", days[0], days[28])
	}
}
