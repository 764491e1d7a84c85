// Package ordering computes order assignments for day buckets.
//
// Every structural change renumbers the affected buckets 0..n-1 by display
// position. Bucket sizes are small (tasks per day), so the O(n) writes per
// move buy freedom from fractional precision loss and order exhaustion.
// Only tasks whose order or day actually changes are emitted.
package ordering

import (
	"prism-calendar/domain"
)

// Update assigns a new position to one task.
type Update struct {
	ID    string
	Order int
	// Day is set only when the task changes bucket.
	Day *domain.Day
}

// Patch converts u into a store patch.
func (u Update) Patch() domain.Patch {
	order := u.Order
	f := domain.TaskFields{Order: &order}
	if u.Day != nil {
		day := *u.Day
		f.Day = &day
	}
	return domain.Patch{ID: u.ID, Fields: f}
}

// Patches converts a whole update set.
func Patches(updates []Update) []domain.Patch {
	out := make([]domain.Patch, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.Patch())
	}
	return out
}

// AppendToBucket returns the order for a task added at the end of bucket:
// max(order)+1, or 0 when the bucket is empty.
func AppendToBucket(bucket []domain.Task) int {
	if len(bucket) == 0 {
		return 0
	}
	max := bucket[0].Order
	for _, t := range bucket[1:] {
		if t.Order > max {
			max = t.Order
		}
	}
	return max + 1
}

// ReorderWithinBucket moves movedID from index from to index to inside one
// bucket and renumbers it. Moving a task onto its own position yields no
// updates.
func ReorderWithinBucket(bucket []domain.Task, movedID string, from, to int) ([]Update, error) {
	ordered := canonical(bucket)
	idx, err := resolve(ordered, movedID, from)
	if err != nil {
		return nil, err
	}
	if to < 0 || to >= len(ordered) {
		return nil, domain.ErrIndexOutOfRange
	}
	if idx == to {
		return nil, nil
	}

	moved := ordered[idx]
	rest := append(ordered[:idx:idx], ordered[idx+1:]...)
	arranged := insertAt(rest, to, moved)
	return renumber(arranged, nil, ""), nil
}

// Move takes movedID out of src and inserts it into dst at index to,
// assigning it dstDay. Both buckets are renumbered and the result is one
// combined update set meant to be written as a single batch. When the task
// already belongs to dstDay the move is treated as a reorder within src.
func Move(src, dst []domain.Task, movedID string, from, to int, dstDay domain.Day) ([]Update, error) {
	source := canonical(src)
	idx, err := resolve(source, movedID, from)
	if err != nil {
		return nil, err
	}
	moved := source[idx]
	if moved.Day == dstDay {
		return ReorderWithinBucket(source, movedID, idx, to)
	}

	target := canonical(dst)
	if to < 0 || to > len(target) {
		return nil, domain.ErrIndexOutOfRange
	}

	remaining := append(source[:idx:idx], source[idx+1:]...)
	updates := renumber(remaining, nil, "")
	arranged := insertAt(target, to, moved)
	day := dstDay
	return append(updates, renumber(arranged, &day, moved.ID)...), nil
}

// Apply returns a copy of tasks with updates applied.
func Apply(tasks []domain.Task, updates []Update) []domain.Task {
	byID := make(map[string]Update, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
		if u, ok := byID[t.ID]; ok {
			out[i].Order = u.Order
			if u.Day != nil {
				out[i].Day = *u.Day
			}
		}
	}
	return out
}

func canonical(bucket []domain.Task) []domain.Task {
	out := make([]domain.Task, len(bucket))
	copy(out, bucket)
	domain.SortCanonical(out)
	return out
}

// resolve finds movedID, trusting the index only when it still points at it.
func resolve(bucket []domain.Task, movedID string, from int) (int, error) {
	if from >= 0 && from < len(bucket) && bucket[from].ID == movedID {
		return from, nil
	}
	if idx := domain.IndexOf(bucket, movedID); idx >= 0 {
		return idx, nil
	}
	return -1, domain.ErrTaskNotFound
}

func insertAt(tasks []domain.Task, at int, t domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:at]...)
	out = append(out, t)
	return append(out, tasks[at:]...)
}

// renumber assigns 0..n-1 and emits changed positions. The task named
// arriving is always emitted together with day.
func renumber(arranged []domain.Task, day *domain.Day, arriving string) []Update {
	var updates []Update
	for i, t := range arranged {
		if t.ID == arriving && day != nil {
			d := *day
			updates = append(updates, Update{ID: t.ID, Order: i, Day: &d})
			continue
		}
		if t.Order != i {
			updates = append(updates, Update{ID: t.ID, Order: i})
		}
	}
	return updates
}
