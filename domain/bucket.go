package domain

import "sort"

// SortCanonical orders tasks by day, then order, then id so that equal
// orders still produce a stable display.
func SortCanonical(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

// Bucket returns the tasks of one day in display order.
func Bucket(tasks []Task, day Day) []Task {
	out := make([]Task, 0)
	for _, t := range tasks {
		if t.Day == day {
			out = append(out, t.Clone())
		}
	}
	SortCanonical(out)
	return out
}

// GroupByDay splits tasks into day buckets, each in display order.
func GroupByDay(tasks []Task) map[Day][]Task {
	groups := make(map[Day][]Task)
	for _, t := range tasks {
		groups[t.Day] = append(groups[t.Day], t.Clone())
	}
	for day := range groups {
		SortCanonical(groups[day])
	}
	return groups
}

// Progress is the completed share of a bucket as a percentage. An empty
// bucket has no progress.
func Progress(bucket []Task) float64 {
	if len(bucket) == 0 {
		return 0
	}
	done := 0
	for _, t := range bucket {
		if t.Completed {
			done++
		}
	}
	return float64(done) / float64(len(bucket)) * 100
}

// IndexOf returns the position of id in tasks or -1.
func IndexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
