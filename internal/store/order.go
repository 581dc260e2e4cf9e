package store

import (
	"sort"
	"time"

	"github.com/austindbirch/indexhook/internal/task"
)

// EligibleLess orders tasks by priority, then task modified time, then id
func EligibleLess(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.TaskModified.Equal(b.TaskModified) {
		return a.TaskModified.Before(b.TaskModified)
	}
	return a.ID < b.ID
}

// SortEligible sorts tasks in dequeue order
func SortEligible(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool { return EligibleLess(tasks[i], tasks[j]) })
}

// FilterEligible keeps the tasks FindEligible would return, sorted and cut to limit
func FilterEligible(tasks []*task.Task, status task.Status, now time.Time, tryCountLimit, limit int) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Eligible(status, now, tryCountLimit) {
			out = append(out, t)
		}
	}
	SortEligible(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortByModified sorts tasks oldest first, breaking ties by id
func SortByModified(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.TaskModified.Equal(b.TaskModified) {
			return a.TaskModified.Before(b.TaskModified)
		}
		return a.ID < b.ID
	})
}
