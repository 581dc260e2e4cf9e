package task

import "time"

// DefaultRetryThreshold is the number of attempts a task gets before failures
// start pushing it into backoff.
const DefaultRetryThreshold = 2

// Schedule maps a task's try count to the delay before it becomes eligible
// again. Delays are non-decreasing in the try count.
type Schedule struct {
	Threshold int
}

// Delay returns the backoff for a task that failed with tryCount attempts.
// It is zero below the threshold.
func (s Schedule) Delay(tryCount int) time.Duration {
	r := s.Threshold
	switch {
	case tryCount < r:
		return 0
	case tryCount == r:
		return 20 * time.Minute
	case tryCount == r+1:
		return 2 * time.Hour
	case tryCount == r+2:
		return 8 * time.Hour
	case tryCount <= r+5:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Applies reports whether a failure at tryCount moves the task into backoff
func (s Schedule) Applies(tryCount int) bool {
	return tryCount >= s.Threshold
}
