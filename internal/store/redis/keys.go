package redis

import (
	"strconv"

	"github.com/austindbirch/indexhook/internal/task"
)

// All keys share one prefix so several deployments can share an instance.
const keyPrefix = "indexhook:"

// taskKey returns the Hash key of a task: indexhook:task:{id}
func taskKey(id int64) string { return keyPrefix + "task:" + strconv.FormatInt(id, 10) }

// seqKey is the counter assigning task ids.
const seqKey = keyPrefix + "task_seq"

// statusKey is the Sorted Set of task ids in a status, scored for dequeue order.
func statusKey(s task.Status) string { return keyPrefix + "status:" + string(s) }

// modifiedKey is the Sorted Set of task ids in a status, scored by modified time.
func modifiedKey(s task.Status) string { return keyPrefix + "modified:" + string(s) }

// pidKey is the Set of task ids recorded for a pid.
func pidKey(pid string) string { return keyPrefix + "pid:" + pid }

// priorityStride leaves room for millisecond timestamps below each priority.
const priorityStride = 1e13

// eligibleScore orders a status set by priority, then task modified time.
func eligibleScore(t *task.Task) float64 {
	return float64(t.Priority)*priorityStride + float64(t.TaskModified.UnixMilli())
}

func member(id int64) string { return strconv.FormatInt(id, 10) }
