package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/austindbirch/indexhook/internal/task"
)

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func taskToMap(t *task.Task) map[string]any {
	deleted := "0"
	if t.Deleted {
		deleted = "1"
	}
	return map[string]any{
		"id":              t.ID,
		"version":         t.Version,
		"pid":             t.PID,
		"format_id":       t.FormatID,
		"sys_metadata":    string(t.Metadata),
		"object_path":     t.ObjectPath,
		"source_modified": formatTime(t.SourceModified),
		"task_modified":   formatTime(t.TaskModified),
		"next_execution":  formatTime(t.NextEligible),
		"try_count":       t.TryCount,
		"deleted":         deleted,
		"priority":        t.Priority,
		"status":          string(t.Status),
	}
}

func mapToTask(m map[string]string) (*task.Task, error) {
	var (
		t   task.Task
		err error
	)
	if t.ID, err = strconv.ParseInt(m["id"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if t.Version, err = strconv.Atoi(m["version"]); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	if t.TryCount, err = strconv.Atoi(m["try_count"]); err != nil {
		return nil, fmt.Errorf("decode try_count: %w", err)
	}
	if t.Priority, err = strconv.Atoi(m["priority"]); err != nil {
		return nil, fmt.Errorf("decode priority: %w", err)
	}
	if t.SourceModified, err = parseTime(m["source_modified"]); err != nil {
		return nil, fmt.Errorf("decode source_modified: %w", err)
	}
	if t.TaskModified, err = parseTime(m["task_modified"]); err != nil {
		return nil, fmt.Errorf("decode task_modified: %w", err)
	}
	if t.NextEligible, err = parseTime(m["next_execution"]); err != nil {
		return nil, fmt.Errorf("decode next_execution: %w", err)
	}
	t.PID = m["pid"]
	t.FormatID = m["format_id"]
	if md := m["sys_metadata"]; md != "" {
		t.Metadata = []byte(md)
	}
	t.ObjectPath = m["object_path"]
	t.Deleted = m["deleted"] == "1"
	t.Status = task.Status(m["status"])
	return &t, nil
}
