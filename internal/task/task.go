package task

import (
	"fmt"
	"time"

	"github.com/austindbirch/indexhook/internal/sysmeta"
)

// Status is the processing state of an index task
type Status string

const (
	StatusNew       Status = "NEW"
	StatusInProcess Status = "IN PROCESS"
	StatusComplete  Status = "COMPLETE"
	StatusFailed    Status = "FAILED"
)

// Valid reports whether s is one of the known task statuses
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProcess, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// ParseStatus accepts the stored form ("IN PROCESS") as well as the
// underscore form ("IN_PROCESS") used on command lines.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "NEW", "new":
		return StatusNew, nil
	case "IN PROCESS", "IN_PROCESS", "in_process":
		return StatusInProcess, nil
	case "COMPLETE", "complete":
		return StatusComplete, nil
	case "FAILED", "failed":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Task is a unit of work telling the search indexer that the system metadata
// of an object changed. It carries enough information for the consumer to
// update the index without calling back into the producer.
type Task struct {
	ID             int64     `json:"id"`
	PID            string    `json:"pid"`
	FormatID       string    `json:"formatId"`
	Metadata       []byte    `json:"sysMetadata"`
	ObjectPath     string    `json:"objectPath,omitempty"`
	SourceModified time.Time `json:"dateSysMetaModified"`
	TaskModified   time.Time `json:"taskModifiedDate"`
	Priority       int       `json:"priority"`
	Status         Status    `json:"status"`
	TryCount       int       `json:"tryCount"`
	NextEligible   time.Time `json:"nextExecution"`
	Deleted        bool      `json:"deleted"`
	Version        int       `json:"version"`
}

// New returns a NEW task built from the parsed system metadata and its raw
// document. Priority is left at PriorityNone; the classifier assigns tiers.
func New(md *sysmeta.SystemMetadata, raw []byte, objectPath string, now time.Time) *Task {
	t := &Task{
		Metadata:     append([]byte(nil), raw...),
		ObjectPath:   objectPath,
		TaskModified: now,
		Priority:     PriorityNone,
		Status:       StatusNew,
	}
	if md != nil {
		t.PID = md.Identifier
		t.FormatID = md.FormatID
		t.SourceModified = md.DateSysMetadataModified.Time
	}
	return t
}

// IsResourceMap reports whether the task's object describes relationships
// between other objects.
func (t *Task) IsResourceMap() bool {
	return t.FormatID == FormatResourceMap
}

// SystemMetadata parses the embedded metadata document
func (t *Task) SystemMetadata() (*sysmeta.SystemMetadata, error) {
	return sysmeta.Parse(t.Metadata)
}

// IsDeleteTask reports whether the task removes the object from the index,
// either because it was generated for a delete or because the object is archived.
func (t *Task) IsDeleteTask() bool {
	if t.Deleted {
		return true
	}
	md, err := t.SystemMetadata()
	if err != nil {
		return false
	}
	return md.IsArchived()
}

// Eligible reports whether the task would be returned by an eligibility
// query for status at now with the given try count limit.
func (t *Task) Eligible(status Status, now time.Time, tryCountLimit int) bool {
	return t.Status == status && t.TryCount < tryCountLimit && t.NextEligible.Before(now)
}

// Clone returns a deep copy
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = append([]byte(nil), t.Metadata...)
	}
	return &cp
}

func (t *Task) String() string {
	return fmt.Sprintf("Task[id=%d pid=%s format=%s status=%s priority=%d tries=%d version=%d]",
		t.ID, t.PID, t.FormatID, t.Status, t.Priority, t.TryCount, t.Version)
}
