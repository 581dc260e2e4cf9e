package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/indexhook/internal/task"
)

// ContentEvent announces that an object's system metadata changed
type ContentEvent struct {
	EventID      string            `json:"event_id"`
	Change       string            `json:"change"`                // ADD, UPDATE or DELETE
	SysMeta      string            `json:"sysmeta"`               // raw system metadata document
	ObjectPath   string            `json:"object_path,omitempty"` // where the object bytes live
	Priority     *int              `json:"priority,omitempty"`    // explicit tier override
	PublishedAt  string            `json:"published_at"`          // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Validate checks the fields every event must carry. It does not parse the
// metadata document.
func (e ContentEvent) Validate() error {
	var errs []error
	if _, err := task.ParseChangeType(e.Change); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(e.SysMeta) == "" {
		errs = append(errs, errors.New("sysmeta is required"))
	}
	if e.Priority != nil && *e.Priority <= 0 {
		errs = append(errs, fmt.Errorf("priority must be positive, got %d", *e.Priority))
	}
	return errors.Join(errs...)
}

// NewContentEvent stamps an event for publishing
func NewContentEvent(id string, change task.ChangeType, sysmeta []byte, objectPath string) ContentEvent {
	return ContentEvent{
		EventID:     id,
		Change:      string(change),
		SysMeta:     string(sysmeta),
		ObjectPath:  objectPath,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
}
