package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/indexhook/internal/sysmeta"
)

// FormatResourceMap is the format id of resource maps. Resource maps are
// indexed ahead of the objects they reference, which saves re-indexing those
// objects once the map lands.
const FormatResourceMap = "http://www.openarchives.org/ore/terms"

// Priority tiers; lower values are dequeued first.
const (
	PriorityUpdateResourceMap = 1
	PriorityUpdate            = 2
	PriorityAddResourceMap    = 3
	PriorityAdd               = 4
	PriorityNone              = 99
)

// ChangeType is the kind of content change a task is generated for
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ParseChangeType parses a change type case-insensitively
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(strings.ToUpper(strings.TrimSpace(s))) {
	case ChangeAdd:
		return ChangeAdd, nil
	case ChangeUpdate:
		return ChangeUpdate, nil
	case ChangeDelete:
		return ChangeDelete, nil
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// ErrNoIdentifier is returned when the metadata carries no pid to index
var ErrNoIdentifier = errors.New("system metadata has no identifier")

// Classifier turns content changes into prioritized NEW tasks
type Classifier struct {
	Now func() time.Time
}

// NewClassifier returns a Classifier using the wall clock
func NewClassifier() *Classifier {
	return &Classifier{Now: time.Now}
}

func (c *Classifier) now() time.Time {
	if c == nil || c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Classify builds a task for change from the raw system metadata document.
// It returns nil and no error when the pid is reserved for internal
// bookkeeping and must never be indexed.
func (c *Classifier) Classify(change ChangeType, raw []byte, objectPath string) (*Task, error) {
	md, err := sysmeta.Parse(raw)
	if err != nil {
		return nil, err
	}
	if md.Identifier == "" {
		return nil, ErrNoIdentifier
	}
	if IsIgnored(md.Identifier) {
		return nil, nil
	}

	switch change {
	case ChangeAdd:
		t := New(md, raw, objectPath, c.now())
		t.Priority = AssignPriority(change, t.FormatID)
		return t, nil
	case ChangeUpdate:
		t := New(md, raw, objectPath, c.now())
		t.Priority = AssignPriority(change, t.FormatID)
		return t, nil
	case ChangeDelete:
		t := New(md, raw, "", c.now())
		t.Deleted = true
		return t, nil
	}
	return nil, fmt.Errorf("unknown change type %q", change)
}

// ClassifyWithPriority builds a task with an explicit priority, bypassing the
// tiers. Reserved pids are still dropped.
func (c *Classifier) ClassifyWithPriority(raw []byte, objectPath string, priority int) (*Task, error) {
	md, err := sysmeta.Parse(raw)
	if err != nil {
		return nil, err
	}
	if md.Identifier == "" {
		return nil, ErrNoIdentifier
	}
	if IsIgnored(md.Identifier) {
		return nil, nil
	}
	t := New(md, raw, objectPath, c.now())
	t.Priority = priority
	return t, nil
}

// AssignPriority returns the tier for a change to an object of formatID
func AssignPriority(change ChangeType, formatID string) int {
	rmap := formatID == FormatResourceMap
	switch change {
	case ChangeUpdate:
		if rmap {
			return PriorityUpdateResourceMap
		}
		return PriorityUpdate
	case ChangeAdd:
		if rmap {
			return PriorityAddResourceMap
		}
		return PriorityAdd
	}
	return PriorityNone
}
