package events

import "time"

const DLQType = "content_event.dlq"

// DeadLetter wraps a content event that could not be turned into a task
type DeadLetter struct {
	Type      string       `json:"type"`     // "content_event.dlq"
	Version   string       `json:"version"`  // schema version
	At        string       `json:"at"`       // RFC3339 time the DLQ was emitted
	Reason    string       `json:"reason"`   // human/debug text
	Attempts  int          `json:"attempts"` // deliveries of the NSQ message
	LastError string       `json:"last_error,omitempty"`
	Event     ContentEvent `json:"event"`
	Raw       string       `json:"raw,omitempty"` // body when it did not decode
}

func NewDeadLetter(e ContentEvent, attempts int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempts:  attempts,
		LastError: lastErr,
		Event:     e,
	}
}
