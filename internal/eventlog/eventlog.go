// Package eventlog defines the durable per-session event store consumed by
// the relay core. Implementations live in the file, sqlite, and memory
// subpackages; the file store is the canonical one-NDJSON-file-per-session
// layout, the others exist for deployments that already run a database and
// for tests.
package eventlog

import (
	"time"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// Store is an append-only, per-session ordered event log.
//
// Append for the same session must be serialized by the implementation so
// concurrent appends cannot interleave or reorder records; appends to
// different sessions are independent. Reads return records in append order
// regardless of id values (synthetic records share id 0).
type Store interface {
	// Append durably writes one record. Storage for the session is created
	// lazily. Callers treat failure as best-effort: they log and continue.
	Append(key session.Key, id int64, ev event.Event) error

	// ReadAll returns every parseable record in append order. A record that
	// fails to parse is skipped, never fatal. A missing session yields an
	// empty slice and no error.
	ReadAll(key session.Key) ([]event.Record, error)

	// ReadSince returns ReadAll filtered to id > afterID. afterID <= 0
	// returns the full log, synthetic id-0 records included, so
	// ReadSince(key, 0) always equals ReadAll(key). Used for reconnect
	// replay.
	ReadSince(key session.Key, afterID int64) ([]event.Record, error)

	// MaxEventID returns the highest id present for the session, 0 if the
	// session is empty or absent.
	MaxEventID(key session.Key) (int64, error)

	// ListSessions scans storage and summarizes every known session.
	// Unavailable storage yields an empty list, not an error.
	ListSessions() ([]SessionSummary, error)

	Close() error
}

// Session status values inferred from the last logged event type.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusRunning   = "running"
	StatusUnknown   = "unknown"
)

// StatusFor maps a session's last event type to its inferred status.
func StatusFor(last event.Type, count int) string {
	if count == 0 {
		return StatusUnknown
	}
	switch last {
	case event.TypeComplete, event.TypeResult:
		return StatusCompleted
	case event.TypeError:
		return StatusError
	default:
		return StatusRunning
	}
}

// SessionSummary is the ListSessions row for one session.
type SessionSummary struct {
	ClientID      string    `json:"clientId"`
	RequestID     string    `json:"requestId"`
	EventCount    int       `json:"eventCount"`
	LastEventType string    `json:"lastEventType,omitempty"`
	Status        string    `json:"status"`
	Prompt        string    `json:"prompt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// Summarize derives the summary fields shared by all backends from a
// session's records: count, last type, status, and the first user-message
// prompt.
func Summarize(clientID, requestID string, records []event.Record) SessionSummary {
	s := SessionSummary{
		ClientID:   clientID,
		RequestID:  requestID,
		EventCount: len(records),
	}
	if len(records) > 0 {
		s.LastEventType = string(records[len(records)-1].Event.Type)
	}
	s.Status = StatusFor(event.Type(s.LastEventType), len(records))
	for _, rec := range records {
		if rec.Event.Type == event.TypeUserMessage {
			s.Prompt = rec.Event.Content()
			break
		}
	}
	return s
}
