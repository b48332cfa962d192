// Package memory implements the event log in process memory. It backs tests
// and deployments that do not need durability.
package memory

import (
	"sync"
	"time"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/eventlog"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// Store is an in-memory eventlog.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[session.Key][]event.Record
	updated  map[session.Key]time.Time
}

var _ eventlog.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[session.Key][]event.Record),
		updated:  make(map[session.Key]time.Time),
	}
}

func validateKey(key session.Key) error {
	clientID, requestID := key.Split()
	if err := session.ValidateID(clientID); err != nil {
		return err
	}
	return session.ValidateID(requestID)
}

func (s *Store) Append(key session.Key, id int64, ev event.Event) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = append(s.sessions[key], event.Record{ID: id, Event: ev})
	s.updated[key] = time.Now().UTC()
	return nil
}

func (s *Store) ReadAll(key session.Key) ([]event.Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.sessions[key]
	out := make([]event.Record, len(records))
	copy(out, records)
	return out, nil
}

func (s *Store) ReadSince(key session.Key, afterID int64) ([]event.Record, error) {
	all, err := s.ReadAll(key)
	if err != nil {
		return nil, err
	}
	if afterID <= 0 {
		return all, nil
	}
	out := make([]event.Record, 0, len(all))
	for _, rec := range all {
		if rec.ID > afterID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) MaxEventID(key session.Key) (int64, error) {
	all, err := s.ReadAll(key)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, rec := range all {
		if rec.ID > max {
			max = rec.ID
		}
	}
	return max, nil
}

func (s *Store) ListSessions() ([]eventlog.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := []eventlog.SessionSummary{}
	for key, records := range s.sessions {
		clientID, requestID := key.Split()
		summary := eventlog.Summarize(clientID, requestID, records)
		summary.UpdatedAt = s.updated[key]
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Store) Close() error { return nil }
