// Package file implements the event log as one append-only NDJSON file per
// session, laid out as <dir>/<clientID>/<requestID>.ndjson. Identifiers are
// validated before every filesystem access.
package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/eventlog"
	"github.com/streamhouse/sessionrelay/internal/session"
)

const fileSuffix = ".ndjson"

// Store is a file-backed eventlog.Store.
type Store struct {
	dir    string
	logger *slog.Logger

	// mu guards locks; each session gets its own mutex so appends to the
	// same file serialize while different sessions proceed concurrently.
	mu    sync.Mutex
	locks map[session.Key]*sync.Mutex
}

var _ eventlog.Store = (*Store)(nil)

// New creates a file store rooted at dir. The directory is created lazily on
// first append, so a missing directory at startup is not an error.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		locks:  make(map[session.Key]*sync.Mutex),
	}
}

func (s *Store) sessionLock(key session.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) sessionPath(key session.Key) (string, error) {
	clientID, requestID := key.Split()
	if err := session.ValidateID(clientID); err != nil {
		return "", fmt.Errorf("invalid client id: %w", err)
	}
	if err := session.ValidateID(requestID); err != nil {
		return "", fmt.Errorf("invalid request id: %w", err)
	}
	return filepath.Join(s.dir, clientID, requestID+fileSuffix), nil
}

// Append writes one record line to the session's file, creating the client
// directory if needed. Concurrent appends to the same session serialize on a
// per-session mutex so lines can never interleave.
func (s *Store) Append(key session.Key, id int64, ev event.Event) error {
	path, err := s.sessionPath(key)
	if err != nil {
		return err
	}

	line, err := json.Marshal(event.Record{ID: id, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	lock := s.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// ReadAll returns the session's records in file order. A line that fails to
// parse is logged and skipped so one corrupt record cannot lose the rest of
// the session. A missing file yields an empty slice.
func (s *Store) ReadAll(key session.Key) ([]event.Record, error) {
	path, err := s.sessionPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []event.Record{}, nil
		}
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	var records []event.Record
	scanner := bufio.NewScanner(f)
	// Tool results can be large; grow the scanner buffer well past the default.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("skipping corrupt log record",
				slog.String("session", key.String()),
				slog.Int("line", lineNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read session log: %w", err)
	}
	if records == nil {
		records = []event.Record{}
	}
	return records, nil
}

// ReadSince returns records with id strictly greater than afterID, in file
// order. afterID <= 0 returns the full log, so synthetic id-0 records
// (prompts, interventions) are never lost from a from-the-start replay.
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

// MaxEventID returns the highest id in the session's log, 0 if empty.
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

// ListSessions scans the storage directory and summarizes every session file
// whose identifiers validate. An absent storage directory yields an empty
// list.
func (s *Store) ListSessions() ([]eventlog.SessionSummary, error) {
	clients, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []eventlog.SessionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to scan storage directory: %w", err)
	}

	summaries := []eventlog.SessionSummary{}
	for _, client := range clients {
		if !client.IsDir() || session.ValidateID(client.Name()) != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, client.Name()))
		if err != nil {
			s.logger.Warn("failed to scan client directory",
				slog.String("client_id", client.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), fileSuffix) {
				continue
			}
			requestID := strings.TrimSuffix(f.Name(), fileSuffix)
			if session.ValidateID(requestID) != nil {
				continue
			}

			key := session.NewKey(client.Name(), requestID)
			records, err := s.ReadAll(key)
			if err != nil {
				s.logger.Warn("failed to read session log",
					slog.String("session", key.String()),
					slog.String("error", err.Error()),
				)
				continue
			}

			summary := eventlog.Summarize(client.Name(), requestID, records)
			if info, err := f.Info(); err == nil {
				summary.UpdatedAt = info.ModTime().UTC()
			}
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

// Close is a no-op; files are opened per append.
func (s *Store) Close() error { return nil }
