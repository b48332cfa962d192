// Package sqlite implements the event log on a SQLite database for
// deployments that prefer one database file over a directory of NDJSON
// session files. Insertion order is preserved by an autoincrement sequence
// column, never by event id.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/eventlog"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// Store is a SQLite-backed eventlog.Store.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ eventlog.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session
			ON events(client_id, request_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitValid(key session.Key) (string, string, error) {
	clientID, requestID := key.Split()
	if err := session.ValidateID(clientID); err != nil {
		return "", "", fmt.Errorf("invalid client id: %w", err)
	}
	if err := session.ValidateID(requestID); err != nil {
		return "", "", fmt.Errorf("invalid request id: %w", err)
	}
	return clientID, requestID, nil
}

// Append inserts one record. Per-session serialization comes from SQLite's
// single-writer model; insertion order is the seq column.
func (s *Store) Append(key session.Key, id int64, ev event.Event) error {
	clientID, requestID, err := splitValid(key)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO events (client_id, request_id, event_id, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		clientID, requestID, id, string(ev.Type), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (s *Store) readRows(key session.Key, afterID int64, filtered bool) ([]event.Record, error) {
	clientID, requestID, err := splitValid(key)
	if err != nil {
		return nil, err
	}

	query := `SELECT event_id, payload FROM events
		WHERE client_id = ? AND request_id = ?`
	args := []any{clientID, requestID}
	if filtered {
		query += ` AND event_id > ?`
		args = append(args, afterID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	defer rows.Close()

	records := []event.Record{}
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return records, fmt.Errorf("failed to scan record: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("skipping corrupt stored record",
				slog.String("session", key.String()),
				slog.Int64("event_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, event.Record{ID: id, Event: ev})
	}
	return records, rows.Err()
}

func (s *Store) ReadAll(key session.Key) ([]event.Record, error) {
	return s.readRows(key, 0, false)
}

func (s *Store) ReadSince(key session.Key, afterID int64) ([]event.Record, error) {
	// afterID <= 0 means "everything", including synthetic id-0 records.
	return s.readRows(key, afterID, afterID > 0)
}

func (s *Store) MaxEventID(key session.Key) (int64, error) {
	clientID, requestID, err := splitValid(key)
	if err != nil {
		return 0, err
	}

	var max sql.NullInt64
	err = s.db.Get(&max,
		`SELECT MAX(event_id) FROM events WHERE client_id = ? AND request_id = ?`,
		clientID, requestID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query max event id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// ListSessions summarizes every distinct session in the table.
func (s *Store) ListSessions() ([]eventlog.SessionSummary, error) {
	type row struct {
		ClientID  string `db:"client_id"`
		RequestID string `db:"request_id"`
	}
	var keys []row
	err := s.db.Select(&keys,
		`SELECT DISTINCT client_id, request_id FROM events`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	summaries := []eventlog.SessionSummary{}
	for _, k := range keys {
		key := session.NewKey(k.ClientID, k.RequestID)
		records, err := s.ReadAll(key)
		if err != nil {
			s.logger.Warn("failed to read session records",
				slog.String("session", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary := eventlog.Summarize(k.ClientID, k.RequestID, records)

		var updated time.Time
		err = s.db.Get(&updated,
			`SELECT created_at FROM events
			 WHERE client_id = ? AND request_id = ?
			 ORDER BY seq DESC LIMIT 1`,
			k.ClientID, k.RequestID)
		if err == nil {
			summary.UpdatedAt = updated.UTC()
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
