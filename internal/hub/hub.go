// Package hub multiplexes each session's live event stream to its
// subscribers, replays logged history to reconnecting subscribers, and
// resolves resume aliases so a restarted upstream execution appears as a
// seamless continuation of the original session.
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// Connection is one live observer transport. The server's SSE writer
// implements it; tests use fakes. Implementations must be safe for
// concurrent use, since broadcasts and keepalives arrive from different
// goroutines.
type Connection interface {
	// Send writes one event frame: the record id, the event type as the
	// frame name, and the JSON-encoded record as data.
	Send(id int64, eventName string, data []byte) error
	// SendComment writes a no-op comment frame (keepalive).
	SendComment(comment string) error
	Close() error
}

// Subscriber is one registered observer of a single session.
type Subscriber struct {
	ID          string
	Key         session.Key
	LastAckedID int64

	conn  Connection
	alive bool
}

// connectedPayload is the data of the synthetic "connected" acknowledgment.
type connectedPayload struct {
	SubscriberID string `json:"subscriberId"`
	SessionKey   string `json:"sessionKey"`
}

// Hub owns the subscriber registry and the alias table. One mutex guards
// both; a broadcast pass holds it for the whole fan-out so every subscriber
// observes the session's events in append order.
type Hub struct {
	logger   *slog.Logger
	aliasTTL time.Duration
	now      func() time.Time

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	sessions    map[session.Key]map[string]*Subscriber
	aliases     map[session.Key]Alias
	closed      bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithAliasTTL overrides the default 1 hour alias expiry.
func WithAliasTTL(ttl time.Duration) Option {
	return func(h *Hub) { h.aliasTTL = ttl }
}

// withClock overrides time for alias sweep tests.
func withClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New creates an empty hub.
func New(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:      logger,
		aliasTTL:    time.Hour,
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
		sessions:    make(map[session.Key]map[string]*Subscriber),
		aliases:     make(map[session.Key]Alias),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddSubscriber registers a connection as an observer of the session and
// immediately sends the "connected" acknowledgment carrying the assigned
// subscriber id. It performs no replay; use SubscribeWithSnapshot when the
// subscriber needs logged history, so no broadcast can slip between the
// snapshot and registration.
func (h *Hub) AddSubscriber(key session.Key, conn Connection, lastAckedID int64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, err := h.addSubscriberLocked(key, conn, lastAckedID)
	if err != nil {
		return "", err
	}
	return sub.ID, nil
}

// SubscribeWithSnapshot registers a connection and replays the records
// returned by fetch under a single lock acquisition. Broadcast holds the same
// lock, so every event is either in the snapshot or delivered live after
// registration; none can fall between. A fetch error is logged and replay is
// skipped; the subscriber stays registered for live events.
func (h *Hub) SubscribeWithSnapshot(key session.Key, conn Connection, lastAckedID int64, fetch func() ([]event.Record, error)) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot, err := fetch()
	if err != nil {
		h.logger.Error("failed to read replay snapshot",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
		snapshot = nil
	}

	sub, err := h.addSubscriberLocked(key, conn, lastAckedID)
	if err != nil {
		return "", err
	}
	if err := h.replayLocked(sub, snapshot); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (h *Hub) addSubscriberLocked(key session.Key, conn Connection, lastAckedID int64) (*Subscriber, error) {
	if h.closed {
		return nil, fmt.Errorf("hub is closed")
	}
	if !session.ValidKey(key) {
		return nil, fmt.Errorf("invalid session key %q", key)
	}

	sub := &Subscriber{
		ID:          uuid.New().String(),
		Key:         key,
		LastAckedID: lastAckedID,
		conn:        conn,
		alive:       true,
	}

	ack, err := json.Marshal(connectedPayload{SubscriberID: sub.ID, SessionKey: key.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode connected ack: %w", err)
	}
	if err := conn.Send(0, "connected", ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send connected ack: %w", err)
	}

	h.subscribers[sub.ID] = sub
	if h.sessions[key] == nil {
		h.sessions[key] = make(map[string]*Subscriber)
	}
	h.sessions[key][sub.ID] = sub

	h.logger.Debug("subscriber added",
		slog.String("subscriber_id", sub.ID),
		slog.String("session", key.String()),
	)
	return sub, nil
}

// RemoveSubscriber unregisters and closes a subscriber. No-op for unknown
// ids, so transports can self-report closure without double-remove races.
func (h *Hub) RemoveSubscriber(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id string) {
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	sub.alive = false
	delete(h.subscribers, id)
	if set := h.sessions[sub.Key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.sessions, sub.Key)
		}
	}
	sub.conn.Close()

	h.logger.Debug("subscriber removed",
		slog.String("subscriber_id", id),
		slog.String("session", sub.Key.String()),
	)
}

// Broadcast delivers one event to every live subscriber of the session. The
// session key and id are first passed through the alias table, so events
// from a resumed upstream execution land on the original logical session
// with offset ids. Subscribers whose write fails are collected and removed
// after the delivery pass; removal never disturbs delivery to siblings.
func (h *Hub) Broadcast(key session.Key, id int64, ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if alias, ok := h.aliases[key]; ok {
		key = alias.TargetKey
		id += alias.EventIDOffset
	}

	set := h.sessions[key]
	if len(set) == 0 {
		return
	}

	data, err := json.Marshal(event.Record{ID: id, Event: ev})
	if err != nil {
		h.logger.Error("failed to encode event for broadcast",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	var failed []string
	for _, sub := range set {
		if !sub.alive {
			failed = append(failed, sub.ID)
			continue
		}
		if err := sub.conn.Send(id, string(ev.Type), data); err != nil {
			h.logger.Warn("subscriber write failed, removing",
				slog.String("subscriber_id", sub.ID),
				slog.String("session", key.String()),
				slog.String("error", err.Error()),
			)
			failed = append(failed, sub.ID)
			continue
		}
		// Synthetic id-0 records must not regress the acked position.
		if id > sub.LastAckedID {
			sub.LastAckedID = id
		}
	}

	for _, id := range failed {
		h.removeLocked(id)
	}
}

// Replay delivers a pre-fetched ordered batch to exactly one subscriber,
// stopping and removing it on the first write failure.
func (h *Hub) Replay(subscriberID string, records []event.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %s", subscriberID)
	}
	return h.replayLocked(sub, records)
}

func (h *Hub) replayLocked(sub *Subscriber, records []event.Record) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			h.logger.Warn("skipping unencodable record during replay",
				slog.String("subscriber_id", sub.ID),
				slog.Int64("event_id", rec.ID),
			)
			continue
		}
		if err := sub.conn.Send(rec.ID, string(rec.Event.Type), data); err != nil {
			h.removeLocked(sub.ID)
			return fmt.Errorf("replay write failed: %w", err)
		}
		if rec.ID > sub.LastAckedID {
			sub.LastAckedID = rec.ID
		}
	}
	return nil
}

// SendKeepalive pushes a comment frame to every live subscriber so
// intermediaries do not time out idle connections, and opportunistically
// sweeps expired aliases.
func (h *Hub) SendKeepalive() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var failed []string
	for _, sub := range h.subscribers {
		if err := sub.conn.SendComment("keepalive"); err != nil {
			failed = append(failed, sub.ID)
		}
	}
	for _, id := range failed {
		h.removeLocked(id)
	}

	h.sweepAliasesLocked()
}

// ClientCount reports the number of live subscribers for a session.
func (h *Hub) ClientCount(key session.Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[key])
}

// CloseAll terminates every subscriber connection and clears the alias
// table. The hub accepts no new subscribers afterward.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id := range h.subscribers {
		h.removeLocked(id)
	}
	h.aliases = make(map[session.Key]Alias)
}
