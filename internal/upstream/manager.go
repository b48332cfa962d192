package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// EventHandler receives each normalized upstream event. Handlers run on the
// subscription's stream goroutine; a panic in one handler is isolated and
// never blocks delivery to the others.
type EventHandler func(key session.Key, eventID int64, ev event.Event)

// ErrorHandler receives transport-level failures for observability. The
// manager retries regardless.
type ErrorHandler func(key session.Key, err error)

// subscription tracks one raw upstream session stream. States:
// connecting -> streaming -> (reconnecting -> connecting)* -> closed.
type subscription struct {
	key         session.Key
	clientID    string
	requestID   string
	lastEventID int64
	attempts    int
	closed      bool
	cancel      context.CancelFunc
}

// Manager keeps at most one live streaming subscription per raw session key,
// reconnecting with exponential backoff until unsubscribed or closed.
type Manager struct {
	client       *Client
	logger       *slog.Logger
	baseInterval time.Duration
	maxInterval  time.Duration

	mu            sync.Mutex
	subs          map[session.Key]*subscription
	handlers      map[int]EventHandler
	errorHandlers map[int]ErrorHandler
	nextHandlerID int
	closed        bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBackoff overrides the reconnect backoff bounds (defaults 1s base,
// 30s cap).
func WithBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.baseInterval = base
		m.maxInterval = max
	}
}

// NewManager creates a manager that subscribes through client.
func NewManager(client *Client, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client:        client,
		logger:        logger,
		baseInterval:  time.Second,
		maxInterval:   30 * time.Second,
		subs:          make(map[session.Key]*subscription),
		handlers:      make(map[int]EventHandler),
		errorHandlers: make(map[int]ErrorHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandler adds an event handler and returns its removal closure.
func (m *Manager) RegisterHandler(h EventHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// RegisterErrorHandler adds an error handler and returns its removal closure.
func (m *Manager) RegisterErrorHandler(h ErrorHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.errorHandlers[id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.errorHandlers, id)
	}
}

// Subscribe opens a streaming subscription for the raw session key. No-op if
// one already exists or the manager is closed. A positive lastEventID asks
// the upstream to replay from that point.
func (m *Manager) Subscribe(clientID, requestID string, lastEventID int64) error {
	if err := session.ValidateID(clientID); err != nil {
		return fmt.Errorf("invalid client id: %w", err)
	}
	if err := session.ValidateID(requestID); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	key := session.NewKey(clientID, requestID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if _, exists := m.subs[key]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		key:         key,
		clientID:    clientID,
		requestID:   requestID,
		lastEventID: lastEventID,
		cancel:      cancel,
	}
	m.subs[key] = sub

	m.logger.Info("upstream subscription opened",
		slog.String("session", key.String()),
		slog.Int64("last_event_id", lastEventID),
	)

	go m.run(ctx, sub)
	return nil
}

// Unsubscribe closes and forgets the subscription. Idempotent; after it
// returns no handler is invoked for the key even if in-flight data arrives.
func (m *Manager) Unsubscribe(clientID, requestID string) {
	key := session.NewKey(clientID, requestID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
}

func (m *Manager) removeLocked(key session.Key) {
	sub, ok := m.subs[key]
	if !ok {
		return
	}
	sub.closed = true
	sub.cancel()
	delete(m.subs, key)
	m.logger.Info("upstream subscription closed", slog.String("session", key.String()))
}

// Close cancels every pending reconnect and open stream and makes Subscribe
// a no-op. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for key := range m.subs {
		m.removeLocked(key)
	}
}

// ActiveSubscriptions lists the raw session keys with a live subscription.
func (m *Manager) ActiveSubscriptions() []session.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]session.Key, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	return keys
}

// run owns one subscription's connect/stream/reconnect loop.
func (m *Manager) run(ctx context.Context, sub *subscription) {
	for {
		m.mu.Lock()
		if m.closed || sub.closed {
			m.mu.Unlock()
			return
		}
		lastEventID := sub.lastEventID
		m.mu.Unlock()

		body, err := m.client.OpenStream(ctx, sub.clientID, sub.requestID, lastEventID)
		if err == nil {
			streamErr := readFrames(body, func(f Frame) bool {
				return m.handleFrame(sub, f)
			})
			body.Close()
			if streamErr == nil {
				// Stopped by a terminal event or by unsubscribe/close.
				return
			}
			if streamErr == io.EOF {
				err = fmt.Errorf("upstream stream ended without terminal event")
			} else {
				err = streamErr
			}
		}

		m.dispatchError(sub.key, err)

		m.mu.Lock()
		if m.closed || sub.closed {
			m.mu.Unlock()
			return
		}
		delay := backoffDelay(m.baseInterval, m.maxInterval, sub.attempts)
		sub.attempts++
		attempts := sub.attempts
		m.mu.Unlock()

		m.logger.Warn("upstream stream failed, reconnecting",
			slog.String("session", sub.key.String()),
			slog.Int("attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame normalizes one frame and fans it out to handlers. Returns
// false to stop the stream (terminal event, unsubscribe, or shutdown).
func (m *Manager) handleFrame(sub *subscription, f Frame) bool {
	var ev event.Event
	if err := ev.UnmarshalJSON(f.Data); err != nil {
		m.logger.Warn("skipping malformed upstream event",
			slog.String("session", sub.key.String()),
			slog.String("error", err.Error()),
		)
		return true
	}

	m.mu.Lock()
	if m.closed || sub.closed {
		m.mu.Unlock()
		return false
	}

	id, ok := f.EventID()
	if !ok {
		id = sub.lastEventID + 1
	}
	sub.lastEventID = id
	// A clean receipt proves the connection is healthy again.
	sub.attempts = 0

	handlers := make([]EventHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	terminal := ev.Type.Terminal()
	if terminal {
		m.removeLocked(sub.key)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.invoke(h, sub.key, id, ev)
	}
	return !terminal
}

// invoke runs one handler with panic isolation.
func (m *Manager) invoke(h EventHandler, key session.Key, id int64, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				slog.String("session", key.String()),
				slog.Int64("event_id", id),
				slog.Any("panic", r),
			)
		}
	}()
	h(key, id, ev)
}

func (m *Manager) dispatchError(key session.Key, err error) {
	m.mu.Lock()
	handlers := make([]ErrorHandler, 0, len(m.errorHandlers))
	for _, h := range m.errorHandlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("error handler panicked",
						slog.String("session", key.String()),
						slog.Any("panic", r),
					)
				}
			}()
			h(key, err)
		}()
	}
}

// backoffDelay computes min(base * 2^attempts + jitter(0..1s), max).
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30 // avoid shift overflow; max caps it anyway
	}
	delay := base << uint(attempts)
	if delay <= 0 || delay > max {
		delay = max
	}
	delay += time.Duration(rand.Int64N(int64(time.Second)))
	if delay > max {
		delay = max
	}
	return delay
}
