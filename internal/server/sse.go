package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/hub"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// sseConn adapts an http.ResponseWriter into a hub.Connection. A mutex
// serializes writes because broadcasts, replays, and keepalives arrive from
// different goroutines; closed short-circuits writes after the client goes
// away so the hub sees the failure on its next send.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

var _ hub.Connection = (*sseConn)(nil)

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, flusher: flusher, done: make(chan struct{})}
}

func (c *sseConn) Send(id int64, eventName string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := fmt.Fprintf(c.w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventName, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) SendComment(comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := fmt.Fprintf(c.w, ": %s\n\n", comment); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// handleSubscribe streams a session's events to one observer: connected ack,
// replay of logged history after the acknowledged id, then live broadcasts
// until the client disconnects or the hub shuts down.
func (h *handlers) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	requestID := chi.URLParam(r, "requestID")
	if session.ValidateID(clientID) != nil || session.ValidateID(requestID) != nil {
		http.Error(w, "invalid session identifier", http.StatusBadRequest)
		return
	}
	key := session.NewKey(clientID, requestID)

	lastAckedID, err := parseLastEventID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		AddError(r.Context(), fmt.Errorf("streaming not supported"))
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Snapshot and registration happen under one hub lock acquisition, so a
	// concurrent broadcast lands either in the snapshot or on the live
	// stream, never in between.
	conn := newSSEConn(w, flusher)
	subID, err := h.relay.Hub().SubscribeWithSnapshot(key, conn, lastAckedID, func() ([]event.Record, error) {
		return h.relay.Log().ReadSince(key, lastAckedID)
	})
	if err != nil {
		AddError(r.Context(), err)
		return
	}
	AddLogField(r.Context(), "subscriber_id", subID)
	AddLogField(r.Context(), "session", key.String())

	select {
	case <-r.Context().Done():
		h.relay.Hub().RemoveSubscriber(subID)
	case <-conn.done:
		// Hub closed the connection (shutdown or write failure).
	}
}

// parseLastEventID honors the SSE Last-Event-ID header with a lastEventId
// query parameter fallback. Absent both, replay starts from the beginning.
func parseLastEventID(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid last event id %q", raw)
	}
	return id, nil
}
