package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/eventlog/memory"
	"github.com/streamhouse/sessionrelay/internal/hub"
	"github.com/streamhouse/sessionrelay/internal/session"
	"github.com/streamhouse/sessionrelay/internal/upstream"
)

// fakeUpstream captures handler registrations and subscribe calls so tests
// can drive the pipeline directly.
type fakeUpstream struct {
	mu         sync.Mutex
	handlers   []upstream.EventHandler
	subscribed []session.Key
	closed     bool
}

func (f *fakeUpstream) Subscribe(clientID, requestID string, lastEventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, session.NewKey(clientID, requestID))
	return nil
}

func (f *fakeUpstream) Unsubscribe(clientID, requestID string) {}

func (f *fakeUpstream) RegisterHandler(h upstream.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {}
}

func (f *fakeUpstream) RegisterErrorHandler(h upstream.ErrorHandler) func() { return func() {} }

func (f *fakeUpstream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeUpstream) deliver(key session.Key, id int64, ev event.Event) {
	f.mu.Lock()
	handlers := append([]upstream.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(key, id, ev)
	}
}

// fakeConn mirrors the hub test connection; duplicated here to keep the
// packages independent.
type fakeConn struct {
	mu       sync.Mutex
	ids      []int64
	names    []string
	comments []string
}

func (c *fakeConn) Send(id int64, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	c.names = append(c.names, name)
	return nil
}

func (c *fakeConn) SendComment(comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments = append(c.comments, comment)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) commentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.comments)
}

func newTestRelay(t *testing.T) (*Relay, *memory.Store, *fakeUpstream) {
	t.Helper()
	store := memory.New()
	up := &fakeUpstream{}
	r := New(store, hub.New(nil), up, nil)
	return r, store, up
}

func TestUpstreamEventAppendedThenBroadcast(t *testing.T) {
	r, store, up := newTestRelay(t)
	key := session.NewKey("bot", "r1")

	conn := &fakeConn{}
	if _, err := r.Hub().AddSubscriber(key, conn, 0); err != nil {
		t.Fatalf("AddSubscriber() error = %v", err)
	}

	up.deliver(key, 1, event.Event{Type: event.TypeProgress})
	up.deliver(key, 2, event.Event{Type: event.TypeTextDelta})

	records, err := store.ReadAll(key)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("logged records = %d, want 2", len(records))
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.ids) != 3 { // connected + 2 events
		t.Fatalf("frames = %d, want 3", len(conn.ids))
	}
	if conn.ids[1] != 1 || conn.ids[2] != 2 {
		t.Errorf("broadcast ids = [%d %d], want [1 2]", conn.ids[1], conn.ids[2])
	}
}

func TestStartSessionRecordsPromptAndSubscribes(t *testing.T) {
	r, store, up := newTestRelay(t)

	if err := r.StartSession("bot", "r1", "do the thing"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	key := session.NewKey("bot", "r1")
	records, err := store.ReadAll(key)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 synthetic user message", len(records))
	}
	if records[0].ID != 0 || records[0].Event.Type != event.TypeUserMessage {
		t.Errorf("record = {%d %s}, want {0 user_message}", records[0].ID, records[0].Event.Type)
	}
	if records[0].Event.Content() != "do the thing" {
		t.Errorf("prompt = %q, want %q", records[0].Event.Content(), "do the thing")
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.subscribed) != 1 || up.subscribed[0] != key {
		t.Errorf("subscribed = %v, want [bot:r1]", up.subscribed)
	}
}

func TestStartSessionRejectsInvalidIdentifiers(t *testing.T) {
	r, _, _ := newTestRelay(t)
	if err := r.StartSession("../bot", "r1", "x"); err == nil {
		t.Error("StartSession() with invalid client id succeeded, want error")
	}
}

func TestResumeSessionAliasesAndOffsets(t *testing.T) {
	r, store, up := newTestRelay(t)
	origKey := session.NewKey("dash", "orig")
	newKey := session.NewKey("dash", "new1")

	// Pre-resume history: events up to id 5.
	for _, id := range []int64{1, 3, 5} {
		if err := store.Append(origKey, id, event.Event{Type: event.TypeProgress}); err != nil {
			t.Fatalf("Append(%d) error = %v", id, err)
		}
	}

	conn := &fakeConn{}
	if _, err := r.Hub().AddSubscriber(origKey, conn, 0); err != nil {
		t.Fatalf("AddSubscriber() error = %v", err)
	}

	if err := r.ResumeSession("dash", "orig", "new1", "continue"); err != nil {
		t.Fatalf("ResumeSession() error = %v", err)
	}

	alias, ok := r.Hub().ResolveAlias(newKey)
	if !ok {
		t.Fatal("ResolveAlias(new key) = false, want alias installed")
	}
	if alias.EventIDOffset != 6 {
		t.Errorf("offset = %d, want 6 (max id 5 + 1)", alias.EventIDOffset)
	}

	up.mu.Lock()
	subscribed := append([]session.Key(nil), up.subscribed...)
	up.mu.Unlock()
	if len(subscribed) != 1 || subscribed[0] != newKey {
		t.Fatalf("subscribed = %v, want [dash:new1]", subscribed)
	}

	// An event from the resumed execution lands on the original session
	// with the offset applied, in the log and on the wire.
	up.deliver(newKey, 1, event.Event{Type: event.TypeTextDelta})

	records, err := store.ReadAll(origKey)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	last := records[len(records)-1]
	if last.ID != 7 {
		t.Errorf("logged aliased id = %d, want 7", last.ID)
	}

	conn.mu.Lock()
	lastWireID := conn.ids[len(conn.ids)-1]
	conn.mu.Unlock()
	if lastWireID != 7 {
		t.Errorf("broadcast aliased id = %d, want 7", lastWireID)
	}

	// Terminal event on the aliased stream drops the alias.
	up.deliver(newKey, 2, event.Event{Type: event.TypeComplete})
	if _, ok := r.Hub().ResolveAlias(newKey); ok {
		t.Error("alias survived terminal event")
	}

	records, _ = store.ReadAll(origKey)
	if records[len(records)-1].ID != 8 {
		t.Errorf("terminal logged id = %d, want 8", records[len(records)-1].ID)
	}
}

func TestInterveneRecordsSyntheticEvent(t *testing.T) {
	r, store, _ := newTestRelay(t)

	if err := r.Intervene("bot", "r1", "pause and replan"); err != nil {
		t.Fatalf("Intervene() error = %v", err)
	}

	records, err := store.ReadAll(session.NewKey("bot", "r1"))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 1 || records[0].ID != 0 || records[0].Event.Type != event.TypeIntervention {
		t.Fatalf("records = %+v, want single id-0 intervention", records)
	}
}

func TestRunKeepaliveAndShutdown(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{}
	r := New(store, hub.New(nil), up, nil, WithKeepaliveInterval(10*time.Millisecond))

	conn := &fakeConn{}
	if _, err := r.Hub().AddSubscriber(session.NewKey("bot", "r1"), conn, 0); err != nil {
		t.Fatalf("AddSubscriber() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for conn.commentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for keepalive")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	up.mu.Lock()
	closed := up.closed
	up.mu.Unlock()
	if !closed {
		t.Error("upstream manager not closed on shutdown")
	}
	if _, err := r.Hub().AddSubscriber(session.NewKey("bot", "r2"), &fakeConn{}, 0); err == nil {
		t.Error("hub still accepting subscribers after shutdown")
	}
}
