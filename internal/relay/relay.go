// Package relay wires the upstream subscription manager, the event log, and
// the broadcast hub into one pipeline: every upstream event is alias-resolved,
// appended to the log, and broadcast to live observers, in that fixed order.
// It also implements the session lifecycle operations (start, resume,
// intervene) consumed by the HTTP layer.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamhouse/sessionrelay/internal/event"
	"github.com/streamhouse/sessionrelay/internal/eventlog"
	"github.com/streamhouse/sessionrelay/internal/hub"
	"github.com/streamhouse/sessionrelay/internal/session"
	"github.com/streamhouse/sessionrelay/internal/upstream"
)

// Upstream is the subscription surface the relay needs from the upstream
// manager. *upstream.Manager implements it; tests use fakes.
type Upstream interface {
	Subscribe(clientID, requestID string, lastEventID int64) error
	Unsubscribe(clientID, requestID string)
	RegisterHandler(h upstream.EventHandler) func()
	RegisterErrorHandler(h upstream.ErrorHandler) func()
	Close()
}

// Relay owns the pipeline and the keepalive loop.
type Relay struct {
	log      eventlog.Store
	hub      *hub.Hub
	upstream Upstream
	logger   *slog.Logger

	keepaliveInterval time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithKeepaliveInterval overrides the default 15s keepalive tick.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(r *Relay) { r.keepaliveInterval = d }
}

// New wires the relay's event and error handlers into the upstream manager.
func New(log eventlog.Store, h *hub.Hub, up Upstream, logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		log:               log,
		hub:               h,
		upstream:          up,
		logger:            logger,
		keepaliveInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	up.RegisterHandler(r.handleUpstreamEvent)
	up.RegisterErrorHandler(func(key session.Key, err error) {
		r.logger.Warn("upstream subscription error",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
	})
	return r
}

// Hub exposes the broadcast hub for the HTTP layer (subscribe/replay).
func (r *Relay) Hub() *hub.Hub { return r.hub }

// Log exposes the event log for the HTTP layer (snapshot reads, listing).
func (r *Relay) Log() eventlog.Store { return r.log }

// handleUpstreamEvent is the pipeline for one event: resolve the alias,
// append to the log, then broadcast. Persistence failure is logged and
// swallowed; live delivery continues (availability over durability) and
// broadcast never waits on the durable write beyond its synchronous return.
// The upstream manager delivers one session's events from a single
// goroutine, so per-session ordering is preserved end to end.
func (r *Relay) handleUpstreamEvent(key session.Key, eventID int64, ev event.Event) {
	if alias, ok := r.hub.ResolveAlias(key); ok {
		if ev.Type.Terminal() {
			// The aliased physical stream is over; later executions need a
			// fresh alias with a recomputed offset.
			defer r.hub.RemoveAlias(key)
		}
		key = alias.TargetKey
		eventID += alias.EventIDOffset
	}

	if err := r.log.Append(key, eventID, ev); err != nil {
		r.logger.Error("failed to persist event",
			slog.String("session", key.String()),
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}

	r.hub.Broadcast(key, eventID, ev)
}

// StartSession records the submitted prompt as a synthetic id-0 user message
// and opens the upstream subscription for the new session.
func (r *Relay) StartSession(clientID, requestID, prompt string) error {
	if err := session.ValidateID(clientID); err != nil {
		return fmt.Errorf("invalid client id: %w", err)
	}
	if err := session.ValidateID(requestID); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	key := session.NewKey(clientID, requestID)

	r.recordSynthetic(key, event.NewUserMessage(prompt))
	return r.upstream.Subscribe(clientID, requestID, 0)
}

// ResumeSession starts a new upstream execution that appears to every
// observer and to the log as a continuation of the original session. The
// alias offset is the original log's max id + 1, so post-resume ids can
// never collide with pre-resume ones.
func (r *Relay) ResumeSession(clientID, origRequestID, newRequestID, prompt string) error {
	for _, id := range []string{clientID, origRequestID, newRequestID} {
		if err := session.ValidateID(id); err != nil {
			return fmt.Errorf("invalid identifier: %w", err)
		}
	}
	origKey := session.NewKey(clientID, origRequestID)
	newKey := session.NewKey(clientID, newRequestID)

	maxID, err := r.log.MaxEventID(origKey)
	if err != nil {
		return fmt.Errorf("failed to compute alias offset: %w", err)
	}
	r.hub.AddAlias(newKey, origKey, maxID+1)

	if prompt != "" {
		r.recordSynthetic(origKey, event.NewUserMessage(prompt))
	}
	return r.upstream.Subscribe(clientID, newRequestID, 0)
}

// Intervene records an operator intervention as a synthetic id-0 record on
// the logical session.
func (r *Relay) Intervene(clientID, requestID, content string) error {
	if err := session.ValidateID(clientID); err != nil {
		return fmt.Errorf("invalid client id: %w", err)
	}
	if err := session.ValidateID(requestID); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	key := session.NewKey(clientID, requestID)

	r.recordSynthetic(key, event.NewIntervention(content))
	return nil
}

// recordSynthetic appends and broadcasts an id-0 record. Synthetic records
// order by insertion, never by id.
func (r *Relay) recordSynthetic(key session.Key, ev event.Event) {
	if err := r.log.Append(key, 0, ev); err != nil {
		r.logger.Error("failed to persist synthetic event",
			slog.String("session", key.String()),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	r.hub.Broadcast(key, 0, ev)
}

// Run drives the keepalive loop until ctx is done, then shuts down the
// upstream manager and the hub.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(r.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.hub.SendKeepalive()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	r.upstream.Close()
	r.hub.CloseAll()
	if err == context.Canceled {
		return nil
	}
	return err
}
