package hub

import (
	"log/slog"
	"time"

	"github.com/streamhouse/sessionrelay/internal/session"
)

// Alias redirects events arriving under a new physical execution's session
// key onto an existing logical session, shifting ids into the target's id
// space so the pre-resume and post-resume streams never collide.
type Alias struct {
	SourceKey     session.Key
	TargetKey     session.Key
	EventIDOffset int64
	CreatedAt     time.Time
}

// AddAlias installs a redirect from sourceKey to targetKey. The offset is
// chosen by the caller as (max existing id in the target's log) + 1 at
// resume time. An existing alias for the same source is replaced.
func (h *Hub) AddAlias(sourceKey, targetKey session.Key, eventIDOffset int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.aliases[sourceKey] = Alias{
		SourceKey:     sourceKey,
		TargetKey:     targetKey,
		EventIDOffset: eventIDOffset,
		CreatedAt:     h.now(),
	}
	h.logger.Info("session alias added",
		slog.String("source", sourceKey.String()),
		slog.String("target", targetKey.String()),
		slog.Int64("offset", eventIDOffset),
	)
}

// ResolveAlias returns the alias for sourceKey, if one is installed.
func (h *Hub) ResolveAlias(sourceKey session.Key) (Alias, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	alias, ok := h.aliases[sourceKey]
	return alias, ok
}

// RemoveAlias deletes the redirect; no-op for unknown sources. Called when
// the aliased stream reaches a terminal event.
func (h *Hub) RemoveAlias(sourceKey session.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.aliases[sourceKey]; ok {
		delete(h.aliases, sourceKey)
		h.logger.Info("session alias removed", slog.String("source", sourceKey.String()))
	}
}

// sweepAliasesLocked reaps aliases older than the TTL. Runs on keepalive
// ticks so abandoned or never-terminating aliases cannot accumulate.
func (h *Hub) sweepAliasesLocked() {
	cutoff := h.now().Add(-h.aliasTTL)
	for src, alias := range h.aliases {
		if alias.CreatedAt.Before(cutoff) {
			delete(h.aliases, src)
			h.logger.Info("session alias expired",
				slog.String("source", src.String()),
				slog.String("target", alias.TargetKey.String()),
			)
		}
	}
}
