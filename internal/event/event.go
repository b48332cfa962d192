// Package event defines the relay's event model: a tagged union discriminated
// by a "type" field, carried verbatim so unknown payload fields survive the
// round trip through the log and the broadcast path.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the event payload shape.
type Type string

const (
	TypeSessionStarted Type = "session_started"
	TypeProgress       Type = "progress"
	TypeTextDelta      Type = "text_delta"
	TypeToolStart      Type = "tool_start"
	TypeToolResult     Type = "tool_result"
	TypeUserMessage    Type = "user_message"
	TypeIntervention   Type = "intervention"
	TypeComplete       Type = "complete"
	TypeResult         Type = "result"
	TypeError          Type = "error"
)

// Terminal reports whether the type ends a physical upstream execution's
// stream. No further events are expected for the raw session after one.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Event is one relay event. Payload holds the original JSON object including
// the "type" field; it is emitted as-is on marshal so the relay never strips
// fields it does not model.
type Event struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// MarshalJSON emits the preserved payload when present, otherwise a minimal
// object carrying only the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Payload) > 0 {
		return e.Payload, nil
	}
	return json.Marshal(struct {
		Type Type `json:"type"`
	}{e.Type})
}

// UnmarshalJSON extracts the type tag and keeps a copy of the full object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	e.Type = head.Type
	e.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// Content returns the human-readable text of the event, if its payload
// carries one under "content" or "text". Empty string otherwise.
func (e Event) Content() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var body struct {
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return ""
	}
	if body.Content != "" {
		return body.Content
	}
	return body.Text
}

// New builds an event of the given type with extra payload fields.
func New(t Type, fields map[string]any) Event {
	obj := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj["type"] = t
	payload, err := json.Marshal(obj)
	if err != nil {
		// Only reachable with unmarshalable field values; degrade to tag-only.
		return Event{Type: t}
	}
	return Event{Type: t, Payload: payload}
}

// NewUserMessage builds the synthetic record inserted when an observer-facing
// surface submits a prompt for a created or resumed session.
func NewUserMessage(content string) Event {
	return New(TypeUserMessage, map[string]any{
		"content":   content,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// NewIntervention builds the synthetic record inserted when an operator
// intervenes in a running session.
func NewIntervention(content string) Event {
	return New(TypeIntervention, map[string]any{
		"content":   content,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Record is one logged event line: {"id": <int>, "event": {...}}. IDs are
// monotonically increasing per session except synthetic records forced to 0;
// ordering is always insertion order, never id value, and ids are not
// required to be contiguous.
type Record struct {
	ID    int64 `json:"id"`
	Event Event `json:"event"`
}
