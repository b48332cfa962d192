package event

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventRoundTripPreservesUnknownFields(t *testing.T) {
	in := `{"type":"tool_start","tool_name":"search","input":{"query":"go"},"custom":42}`

	var ev Event
	if err := json.Unmarshal([]byte(in), &ev); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if ev.Type != TypeToolStart {
		t.Errorf("Type = %q, want %q", ev.Type, TypeToolStart)
	}

	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip = %s, want %s", out, in)
	}
}

func TestEventMarshalWithoutPayload(t *testing.T) {
	out, err := json.Marshal(Event{Type: TypeComplete})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"type":"complete"}` {
		t.Errorf("Marshal() = %s, want {\"type\":\"complete\"}", out)
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		t    Type
		want bool
	}{
		{TypeComplete, true},
		{TypeError, true},
		{TypeResult, false},
		{TypeProgress, false},
		{TypeTextDelta, false},
	}
	for _, tt := range tests {
		if got := tt.t.Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestContent(t *testing.T) {
	msg := NewUserMessage("hello agent")
	if got := msg.Content(); got != "hello agent" {
		t.Errorf("Content() = %q, want %q", got, "hello agent")
	}

	var delta Event
	if err := json.Unmarshal([]byte(`{"type":"text_delta","text":"partial"}`), &delta); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := delta.Content(); got != "partial" {
		t.Errorf("Content() = %q, want %q", got, "partial")
	}

	if got := (Event{Type: TypeComplete}).Content(); got != "" {
		t.Errorf("Content() = %q, want empty", got)
	}
}

func TestRecordEncoding(t *testing.T) {
	rec := Record{ID: 7, Event: NewIntervention("pause")}

	line, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.HasPrefix(string(line), `{"id":7,"event":{`) {
		t.Errorf("Marshal() = %s, want id-then-event object", line)
	}

	var back Record
	if err := json.Unmarshal(line, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.ID != 7 || back.Event.Type != TypeIntervention {
		t.Errorf("round trip = {%d %q}, want {7 intervention}", back.ID, back.Event.Type)
	}
}
