package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)

	l.Emit(Event{SessionID: "s1", CallID: "c1", NodeName: "add", Msg: "call_running"})

	out := buf.String()
	if !strings.Contains(out, "call_running") || !strings.Contains(out, "callID=c1") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)

	l.Emit(Event{SessionID: "s1", CallID: "c1", NodeName: "add", Msg: "call_resolved", Meta: map[string]any{"value": 3}})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error %v for %q", err, buf.String())
	}
	if decoded["callID"] != "c1" || decoded["msg"] != "call_resolved" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
}

func TestLogEmitter_EmitBatch(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)

	err := l.EmitBatch(context.Background(), []Event{
		{SessionID: "s1", CallID: "c1", Msg: "a"},
		{SessionID: "s1", CallID: "c2", Msg: "b"},
	})
	if err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
}
