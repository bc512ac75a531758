package emit

import "testing"

func TestBufferedEmitter_GetHistory(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(Event{SessionID: "s1", CallID: "c1", NodeName: "add", Msg: "call_running"})
	b.Emit(Event{SessionID: "s1", CallID: "c1", NodeName: "add", Msg: "call_resolved"})
	b.Emit(Event{SessionID: "s2", CallID: "c2", NodeName: "mul", Msg: "call_running"})

	hist := b.GetHistory("s1")
	if len(hist) != 2 {
		t.Fatalf("expected 2 events for s1, got %d", len(hist))
	}
	if hist[0].Msg != "call_running" || hist[1].Msg != "call_resolved" {
		t.Errorf("unexpected event order: %+v", hist)
	}

	if len(b.GetHistory("s2")) != 1 {
		t.Errorf("expected 1 event for s2")
	}
	if len(b.GetHistory("unknown")) != 0 {
		t.Errorf("expected 0 events for unknown session")
	}
}

func TestBufferedEmitter_GetHistoryWithFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{SessionID: "s1", CallID: "c1", NodeName: "add", Msg: "call_running"})
	b.Emit(Event{SessionID: "s1", CallID: "c1", NodeName: "add", Msg: "call_resolved"})
	b.Emit(Event{SessionID: "s1", CallID: "c2", NodeName: "mul", Msg: "call_running"})

	filtered := b.GetHistoryWithFilter("s1", HistoryFilter{CallID: "c1"})
	if len(filtered) != 2 {
		t.Fatalf("expected 2 events for call c1, got %d", len(filtered))
	}

	filtered = b.GetHistoryWithFilter("s1", HistoryFilter{Msg: "call_running"})
	if len(filtered) != 2 {
		t.Fatalf("expected 2 call_running events, got %d", len(filtered))
	}

	filtered = b.GetHistoryWithFilter("s1", HistoryFilter{CallID: "c1", NodeName: "mul"})
	if len(filtered) != 0 {
		t.Fatalf("expected 0 events for contradictory filter, got %d", len(filtered))
	}
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{SessionID: "s1", Msg: "a"})
	b.Emit(Event{SessionID: "s2", Msg: "b"})

	b.Clear("s1")
	if len(b.GetHistory("s1")) != 0 {
		t.Error("expected s1 cleared")
	}
	if len(b.GetHistory("s2")) != 1 {
		t.Error("expected s2 untouched")
	}

	b.Clear("")
	if len(b.GetHistory("s2")) != 0 {
		t.Error("expected Clear(\"\") to drop every session")
	}
}
