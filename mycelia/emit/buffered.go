package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, keyed by session id, grounded on
// the teacher's BufferedEmitter (graph/emit/buffered.go). It is the emitter
// tests reach for when they need to assert on the exact sequence of
// lifecycle transitions a scenario produced.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // sessionID -> events
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// HistoryFilter narrows GetHistoryWithFilter results. All set fields are
// combined with AND logic.
type HistoryFilter struct {
	CallID   string
	NodeName string
	Msg      string
}

func (f HistoryFilter) matches(e Event) bool {
	if f.CallID != "" && e.CallID != f.CallID {
		return false
	}
	if f.NodeName != "" && e.NodeName != f.NodeName {
		return false
	}
	if f.Msg != "" && e.Msg != f.Msg {
		return false
	}
	return true
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.SessionID] = append(b.events[event.SessionID], event)
}

func (b *BufferedEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(ctx context.Context) error { return nil }

// GetHistory returns a copy of every event recorded for sessionID.
func (b *BufferedEmitter) GetHistory(sessionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events[sessionID]))
	copy(out, b.events[sessionID])
	return out
}

// GetHistoryWithFilter returns sessionID's events matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(sessionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events[sessionID] {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all recorded events for sessionID, or every session if
// sessionID is empty.
func (b *BufferedEmitter) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sessionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, sessionID)
}
