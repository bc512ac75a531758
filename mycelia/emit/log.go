package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events as structured log lines to a writer, either
// human-readable text or JSON lines (JSONL), matching the teacher's
// LogEmitter (graph/emit/log.go) exactly — no third-party structured logger,
// just encoding/json and io.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout if nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		SessionID string         `json:"sessionID"`
		CallID    string         `json:"callID"`
		NodeName  string         `json:"nodeName"`
		Msg       string         `json:"msg"`
		Meta      map[string]any `json:"meta,omitempty"`
	}{event.SessionID, event.CallID, event.NodeName, event.Msg, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] sessionID=%s callID=%s nodeName=%s",
		event.Msg, event.SessionID, event.CallID, event.NodeName)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

func (l *LogEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

func (l *LogEmitter) Flush(ctx context.Context) error { return nil }
