package emit

import "context"

// NullEmitter discards every event. It is the zero-overhead default for
// Options that never set an Emitter.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(event Event) {}

func (n *NullEmitter) EmitBatch(ctx context.Context, events []Event) error { return nil }

func (n *NullEmitter) Flush(ctx context.Context) error { return nil }
