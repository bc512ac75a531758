package mycelia

import "github.com/myceliarun/mycelia/mycelia/broker"

// toContinuationCall flattens a deferred Call into the broker's wire shape,
// so a continuation result can cross the Broker's completion channel
// without the scheduler needing to share Go memory with whatever executor
// process built it.
func toContinuationCall(call *Call) broker.ContinuationCall {
	cc := broker.ContinuationCall{
		ID:       call.ID,
		GraphID:  call.NodeRef.GraphID,
		NodeName: call.NodeRef.NodeName,
		Args:     make([]broker.ArgSlot, len(call.Args)),
	}
	for i, slot := range call.Args {
		cc.Args[i] = toArgSlot(slot)
	}
	if len(call.Kwargs) > 0 {
		cc.Kwargs = make(map[string]broker.ArgSlot, len(call.Kwargs))
		for k, slot := range call.Kwargs {
			cc.Kwargs[k] = toArgSlot(slot)
		}
	}
	if len(call.children) > 0 {
		cc.Children = make([]broker.ContinuationCall, len(call.children))
		for i, child := range call.children {
			cc.Children[i] = toContinuationCall(child)
		}
	}
	return cc
}

func toArgSlot(slot Slot) broker.ArgSlot {
	if slot.Kind == SlotRef {
		return broker.ArgSlot{IsRef: true, Ref: slot.Ref}
	}
	return broker.ArgSlot{Value: slot.Value}
}

// fromContinuationCall reconstructs a *Call from its wire shape, rebuilding
// the children pointers the DAG Builder needs by recursing through the
// carried sub-tree. It bypasses Node.Invoke (and thus re-walking/re-hashing)
// since the wire form already carries the computed id and canonical slots.
func fromContinuationCall(cc broker.ContinuationCall) *Call {
	call := &Call{
		ID:      cc.ID,
		NodeRef: NodeRef{GraphID: cc.GraphID, NodeName: cc.NodeName},
		Args:    make([]Slot, len(cc.Args)),
	}
	for i, a := range cc.Args {
		call.Args[i] = fromArgSlot(a)
	}
	if len(cc.Kwargs) > 0 {
		call.Kwargs = make(map[string]Slot, len(cc.Kwargs))
		for k, a := range cc.Kwargs {
			call.Kwargs[k] = fromArgSlot(a)
		}
	}
	if len(cc.Children) > 0 {
		call.children = make([]*Call, len(cc.Children))
		for i, c := range cc.Children {
			call.children[i] = fromContinuationCall(c)
		}
	}
	return call
}

func fromArgSlot(a broker.ArgSlot) Slot {
	if a.IsRef {
		return refSlot(a.Ref)
	}
	return Literal(a.Value)
}
