package mycelia

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// computeCallID is the identity function of §4.1: a recursive Merkle-style
// hash over a node reference and its fully-walked argument tree. Slot values
// are hashed by their canonical encoding; Ref slots are hashed by the
// referenced call's id, so a call's identity is a pure function of the
// (already-identified) call graph beneath it. This is grounded directly on
// the teacher's computeIdempotencyKey (graph/checkpoint.go), which hashes a
// run id, step id, and sorted work items with crypto/sha256 the same way.
func computeCallID(ref NodeRef, args []Slot, kwargs map[string]Slot, codec Codec) (string, error) {
	h := sha256.New()

	h.Write([]byte(ref.GraphID))
	h.Write([]byte{0})
	h.Write([]byte(ref.NodeName))
	h.Write([]byte{0})

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(args)))
	h.Write(lenBuf[:])

	for _, slot := range args {
		b, err := encodeSlot(slot, codec)
		if err != nil {
			return "", err
		}
		h.Write(b)
	}

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(keys)))
	h.Write(lenBuf[:])

	for _, k := range keys {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(k)))
		h.Write(lenBuf[:])
		h.Write([]byte(k))
		b, err := encodeSlot(kwargs[k], codec)
		if err != nil {
			return "", err
		}
		h.Write(b)
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// encodeSlot canonically encodes one argument slot, flagging non-serializable
// and non-deterministic literals along the way.
func encodeSlot(slot Slot, codec Codec) ([]byte, error) {
	if slot.Kind == SlotRef {
		return append([]byte{'R'}, []byte(slot.Ref)...), nil
	}

	first, err := codec.Encode(slot.Value)
	if err != nil {
		return nil, &CallError{Code: CodeNonSerializableArgument, Message: err.Error(), Cause: err}
	}
	second, err := codec.Encode(slot.Value)
	if err != nil {
		return nil, &CallError{Code: CodeNonSerializableArgument, Message: err.Error(), Cause: err}
	}
	if !bytes.Equal(first, second) {
		return nil, &CallError{Code: CodeNonDeterministicArgument, Message: "argument encoding is not stable across repeated encodes"}
	}
	return append([]byte{'L'}, first...), nil
}
