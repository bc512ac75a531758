package mycelia

import (
	"bytes"
	"encoding/json"
)

// Codec turns Go values into a canonical byte encoding used both for
// content-hashing call arguments and for persisting results. The default,
// JSONCodec, relies on encoding/json's property of sorting map[string]any
// keys lexicographically, which is exactly the canonicalization the Argument
// Tree Walker and identity hashing need for keyword arguments.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONCodec is the default Codec. It rejects values that do not round-trip
// (funcs, channels, complex numbers) the same way spec'd NonSerializable
// errors require.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

var defaultCodec Codec = JSONCodec{}
