package common

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// jsonHandle produces canonical JSON: map keys are sorted, so equal values
// always encode to equal bytes. Content addresses and MACs depend on it.
func jsonHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}

// Marshal returns the canonical JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, jsonHandle())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes canonical JSON produced by Marshal into v.
func Unmarshal(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	dec := codec.NewDecoder(b, jsonHandle())
	return dec.Decode(v)
}

// NewJSONHandle exposes the canonical handle to stream encoders, such as
// the network transport.
func NewJSONHandle() *codec.JsonHandle {
	return jsonHandle()
}
