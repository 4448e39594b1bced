package persistence

import (
	"bytes"
	"encoding/gob"
)

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Values are encoded as interfaces so they can be decoded back into `any`
// without knowing the concrete type at the decode site. Callers must ensure
// that concrete payload types are registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes gob-encoded data produced by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var iv any
	if err := dec.Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
