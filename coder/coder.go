// Package coder turns handler results into cache payloads and back.
//
// The cache never looks inside a payload; only the coder chosen at the call
// site knows how the bytes were produced.
package coder

import (
	"fmt"
)

// Coder serializes values to payload bytes and back.
type Coder interface {
	Encode(value any) ([]byte, error)
	Decode(payload []byte) (any, error)
	// DecodeInto decodes payload into the value pointed to by target.
	DecodeInto(payload []byte, target any) error
}

// Bytes passes raw bytes and strings through unchanged.
var Bytes Coder = bytesCoder{}

type bytesCoder struct{}

func (bytesCoder) Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("bytes coder: cannot encode %T", value)
	}
}

func (bytesCoder) Decode(payload []byte) (any, error) {
	return payload, nil
}

func (bytesCoder) DecodeInto(payload []byte, target any) error {
	switch t := target.(type) {
	case *[]byte:
		*t = payload
	case *string:
		*t = string(payload)
	default:
		return fmt.Errorf("bytes coder: cannot decode into %T", target)
	}
	return nil
}
