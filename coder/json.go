package coder

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"time"
)

const (
	tagField   = "_spec_type"
	valueField = "val"
)

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Scalar describes a custom type carried as {"val": ..., "_spec_type": Tag}.
type Scalar struct {
	Tag    string
	Type   reflect.Type
	Format func(value any) (string, error)
	Parse  func(text string) (any, error)
}

// JSONCoder encodes JSON-compatible values. Registered scalars found at the
// top level or inside maps and slices are wrapped in tagged objects and
// restored on decode; struct fields are encoded by encoding/json as usual.
type JSONCoder struct {
	mu     sync.RWMutex
	byTag  map[string]Scalar
	byType map[reflect.Type]Scalar
}

// Date is a calendar day, carried with the "date" tag as 2006-01-02.
type Date struct {
	time.Time
}

// JSON is the shared structured coder with the datetime, date and decimal scalars.
var JSON = NewJSONCoder()

// NewJSONCoder returns a coder with the built-in datetime, date and decimal scalars.
func NewJSONCoder() *JSONCoder {
	c := &JSONCoder{
		byTag:  make(map[string]Scalar),
		byType: make(map[reflect.Type]Scalar),
	}
	_ = c.Register(Scalar{
		Tag:  "datetime",
		Type: reflect.TypeOf(time.Time{}),
		Format: func(value any) (string, error) {
			return value.(time.Time).Format(time.RFC3339Nano), nil
		},
		Parse: func(text string) (any, error) {
			return time.Parse(time.RFC3339Nano, text)
		},
	})
	_ = c.Register(Scalar{
		Tag:  "date",
		Type: reflect.TypeOf(Date{}),
		Format: func(value any) (string, error) {
			return value.(Date).Format(time.DateOnly), nil
		},
		Parse: func(text string) (any, error) {
			t, err := time.Parse(time.DateOnly, text)
			if err != nil {
				return nil, err
			}
			return Date{t}, nil
		},
	})
	_ = c.Register(Scalar{
		Tag:  "decimal",
		Type: reflect.TypeOf((*big.Rat)(nil)),
		Format: func(value any) (string, error) {
			return value.(*big.Rat).RatString(), nil
		},
		Parse: func(text string) (any, error) {
			r, ok := new(big.Rat).SetString(text)
			if !ok {
				return nil, fmt.Errorf("invalid decimal %q", text)
			}
			return r, nil
		},
	})
	return c
}

// Register adds or replaces a tagged scalar.
func (c *JSONCoder) Register(s Scalar) error {
	if s.Tag == "" || s.Type == nil || s.Format == nil || s.Parse == nil {
		return errors.New("json coder: scalar needs tag, type, format and parse")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTag[s.Tag] = s
	c.byType[s.Type] = s
	return nil
}

func (c *JSONCoder) Encode(value any) ([]byte, error) {
	tree, err := c.wrap(reflect.ValueOf(value))
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("json coder: %w", err)
	}
	return out, nil
}

// Decode returns the generic tree (maps, slices, json.Number, string, bool,
// nil) with tagged scalars restored.
func (c *JSONCoder) Decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("json coder: %w", err)
	}
	return c.unwrap(tree)
}

func (c *JSONCoder) DecodeInto(payload []byte, target any) error {
	if !bytes.Contains(payload, []byte(tagField)) {
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("json coder: %w", err)
		}
		return nil
	}
	tree, err := c.Decode(payload)
	if err != nil {
		return err
	}
	if ptr, ok := target.(*any); ok {
		*ptr = tree
		return nil
	}
	plain, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("json coder: %w", err)
	}
	if err := json.Unmarshal(plain, target); err != nil {
		return fmt.Errorf("json coder: %w", err)
	}
	return nil
}

func (c *JSONCoder) scalar(t reflect.Type) (Scalar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byType[t]
	return s, ok
}

func (c *JSONCoder) wrap(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
	}
	if s, ok := c.scalar(v.Type()); ok {
		text, err := s.Format(v.Interface())
		if err != nil {
			return nil, fmt.Errorf("json coder: format %s: %w", s.Tag, err)
		}
		return map[string]string{valueField: text, tagField: s.Tag}, nil
	}
	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		return raw(v)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return c.wrap(v.Elem())
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return raw(v)
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			w, err := c.wrap(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = w
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return raw(v)
		}
		out := make([]any, v.Len())
		for i := range out {
			w, err := c.wrap(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case reflect.Struct:
		return raw(v)
	default:
		return v.Interface(), nil
	}
}

func raw(v reflect.Value) (any, error) {
	out, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("json coder: %w", err)
	}
	return json.RawMessage(out), nil
}

func (c *JSONCoder) unwrap(node any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if tag, ok := n[tagField].(string); ok && tag != "" {
			c.mu.RLock()
			s, known := c.byTag[tag]
			c.mu.RUnlock()
			if !known {
				return nil, fmt.Errorf("json coder: unknown %s %q", tagField, tag)
			}
			text, _ := n[valueField].(string)
			value, err := s.Parse(text)
			if err != nil {
				return nil, fmt.Errorf("json coder: parse %s: %w", tag, err)
			}
			return value, nil
		}
		for k, child := range n {
			value, err := c.unwrap(child)
			if err != nil {
				return nil, err
			}
			n[k] = value
		}
		return n, nil
	case []any:
		for i, child := range n {
			value, err := c.unwrap(child)
			if err != nil {
				return nil, err
			}
			n[i] = value
		}
		return n, nil
	default:
		return node, nil
	}
}
