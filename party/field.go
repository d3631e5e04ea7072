package party

import (
	"encoding/json"
	"fmt"
)

// Field is a three-state optional: unset (never loaded or requested), null
// (known absent), or set with a value. Partial persistence projections and
// partial JSON serialization both depend on distinguishing "don't know" from
// "known absent", so this must not collapse to a plain pointer.
type Field[T any] struct {
	state fieldState
	value T
}

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldNull
	fieldSet
)

// Unset returns a field that was never loaded.
func Unset[T any]() Field[T] { return Field[T]{} }

// Null returns a field known to be absent.
func Null[T any]() Field[T] { return Field[T]{state: fieldNull} }

// Of returns a field holding v.
func Of[T any](v T) Field[T] { return Field[T]{state: fieldSet, value: v} }

func (f Field[T]) IsUnset() bool { return f.state == fieldUnset }
func (f Field[T]) IsNull() bool  { return f.state == fieldNull }
func (f Field[T]) IsSet() bool   { return f.state == fieldSet }

// Known reports whether the field carries information (set or null), i.e.
// whether a persistence projection should write it.
func (f Field[T]) Known() bool { return f.state != fieldUnset }

// Get returns the value and whether one is set.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == fieldSet
}

// OrZero returns the value, or the zero value when not set.
func (f Field[T]) OrZero() T { return f.value }

// arg converts the field for use as an SQL parameter: the value when set,
// nil when null. Must not be called on unset fields.
func (f Field[T]) arg() any {
	switch f.state {
	case fieldSet:
		return f.value
	case fieldNull:
		return nil
	default:
		panic("party: arg on unset field")
	}
}

type fieldJSON[T any] struct {
	State string `json:"s"`
	Value *T     `json:"v,omitempty"`
}

// MarshalJSON encodes the three states as a small envelope so saga data blobs
// round-trip without losing the unset/null distinction.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	switch f.state {
	case fieldSet:
		return json.Marshal(fieldJSON[T]{State: "set", Value: &f.value})
	case fieldNull:
		return json.Marshal(fieldJSON[T]{State: "null"})
	default:
		return json.Marshal(fieldJSON[T]{State: "unset"})
	}
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	var decoded fieldJSON[T]
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	switch decoded.State {
	case "set":
		if decoded.Value == nil {
			return fmt.Errorf("party: set field without value")
		}
		*f = Of(*decoded.Value)
	case "null":
		*f = Null[T]()
	case "unset", "":
		*f = Unset[T]()
	default:
		return fmt.Errorf("party: unknown field state %q", decoded.State)
	}
	return nil
}
