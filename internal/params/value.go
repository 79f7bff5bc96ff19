package params

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type valueKind uint8

const (
	valueNone valueKind = iota
	valueNumber
	valueFlag
	valueBackend
)

// Value is one typed field value: a number, a flag or a backend.
type Value struct {
	kind    valueKind
	num     float64
	flag    bool
	backend Backend
}

func Number(v float64) Value       { return Value{kind: valueNumber, num: v} }
func Int(v int) Value              { return Value{kind: valueNumber, num: float64(v)} }
func Flag(v bool) Value            { return Value{kind: valueFlag, flag: v} }
func BackendValue(b Backend) Value { return Value{kind: valueBackend, backend: b} }

func (v Value) IsZero() bool { return v.kind == valueNone }

func (v Value) Float() (float64, bool) { return v.num, v.kind == valueNumber }

func (v Value) Bool() (bool, bool) { return v.flag, v.kind == valueFlag }

func (v Value) Backend() (Backend, bool) { return v.backend, v.kind == valueBackend }

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case valueNumber:
		return v.num == o.num
	case valueFlag:
		return v.flag == o.flag
	case valueBackend:
		return v.backend == o.backend
	}
	return true
}

// String renders the canonical text form used for fingerprints and CLI output.
func (v Value) String() string {
	switch v.kind {
	case valueNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case valueFlag:
		return strconv.FormatBool(v.flag)
	case valueBackend:
		return string(v.backend)
	}
	return ""
}

// Any returns the value as a plain Go value for encoders.
func (v Value) Any() any {
	switch v.kind {
	case valueNumber:
		return v.num
	case valueFlag:
		return v.flag
	case valueBackend:
		return string(v.backend)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// ValueFromAny converts a decoded JSON or YAML scalar into a Value for f.
func ValueFromAny(f Field, raw any) (Value, error) {
	spec, ok := LookupField(f)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	var v Value
	switch x := raw.(type) {
	case float64:
		v = Number(x)
	case float32:
		v = Number(float64(x))
	case int:
		v = Int(x)
	case int64:
		v = Number(float64(x))
	case uint64:
		v = Number(float64(x))
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, f, err)
		}
		v = Number(n)
	case bool:
		v = Flag(x)
	case string:
		return ParseValue(f, x)
	default:
		return Value{}, fmt.Errorf("%w: %s: unsupported type %T", ErrInvalidValue, f, raw)
	}
	if err := spec.check(v); err != nil {
		return Value{}, err
	}
	return v, nil
}

// ParseValue parses the text form of a value for f.
func ParseValue(f Field, s string) (Value, error) {
	spec, ok := LookupField(f)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	s = strings.TrimSpace(s)
	switch spec.Kind {
	case KindNumber, KindInt:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(n, 0) {
			return Value{}, fmt.Errorf("%w: %s expects a number, got %q", ErrInvalidValue, f, s)
		}
		return Number(n), nil
	case KindFlag:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s expects true or false, got %q", ErrInvalidValue, f, s)
		}
		return Flag(b), nil
	case KindBackend:
		b, err := ParseBackend(s)
		if err != nil {
			return Value{}, err
		}
		return BackendValue(b), nil
	}
	return Value{}, fmt.Errorf("%w: %q", ErrUnknownField, f)
}

// ParsePartial converts a decoded object into a Partial.
func ParsePartial(raw map[string]any) (Partial, error) {
	out := make(Partial, len(raw))
	for k, x := range raw {
		v, err := ValueFromAny(Field(k), x)
		if err != nil {
			return nil, err
		}
		out[Field(k)] = v
	}
	return out, nil
}

func (p Partial) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p))
	for f, v := range p {
		m[string(f)] = v.Any()
	}
	return json.Marshal(m)
}
