package replica

import (
	"database/sql/driver"
	"fmt"
)

// Kind discriminates the scalar variants a replicated column value can hold
// (spec §9: {Null, Int64, Float64, Bytes, Text}).
type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindBytes
	KindText
)

// Value is a tagged scalar: the representation of one replicated column.
// Booleans are stored as KindInt64 0/1; JSON and array values are stored as
// their canonical stringification under KindText.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    []byte
	s    string
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Int64 wraps an integer/big-integer column value.
func Int64(v int64) Value { return Value{kind: KindInt64, i: v} }

// Bool stores a boolean as the 0/1 integer convention mandated by spec §3.
func Bool(v bool) Value {
	if v {
		return Int64(1)
	}
	return Int64(0)
}

// Float64 wraps a floating-point column value.
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }

// Bytes wraps a byte-blob column value.
func Bytes(v []byte) Value { return Value{kind: KindBytes, b: v} }

// Text wraps a string column value, including the canonical stringification
// of JSON/array values.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Kind reports the Value's variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v holds the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64Value returns the wrapped integer, panicking if v is not KindInt64.
func (v Value) Int64Value() int64 {
	if v.kind != KindInt64 {
		panic(fmt.Sprintf("replica: Value is %v, not Int64", v.kind))
	}
	return v.i
}

// Float64Value returns the wrapped float, panicking if v is not KindFloat64.
func (v Value) Float64Value() float64 {
	if v.kind != KindFloat64 {
		panic(fmt.Sprintf("replica: Value is %v, not Float64", v.kind))
	}
	return v.f
}

// BytesValue returns the wrapped bytes, panicking if v is not KindBytes.
func (v Value) BytesValue() []byte {
	if v.kind != KindBytes {
		panic(fmt.Sprintf("replica: Value is %v, not Bytes", v.kind))
	}
	return v.b
}

// TextValue returns the wrapped string, panicking if v is not KindText.
func (v Value) TextValue() string {
	if v.kind != KindText {
		panic(fmt.Sprintf("replica: Value is %v, not Text", v.kind))
	}
	return v.s
}

// Value implements driver.Valuer so a Value can be passed directly as a
// database/sql query argument.
func (v Value) Value() (driver.Value, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindInt64:
		return v.i, nil
	case KindFloat64:
		return v.f, nil
	case KindBytes:
		return v.b, nil
	case KindText:
		return v.s, nil
	default:
		return nil, fmt.Errorf("replica: unknown value kind %v", v.kind)
	}
}

// Scan implements sql.Scanner so a Value can be the destination of a
// database/sql row scan.
func (v *Value) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*v = Null()
	case int64:
		*v = Int64(t)
	case float64:
		*v = Float64(t)
	case []byte:
		cp := make([]byte, len(t))
		copy(cp, t)
		*v = Bytes(cp)
	case string:
		*v = Text(t)
	case bool:
		*v = Bool(t)
	default:
		return fmt.Errorf("replica: cannot scan %T into Value", src)
	}
	return nil
}

// FromAny builds a Value from a native Go scalar, applying the storage
// conventions of spec §3 (bools as 0/1, everything else passed through by
// static type).
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int64(int64(t))
	case int32:
		return Int64(int64(t))
	case int64:
		return Int64(t)
	case float32:
		return Float64(float64(t))
	case float64:
		return Float64(t)
	case []byte:
		return Bytes(t)
	case string:
		return Text(t)
	default:
		return Text(fmt.Sprintf("%v", t))
	}
}

// Row is a mapping from column name to its current scalar value.
type Row map[string]Value
