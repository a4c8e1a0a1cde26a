package types

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueUndefined ValueKind = iota
	ValueBool
	ValueNumber
	ValueString
)

// Value is the three-valued result type used by condition evaluation.
// Any operation with an Undefined operand yields Undefined; a condition is
// satisfied only when the result is the boolean true.
type Value struct {
	Kind ValueKind
	B    bool
	N    float64
	S    string
}

// Undefined returns the undefined value.
func Undefined() Value {
	return Value{Kind: ValueUndefined}
}

// BoolValue wraps a boolean.
func BoolValue(b bool) Value {
	return Value{Kind: ValueBool, B: b}
}

// NumberValue wraps a float64.
func NumberValue(n float64) Value {
	return Value{Kind: ValueNumber, N: n}
}

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{Kind: ValueString, S: s}
}

func (v Value) IsUndefined() bool { return v.Kind == ValueUndefined }
func (v Value) IsBool() bool      { return v.Kind == ValueBool }
func (v Value) IsNumber() bool    { return v.Kind == ValueNumber }
func (v Value) IsString() bool    { return v.Kind == ValueString }

// IsTrue reports whether the value is the boolean true. Numbers and strings
// never satisfy a condition.
func (v Value) IsTrue() bool {
	return v.Kind == ValueBool && v.B
}

// AsBool coerces bools and numbers to a boolean. Numbers are true when
// non-zero. Returns false for undefined and strings.
func (v Value) AsBool() (bool, bool) {
	switch v.Kind {
	case ValueBool:
		return v.B, true
	case ValueNumber:
		return v.N != 0, true
	}
	return false, false
}

// AsNumber coerces bools and numbers to a float64.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case ValueBool:
		if v.B {
			return 1, true
		}
		return 0, true
	case ValueNumber:
		return v.N, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case ValueBool:
		return fmt.Sprintf("%t", v.B)
	case ValueNumber:
		return fmt.Sprintf("%g", v.N)
	case ValueString:
		return v.S
	}
	return "undefined"
}

// MarshalJSON encodes undefined as null and the other variants as their
// natural JSON type.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueBool:
		return json.Marshal(v.B)
	case ValueNumber:
		return json.Marshal(v.N)
	case ValueString:
		return json.Marshal(v.S)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes null, bool, number or string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.fromAny(raw)
}

// MarshalCBOR encodes the value the same way as JSON: nil, bool, float64 or
// string.
func (v Value) MarshalCBOR() ([]byte, error) {
	switch v.Kind {
	case ValueBool:
		return cbor.Marshal(v.B)
	case ValueNumber:
		return cbor.Marshal(v.N)
	case ValueString:
		return cbor.Marshal(v.S)
	}
	return cbor.Marshal(nil)
}

// UnmarshalCBOR decodes nil, bool, number or string.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.fromAny(raw)
}

func (v *Value) fromAny(raw interface{}) error {
	switch x := raw.(type) {
	case nil:
		*v = Undefined()
	case bool:
		*v = BoolValue(x)
	case float64:
		*v = NumberValue(x)
	case int64:
		*v = NumberValue(float64(x))
	case uint64:
		*v = NumberValue(float64(x))
	case string:
		*v = StringValue(x)
	default:
		return fmt.Errorf("unsupported value type %T", raw)
	}
	return nil
}
