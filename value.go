package wattpilot

import "github.com/markus-barta/wattpilot/internal/protocol"

// Value is a property value as reported by the charger.
type Value = protocol.Value

// Kind is the JSON type held by a Value.
type Kind = protocol.Kind

const (
	KindNull   = protocol.KindNull
	KindNumber = protocol.KindNumber
	KindBool   = protocol.KindBool
	KindString = protocol.KindString
	KindArray  = protocol.KindArray
	KindObject = protocol.KindObject
)

// Null returns the null value.
func Null() Value { return protocol.Null() }

// Int returns an integral number.
func Int(i int64) Value { return protocol.Int(i) }

// Float returns a number. NaN and infinities are refused by WriteProperty.
func Float(f float64) Value { return protocol.Number(f) }

// Bool returns a boolean value.
func Bool(b bool) Value { return protocol.Bool(b) }

// String returns a string value.
func String(s string) Value { return protocol.String(s) }

// Array returns an array holding v.
func Array(v ...Value) Value { return protocol.Array(v...) }

// NewValue converts plain Go data into a Value.
func NewValue(x any) (Value, error) { return protocol.FromAny(x) }
