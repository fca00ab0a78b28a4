package telemetry

import "strconv"

// Kind discriminates what a sensor channel reported on a given tick.
type Kind int

const (
	KindAbsent Kind = iota
	KindNumeric
	KindCategorical
)

// Value is a single sensor reading. OBD channels are loosely typed: a PID
// may report a number on one tick and a status label on the next, so both
// forms coexist on the same channel without validation. The zero Value is
// Absent.
type Value struct {
	kind Kind
	num  float64
	str  string
}

// Num returns a numeric Value.
func Num(v float64) Value { return Value{kind: KindNumeric, num: v} }

// Cat returns a categorical (label) Value.
func Cat(s string) Value { return Value{kind: KindCategorical, str: s} }

// None returns an absent Value.
func None() Value { return Value{} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Float returns the numeric payload. ok is false for categorical or absent
// values; callers must branch rather than coerce.
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumeric
}

// Label returns the categorical payload.
func (v Value) Label() (string, bool) {
	return v.str, v.kind == KindCategorical
}

// String renders the value for display and log rows. Absent renders empty.
func (v Value) String() string {
	switch v.kind {
	case KindNumeric:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindCategorical:
		return v.str
	}
	return ""
}
