package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// WaitForm tags how the wait field was given.
type WaitForm int8

const (
	WaitAbsent WaitForm = iota
	WaitBool
	WaitInt
)

// WaitValue is the tagged wait field of an action: absent, a boolean, or an integer count of
// wait units.
type WaitValue struct {
	Form WaitForm
	Bool bool
	N    int64
}

func WaitFlag(b bool) WaitValue   { return WaitValue{Form: WaitBool, Bool: b} }
func WaitUnits(n int64) WaitValue { return WaitValue{Form: WaitInt, N: n} }

// IsTrue reports whether the wait field is the boolean true.
func (w WaitValue) IsTrue() bool {
	return w.Form == WaitBool && w.Bool
}

// Positive returns the unit count when the wait field is a positive integer.
func (w WaitValue) Positive() (int64, bool) {
	if w.Form == WaitInt && w.N > 0 {
		return w.N, true
	}
	return 0, false
}

// IsImmediate reports a wait value that asks for an immediate continuation: false, zero or true.
func (w WaitValue) IsImmediate() bool {
	switch w.Form {
	case WaitBool:
		return true
	case WaitInt:
		return w.N == 0
	default:
		return false
	}
}

func (w WaitValue) String() string {
	switch w.Form {
	case WaitBool:
		return strconv.FormatBool(w.Bool)
	case WaitInt:
		return strconv.FormatInt(w.N, 10)
	default:
		return "absent"
	}
}

// MarshalJSON encodes absent as null.
func (w WaitValue) MarshalJSON() ([]byte, error) {
	switch w.Form {
	case WaitBool:
		return json.Marshal(w.Bool)
	case WaitInt:
		return json.Marshal(w.N)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, booleans, integers and integral floats.
func (w *WaitValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*w = WaitValue{}
		return nil
	case bytes.Equal(data, []byte("true")):
		*w = WaitFlag(true)
		return nil
	case bytes.Equal(data, []byte("false")):
		*w = WaitFlag(false)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("wait must be a boolean or integer: %w", err)
	}
	if f != float64(int64(f)) {
		return fmt.Errorf("wait must be a whole number, got %v", f)
	}
	if f < 0 {
		return fmt.Errorf("wait must not be negative, got %v", f)
	}
	*w = WaitUnits(int64(f))
	return nil
}
