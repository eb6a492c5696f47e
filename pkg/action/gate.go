package action

import (
	"errors"
	"fmt"
	"slices"
)

// ErrNotAllowed is returned when an agent lacks the capability for an action.
var ErrNotAllowed = errors.New("action not allowed")

// Capabilities is the set of capability names granted to an agent.
type Capabilities []string

// Has reports whether name is granted.
func (c Capabilities) Has(name string) bool {
	return slices.Contains(c, name)
}

// Gate decides whether an agent may execute an action kind.
type Gate interface {
	Allowed(kind Kind, caps Capabilities) bool
}

// CapabilityGate grants a kind when the agent holds the kind's capability.
type CapabilityGate struct{}

// Allowed implements Gate.
func (CapabilityGate) Allowed(kind Kind, caps Capabilities) bool {
	return kind.Valid() && caps.Has(kind.Capability())
}

// Check returns a wrapped ErrNotAllowed when gate denies kind.
func Check(gate Gate, kind Kind, caps Capabilities) error {
	if gate.Allowed(kind, caps) {
		return nil
	}
	return fmt.Errorf("%w: %s requires capability %q", ErrNotAllowed, kind, kind.Capability())
}
