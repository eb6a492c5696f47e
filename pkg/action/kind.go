// Package action defines the closed set of actions an agent can take, how they are parsed
// out of model output, and how equivalent proposals are recognised across models.
package action

import (
	"fmt"
	"strings"

	"conclave/pkg/config"
)

// Kind is the tag of the action union.
type Kind string

// Action kinds.
const (
	Orient       Kind = "orient"
	Wait         Kind = "wait"
	SendMessage  Kind = "send_message"
	SpawnChild   Kind = "spawn_child"
	DismissChild Kind = "dismiss_child"
	AdjustBudget Kind = "adjust_budget"
	Todo         Kind = "todo"
	Learn        Kind = "learn"
	Finish       Kind = "finish"
)

// AllKinds lists every kind in conservativeness order.
//
//nolint:gochecknoglobals // closed enumeration
var AllKinds = []Kind{Wait, Orient, Todo, Learn, SendMessage, AdjustBudget, DismissChild, SpawnChild, Finish}

// ParseKind validates a kind name as it appears in model output.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k.Valid() {
		return k, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Orient, Wait, SendMessage, SpawnChild, DismissChild, AdjustBudget, Todo, Learn, Finish:
		return true
	default:
		return false
	}
}

// AlwaysSync reports whether completing this kind suspends the agent until an external event
// rather than continuing straight into the next decision.
func (k Kind) AlwaysSync() bool {
	switch k {
	case Wait, SendMessage, SpawnChild:
		return true
	default:
		return false
	}
}

// Rank orders kinds from least to most consequential. Best-effort decisions prefer lower ranks.
func (k Kind) Rank() int {
	for i, kind := range AllKinds {
		if kind == k {
			return i
		}
	}
	return len(AllKinds)
}

// Capability returns the capability an agent needs to execute this kind.
func (k Kind) Capability() string {
	switch k {
	case SendMessage:
		return config.CapabilityMessaging
	case SpawnChild, DismissChild:
		return config.CapabilitySpawn
	case AdjustBudget:
		return config.CapabilityBudget
	default:
		return config.CapabilityBase
	}
}

func (k Kind) String() string { return string(k) }
