package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewAgentID returns a fresh agent identifier.
func NewAgentID() string {
	return "agent-" + uuid.NewString()
}

// NewActionID returns a fresh identifier for a dispatched action.
func NewActionID() string {
	return "act-" + uuid.NewString()
}

// NewTimerID returns a fresh identifier for a wait timer.
func NewTimerID() string {
	return "timer-" + uuid.NewString()
}

// SanitizeIdentifier makes an identifier safe for keys and file names.
func SanitizeIdentifier(id string) string {
	return strings.NewReplacer(":", "-", " ", "-", "/", "-", "\\", "-").Replace(id)
}
