package proto

import "time"

// State is an agent lifecycle state.
type State string

func (s State) String() string {
	return string(s)
}

// StateChangeNotification reports a lifecycle transition.
type StateChangeNotification struct {
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	AgentID   string         `json:"agent_id"`
	FromState State          `json:"from_state"`
	ToState   State          `json:"to_state"`
}
