// Package eventbus publishes agent telemetry to explicit destinations. There
// is no global bus: every publish names its destination, and a nil
// destination drops the event, so tests can run isolated harnesses.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type classifies an event.
type Type string

// Event types.
const (
	TypeStarted          Type = "lifecycle.started"
	TypeRestored         Type = "lifecycle.restored"
	TypeStateChanged     Type = "lifecycle.state_changed"
	TypeTerminated       Type = "lifecycle.terminated"
	TypeActionStarted    Type = "action.started"
	TypeActionCompleted  Type = "action.completed"
	TypeActionError      Type = "action.error"
	TypeConsensusDecided Type = "consensus.decided"
	TypeOperatorMessage  Type = "message.operator"
	TypeLog              Type = "log"
)

// Event is one telemetry record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Type      Type           `json:"type"`
	AgentID   string         `json:"agent_id"`
}

// New creates an event stamped with the current time.
func New(eventType Type, agentID string, data map[string]any) Event {
	return Event{Type: eventType, AgentID: agentID, Timestamp: time.Now().UTC(), Data: data}
}

// ToJSON encodes the event as one JSON object.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return data, nil
}

// FromJSON decodes an event produced by ToJSON.
func FromJSON(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	return e, nil
}

// Destination receives published events.
type Destination interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Publish sends ev to dest. A nil destination is a no-op.
func Publish(ctx context.Context, dest Destination, ev Event) error {
	if dest == nil {
		return nil
	}
	return dest.Publish(ctx, ev) //nolint:wrapcheck // destinations wrap their own errors
}

// Fanout publishes to several destinations, continuing past failures.
type Fanout []Destination

// NewFanout skips nil destinations and returns nil when none remain.
func NewFanout(dests ...Destination) Destination {
	out := make(Fanout, 0, len(dests))
	for _, d := range dests {
		if d != nil {
			out = append(out, d)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

// Publish implements Destination.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range f {
		if err := d.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Destination.
func (f Fanout) Close() error {
	var errs []error
	for _, d := range f {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
