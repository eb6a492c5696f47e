// Package dispatch is the process registry: it maps agent ids to live
// handles and routes messages between them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"conclave/pkg/logx"
	"conclave/pkg/proto"
)

var (
	// ErrAlreadyAttached is returned when an id is already registered.
	ErrAlreadyAttached = errors.New("agent already attached")
	// ErrUnknownAgent is returned when routing to an id nobody holds.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Agent is a live handle the dispatcher can route to.
type Agent interface {
	GetID() string
	// Deliver enqueues msg on the agent's inbox without blocking on processing.
	Deliver(msg *proto.AgentMsg) error
	Shutdown(ctx context.Context) error
}

// StatusReporter is implemented by agents that expose their state for listings.
type StatusReporter interface {
	GetCurrentState() proto.State
}

type Dispatcher struct {
	agents   map[string]Agent
	released map[string]chan struct{} // closed on detach
	logger   *logx.Logger
	mu       sync.RWMutex

	routed  atomic.Int64
	dropped atomic.Int64
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		agents:   make(map[string]Agent),
		released: make(map[string]chan struct{}),
		logger:   logx.NewLogger("dispatcher"),
	}
}

// Attach registers ag under its id. A second attach of a live id fails with
// ErrAlreadyAttached; the caller may WaitForRelease and try again.
func (d *Dispatcher) Attach(ag Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agentID := ag.GetID()
	if _, exists := d.agents[agentID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, agentID)
	}
	d.agents[agentID] = ag
	d.released[agentID] = make(chan struct{})
	d.logger.Info("Attached agent: %s", agentID)
	return nil
}

// Detach removes an agent and wakes anyone waiting for its id.
func (d *Dispatcher) Detach(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.agents[agentID]; !exists {
		return
	}
	delete(d.agents, agentID)
	if ch, ok := d.released[agentID]; ok {
		close(ch)
		delete(d.released, agentID)
	}
	d.logger.Info("Detached agent: %s", agentID)
}

// WaitForRelease blocks until agentID is detached or ctx ends. It returns
// immediately when the id is not attached.
func (d *Dispatcher) WaitForRelease(ctx context.Context, agentID string) error {
	d.mu.RLock()
	ch, ok := d.released[agentID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to be released: %w", agentID, ctx.Err())
	}
}

// Lookup returns the handle registered for agentID.
func (d *Dispatcher) Lookup(agentID string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ag, ok := d.agents[agentID]
	return ag, ok
}

// Route validates msg and delivers it to msg.ToAgent.
func (d *Dispatcher) Route(msg *proto.AgentMsg) error {
	if err := msg.Validate(); err != nil {
		d.dropped.Add(1)
		return fmt.Errorf("invalid message: %w", err)
	}
	ag, ok := d.Lookup(msg.ToAgent)
	if !ok {
		d.dropped.Add(1)
		d.logger.Warn("No agent %s for message %s from %s (dropped)", msg.ToAgent, msg.ID, msg.FromAgent)
		return fmt.Errorf("%w: %s", ErrUnknownAgent, msg.ToAgent)
	}
	if err := ag.Deliver(msg); err != nil {
		d.dropped.Add(1)
		return fmt.Errorf("failed to deliver %s to %s: %w", msg.ID, msg.ToAgent, err)
	}
	d.routed.Add(1)
	d.logger.Debug("Routed %s %s: %s -> %s", msg.Type, msg.ID, msg.FromAgent, msg.ToAgent)
	return nil
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Agents lists registered agents sorted by id.
func (d *Dispatcher) Agents() []AgentInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(d.agents))
	for id, ag := range d.agents {
		state := "UNKNOWN"
		if r, ok := ag.(StatusReporter); ok {
			state = r.GetCurrentState().String()
		}
		infos = append(infos, AgentInfo{ID: id, State: state})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (d *Dispatcher) GetStats() map[string]any {
	d.mu.RLock()
	count := len(d.agents)
	d.mu.RUnlock()

	return map[string]any{
		"agents":  count,
		"routed":  d.routed.Load(),
		"dropped": d.dropped.Load(),
	}
}

// ShutdownAll asks every attached agent to stop and returns the joined errors.
func (d *Dispatcher) ShutdownAll(ctx context.Context) error {
	d.mu.RLock()
	agents := make([]Agent, 0, len(d.agents))
	for _, ag := range d.agents {
		agents = append(agents, ag)
	}
	d.mu.RUnlock()

	var errs []error
	for _, ag := range agents {
		if err := ag.Shutdown(ctx); err != nil {
			d.logger.Warn("Agent %s shutdown failed: %v", ag.GetID(), err)
			errs = append(errs, fmt.Errorf("%s: %w", ag.GetID(), err))
		}
	}
	return errors.Join(errs...)
}
