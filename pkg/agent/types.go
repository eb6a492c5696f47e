package agent

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"conclave/pkg/action"
	"conclave/pkg/budget"
	"conclave/pkg/proto"
)

var (
	// ErrInboxFull is returned by Deliver when the agent cannot accept more messages.
	ErrInboxFull = errors.New("agent inbox full")
	// ErrStopped is returned when talking to an agent that has terminated.
	ErrStopped = errors.New("agent stopped")
	// ErrNotChild is returned when an action names an agent that is not a child.
	ErrNotChild = errors.New("not a child of this agent")
)

// Router delivers messages to other agents.
type Router interface {
	Route(msg *proto.AgentMsg) error
}

// SpawnRequest describes a child to create.
type SpawnRequest struct {
	Budget       decimal.Decimal
	ParentID     string
	Task         string
	Capabilities []string
}

// Spawner creates and removes child agents.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
	Dismiss(ctx context.Context, childID string) error
	AdjustBudget(ctx context.Context, childID string, total decimal.Decimal) error
}

// Recorder receives agent metrics.
type Recorder interface {
	ObserveAction(kind, status string)
	AgentStarted()
	AgentStopped()
}

type nopRecorder struct{}

func (nopRecorder) ObserveAction(string, string) {}
func (nopRecorder) AgentStarted()                {}
func (nopRecorder) AgentStopped()                {}

// Child status values.
const (
	ChildActive   = "active"
	ChildFinished = "finished"
)

// ChildRecord is what a parent knows about one of its children.
type ChildRecord struct {
	Allocated decimal.Decimal `json:"allocated"`
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	Status    string          `json:"status"`
}

// Effect is the state change an executor asks the actor to apply once its
// result is recorded. Executors never touch agent state themselves.
type Effect struct {
	Child    *ChildRecord
	Amount   decimal.Decimal
	Lesson   string
	ChildID  string
	TaskList []string
	// Dismissed marks ChildID as removed; otherwise ChildID with Amount is a new allocation.
	Dismissed bool
	Finished  bool
}

// Result is the action-result inbound contract. It is accepted the same way
// whether the action ran in the background or was reported from outside.
type Result struct {
	Err      error
	Meta     *ResultMeta
	Timer    *TimerHandle
	Effect   *Effect
	ActionID string
	Output   string
}

// Status is a point-in-time view of an agent, served through its inbox.
type Status struct {
	Budget        budget.Ledger     `json:"budget"`
	ID            string            `json:"id"`
	ParentID      string            `json:"parent_id,omitempty"`
	Task          string            `json:"task,omitempty"`
	State         proto.State       `json:"state"`
	LastDecision  string            `json:"last_decision,omitempty"`
	Capabilities  []string          `json:"capabilities"`
	TaskList      []string          `json:"task_list"`
	Lessons       []string          `json:"lessons"`
	Children      []ChildRecord     `json:"children"`
	History       map[string]string `json:"history"`
	Pending       []PendingAction   `json:"pending"`
	QueuedInbound int               `json:"queued_inbound"`
	Restored      bool              `json:"restored"`
}

// PendingAction is a dispatched action awaiting its result.
type PendingAction struct {
	Params map[string]any `json:"params,omitempty"`
	ID     string         `json:"id"`
	Kind   action.Kind    `json:"kind"`
}

type envelope interface{ isEnvelope() }

type (
	inboundMsg    struct{ msg *proto.AgentMsg }
	actionResult  struct{ res Result }
	decisionReady struct {
		dec *decisionOutcome
	}
	timerFired  struct{ id string }
	continueReq struct{}
	statusQuery struct{ reply chan Status }
	budgetSet   struct {
		total decimal.Decimal
		reply chan error
	}
	shutdownReq struct {
		reply     chan error
		dismissed bool
	}
)

func (inboundMsg) isEnvelope()    {}
func (actionResult) isEnvelope()  {}
func (decisionReady) isEnvelope() {}
func (timerFired) isEnvelope()    {}
func (continueReq) isEnvelope()   {}
func (statusQuery) isEnvelope()   {}
func (budgetSet) isEnvelope()     {}
func (shutdownReq) isEnvelope()   {}
