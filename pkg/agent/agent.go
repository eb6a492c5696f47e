package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"conclave/pkg/action"
	"conclave/pkg/agent/llm"
	"conclave/pkg/budget"
	"conclave/pkg/config"
	"conclave/pkg/consensus"
	"conclave/pkg/contextmgr"
	"conclave/pkg/eventbus"
	"conclave/pkg/logx"
	"conclave/pkg/persistence"
	"conclave/pkg/proto"
	"conclave/pkg/utils"
)

const defaultInboxSize = 64

// Deps are the collaborators shared by every agent of a process.
type Deps struct {
	Engine   *consensus.Engine
	Router   Router
	Spawner  Spawner
	Store    persistence.Store
	Events   eventbus.Destination
	Recorder Recorder
	Gate     action.Gate
	Config   *config.Config
}

// Options describe one agent.
type Options struct {
	Budget       budget.Ledger
	ID           string
	ParentID     string
	Task         string
	Capabilities []string
}

type decisionOutcome struct {
	dec *consensus.Decision
	err error
}

type activeTimer struct {
	timer *time.Timer
	id    string
}

// Agent is one actor of the hierarchy. All fields below the channels are
// owned by the Run goroutine.
type Agent struct {
	deps   *Deps
	sm     *stateMachine
	logger *logx.Logger
	inbox  chan envelope
	done   chan struct{}
	stop   sync.Once

	workCtx    context.Context //nolint:containedctx // lifetime of background work
	cancelWork context.CancelFunc

	contexts     contextmgr.Contexts
	children     map[string]*ChildRecord
	pending      map[string]PendingAction
	timer        *activeTimer
	ledger       budget.Ledger
	id           string
	parentID     string
	task         string
	lastDecision string
	caps         action.Capabilities
	childOrder   []string
	taskList     []string
	lessons      []string
	queued       []*proto.AgentMsg
	restored     bool
	finished     bool
	dismissed    bool
}

// New creates an agent. Run must be called to start it.
func New(deps *Deps, opts *Options) *Agent {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Gate == nil {
		deps.Gate = action.CapabilityGate{}
	}
	id := opts.ID
	if id == "" {
		id = utils.NewAgentID()
	}
	inboxSize := deps.Config.Agents.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	logger := logx.NewLogger(id)
	a := &Agent{
		deps:     deps,
		logger:   logger,
		inbox:    make(chan envelope, inboxSize),
		done:     make(chan struct{}),
		id:       id,
		parentID: opts.ParentID,
		task:     opts.Task,
		caps:     append(action.Capabilities(nil), opts.Capabilities...),
		ledger:   opts.Budget,
		children: make(map[string]*ChildRecord),
		pending:  make(map[string]PendingAction),
		contexts: contextmgr.NewContexts(deps.Config.ModelIDs()),
	}
	a.sm = newStateMachine(StateStarting, ValidTransitions, logger)
	a.sm.onChange = a.publishTransition
	return a
}

// GetID returns the agent id.
func (a *Agent) GetID() string { return a.id }

// ParentID returns the id of the agent's parent, empty for a root agent.
func (a *Agent) ParentID() string { return a.parentID }

// GetCurrentState returns the lifecycle state.
func (a *Agent) GetCurrentState() proto.State { return a.sm.GetCurrentState() }

// Done is closed when Run returns.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Deliver enqueues an inbound message without waiting for it to be processed.
func (a *Agent) Deliver(msg *proto.AgentMsg) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- inboundMsg{msg: msg}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, a.id)
	}
}

// DeliverResult reports the result of a dispatched action. Results for
// unknown or already consumed action ids are dropped.
func (a *Agent) DeliverResult(res *Result) error {
	if !a.post(actionResult{res: *res}) {
		return ErrStopped
	}
	return nil
}

// Continue asks an idle agent to decide again.
func (a *Agent) Continue() error {
	if !a.post(continueReq{}) {
		return ErrStopped
	}
	return nil
}

// Status asks the actor for a snapshot of its state.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !a.post(statusQuery{reply: reply}) {
		return Status{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-a.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, fmt.Errorf("status of %s: %w", a.id, ctx.Err())
	}
}

// SetBudget changes the agent's allocation. It fails when the new total is
// below what the agent already committed to its own children.
func (a *Agent) SetBudget(ctx context.Context, total decimal.Decimal) error {
	reply := make(chan error, 1)
	if !a.post(budgetSet{total: total, reply: reply}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("budget update of %s: %w", a.id, ctx.Err())
	}
}

// Shutdown stops the agent gracefully, persisting its knowledge.
func (a *Agent) Shutdown(ctx context.Context) error {
	return a.requestStop(ctx, false)
}

// Dismiss stops the agent and deletes its persisted record.
func (a *Agent) Dismiss(ctx context.Context) error {
	return a.requestStop(ctx, true)
}

func (a *Agent) requestStop(ctx context.Context, dismissed bool) error {
	reply := make(chan error, 1)
	if !a.post(shutdownReq{reply: reply, dismissed: dismissed}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown of %s: %w", a.id, ctx.Err())
	}
}

// post delivers an envelope unless the agent has stopped. It must never be
// called from the Run goroutine.
func (a *Agent) post(env envelope) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- env:
		return true
	case <-a.done:
		return false
	}
}

// Run is the actor loop. It returns when the agent terminates or ctx ends;
// in both cases the knowledge state is persisted first.
func (a *Agent) Run(ctx context.Context) error {
	defer a.stop.Do(func() { close(a.done) })

	a.workCtx, a.cancelWork = context.WithCancel(logx.WithAgentContext(ctx, a.id))
	defer a.cancelWork()

	a.start(ctx)

	for {
		select {
		case <-ctx.Done():
			a.terminate(context.WithoutCancel(ctx), "context cancelled")
			return fmt.Errorf("agent %s: %w", a.id, ctx.Err())
		case env := <-a.inbox:
			if stop := a.handle(ctx, env); stop {
				return nil
			}
		}
	}
}

func (a *Agent) start(ctx context.Context) {
	a.moveTo(StateRestoring, nil)

	k, err := LoadKnowledge(ctx, a.deps.Store, a.id)
	switch {
	case err == nil:
		if rerr := a.rehydrate(k); rerr != nil {
			a.logger.Warn("discarding unreadable knowledge: %v", rerr)
			a.fresh(ctx)
			break
		}
		a.restored = true
		a.logger.Info("restored with %d lessons, %d children", len(a.lessons), len(a.children))
		a.publish(ctx, eventbus.TypeRestored, map[string]any{"lessons": len(a.lessons), "children": len(a.children)})
	case errors.Is(err, persistence.ErrNotFound):
		a.fresh(ctx)
	default:
		a.logger.Warn("persistence unavailable at start, starting fresh: %v", err)
		a.fresh(ctx)
	}

	a.defaultCaps()

	a.moveTo(StateReady, nil)
	a.deps.Recorder.AgentStarted()
	a.publish(ctx, eventbus.TypeStarted, map[string]any{
		"parent_id": a.parentID,
		"restored":  a.restored,
		"budget":    a.ledger.Status(),
	})

	switch {
	case a.restored:
		a.contexts.AddUser("[Restored after a restart. Actions in flight at the time were lost.]")
		a.decide()
	case a.task != "":
		a.decide()
	default:
		a.moveTo(StateAwaitingExternal, nil)
	}
}

func (a *Agent) defaultCaps() {
	if len(a.caps) == 0 {
		a.caps = append(action.Capabilities(nil), a.deps.Config.Agents.DefaultCapabilities...)
	}
}

func (a *Agent) fresh(ctx context.Context) {
	a.defaultCaps()
	a.contexts = contextmgr.NewContexts(a.deps.Config.ModelIDs())
	if a.task != "" {
		a.contexts.AddUser(taskPrompt(a.task))
	}
	a.persist(ctx, "fresh start")
}

func (a *Agent) handle(ctx context.Context, env envelope) bool {
	switch e := env.(type) {
	case inboundMsg:
		return a.handleInbound(ctx, e.msg)
	case decisionReady:
		a.handleDecision(ctx, e.dec)
	case actionResult:
		return a.handleResult(ctx, &e.res)
	case timerFired:
		a.handleTimer(e.id)
	case continueReq:
		if st := a.sm.GetCurrentState(); st == StateAwaitingExternal || st == StateReady {
			a.decide()
		}
	case statusQuery:
		e.reply <- a.status()
	case budgetSet:
		e.reply <- a.setBudget(e.total)
	case shutdownReq:
		a.dismissed = e.dismissed
		reason := "shutdown"
		if e.dismissed {
			reason = "dismissed"
		}
		a.terminate(ctx, reason)
		e.reply <- nil
		return true
	}
	return false
}

func (a *Agent) handleInbound(ctx context.Context, msg *proto.AgentMsg) bool {
	if msg.Type == proto.MsgTypeSHUTDOWN {
		a.terminate(ctx, "shutdown requested by "+msg.FromAgent)
		return true
	}
	if msg.Type == proto.MsgTypeRESULT {
		if c, ok := a.children[msg.FromAgent]; ok {
			c.Status = ChildFinished
		}
	}

	switch a.sm.GetCurrentState() {
	case StateDeciding, StateDispatching, StateAwaitingResult:
		a.queued = append(a.queued, msg)
		a.logger.Debug("queued message %s from %s (%d waiting)", msg.ID, msg.FromAgent, len(a.queued))
	case StateAwaitingTimer:
		a.contexts.AddUser(msg.Render())
	default:
		a.contexts.AddUser(msg.Render())
		a.decide()
	}
	return false
}

// flushQueued appends buffered messages to the histories in arrival order.
func (a *Agent) flushQueued() int {
	n := len(a.queued)
	for _, msg := range a.queued {
		a.contexts.AddUser(msg.Render())
	}
	a.queued = nil
	return n
}

// decide starts a consensus round on a snapshot of the histories.
func (a *Agent) decide() {
	if a.sm.GetCurrentState() != StateReady {
		a.moveTo(StateReady, nil)
	}
	a.moveTo(StateDeciding, nil)

	in := &consensus.Input{
		Contexts:   a.contexts.Clone(),
		Fragments:  a.fragments(),
		CacheHints: map[string]string{"agent_id": a.id, llm.HintCacheControl: "ephemeral"},
		ModelIDs:   a.deps.Config.ModelIDs(),
	}
	ctx := a.workCtx
	go func() {
		dec, err := a.deps.Engine.Decide(ctx, in)
		a.post(decisionReady{dec: &decisionOutcome{dec: dec, err: err}})
	}()
}

func (a *Agent) handleDecision(ctx context.Context, out *decisionOutcome) {
	dec := out.dec
	if dec != nil && dec.Contexts != nil {
		a.contexts = dec.Contexts
		if lessons := dec.Lessons(); len(lessons) > 0 {
			a.lessons = append(a.lessons, lessons...)
		}
		if len(dec.Condensations) > 0 {
			a.persist(ctx, "condensation")
		}
	}

	if out.err != nil {
		a.logger.Error("decision failed: %v", out.err)
		a.publish(ctx, eventbus.TypeConsensusDecided, map[string]any{"state": string(consensus.StateFailed), "error": out.err.Error()})
		a.moveTo(StateAwaitingExternal, map[string]any{"reason": "decision failed"})
		if a.flushQueued() > 0 {
			a.decide()
		}
		return
	}

	act := dec.Action
	a.lastDecision = act.Summary()
	a.publish(ctx, eventbus.TypeConsensusDecided, map[string]any{
		"state":     string(dec.State),
		"round":     dec.Round,
		"converged": dec.Converged,
		"action":    a.lastDecision,
	})
	a.contexts.AddAssistant(act.JSON())
	a.dispatch(ctx, act)
}

// dispatch hands act to a background executor and records it as pending.
func (a *Agent) dispatch(ctx context.Context, act *action.Action) {
	actionID := utils.NewActionID()
	a.pending[actionID] = PendingAction{ID: actionID, Kind: act.Kind, Params: maps.Clone(act.Params)}
	a.moveTo(StateDispatching, map[string]any{"action": string(act.Kind), "action_id": actionID})
	a.publish(ctx, eventbus.TypeActionStarted, map[string]any{"action_id": actionID, "kind": string(act.Kind), "summary": act.Summary()})

	workCtx := a.workCtx
	if err := action.Check(a.deps.Gate, act.Kind, a.caps); err != nil {
		res := Result{ActionID: actionID, Meta: MetaFor(act), Err: err}
		go a.post(actionResult{res: res})
	} else {
		env := a.execEnv()
		go func() {
			res := execute(workCtx, env, actionID, act)
			a.post(actionResult{res: res})
		}()
	}
	a.moveTo(StateAwaitingResult, nil)
}

func (a *Agent) handleResult(ctx context.Context, res *Result) bool {
	p, ok := a.pending[res.ActionID]
	if !ok {
		a.logger.Warn("dropping result for unknown action %s", res.ActionID)
		return false
	}
	delete(a.pending, res.ActionID)

	status := "success"
	evType := eventbus.TypeActionCompleted
	data := map[string]any{"action_id": res.ActionID, "kind": string(p.Kind)}
	if res.Err != nil {
		status = "error"
		evType = eventbus.TypeActionError
		data["error"] = res.Err.Error()
		a.logger.Warn("%s failed: %v", p.Kind, res.Err)
	}
	a.deps.Recorder.ObserveAction(string(p.Kind), status)
	a.publish(ctx, evType, data)

	a.contexts.AddUser(renderResult(string(p.Kind), res))
	if res.Err == nil && res.Effect != nil {
		a.apply(res.Effect)
	}
	flushed := a.flushQueued()

	if a.finished {
		a.terminate(ctx, "finished")
		return true
	}
	if len(a.pending) > 0 {
		return false
	}

	cont := Continue(res.Meta, res.Err != nil, res.Timer, a.deps.Config.Agents.ContinueOnLegacyResult)
	a.logger.Debug("continuation after %s: %s", p.Kind, cont.Kind)
	switch cont.Kind {
	case ContinueIdle, ContinueSuspend:
		// The awaited event may already be among the flushed messages.
		if flushed > 0 {
			a.decide()
			return false
		}
		a.moveTo(StateAwaitingExternal, map[string]any{"continuation": cont.Kind.String()})
	case ContinueTimer:
		a.armTimer(cont.Timer.ID, cont.Delay(a.waitUnit()))
	case ContinueDelayed:
		a.armTimer(utils.NewTimerID(), cont.Delay(a.waitUnit()))
	default:
		a.decide()
	}
	return false
}

func (a *Agent) apply(e *Effect) {
	switch {
	case e.Finished:
		a.finished = true
	case e.TaskList != nil:
		a.taskList = e.TaskList
	case e.Lesson != "":
		a.lessons = append(a.lessons, e.Lesson)
	case e.Child != nil:
		c := *e.Child
		a.children[c.ID] = &c
		a.childOrder = append(a.childOrder, c.ID)
		if c.Allocated.IsPositive() {
			if err := a.ledger.Commit(c.Allocated); err != nil {
				a.logger.Warn("committing %s to %s: %v", c.Allocated, c.ID, err)
			}
		}
	case e.Dismissed:
		if c, ok := a.children[e.ChildID]; ok {
			a.ledger.Release(c.Allocated)
			delete(a.children, e.ChildID)
			a.childOrder = slices.DeleteFunc(a.childOrder, func(id string) bool { return id == e.ChildID })
		}
	case e.ChildID != "":
		if c, ok := a.children[e.ChildID]; ok {
			if err := a.ledger.Adjust(e.Amount.Sub(c.Allocated)); err != nil {
				a.logger.Warn("adjusting commitment for %s: %v", e.ChildID, err)
			}
			c.Allocated = e.Amount
		}
	}
}

func (a *Agent) childList() []ChildRecord {
	out := make([]ChildRecord, 0, len(a.childOrder))
	for _, id := range a.childOrder {
		if c, ok := a.children[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

func (a *Agent) waitUnit() time.Duration {
	if u := a.deps.Config.Agents.WaitUnit; u > 0 {
		return u
	}
	return config.DefaultWaitUnit
}

// armTimer replaces any outstanding wait timer; there is never more than one.
func (a *Agent) armTimer(id string, delay time.Duration) {
	a.cancelTimer()
	a.timer = &activeTimer{
		id:    id,
		timer: time.AfterFunc(delay, func() { a.post(timerFired{id: id}) }),
	}
	a.moveTo(StateAwaitingTimer, map[string]any{"timer_id": id, "delay": delay.String()})
}

func (a *Agent) cancelTimer() {
	if a.timer != nil {
		a.timer.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) handleTimer(id string) {
	if a.timer == nil || a.timer.id != id {
		a.logger.Debug("ignoring stale timer %s", id)
		return
	}
	a.timer = nil
	a.decide()
}

func (a *Agent) setBudget(total decimal.Decimal) error {
	l := a.ledger
	if l.Mode == budget.ModeNA {
		l.Mode = budget.ModeChild
	}
	if err := l.SetAllocated(total); err != nil {
		return err //nolint:wrapcheck // sentinel from budget
	}
	a.ledger = l
	a.logger.Info("budget set to %s", total.StringFixed(2))
	return nil
}

func (a *Agent) status() Status {
	history := make(map[string]string, len(a.contexts))
	counter := utils.DefaultTokenCounter()
	for id, mc := range a.contexts {
		history[id] = mc.GetContextSummary(counter)
	}
	pending := make([]PendingAction, 0, len(a.pending))
	for _, p := range a.pending {
		pending = append(pending, p)
	}
	return Status{
		ID:            a.id,
		ParentID:      a.parentID,
		Task:          a.task,
		State:         a.sm.GetCurrentState(),
		Budget:        a.ledger,
		LastDecision:  a.lastDecision,
		Capabilities:  append([]string(nil), a.caps...),
		TaskList:      append([]string(nil), a.taskList...),
		Lessons:       append([]string(nil), a.lessons...),
		Children:      a.childList(),
		History:       history,
		Pending:       pending,
		QueuedInbound: len(a.queued),
		Restored:      a.restored,
	}
}

// terminate stops background work and either persists the knowledge state
// or, for a dismissed agent, deletes its record.
func (a *Agent) terminate(ctx context.Context, reason string) {
	if a.sm.GetCurrentState() == StateTerminated {
		return
	}
	a.cancelTimer()
	a.cancelWork()

	if a.dismissed {
		a.forget(ctx)
	} else {
		a.persist(ctx, reason)
	}

	a.moveTo(StateTerminated, map[string]any{"reason": reason})
	a.deps.Recorder.AgentStopped()
	a.publish(ctx, eventbus.TypeTerminated, map[string]any{"reason": reason, "finished": a.finished})
	a.logger.Info("terminated: %s", reason)
}

func (a *Agent) moveTo(state proto.State, metadata map[string]any) {
	if err := a.sm.TransitionTo(state, metadata); err != nil {
		a.logger.Error("%v", err)
	}
}

func (a *Agent) publish(ctx context.Context, t eventbus.Type, data map[string]any) {
	if err := eventbus.Publish(ctx, a.deps.Events, eventbus.New(t, a.id, data)); err != nil {
		a.logger.Debug("publishing %s failed: %v", t, err)
	}
}

func (a *Agent) publishTransition(from, to proto.State, metadata map[string]any) {
	data := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range metadata {
		data[k] = v
	}
	a.publish(context.Background(), eventbus.TypeStateChanged, data)
}
