// Package supervisor owns the lifecycle of every agent in the process. It
// launches agents, registers them with the dispatcher, tears subtrees down on
// dismissal and restores persisted agents after a restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"conclave/pkg/agent"
	"conclave/pkg/budget"
	"conclave/pkg/config"
	"conclave/pkg/dispatch"
	"conclave/pkg/logx"
	"conclave/pkg/utils"
)

// ErrUnknownAgent is returned for ids the supervisor is not running.
var ErrUnknownAgent = errors.New("unknown agent")

type entry struct {
	agent  *agent.Agent
	cancel context.CancelFunc
	exited chan struct{}
}

// Supervisor implements agent.Spawner for every agent it launches.
type Supervisor struct {
	deps       agent.Deps
	dispatcher *dispatch.Dispatcher
	logger     *logx.Logger
	agents     map[string]*entry
	baseCtx    context.Context //nolint:containedctx // parent of every agent run
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// New creates a supervisor. Router and Spawner in deps are replaced by the
// dispatcher and the supervisor itself.
func New(deps agent.Deps, dispatcher *dispatch.Dispatcher) *Supervisor {
	s := &Supervisor{
		dispatcher: dispatcher,
		logger:     logx.NewLogger("supervisor"),
		agents:     make(map[string]*entry),
		baseCtx:    context.Background(),
	}
	deps.Router = dispatcher
	deps.Spawner = s
	s.deps = deps
	return s
}

// Start sets the context every agent run derives from. Cancelling it stops
// all agents.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

// Launch creates an agent for opts, attaches it to the dispatcher and runs it.
// When the id is still held by a previous incarnation, Launch waits up to the
// configured restore wait for it to be released and retries once.
func (s *Supervisor) Launch(ctx context.Context, opts *agent.Options) (*agent.Agent, error) {
	deps := s.deps
	ag := agent.New(&deps, opts)

	err := s.dispatcher.Attach(ag)
	if errors.Is(err, dispatch.ErrAlreadyAttached) {
		wait := s.deps.Config.Agents.RestoreWait
		if wait <= 0 {
			wait = config.DefaultRestoreWait
		}
		s.logger.Warn("Agent %s is still attached, waiting up to %s for release", ag.GetID(), wait)
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		werr := s.dispatcher.WaitForRelease(waitCtx, ag.GetID())
		cancel()
		if werr != nil {
			return nil, fmt.Errorf("agent %s was not released: %w", ag.GetID(), werr)
		}
		err = s.dispatcher.Attach(ag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach agent %s: %w", ag.GetID(), err)
	}

	s.mu.Lock()
	runCtx, cancel := context.WithCancel(s.baseCtx)
	e := &entry{agent: ag, cancel: cancel, exited: make(chan struct{})}
	s.agents[ag.GetID()] = e
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx, e)
	return ag, nil
}

func (s *Supervisor) run(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer close(e.exited)
	agentID := e.agent.GetID()

	if err := e.agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Agent %s stopped with error: %v", agentID, err)
	}
	s.dispatcher.Detach(agentID)

	s.mu.Lock()
	if cur, ok := s.agents[agentID]; ok && cur == e {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()
	e.cancel()
	s.logger.Info("Agent %s exited", agentID)
}

// Spawn implements agent.Spawner. A positive budget gives the child an
// enforced child-mode ledger; zero leaves it unlimited.
func (s *Supervisor) Spawn(ctx context.Context, req agent.SpawnRequest) (string, error) {
	ledger := budget.Unlimited()
	if req.Budget.IsPositive() {
		ledger = budget.NewChild(req.Budget)
	}
	child, err := s.Launch(ctx, &agent.Options{
		ID:           utils.NewAgentID(),
		ParentID:     req.ParentID,
		Task:         req.Task,
		Budget:       ledger,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("Spawned %s under %s with budget %s", child.GetID(), req.ParentID, ledger.Status())
	return child.GetID(), nil
}

// Dismiss implements agent.Spawner. It stops childID and every running
// descendant, deepest first, and waits for each to exit.
func (s *Supervisor) Dismiss(ctx context.Context, childID string) error {
	if _, ok := s.lookup(childID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, childID)
	}

	var errs []error
	for _, id := range s.subtree(childID) {
		e, ok := s.lookup(id)
		if !ok {
			continue
		}
		if err := e.agent.Dismiss(ctx); err != nil && !errors.Is(err, agent.ErrStopped) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		select {
		case <-e.exited:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", id, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// subtree returns root and its running descendants in post-order.
func (s *Supervisor) subtree(root string) []string {
	s.mu.Lock()
	byParent := make(map[string][]string)
	for id, e := range s.agents {
		if p := e.agent.ParentID(); p != "" {
			byParent[p] = append(byParent[p], id)
		}
	}
	s.mu.Unlock()

	var out []string
	var walk func(id string)
	walk = func(id string) {
		kids := byParent[id]
		sort.Strings(kids)
		for _, k := range kids {
			walk(k)
		}
		out = append(out, id)
	}
	walk(root)
	return out
}

// AdjustBudget implements agent.Spawner.
func (s *Supervisor) AdjustBudget(ctx context.Context, childID string, total decimal.Decimal) error {
	e, ok := s.lookup(childID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, childID)
	}
	return e.agent.SetBudget(ctx, total) //nolint:wrapcheck // agent errors carry context
}

// RestoreAll relaunches every persisted agent that has not finished. One
// agent failing to restore does not stop the others; the failures are
// joined in the returned error.
func (s *Supervisor) RestoreAll(ctx context.Context) ([]string, error) {
	if s.deps.Store == nil {
		return nil, nil
	}
	ids, err := s.deps.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list persisted agents: %w", err)
	}

	var restored []string
	var errs []error
	for _, id := range ids {
		k, err := agent.LoadKnowledge(ctx, s.deps.Store, id)
		if err != nil {
			s.logger.Warn("Skipping agent %s: %v", id, err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if k.Finished {
			s.logger.Debug("Skipping finished agent %s", id)
			continue
		}
		if _, err := s.Launch(ctx, &agent.Options{ID: id, ParentID: k.ParentID}); err != nil {
			s.logger.Error("Failed to restore agent %s: %v", id, err)
			errs = append(errs, err)
			continue
		}
		restored = append(restored, id)
	}
	s.logger.Info("Restored %d of %d persisted agents", len(restored), len(ids))
	return restored, errors.Join(errs...)
}

// Agent returns the running agent with the given id.
func (s *Supervisor) Agent(agentID string) (*agent.Agent, bool) {
	e, ok := s.lookup(agentID)
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Running returns the ids of all running agents, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every launched agent has exited or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for agents: %w", ctx.Err())
	}
}

// Shutdown asks every agent to persist and stop, then waits for them up to
// the configured shutdown timeout. Agents still running after that are
// cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	timeout := s.deps.Config.Agents.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.dispatcher.ShutdownAll(ctx)
	if werr := s.Wait(ctx); werr != nil {
		s.logger.Warn("Agents did not stop in %s, cancelling", timeout)
		s.mu.Lock()
		for _, e := range s.agents {
			e.cancel()
		}
		s.mu.Unlock()
		err = errors.Join(err, werr)
	}
	s.logger.Info("Supervisor shut down in %s", time.Since(start).Round(time.Millisecond))
	return err
}

func (s *Supervisor) lookup(agentID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentID]
	return e, ok
}
