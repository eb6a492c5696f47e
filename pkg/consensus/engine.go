// Package consensus resolves the answers of a pool of models into a single
// action. Each round queries every model concurrently, clusters the parsed
// answers and either accepts a strict majority, asks the models to refine,
// or, once rounds run out, returns a best-effort result.
package consensus

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"conclave/pkg/action"
	"conclave/pkg/config"
	"conclave/pkg/contextmgr"
	"conclave/pkg/logx"
)

// Sentinel failures that end a decision cycle without an action.
var (
	ErrAllModelsFailed = errors.New("all models failed")
	ErrNoValidAnswers  = errors.New("no model produced a valid action")
	ErrEmptyPool       = errors.New("model pool is empty")
)

// State is a consensus engine state.
type State string

// Engine states.
const (
	StateCollecting State = "collecting"
	StateClustering State = "clustering"
	StateConsensus  State = "consensus"
	StateRefining   State = "refining"
	StateExhausted  State = "exhausted"
	StateFailed     State = "failed"
)

// IsTerminal reports whether the engine stops in s.
func (s State) IsTerminal() bool {
	return s == StateConsensus || s == StateExhausted || s == StateFailed
}

// Recorder receives consensus metrics.
type Recorder interface {
	ObserveDecision(outcome string, rounds int)
	ObserveCondensation(modelID, trigger string)
}

// NopRecorder discards metrics.
type NopRecorder struct{}

// ObserveDecision implements Recorder.
func (NopRecorder) ObserveDecision(string, int) {}

// ObserveCondensation implements Recorder.
func (NopRecorder) ObserveCondensation(string, string) {}

// Input is what the agent hands the engine for one decision.
type Input struct {
	Contexts   contextmgr.Contexts
	Fragments  *contextmgr.Fragments
	CacheHints map[string]string
	// ModelIDs is the pool snapshot for this decision, in pool order.
	ModelIDs []string
}

// RoundRecord summarises one completed round.
type RoundRecord struct {
	Failures  map[string]error
	State     State
	Clusters  []Cluster
	Round     int
	Responded int
	Malformed int
}

// Decision is the outcome of a decision cycle. Contexts always carries the
// per-model histories after any condensation, including on failure.
type Decision struct {
	Action        *action.Action
	Contexts      contextmgr.Contexts
	State         State
	Winner        *Cluster
	Rounds        []RoundRecord
	Condensations []Condensation
	Round         int
	Converged     bool
}

// Lessons collects lessons produced by condensation reflections.
func (d *Decision) Lessons() []string {
	var out []string
	for i := range d.Condensations {
		out = append(out, d.Condensations[i].Lessons...)
	}
	return out
}

// Engine runs decision cycles. It holds no per-decision state and is safe for concurrent use.
type Engine struct {
	driver    *Driver
	recorder  Recorder
	logger    *logx.Logger
	maxRounds int
}

// NewEngine creates an engine over driver.
func NewEngine(driver *Driver, policy config.ConsensusConfig, recorder Recorder) *Engine {
	if policy.MaxRounds <= 0 {
		policy.MaxRounds = config.DefaultMaxRounds
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Engine{
		driver:    driver,
		recorder:  recorder,
		logger:    logx.NewLogger("consensus"),
		maxRounds: policy.MaxRounds,
	}
}

// MaxRounds returns the configured round bound.
func (e *Engine) MaxRounds() int {
	return e.maxRounds
}

// Decide runs rounds until consensus, exhaustion or total failure. The
// returned decision is never nil.
func (e *Engine) Decide(ctx context.Context, in *Input) (*Decision, error) {
	dec := &Decision{Contexts: in.Contexts.Clone(), State: StateCollecting, Round: 1}
	if len(in.ModelIDs) == 0 {
		dec.State = StateFailed
		return dec, ErrEmptyPool
	}

	refinement := ""
	for {
		answers, record := e.collect(ctx, dec, in, refinement)

		if record.Responded+record.Malformed == 0 {
			record.State = StateFailed
			dec.Rounds = append(dec.Rounds, record)
			return e.finish(dec, StateFailed), fmt.Errorf("round %d: %w", dec.Round, ErrAllModelsFailed)
		}

		e.transition(dec, StateClustering)
		record.Clusters = Partition(answers)

		if winner, ok := Majority(record.Clusters, record.Responded); ok {
			record.State = StateConsensus
			dec.Rounds = append(dec.Rounds, record)
			dec.Winner = winner
			dec.Action = winner.Representative.Clone()
			dec.Converged = true
			e.logger.Info("✅ consensus on %s in round %d (%d/%d)", dec.Action.Kind, dec.Round, winner.Size(), record.Responded)
			return e.finish(dec, StateConsensus), nil
		}

		if dec.Round >= e.maxRounds {
			record.State = StateExhausted
			dec.Rounds = append(dec.Rounds, record)
			winner := BestEffort(record.Clusters, in.ModelIDs)
			if winner == nil {
				return e.finish(dec, StateFailed), fmt.Errorf("round %d: %w", dec.Round, ErrNoValidAnswers)
			}
			dec.Winner = winner
			dec.Action = winner.Representative.Clone()
			e.logger.Warn("⚠️ no majority after %d rounds, best effort %s (%d/%d)", dec.Round, dec.Action.Kind, winner.Size(), record.Responded)
			return e.finish(dec, StateExhausted), nil
		}

		record.State = StateRefining
		dec.Rounds = append(dec.Rounds, record)
		e.transition(dec, StateRefining)
		refinement = BuildRefinement(dec.Round, e.maxRounds, record.Clusters, answers, record.Malformed, len(record.Failures))
		dec.Round++
		e.transition(dec, StateCollecting)
	}
}

// collect queries every model concurrently and waits for all of them. Each
// model's failure stays isolated to that model.
func (e *Engine) collect(ctx context.Context, dec *Decision, in *Input, refinement string) ([]Answer, RoundRecord) {
	req := &Request{
		Fragments:  in.Fragments,
		CacheHints: in.CacheHints,
		Refinement: refinement,
		Round:      dec.Round,
	}

	outcomes := make([]Outcome, len(in.ModelIDs))
	var g errgroup.Group
	for i, id := range in.ModelIDs {
		mc := dec.Contexts.Get(id)
		g.Go(func() error {
			outcomes[i] = e.driver.Query(ctx, mc, req)
			return nil
		})
	}
	_ = g.Wait()

	record := RoundRecord{Round: dec.Round, State: StateCollecting, Failures: make(map[string]error)}
	var answers []Answer
	for i := range outcomes {
		out := &outcomes[i]
		dec.Contexts[out.ModelID] = out.Context
		dec.Condensations = append(dec.Condensations, out.Condensations...)

		if out.Err != nil {
			record.Failures[out.ModelID] = out.Err
			e.logger.Warn("model %s failed in round %d: %v", out.ModelID, dec.Round, out.Err)
			continue
		}
		act, err := action.Parse(out.Response.Content)
		if err != nil {
			record.Malformed++
			logx.Debug(ctx, "consensus", "malformed answer from %s: %v", out.ModelID, err)
			continue
		}
		if act.Condense {
			out.Context.PendingCondense = true
		}
		record.Responded++
		answers = append(answers, Answer{ModelID: out.ModelID, Action: act, Raw: out.Response.Content})
	}
	return answers, record
}

func (e *Engine) transition(dec *Decision, to State) {
	logx.Debug(context.Background(), "consensus", "round %d: %s -> %s", dec.Round, dec.State, to)
	dec.State = to
}

func (e *Engine) finish(dec *Decision, state State) *Decision {
	e.transition(dec, state)
	e.recorder.ObserveDecision(string(state), dec.Round)
	return dec
}
