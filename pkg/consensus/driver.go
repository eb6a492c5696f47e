package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/llmerrors"
	"conclave/pkg/config"
	"conclave/pkg/contextmgr"
	"conclave/pkg/logx"
)

// ErrContextOverflow is returned when a model still overflows after one condense-and-retry.
var ErrContextOverflow = errors.New("context length exceeded after condensation retry")

// ModelSpec is the per-model configuration the driver needs.
type ModelSpec struct {
	ID              string
	Limits          contextmgr.Limits
	BaseTemperature float32
}

// SpecsFromConfig builds model specs from the configured pool.
func SpecsFromConfig(models []config.ModelConfig) []ModelSpec {
	specs := make([]ModelSpec, 0, len(models))
	for i := range models {
		m := &models[i]
		specs = append(specs, ModelSpec{
			ID:              m.ID,
			Limits:          contextmgr.LimitsFor(m),
			BaseTemperature: m.Temperature(),
		})
	}
	return specs
}

// Request is one per-model query within a consensus round.
type Request struct {
	Fragments  *contextmgr.Fragments
	CacheHints map[string]string
	Refinement string
	Round      int
}

// Condensation records a condensation performed while querying a model.
type Condensation struct {
	ModelID string
	contextmgr.CondenseResult
}

// Outcome is the result of driving one model. Context is always set and holds
// the model's history after any condensation, whether or not the query succeeded.
type Outcome struct {
	Err           error
	Context       *contextmgr.ModelContext
	Response      *llm.ModelResponse
	ModelID       string
	Condensations []Condensation
	Retried       bool
}

// Driver queries a single model: it assembles the messages, picks the
// temperature and output budget, and recovers once from context overflow.
type Driver struct {
	querier   llm.Querier
	assembler *contextmgr.Assembler
	condenser *contextmgr.Controller
	recorder  Recorder
	logger    *logx.Logger
	models    map[string]ModelSpec
	policy    config.ConsensusConfig
}

// NewDriver creates a driver for the given pool.
func NewDriver(querier llm.Querier, condenser *contextmgr.Controller, specs []ModelSpec, policy config.ConsensusConfig, recorder Recorder) *Driver {
	if policy.MaxTemperature <= 0 {
		policy.MaxTemperature = config.DefaultMaxTemperature
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	models := make(map[string]ModelSpec, len(specs))
	for _, s := range specs {
		models[s.ID] = s
	}
	return &Driver{
		querier:   querier,
		assembler: contextmgr.NewAssembler(condenser.Counter()),
		condenser: condenser,
		recorder:  recorder,
		logger:    logx.NewLogger("consensus"),
		models:    models,
		policy:    policy,
	}
}

// Temperature rises with the round number to break ties, capped at the configured maximum.
func (d *Driver) Temperature(modelID string, round int) float32 {
	base := float32(config.DefaultBaseTemperature)
	if spec, ok := d.models[modelID]; ok {
		base = spec.BaseTemperature
	}
	if round < 1 {
		round = 1
	}
	return min(base+d.policy.TemperatureStep*float32(round-1), d.policy.MaxTemperature)
}

func (d *Driver) limits(modelID string) contextmgr.Limits {
	if spec, ok := d.models[modelID]; ok {
		return spec.Limits
	}
	info, _ := config.GetModelInfo(modelID)
	return contextmgr.Limits{ContextWindow: info.MaxContextTokens, MaxOutput: info.MaxOutputTokens}
}

// Query drives one model. mc is not modified; the updated context is returned in the outcome.
func (d *Driver) Query(ctx context.Context, mc *contextmgr.ModelContext, req *Request) Outcome {
	work := mc.Clone()
	out := Outcome{ModelID: mc.ModelID, Context: work}
	lim := d.limits(mc.ModelID)

	msgs, input := d.assemble(work, req)
	if trigger := d.condenser.Check(work, input, lim); trigger != contextmgr.TriggerNone {
		if d.condense(ctx, &out, trigger) {
			msgs, input = d.assemble(work, req)
		}
	}

	resp, err := d.send(ctx, work.ModelID, msgs, input, lim, req)
	if err != nil && llmerrors.IsContextLength(err) {
		d.logger.Warn("⚠️ %s overflowed its context window, condensing and retrying once", work.ModelID)
		if !d.condense(ctx, &out, contextmgr.TriggerOverflow) {
			out.Err = fmt.Errorf("%s: %w: %w", work.ModelID, ErrContextOverflow, err)
			return out
		}
		out.Retried = true
		msgs, input = d.assemble(work, req)
		resp, err = d.send(ctx, work.ModelID, msgs, input, lim, req)
		if err != nil && llmerrors.IsContextLength(err) {
			out.Err = fmt.Errorf("%s: %w: %w", work.ModelID, ErrContextOverflow, err)
			return out
		}
	}
	if err != nil {
		out.Err = fmt.Errorf("%s: %w", work.ModelID, err)
		return out
	}
	out.Response = resp
	return out
}

func (d *Driver) assemble(mc *contextmgr.ModelContext, req *Request) ([]llm.CompletionMessage, int) {
	msgs := d.assembler.Assemble(mc, req.Fragments, req.Refinement)
	input := 0
	counter := d.condenser.Counter()
	for i := range msgs {
		input += counter.CountTokens(msgs[i].Text())
	}
	return msgs, input
}

// condense reports whether the history actually shrank.
func (d *Driver) condense(ctx context.Context, out *Outcome, trigger contextmgr.Trigger) bool {
	res, err := d.condenser.Condense(ctx, out.Context, trigger)
	if err != nil {
		d.logger.Debug("condensation of %s skipped: %v", out.ModelID, err)
		return false
	}
	d.recorder.ObserveCondensation(out.ModelID, string(trigger))
	out.Condensations = append(out.Condensations, Condensation{ModelID: out.ModelID, CondenseResult: res})
	return true
}

func (d *Driver) send(ctx context.Context, modelID string, msgs []llm.CompletionMessage, input int, lim contextmgr.Limits, req *Request) (*llm.ModelResponse, error) {
	opts := llm.QueryOptions{
		Temperature: d.Temperature(modelID, req.Round),
		MaxTokens:   d.condenser.AvailableOutput(input, lim),
		Round:       req.Round,
		CacheHints:  req.CacheHints,
	}
	start := time.Now()
	result := d.querier.Query(ctx, msgs, []string{modelID}, opts)
	if resp, ok := result.Response(modelID); ok {
		if resp.Duration == 0 {
			resp.Duration = time.Since(start)
		}
		return &resp, nil
	}
	if failure, ok := result.Failure(modelID); ok {
		return nil, failure.Err
	}
	return nil, fmt.Errorf("querier returned no result for %s", modelID)
}
