package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/action"
	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/llmerrors"
	"conclave/pkg/config"
	"conclave/pkg/contextmgr"
)

// reply scripts one model: it sees the call number (1-based) and the request.
type reply func(call int, msgs []llm.CompletionMessage, opts llm.QueryOptions) (string, error)

type scriptedQuerier struct {
	scripts map[string]reply
	calls   map[string]int
	opts    map[string][]llm.QueryOptions
	mu      sync.Mutex
}

func newScriptedQuerier(scripts map[string]reply) *scriptedQuerier {
	return &scriptedQuerier{scripts: scripts, calls: map[string]int{}, opts: map[string][]llm.QueryOptions{}}
}

func (q *scriptedQuerier) Query(_ context.Context, msgs []llm.CompletionMessage, ids []string, opts llm.QueryOptions) llm.QueryResult {
	var res llm.QueryResult
	for _, id := range ids {
		q.mu.Lock()
		q.calls[id]++
		call := q.calls[id]
		q.opts[id] = append(q.opts[id], opts)
		script := q.scripts[id]
		q.mu.Unlock()

		if script == nil {
			res.Failed = append(res.Failed, llm.ModelFailure{ModelID: id, Err: errors.New("no script")})
			continue
		}
		content, err := script(call, msgs, opts)
		if err != nil {
			res.Failed = append(res.Failed, llm.ModelFailure{ModelID: id, Err: err})
			continue
		}
		res.Successful = append(res.Successful, llm.ModelResponse{ModelID: id, Content: content})
	}
	return res
}

func (q *scriptedQuerier) callCount(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[id]
}

func always(content string) reply {
	return func(int, []llm.CompletionMessage, llm.QueryOptions) (string, error) { return content, nil }
}

func failing(err error) reply {
	return func(int, []llm.CompletionMessage, llm.QueryOptions) (string, error) { return "", err }
}

const (
	orient = `{"action":"orient","reasoning":"look around first"}`
	wait   = `{"action":"wait","wait":true,"reasoning":"nothing to do"}`
)

type staticReflector struct{}

func (staticReflector) Reflect(context.Context, string, []llm.CompletionMessage, string) (contextmgr.Reflection, error) {
	return contextmgr.Reflection{Summary: "summary", Lessons: []string{"lesson"}}, nil
}

func newEngine(q llm.Querier, ids []string, maxRounds int) *Engine {
	specs := make([]ModelSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, ModelSpec{ID: id, BaseTemperature: 0.3, Limits: contextmgr.Limits{ContextWindow: 100000, MaxOutput: 8192}})
	}
	policy := config.ConsensusConfig{MaxRounds: maxRounds, TemperatureStep: 0.2, MaxTemperature: 1.0}
	condenser := contextmgr.NewController(config.CondensationConfig{Entries: 2}, staticReflector{}, nil)
	return NewEngine(NewDriver(q, condenser, specs, policy, nil), policy, nil)
}

func newInput(ids []string) *Input {
	contexts := contextmgr.NewContexts(ids)
	contexts.AddUser("Task: tidy the workspace")
	return &Input{Contexts: contexts, ModelIDs: ids}
}

var pool4 = []string{"m1", "m2", "m3", "m4"}

func TestConsensusThreeToOne(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{
		"m1": always(orient), "m2": always(orient), "m3": always(orient), "m4": always(wait),
	})
	dec, err := newEngine(q, pool4, 4).Decide(context.Background(), newInput(pool4))
	require.NoError(t, err)

	assert.Equal(t, StateConsensus, dec.State)
	assert.True(t, dec.Converged)
	assert.Equal(t, 1, dec.Round)
	assert.Equal(t, action.Orient, dec.Action.Kind)
	assert.Equal(t, 3, dec.Winner.Size())
}

func TestConsensusKeepsMajorityWaitValue(t *testing.T) {
	ids := []string{"m1", "m2", "m3"}
	q := newScriptedQuerier(map[string]reply{
		"m1": always(`{"action":"wait","wait":300}`),
		"m2": always(`{"action":"wait","wait":false}`),
		"m3": always(`{"action":"wait","wait":false}`),
	})
	dec, err := newEngine(q, ids, 2).Decide(context.Background(), newInput(ids))
	require.NoError(t, err)

	assert.Equal(t, StateConsensus, dec.State)
	assert.Equal(t, []string{"m2", "m3"}, dec.Winner.Members)
	assert.True(t, dec.Action.Wait.IsImmediate())
	_, delayed := dec.Action.Wait.Positive()
	assert.False(t, delayed)
}

func TestSplitRefinesThenExhausts(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{
		"m1": always(wait), "m2": always(orient), "m3": always(wait), "m4": always(orient),
	})
	dec, err := newEngine(q, pool4, 4).Decide(context.Background(), newInput(pool4))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, dec.State)
	assert.False(t, dec.Converged)
	assert.Equal(t, 4, dec.Round)
	require.Len(t, dec.Rounds, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, StateRefining, dec.Rounds[i].State, "round %d", i+1)
	}
	assert.Equal(t, StateExhausted, dec.Rounds[3].State)
	// 2/2 tie: wait is the more conservative action.
	assert.Equal(t, action.Wait, dec.Action.Kind)
	for _, id := range pool4 {
		assert.Equal(t, 4, q.callCount(id), "every round re-queries %s", id)
	}
}

func TestRefinementPromptReachesNextRound(t *testing.T) {
	var sawRefinement bool
	var mu sync.Mutex
	convinced := func(call int, msgs []llm.CompletionMessage, _ llm.QueryOptions) (string, error) {
		if call == 1 {
			return wait, nil
		}
		last := msgs[len(msgs)-1].Text()
		mu.Lock()
		sawRefinement = strings.Contains(last, "Consensus round 1 of 4") && strings.Contains(last, "look around first")
		mu.Unlock()
		return orient, nil
	}
	q := newScriptedQuerier(map[string]reply{
		"m1": convinced, "m2": always(orient), "m3": always(wait), "m4": always(orient),
	})
	dec, err := newEngine(q, pool4, 4).Decide(context.Background(), newInput(pool4))
	require.NoError(t, err)

	assert.Equal(t, StateConsensus, dec.State)
	assert.Equal(t, 2, dec.Round)
	assert.Equal(t, action.Orient, dec.Action.Kind)
	mu.Lock()
	assert.True(t, sawRefinement, "round 2 should carry the refinement prompt")
	mu.Unlock()
}

func TestMajorityUsesRespondingModels(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{
		"m1": always(orient), "m2": always(orient), "m3": failing(errors.New("timeout")), "m4": always(wait),
	})
	dec, err := newEngine(q, pool4, 4).Decide(context.Background(), newInput(pool4))
	require.NoError(t, err)

	// 2 of 3 responders is a majority even though it is only half the pool.
	assert.Equal(t, StateConsensus, dec.State)
	assert.Equal(t, action.Orient, dec.Action.Kind)
	assert.Contains(t, dec.Rounds[0].Failures, "m3")
}

func TestMalformedAnswersAreExcluded(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{
		"m1": always(orient), "m2": always("I think we should orient"), "m3": always(orient),
	})
	ids := []string{"m1", "m2", "m3"}
	dec, err := newEngine(q, ids, 2).Decide(context.Background(), newInput(ids))
	require.NoError(t, err)

	assert.Equal(t, StateConsensus, dec.State)
	assert.Equal(t, 1, dec.Rounds[0].Malformed)
	assert.Equal(t, 2, dec.Rounds[0].Responded)
}

func TestAllModelsFailed(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{
		"m1": failing(errors.New("boom")), "m2": failing(errors.New("boom")),
	})
	ids := []string{"m1", "m2"}
	dec, err := newEngine(q, ids, 4).Decide(context.Background(), newInput(ids))

	require.ErrorIs(t, err, ErrAllModelsFailed)
	require.NotNil(t, dec)
	assert.Equal(t, StateFailed, dec.State)
	assert.Nil(t, dec.Action)
	assert.Len(t, dec.Contexts, 2)
}

func TestNoValidAnswersAtLastRound(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{"m1": always("nonsense")})
	ids := []string{"m1"}
	dec, err := newEngine(q, ids, 2).Decide(context.Background(), newInput(ids))

	require.ErrorIs(t, err, ErrNoValidAnswers)
	assert.Equal(t, StateFailed, dec.State)
	assert.Equal(t, 2, q.callCount("m1"))
}

func TestEmptyPool(t *testing.T) {
	_, err := newEngine(newScriptedQuerier(nil), nil, 4).Decide(context.Background(), newInput(nil))
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestOverflowOnceThenSuccessIsCounted(t *testing.T) {
	overflowOnce := func(call int, _ []llm.CompletionMessage, _ llm.QueryOptions) (string, error) {
		if call == 1 {
			return "", llmerrors.NewContextLengthError(errors.New("prompt is too long"))
		}
		return orient, nil
	}
	q := newScriptedQuerier(map[string]reply{"m1": overflowOnce, "m2": always(orient), "m3": always(wait)})
	ids := []string{"m1", "m2", "m3"}
	in := newInput(ids)
	for i := 0; i < 3; i++ {
		in.Contexts.AddAssistant(`{"action":"orient"}`)
		in.Contexts.AddUser("ok")
	}

	dec, err := newEngine(q, ids, 4).Decide(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, StateConsensus, dec.State)
	assert.Equal(t, 2, dec.Winner.Size())
	assert.Contains(t, dec.Winner.Members, "m1")
	assert.Equal(t, 2, q.callCount("m1"))
	require.Len(t, dec.Condensations, 1)
	assert.Equal(t, contextmgr.TriggerOverflow, dec.Condensations[0].Trigger)
	assert.Equal(t, []string{"lesson"}, dec.Lessons())
	// The condensed history is threaded back even though the input was untouched.
	assert.Less(t, dec.Contexts["m1"].GetMessageCount(), in.Contexts["m1"].GetMessageCount())
	assert.Equal(t, 1, dec.Contexts["m1"].Condensations)
}

func TestOverflowTwiceExcludesOnlyThatModel(t *testing.T) {
	overflow := failing(llmerrors.NewContextLengthError(errors.New("context_length_exceeded")))
	q := newScriptedQuerier(map[string]reply{"m1": overflow, "m2": always(orient), "m3": always(orient)})
	ids := []string{"m1", "m2", "m3"}
	in := newInput(ids)
	in.Contexts.AddAssistant(`{"action":"orient"}`)
	in.Contexts.AddUser("ok")

	dec, err := newEngine(q, ids, 4).Decide(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, StateConsensus, dec.State)
	assert.Equal(t, 2, q.callCount("m1"), "overflow is retried exactly once")
	require.Contains(t, dec.Rounds[0].Failures, "m1")
	assert.ErrorIs(t, dec.Rounds[0].Failures["m1"], ErrContextOverflow)
	assert.NotContains(t, dec.Winner.Members, "m1")
}

func TestTemperatureRisesWithRound(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{"m1": always(wait), "m2": always(orient)})
	ids := []string{"m1", "m2"}
	_, err := newEngine(q, ids, 4).Decide(context.Background(), newInput(ids))
	require.NoError(t, err)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.opts["m1"], 4)
	want := []float32{0.3, 0.5, 0.7, 0.9}
	for i, o := range q.opts["m1"] {
		assert.InDelta(t, want[i], o.Temperature, 0.0001)
		assert.Equal(t, i+1, o.Round)
		assert.Greater(t, o.MaxTokens, 0)
	}
}

func TestTemperatureCapped(t *testing.T) {
	d := NewDriver(newScriptedQuerier(nil), contextmgr.NewController(config.CondensationConfig{}, nil, nil),
		[]ModelSpec{{ID: "hot", BaseTemperature: 0.9}}, config.ConsensusConfig{TemperatureStep: 0.5, MaxTemperature: 1.0}, nil)
	assert.InDelta(t, 0.9, d.Temperature("hot", 1), 0.0001)
	assert.InDelta(t, 1.0, d.Temperature("hot", 3), 0.0001)
}

func TestInlineCondenseDirectiveAppliesToNextQuery(t *testing.T) {
	directive := `{"action":"wait","condense":true}`
	q := newScriptedQuerier(map[string]reply{"m1": always(directive), "m2": always(orient)})
	ids := []string{"m1", "m2"}
	in := newInput(ids)
	for i := 0; i < 3; i++ {
		in.Contexts.AddAssistant(`{"action":"orient"}`)
		in.Contexts.AddUser("ok")
	}

	dec, err := newEngine(q, ids, 2).Decide(context.Background(), in)
	require.NoError(t, err)

	var inline int
	for _, c := range dec.Condensations {
		if c.ModelID == "m1" && c.Trigger == contextmgr.TriggerInline {
			inline++
		}
	}
	// Round 1 sets the directive, round 2 condenses, round 2's answer sets it again.
	assert.Equal(t, 1, inline)
	assert.True(t, dec.Contexts["m1"].PendingCondense)
}

func TestInputContextsAreNotMutated(t *testing.T) {
	q := newScriptedQuerier(map[string]reply{"m1": always(orient)})
	ids := []string{"m1"}
	in := newInput(ids)
	before := in.Contexts["m1"].GetMessageCount()

	dec, err := newEngine(q, ids, 1).Decide(context.Background(), in)
	require.NoError(t, err)
	dec.Contexts["m1"].AddAssistant("x")
	assert.Equal(t, before, in.Contexts["m1"].GetMessageCount())
}
