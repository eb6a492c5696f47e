package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/agent"
	"conclave/pkg/agent/llm"
	"conclave/pkg/budget"
	"conclave/pkg/config"
	"conclave/pkg/consensus"
	"conclave/pkg/contextmgr"
	"conclave/pkg/dispatch"
	"conclave/pkg/eventbus"
	"conclave/pkg/persistence"
	"conclave/pkg/proto"
)

var models = []string{"m1", "m2"}

// treeQuerier plays a lead that delegates once and a helper that finishes
// right away. Every model gives the same answer so rounds converge.
type treeQuerier struct{}

func (treeQuerier) Query(_ context.Context, msgs []llm.CompletionMessage, ids []string, _ llm.QueryOptions) llm.QueryResult {
	var convo strings.Builder
	for i := range msgs {
		convo.WriteString(msgs[i].Text())
		convo.WriteString("\n")
	}
	text := convo.String()

	answer := `{"action":"wait","wait":true}`
	switch {
	case strings.Contains(text, "## Task\nhelp out"):
		answer = `{"action":"finish","params":{"result":"helped"}}`
	case strings.Contains(text, "## Task\nlead"):
		switch {
		case strings.Contains(text, "finished]\nhelped"):
			answer = `{"action":"finish","params":{"result":"team done"}}`
		case strings.Contains(text, "Spawned child"):
			answer = `{"action":"wait","wait":true}`
		default:
			answer = `{"action":"spawn_child","params":{"task":"help out","budget":10},"wait":true}`
		}
	}

	var res llm.QueryResult
	for _, id := range ids {
		res.Successful = append(res.Successful, llm.ModelResponse{ModelID: id, Content: answer})
	}
	return res
}

type nullReflector struct{}

func (nullReflector) Reflect(context.Context, string, []llm.CompletionMessage, string) (contextmgr.Reflection, error) {
	return contextmgr.Reflection{Summary: "summary"}, nil
}

func newSupervisor(t *testing.T) (*Supervisor, persistence.Store, *dispatch.Dispatcher) {
	t.Helper()
	store, err := persistence.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{Agents: config.AgentsConfig{
		DefaultCapabilities: []string{config.CapabilityBase, config.CapabilityMessaging, config.CapabilitySpawn, config.CapabilityBudget},
		WaitUnit:            5 * time.Millisecond,
		RestoreWait:         200 * time.Millisecond,
		ShutdownTimeout:     2 * time.Second,
	}}
	specs := make([]consensus.ModelSpec, 0, len(models))
	for _, id := range models {
		cfg.Models = append(cfg.Models, config.ModelConfig{ID: id})
		specs = append(specs, consensus.ModelSpec{ID: id, BaseTemperature: 0.3, Limits: contextmgr.Limits{ContextWindow: 200000, MaxOutput: 8192}})
	}
	policy := config.ConsensusConfig{MaxRounds: 2, TemperatureStep: 0.2, MaxTemperature: 1}
	condenser := contextmgr.NewController(config.CondensationConfig{Entries: 4}, nullReflector{}, nil)
	engine := consensus.NewEngine(consensus.NewDriver(treeQuerier{}, condenser, specs, policy, nil), policy, nil)

	dispatcher := dispatch.NewDispatcher()
	sup := New(agent.Deps{
		Engine: engine,
		Store:  store,
		Events: eventbus.NewChannelDestination(1024),
		Config: cfg,
	}, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = sup.Wait(context.Background())
	})
	return sup, store, dispatcher
}

func loadKnowledge(t *testing.T, store persistence.Store, id string) *agent.Knowledge {
	t.Helper()
	k, err := agent.LoadKnowledge(context.Background(), store, id)
	require.NoError(t, err)
	return k
}

func TestSpawnedChildReportsToParent(t *testing.T) {
	sup, store, _ := newSupervisor(t)

	root, err := sup.Launch(context.Background(), &agent.Options{ID: "lead", Task: "lead", Budget: budget.NewRoot(decimal.NewFromInt(100))})
	require.NoError(t, err)

	select {
	case <-root.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("lead never finished, state %s", root.GetCurrentState())
	}

	k := loadKnowledge(t, store, "lead")
	assert.True(t, k.Finished)
	require.Len(t, k.Children, 1)
	assert.Equal(t, agent.ChildFinished, k.Children[0].Status)
	assert.True(t, k.Children[0].Allocated.Equal(decimal.NewFromInt(10)))

	childID := k.Children[0].ID
	require.Eventually(t, func() bool {
		ck, err := agent.LoadKnowledge(context.Background(), store, childID)
		return err == nil && ck.Finished
	}, 2*time.Second, 5*time.Millisecond)
	child := loadKnowledge(t, store, childID)
	assert.Equal(t, "lead", child.ParentID)
	assert.Equal(t, budget.ModeChild, child.Budget.Mode)

	require.Eventually(t, func() bool { return len(sup.Running()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDismissStopsSubtree(t *testing.T) {
	sup, store, dispatcher := newSupervisor(t)
	ctx := context.Background()

	for _, opts := range []*agent.Options{
		{ID: "root"},
		{ID: "mid", ParentID: "root"},
		{ID: "leaf", ParentID: "mid"},
	} {
		ag, err := sup.Launch(ctx, opts)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return ag.GetCurrentState() == agent.StateAwaitingExternal }, 2*time.Second, 2*time.Millisecond)
	}

	require.NoError(t, sup.Dismiss(ctx, "mid"))
	assert.Equal(t, []string{"root"}, sup.Running())
	_, ok := dispatcher.Lookup("leaf")
	assert.False(t, ok)

	for _, id := range []string{"mid", "leaf"} {
		_, err := agent.LoadKnowledge(ctx, store, id)
		assert.ErrorIs(t, err, persistence.ErrNotFound, id)
	}
	assert.ErrorIs(t, sup.Dismiss(ctx, "mid"), ErrUnknownAgent)
}

func TestAdjustBudgetReachesChild(t *testing.T) {
	sup, _, _ := newSupervisor(t)
	ctx := context.Background()

	child, err := sup.Launch(ctx, &agent.Options{ID: "kid", ParentID: "someone", Budget: budget.NewChild(decimal.NewFromInt(10))})
	require.NoError(t, err)
	require.NoError(t, sup.AdjustBudget(ctx, "kid", decimal.NewFromInt(25)))

	st, err := child.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Budget.Allocated.Equal(decimal.NewFromInt(25)))

	assert.ErrorIs(t, sup.AdjustBudget(ctx, "nobody", decimal.NewFromInt(1)), ErrUnknownAgent)
}

func TestRestoreAllSkipsFinishedAgents(t *testing.T) {
	sup, store, _ := newSupervisor(t)
	ctx := context.Background()

	save := func(id string, k *agent.Knowledge) {
		k.Contexts = contextmgr.NewContexts(models).Export()
		snap, err := persistence.NewSnapshot(id, k)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, snap))
	}
	save("alive", &agent.Knowledge{Task: "keep going", Budget: budget.Unlimited()})
	save("done", &agent.Knowledge{Task: "over", Finished: true, Budget: budget.Unlimited()})

	restored, err := sup.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, restored)

	ag, ok := sup.Agent("alive")
	require.True(t, ok)
	require.Eventually(t, func() bool { return ag.GetCurrentState() == agent.StateAwaitingExternal }, 2*time.Second, 2*time.Millisecond)
	st, err := ag.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Restored)
	assert.Equal(t, "keep going", st.Task)
}

type squatter struct{ id string }

func (s squatter) GetID() string                { return s.id }
func (squatter) Deliver(*proto.AgentMsg) error  { return nil }
func (squatter) Shutdown(context.Context) error { return nil }

func TestLaunchWaitsForPreviousIncarnation(t *testing.T) {
	sup, _, dispatcher := newSupervisor(t)
	ctx := context.Background()

	require.NoError(t, dispatcher.Attach(squatter{id: "phoenix"}))
	go func() {
		time.Sleep(20 * time.Millisecond)
		dispatcher.Detach("phoenix")
	}()
	_, err := sup.Launch(ctx, &agent.Options{ID: "phoenix"})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Attach(squatter{id: "stuck"}))
	_, err = sup.Launch(ctx, &agent.Options{ID: "stuck"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownPersistsEveryAgent(t *testing.T) {
	sup, store, _ := newSupervisor(t)
	ctx := context.Background()

	for _, id := range []string{"one", "two"} {
		ag, err := sup.Launch(ctx, &agent.Options{ID: id})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return ag.GetCurrentState() == agent.StateAwaitingExternal }, 2*time.Second, 2*time.Millisecond)
	}

	require.NoError(t, sup.Shutdown(ctx))
	assert.Empty(t, sup.Running())

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, ids)
}
