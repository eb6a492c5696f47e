package action

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/config"
)

func TestParseFencedJSON(t *testing.T) {
	content := "Here is my decision:\n```json\n{\"action\": \"Send_Message\", \"params\": {\"to\": \" Agent-7 \", \"content\": \"status?\"}, \"reasoning\": \"need an update\", \"wait\": true}\n```"

	a, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, SendMessage, a.Kind)
	assert.Equal(t, "agent-7", a.ID("to"))
	assert.Equal(t, "need an update", a.Reasoning)
	assert.True(t, a.Wait.IsTrue())
	assert.False(t, a.Condense)
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"I think we should wait.",
		`{"action": "dance"}`,
		`{"action": "send_message", "params": {"to": "x"}}`,
		`{"action": "wait", "wait": 1.5}`,
		`{"action": "adjust_budget", "params": {"child_id": "c", "budget": "-3"}}`,
		`{"action": `,
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.True(t, errors.Is(err, ErrMalformed), "expected malformed for %q, got %v", c, err)
	}
}

func TestParseCondenseDirective(t *testing.T) {
	a, err := Parse(`{"action": "orient", "condense": true}`)
	require.NoError(t, err)
	assert.True(t, a.Condense)

	a, err = Parse(`{"action": "orient", "condense": 5}`)
	require.NoError(t, err)
	assert.True(t, a.Condense)

	a, err = Parse(`{"action": "orient", "condense": false}`)
	require.NoError(t, err)
	assert.False(t, a.Condense)
}

func TestWaitValueForms(t *testing.T) {
	a, err := Parse(`{"action": "wait", "wait": 30}`)
	require.NoError(t, err)
	n, ok := a.Wait.Positive()
	assert.True(t, ok)
	assert.Equal(t, int64(30), n)

	a, err = Parse(`{"action": "orient", "wait": 0}`)
	require.NoError(t, err)
	assert.True(t, a.Wait.IsImmediate())

	a, err = Parse(`{"action": "orient"}`)
	require.NoError(t, err)
	assert.Equal(t, WaitAbsent, a.Wait.Form)
	assert.False(t, a.Wait.IsImmediate())
}

func TestFingerprintIgnoresSurfaceDifferences(t *testing.T) {
	a, err := Parse(`{"action":"spawn_child","params":{"task":"index the repo ","budget":10.50},"reasoning":"A"}`)
	require.NoError(t, err)
	b, err := Parse("```\n{\"action\":\"spawn_child\",\"params\":{\"budget\":\"10.5\",\"task\":\"index the repo\"},\"reasoning\":\"B\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c, err := Parse(`{"action":"spawn_child","params":{"task":"index the repo","budget":11}}`)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestFingerprintLowercasesIdentifiersOnly(t *testing.T) {
	a, _ := Parse(`{"action":"send_message","params":{"to":"Parent","content":"Done"}}`)
	b, _ := Parse(`{"action":"send_message","params":{"to":"parent","content":"Done"}}`)
	c, _ := Parse(`{"action":"send_message","params":{"to":"parent","content":"done"}}`)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, b.Fingerprint(), c.Fingerprint())
}

func TestFingerprintSeparatesWaitValues(t *testing.T) {
	timer, _ := Parse(`{"action":"wait","wait":300}`)
	now, _ := Parse(`{"action":"wait","wait":false}`)
	again, _ := Parse(`{"action":"wait","wait":false,"reasoning":"other words"}`)
	suspend, _ := Parse(`{"action":"wait","wait":true}`)

	assert.NotEqual(t, timer.Fingerprint(), now.Fingerprint())
	assert.NotEqual(t, now.Fingerprint(), suspend.Fingerprint())
	assert.Equal(t, now.Fingerprint(), again.Fingerprint())
	assert.Equal(t, "wait wait=300", timer.Summary())
}

func TestDecimalAndLists(t *testing.T) {
	a, err := Parse(`{"action":"todo","params":{"items":["a"," b ",""], "budget": "0.1"}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, a.StringList("items"))
	d, err := a.Decimal("budget")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.1")))

	_, err = a.Decimal("missing")
	assert.Error(t, err)
}

func TestJSONRoundTripThroughParse(t *testing.T) {
	orig := &Action{Kind: Wait, Params: map[string]any{}, Wait: WaitUnits(5)}
	again, err := Parse(orig.JSON())
	require.NoError(t, err)
	assert.Equal(t, orig.Fingerprint(), again.Fingerprint())
	n, _ := again.Wait.Positive()
	assert.Equal(t, int64(5), n)

	var w WaitValue
	require.NoError(t, json.Unmarshal([]byte("null"), &w))
	assert.Equal(t, WaitAbsent, w.Form)
}

func TestSummary(t *testing.T) {
	a, _ := Parse(`{"action":"learn","params":{"lesson":"tests first"}}`)
	assert.Equal(t, `learn(lesson="tests first")`, a.Summary())
	o, _ := Parse(`{"action":"orient"}`)
	assert.Equal(t, "orient", o.Summary())
}

func TestKindTraits(t *testing.T) {
	assert.True(t, Wait.AlwaysSync())
	assert.True(t, SendMessage.AlwaysSync())
	assert.True(t, SpawnChild.AlwaysSync())
	assert.False(t, Orient.AlwaysSync())
	assert.Less(t, Wait.Rank(), Orient.Rank())
	assert.Less(t, SpawnChild.Rank(), Finish.Rank())
	assert.Equal(t, len(AllKinds), Kind("bogus").Rank())
}

func TestCapabilityGate(t *testing.T) {
	gate := CapabilityGate{}
	base := Capabilities{config.CapabilityBase}

	assert.True(t, gate.Allowed(Orient, base))
	assert.False(t, gate.Allowed(SendMessage, base))
	assert.False(t, gate.Allowed(SpawnChild, base))

	full := Capabilities{config.CapabilityBase, config.CapabilityMessaging, config.CapabilitySpawn, config.CapabilityBudget}
	for _, k := range AllKinds {
		assert.True(t, gate.Allowed(k, full), "kind %s", k)
	}

	err := Check(gate, AdjustBudget, base)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.NoError(t, Check(gate, Learn, base))
}
