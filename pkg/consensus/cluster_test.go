package consensus

import (
	"strings"
	"testing"

	"conclave/pkg/action"
)

func mustParse(t *testing.T, s string) *action.Action {
	t.Helper()
	a, err := action.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestPartitionGroupsEquivalentParams(t *testing.T) {
	answers := []Answer{
		{ModelID: "m1", Action: mustParse(t, `{"action":"send_message","params":{"to":"Child-1","content":"hi "}}`)},
		{ModelID: "m2", Action: mustParse(t, `{"action":"send_message","params":{"to":"child-1","content":"hi"},"reasoning":"x"}`)},
		{ModelID: "m3", Action: mustParse(t, `{"action":"orient"}`)},
	}
	clusters := Partition(answers)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].Size() != 2 || clusters[0].Members[0] != "m1" {
		t.Errorf("largest cluster should come first with pool order kept: %+v", clusters[0])
	}
	total := 0
	for i := range clusters {
		total += clusters[i].Size()
	}
	if total != len(answers) {
		t.Errorf("clusters must partition the answers, got %d of %d", total, len(answers))
	}
}

func TestPartitionSplitsOnWait(t *testing.T) {
	answers := []Answer{
		{ModelID: "m1", Action: mustParse(t, `{"action":"wait","wait":300}`)},
		{ModelID: "m2", Action: mustParse(t, `{"action":"wait","wait":false}`)},
		{ModelID: "m3", Action: mustParse(t, `{"action":"wait","wait":false}`)},
	}
	clusters := Partition(answers)
	if len(clusters) != 2 {
		t.Fatalf("different wait values must not share a cluster, got %d clusters", len(clusters))
	}
	c, ok := Majority(clusters, len(answers))
	if !ok {
		t.Fatal("2 of 3 should be a majority")
	}
	if _, delayed := c.Representative.Wait.Positive(); delayed {
		t.Errorf("majority asked to continue now, got wait=%s", c.Representative.Wait)
	}
}

func TestMajorityIsStrict(t *testing.T) {
	clusters := []Cluster{
		{Members: []string{"a", "b"}, Representative: &action.Action{Kind: action.Wait}},
		{Members: []string{"c", "d"}, Representative: &action.Action{Kind: action.Orient}},
	}
	if _, ok := Majority(clusters, 4); ok {
		t.Error("a 2/2 tie must not be a majority")
	}
	if c, ok := Majority(clusters[:1], 3); !ok || c.Size() != 2 {
		t.Error("2 of 3 should be a majority")
	}
	if _, ok := Majority(nil, 0); ok {
		t.Error("no clusters, no majority")
	}
}

func TestBestEffortTieBreak(t *testing.T) {
	pool := []string{"a", "b", "c", "d"}
	finish := Cluster{Members: []string{"a"}, Representative: &action.Action{Kind: action.Finish}}
	todoLate := Cluster{Members: []string{"d"}, Representative: &action.Action{Kind: action.Todo}}
	todoEarly := Cluster{Members: []string{"b"}, Representative: &action.Action{Kind: action.Todo, Params: map[string]any{"items": []any{"x"}}}}

	best := BestEffort([]Cluster{finish, todoLate, todoEarly}, pool)
	if best.Representative.Kind != action.Todo || best.Members[0] != "b" {
		t.Errorf("expected the earlier todo cluster, got %+v", best)
	}

	bigger := Cluster{Members: []string{"c", "d"}, Representative: &action.Action{Kind: action.Finish}}
	if got := BestEffort([]Cluster{finish, bigger}, pool); got.Size() != 2 {
		t.Error("size beats conservativeness")
	}
	if BestEffort(nil, pool) != nil {
		t.Error("no clusters gives no result")
	}
}

func TestBuildRefinement(t *testing.T) {
	answers := []Answer{
		{ModelID: "m1", Action: mustParse(t, `{"action":"wait","reasoning":"idle"}`)},
		{ModelID: "m2", Action: mustParse(t, `{"action":"orient","reasoning":"check state"}`)},
	}
	text := BuildRefinement(1, 3, Partition(answers), answers, 1, 2)

	for _, want := range []string{"round 1 of 3", "Option 1 (1 of 2)", "Option 2 (1 of 2)", "- idle", "- check state", "1 answers could not be parsed and 2 models"} {
		if !strings.Contains(text, want) {
			t.Errorf("refinement missing %q:\n%s", want, text)
		}
	}
}
