package consensus

import (
	"fmt"
	"strings"
)

// maxReasoningChars bounds each quoted rationale in a refinement prompt.
const maxReasoningChars = 400

// BuildRefinement summarises a split round for the next one. Only the valid
// answers of models that responded are listed, grouped by cluster.
func BuildRefinement(round, maxRounds int, clusters []Cluster, answers []Answer, malformed, failed int) string {
	byModel := make(map[string]*Answer, len(answers))
	for i := range answers {
		byModel[answers[i].ModelID] = &answers[i]
	}
	responded := 0
	for i := range clusters {
		responded += clusters[i].Size()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Consensus round %d of %d: no majority\n", round, maxRounds)
	fmt.Fprintf(&sb, "The models proposed %d different actions. A decision needs more than half of the %d valid answers.\n",
		len(clusters), responded)

	for i := range clusters {
		c := &clusters[i]
		fmt.Fprintf(&sb, "\n### Option %d (%d of %d): %s\n", i+1, c.Size(), responded, c.Representative.Summary())
		for _, id := range c.Members {
			a, ok := byModel[id]
			if !ok || strings.TrimSpace(a.Action.Reasoning) == "" {
				continue
			}
			fmt.Fprintf(&sb, "- %s\n", truncate(strings.TrimSpace(a.Action.Reasoning), maxReasoningChars))
		}
	}

	if malformed > 0 || failed > 0 {
		fmt.Fprintf(&sb, "\n(%d answers could not be parsed and %d models did not respond.)\n", malformed, failed)
	}
	sb.WriteString("\nWeigh these options and answer again with a single JSON action. ")
	sb.WriteString("Change your answer only if another option is better supported.")
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
