package consensus

import (
	"sort"

	"conclave/pkg/action"
)

// Answer is one model's valid parsed answer in a round.
type Answer struct {
	Action  *action.Action
	ModelID string
	Raw     string
}

// Cluster groups answers that propose the same action with equivalent parameters.
type Cluster struct {
	Representative *action.Action
	Fingerprint    string
	Members        []string
}

// Size is the number of models in the cluster.
func (c *Cluster) Size() int {
	return len(c.Members)
}

// Partition clusters answers by fingerprint. Clusters are ordered by size,
// then by the position of their first member in answers.
func Partition(answers []Answer) []Cluster {
	index := make(map[string]int)
	var clusters []Cluster
	for i := range answers {
		fp := answers[i].Action.Fingerprint()
		if ci, ok := index[fp]; ok {
			clusters[ci].Members = append(clusters[ci].Members, answers[i].ModelID)
			continue
		}
		index[fp] = len(clusters)
		clusters = append(clusters, Cluster{
			Fingerprint:    fp,
			Representative: answers[i].Action.Clone(),
			Members:        []string{answers[i].ModelID},
		})
	}
	sort.SliceStable(clusters, func(a, b int) bool {
		return clusters[a].Size() > clusters[b].Size()
	})
	return clusters
}

// Majority returns the cluster holding strictly more than half of responded.
func Majority(clusters []Cluster, responded int) (*Cluster, bool) {
	if len(clusters) == 0 || responded == 0 {
		return nil, false
	}
	if clusters[0].Size()*2 > responded {
		return &clusters[0], true
	}
	return nil, false
}

// BestEffort picks the result when rounds run out: the largest cluster, ties
// broken towards the more conservative action and then the earlier pool member.
func BestEffort(clusters []Cluster, poolOrder []string) *Cluster {
	if len(clusters) == 0 {
		return nil
	}
	position := make(map[string]int, len(poolOrder))
	for i, id := range poolOrder {
		position[id] = i
	}
	firstMember := func(c *Cluster) int {
		best := len(poolOrder)
		for _, m := range c.Members {
			if p, ok := position[m]; ok && p < best {
				best = p
			}
		}
		return best
	}

	best := &clusters[0]
	for i := 1; i < len(clusters); i++ {
		c := &clusters[i]
		switch {
		case c.Size() != best.Size():
			if c.Size() > best.Size() {
				best = c
			}
		case c.Representative.Kind.Rank() != best.Representative.Kind.Rank():
			if c.Representative.Kind.Rank() < best.Representative.Kind.Rank() {
				best = c
			}
		case firstMember(c) < firstMember(best):
			best = c
		}
	}
	return best
}
