package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// The blocking-edge subgraph must stay acyclic for any sequence of
// AddDependency calls: every accepted edge keeps the invariant, every
// rejected call leaves the graph unchanged.
func TestDependencySubgraphStaysAcyclic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := New(3, FailFast)
		root, err := g.CreateRoot("root", "", "")
		require.NoError(rt, err)

		n := rapid.IntRange(2, 8).Draw(rt, "siblings")
		ids := make([]NodeID, n)
		for i := range ids {
			ids[i], err = g.CreateNode(root, "sibling")
			require.NoError(rt, err)
		}

		// adjacency over accepted blocking edges, by sibling index
		adj := make([][]int, n)

		attempts := rapid.IntRange(0, 40).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			from := rapid.IntRange(0, n-1).Draw(rt, "from")
			to := rapid.IntRange(0, n-1).Draw(rt, "to")
			typ := rapid.SampledFrom([]EdgeType{EdgeDependency, EdgeDataFlow}).Draw(rt, "type")

			before, _ := g.Get(ids[to])
			if err := g.AddDependency(ids[from], ids[to], typ); err != nil {
				after, _ := g.Get(ids[to])
				require.Equal(rt, before.Deps, after.Deps, "rejected call must not mutate")
				continue
			}
			adj[from] = append(adj[from], to)
		}

		require.False(rt, hasCycle(adj), "accepted edges formed a cycle")
	})
}

// hasCycle runs a three-color depth-first search over the adjacency.
func hasCycle(adj [][]int) bool {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(adj))

	var visit func(int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range adj[u] {
			switch color[v] {
			case gray:
				return true
			case white:
				if visit(v) {
					return true
				}
			}
		}
		color[u] = black
		return false
	}

	for u := range adj {
		if color[u] == white && visit(u) {
			return true
		}
	}
	return false
}
