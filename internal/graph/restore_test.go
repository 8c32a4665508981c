package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(t *testing.T, g *TaskGraph, id NodeID) Snapshot {
	t.Helper()
	snap, ok := g.Get(id)
	require.True(t, ok)
	return snap
}

func TestRestoreRoundTrip(t *testing.T) {
	g, root := newTestGraph(t, 3)
	a := mustChild(t, g, root, "a")
	b := mustChild(t, g, root, "b")
	require.NoError(t, g.AddDependency(a, b, EdgeDependency))
	advance(t, g, a, StatusDone)

	restored, err := Restore(3, FailFast, []RestoredNode{
		{Snapshot: snapshotOf(t, g, root), Seq: 0},
		{Snapshot: snapshotOf(t, g, a), Seq: 5},
		{Snapshot: snapshotOf(t, g, b), Seq: 0},
	})
	require.NoError(t, err)

	assert.Equal(t, root, restored.RootID())
	assert.Equal(t, 3, restored.Len())

	st, err := restored.Status(a)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st)

	// dependency adjacency is rebuilt, so readiness works
	ready, err := restored.IsReady(b)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestRestoreDemotesNonTerminal(t *testing.T) {
	g, root := newTestGraph(t, 3)
	a := mustChild(t, g, root, "a")

	_, _, err := g.Transition(root, StatusPending, StatusAtomizing)
	require.NoError(t, err)
	_, _, err = g.Transition(root, StatusAtomizing, StatusPlanning)
	require.NoError(t, err)
	require.NoError(t, g.SetChildren(root, []NodeID{a}))

	restored, err := Restore(3, FailFast, []RestoredNode{
		{Snapshot: snapshotOf(t, g, root), Seq: 2},
		{Snapshot: snapshotOf(t, g, a), Seq: 0},
	})
	require.NoError(t, err)

	snap := snapshotOf(t, restored, root)
	assert.Equal(t, StatusPending, snap.Status, "mid-planning node comes back PENDING")
	assert.Empty(t, snap.Children, "interrupted plan starts clean")
	require.Len(t, snap.Superseded, 1)
	assert.Equal(t, []NodeID{a}, snap.Superseded[0])

	// the stranded child survives for audit
	_, ok := restored.Get(a)
	assert.True(t, ok)
}

func TestRestoreResumesAggregationWhenChildrenDone(t *testing.T) {
	g, root := newTestGraph(t, 3)
	a := mustChild(t, g, root, "a")
	b := mustChild(t, g, root, "b")

	_, _, err := g.Transition(root, StatusPending, StatusAtomizing)
	require.NoError(t, err)
	_, _, err = g.Transition(root, StatusAtomizing, StatusPlanning)
	require.NoError(t, err)
	require.NoError(t, g.SetChildren(root, []NodeID{a, b}))
	advance(t, g, a, StatusDone)
	advance(t, g, b, StatusDone)

	restored, err := Restore(3, FailFast, []RestoredNode{
		{Snapshot: snapshotOf(t, g, root), Seq: 2},
		{Snapshot: snapshotOf(t, g, a), Seq: 5},
		{Snapshot: snapshotOf(t, g, b), Seq: 5},
	})
	require.NoError(t, err)

	snap := snapshotOf(t, restored, root)
	assert.Equal(t, StatusAggregating, snap.Status, "finished subtrees are not replanned")
	assert.Equal(t, []NodeID{a, b}, snap.Children)
	assert.Empty(t, snap.Superseded)
}

func TestRestoreFailedChildGatesAggregationResume(t *testing.T) {
	build := func(t *testing.T) []RestoredNode {
		g, root := newTestGraph(t, 3)
		a := mustChild(t, g, root, "a")
		b := mustChild(t, g, root, "b")

		_, _, err := g.Transition(root, StatusPending, StatusAtomizing)
		require.NoError(t, err)
		_, _, err = g.Transition(root, StatusAtomizing, StatusPlanning)
		require.NoError(t, err)
		require.NoError(t, g.SetChildren(root, []NodeID{a, b}))
		advance(t, g, a, StatusDone)
		_, _, err = g.Transition(b, StatusPending, StatusAtomizing)
		require.NoError(t, err)
		_, _, err = g.Transition(b, StatusAtomizing, StatusFailed)
		require.NoError(t, err)

		return []RestoredNode{
			{Snapshot: snapshotOf(t, g, root), Seq: 2},
			{Snapshot: snapshotOf(t, g, a), Seq: 5},
			{Snapshot: snapshotOf(t, g, b), Seq: 2},
		}
	}

	t.Run("fail fast replans from scratch", func(t *testing.T) {
		restored, err := Restore(3, FailFast, build(t))
		require.NoError(t, err)

		snap := snapshotOf(t, restored, restored.RootID())
		assert.Equal(t, StatusPending, snap.Status)
		assert.Empty(t, snap.Children)
		require.Len(t, snap.Superseded, 1)
	})

	t.Run("degraded keeps children and aggregates", func(t *testing.T) {
		restored, err := Restore(3, Degraded, build(t))
		require.NoError(t, err)

		snap := snapshotOf(t, restored, restored.RootID())
		assert.Equal(t, StatusAggregating, snap.Status)
		assert.Len(t, snap.Children, 2)
		assert.Empty(t, snap.Superseded)
	})
}

func TestRestoreRejectsBrokenReferences(t *testing.T) {
	g, root := newTestGraph(t, 3)
	a := mustChild(t, g, root, "a")
	b := mustChild(t, g, root, "b")
	require.NoError(t, g.AddDependency(a, b, EdgeDependency))

	t.Run("missing parent", func(t *testing.T) {
		_, err := Restore(3, FailFast, []RestoredNode{
			{Snapshot: snapshotOf(t, g, a), Seq: 0},
		})
		require.Error(t, err)
	})

	t.Run("missing dependency source", func(t *testing.T) {
		_, err := Restore(3, FailFast, []RestoredNode{
			{Snapshot: snapshotOf(t, g, root), Seq: 0},
			{Snapshot: snapshotOf(t, g, b), Seq: 0},
		})
		require.Error(t, err)
	})

	t.Run("duplicate node", func(t *testing.T) {
		_, err := Restore(3, FailFast, []RestoredNode{
			{Snapshot: snapshotOf(t, g, root), Seq: 0},
			{Snapshot: snapshotOf(t, g, root), Seq: 1},
		})
		require.Error(t, err)
	})
}

func TestRestoreEmpty(t *testing.T) {
	g, err := Restore(3, Degraded, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Equal(t, Degraded, g.Policy())
}
