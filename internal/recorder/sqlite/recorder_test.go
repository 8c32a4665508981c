package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/recorder"
	"github.com/zjrosen/ravel/internal/testutil"
)

func seed(t *testing.T, r recorder.ExecutionRecorder, execID string) {
	t.Helper()
	require.NoError(t, r.CreateExecution(context.Background(), recorder.Execution{
		ID:        execID,
		Profile:   "default",
		MaxDepth:  3,
		Policy:    graph.FailFast,
		CreatedAt: time.Now().UTC(),
	}))
}

func record(node graph.NodeID, seq int, from, to graph.Status, snap graph.Snapshot) recorder.TransitionRecord {
	return recorder.TransitionRecord{NodeID: node, Seq: seq, From: from, To: to, Snapshot: snap}
}

func TestRecorderRoundTrip(t *testing.T) {
	r := testutil.NewTestRecorder(t)
	ctx := context.Background()
	seed(t, r, "exec-1")

	root := graph.NodeID("root")
	child := graph.NodeID("child")

	require.NoError(t, r.PersistTransition(ctx, "exec-1", record(root, 0, "", graph.StatusPending,
		graph.Snapshot{ID: root, Description: "solve it", Status: graph.StatusPending})))
	require.NoError(t, r.PersistTransition(ctx, "exec-1", record(child, 0, "", graph.StatusPending,
		graph.Snapshot{ID: child, ParentID: root, Description: "part one", Status: graph.StatusPending, Depth: 1})))
	require.NoError(t, r.PersistTransition(ctx, "exec-1", record(child, 4, graph.StatusVerifying, graph.StatusDone,
		graph.Snapshot{ID: child, ParentID: root, Description: "part one", Status: graph.StatusDone, Depth: 1,
			Result: &graph.Result{Value: "ok", Score: 0.8}})))

	a := artifact.Artifact{ID: artifact.NewID(), Type: artifact.TypeReport, Producer: child, Payload: "report body", Seq: 1, Attempt: 2}
	require.NoError(t, r.PersistArtifact(ctx, "exec-1", a))

	loaded, err := r.LoadGraph(ctx, "exec-1")
	require.NoError(t, err)

	assert.Equal(t, "exec-1", loaded.Execution.ID)
	assert.Equal(t, "default", loaded.Execution.Profile)
	assert.Equal(t, 3, loaded.Execution.MaxDepth)
	assert.Equal(t, graph.FailFast, loaded.Execution.Policy)

	assert.Equal(t, 2, loaded.Graph.Len())
	snap, ok := loaded.Graph.Get(child)
	require.True(t, ok)
	assert.Equal(t, graph.StatusDone, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "ok", snap.Result.Value)

	require.Len(t, loaded.Artifacts, 1)
	assert.Equal(t, a.ID, loaded.Artifacts[0].ID)
	assert.Equal(t, "report body", loaded.Artifacts[0].Payload)
	assert.Equal(t, 2, loaded.Artifacts[0].Attempt)
}

func TestRecorderReplayIdempotent(t *testing.T) {
	r := testutil.NewTestRecorder(t)
	ctx := context.Background()
	seed(t, r, "exec-1")

	root := graph.NodeID("root")
	rec := record(root, 0, "", graph.StatusPending,
		graph.Snapshot{ID: root, Description: "solve it", Status: graph.StatusPending})
	require.NoError(t, r.PersistTransition(ctx, "exec-1", rec))
	require.NoError(t, r.PersistTransition(ctx, "exec-1", rec))

	a := artifact.Artifact{ID: artifact.NewID(), Type: artifact.TypeCode, Producer: root, Payload: "x", Seq: 1}
	require.NoError(t, r.PersistArtifact(ctx, "exec-1", a))
	require.NoError(t, r.PersistArtifact(ctx, "exec-1", a))

	loaded, err := r.LoadGraph(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Graph.Len())
	assert.Len(t, loaded.Artifacts, 1)
}

func TestRecorderCacheInvalidatedOnWrite(t *testing.T) {
	r := testutil.NewTestRecorder(t)
	ctx := context.Background()
	seed(t, r, "exec-1")

	root := graph.NodeID("root")
	require.NoError(t, r.PersistTransition(ctx, "exec-1", record(root, 0, "", graph.StatusPending,
		graph.Snapshot{ID: root, Description: "solve it", Status: graph.StatusPending})))

	first, err := r.LoadGraph(ctx, "exec-1")
	require.NoError(t, err)
	st, err := first.Graph.Status(root)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusPending, st)

	require.NoError(t, r.PersistTransition(ctx, "exec-1", record(root, 5, graph.StatusVerifying, graph.StatusDone,
		graph.Snapshot{ID: root, Description: "solve it", Status: graph.StatusDone,
			Result: &graph.Result{Value: "answer", Score: 1}})))

	second, err := r.LoadGraph(ctx, "exec-1")
	require.NoError(t, err)
	st, err = second.Graph.Status(root)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusDone, st, "writes must drop the cached reconstruction")
}

func TestRecorderCreateExecutionIdempotent(t *testing.T) {
	r := testutil.NewTestRecorder(t)
	ctx := context.Background()
	seed(t, r, "exec-1")
	seed(t, r, "exec-1")

	list, err := r.Executions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecorderUnknownExecution(t *testing.T) {
	r := testutil.NewTestRecorder(t)
	_, err := r.LoadGraph(context.Background(), "missing")
	require.ErrorIs(t, err, recorder.ErrUnknownExecution)
}

func TestRecorderExecutionsNewestFirst(t *testing.T) {
	r := testutil.NewTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.CreateExecution(ctx, recorder.Execution{
		ID: "old", MaxDepth: 3, Policy: graph.FailFast, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, r.CreateExecution(ctx, recorder.Execution{
		ID: "recent", MaxDepth: 5, Policy: graph.Degraded, CreatedAt: time.Now().UTC(),
	}))

	list, err := r.Executions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "recent", list[0].ID)
	assert.Equal(t, graph.Degraded, list[0].Policy)
	assert.Equal(t, "old", list[1].ID)
}
