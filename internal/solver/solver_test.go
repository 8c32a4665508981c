package solver_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ravel/internal/agent"
	"github.com/zjrosen/ravel/internal/agent/mock"
	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/recorder"
	"github.com/zjrosen/ravel/internal/solver"
)

func newSolver(t *testing.T, opts solver.Options) *solver.Solver {
	t.Helper()
	s, err := solver.New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// compositeAtomizer marks descriptions with the given prefix as
// composite and everything else as atomic.
func compositeAtomizer(prefix string) func(context.Context, string, []artifact.Artifact) (agent.AtomizeResult, error) {
	return func(_ context.Context, description string, _ []artifact.Artifact) (agent.AtomizeResult, error) {
		return agent.AtomizeResult{IsAtomic: !strings.HasPrefix(description, prefix)}, nil
	}
}

func TestNewRequiresCapability(t *testing.T) {
	_, err := solver.New(solver.Options{})
	require.ErrorIs(t, err, solver.ErrNoCapability)
}

func TestNewRejectsInvalidInjection(t *testing.T) {
	_, err := solver.New(solver.Options{Capability: mock.New(), Injection: artifact.Mode("sideways")})
	require.Error(t, err)
}

func TestSolveAtomicHappyPath(t *testing.T) {
	cap := mock.New()
	s := newSolver(t, solver.Options{Capability: cap})

	out, err := s.Solve(context.Background(), "look up the answer")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	require.NotNil(t, out.Result)
	assert.Equal(t, "done: look up the answer", out.Result.Value)
	assert.InDelta(t, 1.0, out.Result.Score, 1e-9)
	assert.Empty(t, out.Feedback)
	assert.NotEmpty(t, out.ExecutionID)

	assert.Equal(t, 1, cap.Calls("atomize"))
	assert.Equal(t, 1, cap.Calls("execute"))
	assert.Equal(t, 1, cap.Calls("verify"))
	assert.Equal(t, 0, cap.Calls("plan"))
	assert.Equal(t, 0, cap.Calls("aggregate"), "atomic aggregation is an identity step")
	assert.Equal(t, 0, out.Metrics.Replans())
	assert.Equal(t, 1, out.Metrics.Nodes())
}

func TestSolveCompositeAggregatesChildren(t *testing.T) {
	cap := mock.New()
	cap.AtomizeFunc = compositeAtomizer("split:")
	cap.PlanFunc = func(_ context.Context, description string, _ []artifact.Artifact, _ []string) (agent.PlanResult, error) {
		return agent.PlanResult{Steps: []agent.PlanStep{
			{Description: "first half"},
			{Description: "second half"},
		}}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap})

	out, err := s.Solve(context.Background(), "split: big job")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	require.NotNil(t, out.Result)
	assert.Equal(t, "done: first half\ndone: second half", out.Result.Value)
	assert.Equal(t, 3, out.Metrics.Nodes())
	assert.Equal(t, 1, cap.Calls("plan"))
	assert.Equal(t, 1, cap.Calls("aggregate"))
	assert.Equal(t, 2, cap.Calls("execute"))
	// atomize runs for the root and for each child
	assert.Equal(t, 3, cap.Calls("atomize"))
}

func TestSolveDependencyOrderingAndVisibility(t *testing.T) {
	cap := mock.New()
	cap.AtomizeFunc = compositeAtomizer("split:")
	cap.PlanFunc = func(_ context.Context, _ string, _ []artifact.Artifact, _ []string) (agent.PlanResult, error) {
		return agent.PlanResult{Steps: []agent.PlanStep{
			{Description: "fetch rows"},
			{Description: "process rows", DependsOn: []int{0}},
		}}, nil
	}

	var mu sync.Mutex
	var order []string
	visibleTo := map[string]int{}
	cap.ExecuteFunc = func(_ context.Context, description string, visible []artifact.Artifact) (agent.ExecuteResult, error) {
		mu.Lock()
		order = append(order, description)
		visibleTo[description] = len(visible)
		mu.Unlock()
		if description == "fetch rows" {
			return agent.ExecuteResult{
				Result:    "1000 rows",
				Artifacts: []agent.Payload{{Type: artifact.TypeDataFetch, Content: "rows.csv"}},
			}, nil
		}
		return agent.ExecuteResult{Result: "processed"}, nil
	}

	s := newSolver(t, solver.Options{Capability: cap, Injection: artifact.ModeDependencies})
	out, err := s.Solve(context.Background(), "split: pipeline")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	require.Equal(t, []string{"fetch rows", "process rows"}, order, "blocking edges serialize execution")
	assert.Equal(t, 0, visibleTo["fetch rows"])
	assert.Equal(t, 1, visibleTo["process rows"], "the dependent sees its source's artifact")
	assert.Equal(t, 1, out.Metrics.Artifacts())
}

func TestSolveSiblingsRunConcurrently(t *testing.T) {
	cap := mock.New()
	cap.AtomizeFunc = compositeAtomizer("split:")
	cap.PlanFunc = func(_ context.Context, _ string, _ []artifact.Artifact, _ []string) (agent.PlanResult, error) {
		return agent.PlanResult{Steps: []agent.PlanStep{
			{Description: "left"},
			{Description: "right"},
		}}, nil
	}

	var mu sync.Mutex
	arrived := 0
	bothHere := make(chan struct{})
	cap.ExecuteFunc = func(ctx context.Context, description string, _ []artifact.Artifact) (agent.ExecuteResult, error) {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(bothHere)
		}
		mu.Unlock()
		select {
		case <-bothHere:
		case <-time.After(5 * time.Second):
			return agent.ExecuteResult{}, fmt.Errorf("sibling never started executing")
		}
		return agent.ExecuteResult{Result: "done: " + description}, nil
	}

	s := newSolver(t, solver.Options{Capability: cap, MaxConcurrent: 4})
	out, err := s.Solve(context.Background(), "split: parallel work")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusDone, out.Status)
}

func TestSolveReplansOnVerifyFeedback(t *testing.T) {
	cap := mock.New()
	attempts := 0
	cap.VerifyFunc = func(_ context.Context, result string) (agent.VerifyResult, error) {
		attempts++
		switch attempts {
		case 1:
			return agent.VerifyResult{Pass: false, Feedback: "too vague"}, nil
		case 2:
			return agent.VerifyResult{Pass: false, Feedback: "missing units"}, nil
		default:
			return agent.VerifyResult{Pass: true, Score: 0.9}, nil
		}
	}
	s := newSolver(t, solver.Options{Capability: cap, MaxReplans: 2})

	out, err := s.Solve(context.Background(), "measure the thing")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	assert.Equal(t, 2, out.Metrics.Replans())
	assert.Equal(t, []string{"too vague", "missing units"}, out.Feedback)
	assert.Equal(t, 3, cap.Calls("execute"), "each replan repeats the execute stage")
	assert.Equal(t, 3, cap.Calls("verify"))
}

func TestSolveFailsWhenReplanBudgetSpent(t *testing.T) {
	cap := mock.New()
	cap.VerifyFunc = func(_ context.Context, _ string) (agent.VerifyResult, error) {
		return agent.VerifyResult{Pass: false, Feedback: "never good enough"}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, MaxReplans: 1})

	out, err := s.Solve(context.Background(), "impossible standard")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusFailed, out.Status)
	assert.Contains(t, out.Err, "never good enough")
	assert.Equal(t, 1, out.Metrics.Replans())
	assert.Equal(t, 2, cap.Calls("verify"), "one fresh attempt plus one replan")
}

func TestSolveRetriesTransientCallFailure(t *testing.T) {
	cap := mock.New()
	failed := false
	cap.ExecuteFunc = func(_ context.Context, description string, _ []artifact.Artifact) (agent.ExecuteResult, error) {
		if !failed {
			failed = true
			return agent.ExecuteResult{}, &agent.CallError{Op: "execute", Err: errors.New("provider unreachable")}
		}
		return agent.ExecuteResult{Result: "done: " + description}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, AgentRetries: 1})

	out, err := s.Solve(context.Background(), "flaky backend")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	assert.Equal(t, 2, cap.Calls("execute"))
	assert.Equal(t, 0, out.Metrics.Replans(), "transient retries never consume the replan budget")
}

func TestSolveValidationErrorTriggersReplan(t *testing.T) {
	cap := mock.New()
	first := true
	cap.ExecuteFunc = func(_ context.Context, description string, _ []artifact.Artifact) (agent.ExecuteResult, error) {
		if first {
			first = false
			return agent.ExecuteResult{
				Result:    "junk",
				Artifacts: []agent.Payload{{Type: artifact.Type("GARBAGE"), Content: "x"}},
			}, nil
		}
		return agent.ExecuteResult{Result: "done: " + description}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, MaxReplans: 2})

	out, err := s.Solve(context.Background(), "structured output please")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	assert.Equal(t, 1, out.Metrics.Replans())
	require.NotEmpty(t, out.Feedback)
	assert.Contains(t, out.Feedback[0], "unknown type")
}

func TestSolveStageTimeoutEntersReplan(t *testing.T) {
	cap := mock.New()
	first := true
	cap.ExecuteFunc = func(ctx context.Context, description string, _ []artifact.Artifact) (agent.ExecuteResult, error) {
		if first {
			first = false
			<-ctx.Done()
			return agent.ExecuteResult{}, ctx.Err()
		}
		return agent.ExecuteResult{Result: "done: " + description}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, StageTimeout: 30 * time.Millisecond, MaxReplans: 2})

	out, err := s.Solve(context.Background(), "slow backend")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	assert.Equal(t, 1, out.Metrics.Replans())
	require.NotEmpty(t, out.Feedback)
	assert.Contains(t, out.Feedback[0], "stage timeout")
}

func TestSolveCancellationPropagates(t *testing.T) {
	cap := mock.New()
	ctx, cancel := context.WithCancel(context.Background())
	cap.ExecuteFunc = func(ctx context.Context, _ string, _ []artifact.Artifact) (agent.ExecuteResult, error) {
		cancel()
		<-ctx.Done()
		return agent.ExecuteResult{}, ctx.Err()
	}
	s := newSolver(t, solver.Options{Capability: cap})

	out, err := s.Solve(ctx, "interrupted work")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out, "an interrupted solve still reports the durable state")
	assert.False(t, out.Status.IsTerminal())
}

func TestSolveDepthBoundFailsFast(t *testing.T) {
	cap := mock.New()
	cap.AtomizeFunc = compositeAtomizer("split:")
	cap.PlanFunc = func(_ context.Context, description string, _ []artifact.Artifact, _ []string) (agent.PlanResult, error) {
		if strings.Contains(description, "big job") {
			return agent.PlanResult{Steps: []agent.PlanStep{
				{Description: "leaf one"},
				{Description: "split: too deep"},
			}}, nil
		}
		// the nested composite keeps trying to decompose past the bound
		return agent.PlanResult{Steps: []agent.PlanStep{{Description: "unreachable leaf"}}}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, MaxDepth: 1, MaxReplans: 1, Policy: graph.FailFast})

	out, err := s.Solve(context.Background(), "split: big job")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusFailed, out.Status)
	assert.Contains(t, out.Err, "child")
}

func TestSolveDegradedAggregatesPartialFailure(t *testing.T) {
	cap := mock.New()
	cap.AtomizeFunc = compositeAtomizer("split:")
	cap.PlanFunc = func(_ context.Context, description string, _ []artifact.Artifact, _ []string) (agent.PlanResult, error) {
		if strings.Contains(description, "big job") {
			return agent.PlanResult{Steps: []agent.PlanStep{
				{Description: "leaf one"},
				{Description: "split: too deep"},
			}}, nil
		}
		return agent.PlanResult{Steps: []agent.PlanStep{{Description: "unreachable leaf"}}}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, MaxDepth: 1, MaxReplans: 1, Policy: graph.Degraded})

	out, err := s.Solve(context.Background(), "split: big job")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	require.NotNil(t, out.Result)
	assert.Contains(t, out.Result.Value, "done: leaf one")
	assert.Contains(t, out.Result.Value, "[failed:", "the failed subtree is an explicit marker, not silently dropped")
}

func TestResumeTerminalExecutionIsIdempotent(t *testing.T) {
	cap := mock.New()
	rec := recorder.NewMemory()
	s := newSolver(t, solver.Options{Capability: cap, Recorder: rec})

	out, err := s.Solve(context.Background(), "finish me")
	require.NoError(t, err)
	require.Equal(t, graph.StatusDone, out.Status)

	cap.Reset()
	resumed, err := s.Resume(context.Background(), out.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, resumed.Status)
	require.NotNil(t, resumed.Result)
	assert.Equal(t, out.Result.Value, resumed.Result.Value)
	assert.Equal(t, 0, cap.Calls("execute"), "finished work is never repeated")
}

func TestResumeDrivesInterruptedExecution(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	require.NoError(t, rec.CreateExecution(ctx, recorder.Execution{
		ID: "crashed", MaxDepth: 3, Policy: graph.FailFast, CreatedAt: time.Now(),
	}))
	root := graph.NodeID("root-node")
	require.NoError(t, rec.PersistTransition(ctx, "crashed", recorder.TransitionRecord{
		NodeID: root,
		Seq:    1,
		From:   graph.StatusPending,
		To:     graph.StatusAtomizing,
		Snapshot: graph.Snapshot{
			ID:          root,
			Description: "pick up the pieces",
			Status:      graph.StatusAtomizing,
		},
	}))

	cap := mock.New()
	s := newSolver(t, solver.Options{Capability: cap, Recorder: rec})

	out, err := s.Resume(ctx, "crashed")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	require.NotNil(t, out.Result)
	assert.Equal(t, "done: pick up the pieces", out.Result.Value)
	assert.Equal(t, 1, cap.Calls("atomize"), "the interrupted stage is repeated from PENDING")
}

func TestResumeSkipsFinishedSubtrees(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	require.NoError(t, rec.CreateExecution(ctx, recorder.Execution{
		ID: "crashed", MaxDepth: 3, Policy: graph.FailFast, CreatedAt: time.Now(),
	}))

	root := graph.NodeID("root-node")
	first := graph.NodeID("child-1")
	second := graph.NodeID("child-2")
	require.NoError(t, rec.PersistTransition(ctx, "crashed", recorder.TransitionRecord{
		NodeID: root,
		Seq:    2,
		From:   graph.StatusAtomizing,
		To:     graph.StatusPlanning,
		Snapshot: graph.Snapshot{
			ID:          root,
			Description: "assemble the report",
			Status:      graph.StatusPlanning,
			Children:    []graph.NodeID{first, second},
		},
	}))
	for i, cid := range []graph.NodeID{first, second} {
		require.NoError(t, rec.PersistTransition(ctx, "crashed", recorder.TransitionRecord{
			NodeID: cid,
			Seq:    5,
			From:   graph.StatusVerifying,
			To:     graph.StatusDone,
			Snapshot: graph.Snapshot{
				ID:          cid,
				ParentID:    root,
				Description: fmt.Sprintf("part %d", i+1),
				Status:      graph.StatusDone,
				Depth:       1,
				Result:      &graph.Result{Value: fmt.Sprintf("part %d text", i+1), Score: 1.0},
			},
		}))
	}

	cap := mock.New()
	s := newSolver(t, solver.Options{Capability: cap, Recorder: rec})

	out, err := s.Resume(ctx, "crashed")
	require.NoError(t, err)

	assert.Equal(t, graph.StatusDone, out.Status)
	require.NotNil(t, out.Result)
	assert.Equal(t, "part 1 text\npart 2 text", out.Result.Value)
	assert.Equal(t, 0, cap.Calls("atomize"), "terminal children make replanning unnecessary")
	assert.Equal(t, 0, cap.Calls("plan"))
	assert.Equal(t, 0, cap.Calls("execute"), "finished subtree work is not redone")
	assert.Equal(t, 1, cap.Calls("aggregate"))
	assert.Equal(t, 1, cap.Calls("verify"))
}

func TestResumeShadowsInterruptedAttemptArtifacts(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	require.NoError(t, rec.CreateExecution(ctx, recorder.Execution{
		ID: "crashed", MaxDepth: 3, Policy: graph.FailFast, CreatedAt: time.Now(),
	}))

	root := graph.NodeID("root-node")
	require.NoError(t, rec.PersistTransition(ctx, "crashed", recorder.TransitionRecord{
		NodeID: root,
		Seq:    2,
		From:   graph.StatusAtomizing,
		To:     graph.StatusExecuting,
		Snapshot: graph.Snapshot{
			ID:          root,
			Description: "fetch the rows",
			Status:      graph.StatusExecuting,
		},
	}))
	// the first attempt's artifact hit the log before the crash, but the
	// EXECUTING -> AGGREGATING transition never did
	require.NoError(t, rec.PersistArtifact(ctx, "crashed", artifact.Artifact{
		ID: artifact.NewID(), Type: artifact.TypeDataFetch, Producer: root,
		Payload: "partial rows", Seq: 1, Attempt: 1,
	}))

	cap := mock.New()
	cap.ExecuteFunc = func(_ context.Context, desc string, _ []artifact.Artifact) (agent.ExecuteResult, error) {
		return agent.ExecuteResult{
			Result:    "done: " + desc,
			Artifacts: []agent.Payload{{Type: artifact.TypeDataFetch, Content: "full rows"}},
		}, nil
	}
	s := newSolver(t, solver.Options{Capability: cap, Recorder: rec})

	out, err := s.Resume(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, graph.StatusDone, out.Status)

	loaded, err := rec.LoadGraph(ctx, "crashed")
	require.NoError(t, err)
	require.Len(t, loaded.Artifacts, 2, "the log keeps both attempts for audit")

	store := artifact.NewStore()
	for _, a := range loaded.Artifacts {
		require.NoError(t, store.Restore(a))
	}
	served := store.ByProducer(root)
	require.Len(t, served, 1, "consumers see only the completing attempt")
	assert.Equal(t, 2, served[0].Attempt)
	assert.Equal(t, "full rows", served[0].Payload)
}

func TestResumeUnknownExecution(t *testing.T) {
	s := newSolver(t, solver.Options{Capability: mock.New()})
	_, err := s.Resume(context.Background(), "never-created")
	require.ErrorIs(t, err, recorder.ErrUnknownExecution)
}

func TestEventsStream(t *testing.T) {
	cap := mock.New()
	s := newSolver(t, solver.Options{Capability: cap})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Events().Subscribe(ctx)

	out, err := s.Solve(context.Background(), "watched work")
	require.NoError(t, err)
	require.Equal(t, graph.StatusDone, out.Status)

	seen := map[solver.EventType]int{}
	for {
		var done bool
		select {
		case ev := <-sub:
			seen[ev.Type]++
			if ev.Type == solver.EventSolveDone {
				done = true
			}
		case <-time.After(time.Second):
			t.Fatalf("event stream dried up before solve_done, saw %v", seen)
		}
		if done {
			break
		}
	}

	assert.Equal(t, 1, seen[solver.EventNodeCreated])
	assert.GreaterOrEqual(t, seen[solver.EventTransition], 5, "every lifecycle hop is published")
}

func TestSolvePersistsTerminalStateForAudit(t *testing.T) {
	cap := mock.New()
	rec := recorder.NewMemory()
	s := newSolver(t, solver.Options{Capability: cap, Recorder: rec})

	out, err := s.Solve(context.Background(), "audit me")
	require.NoError(t, err)

	loaded, err := rec.LoadGraph(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	snap, ok := loaded.Graph.Get(out.RootID)
	require.True(t, ok)
	assert.Equal(t, graph.StatusDone, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, out.Result.Value, snap.Result.Value)
}
