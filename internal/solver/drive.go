package solver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/zjrosen/ravel/internal/agent"
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
)

// drive walks one node from its current status to DONE or FAILED. It
// returns an error only when the solve itself cannot continue (context
// cancellation or a persistence failure); every node-level failure is
// resolved locally and recorded on the node instead.
func (r *run) drive(ctx context.Context, id graph.NodeID) error {
	st, err := r.g.Status(id)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return nil
	}

	if err := r.g.AwaitReady(ctx, id); err != nil {
		if errors.Is(err, graph.ErrDependencyFailed) {
			return r.fail(ctx, id, err.Error())
		}
		return err
	}

	// The atomize decision is remembered for the rest of this node's
	// lifecycle; replanning re-enters the same branch it took before.
	var decided, isAtomic bool

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, ok := r.g.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", graph.ErrUnknownNode, id)
		}

		switch snap.Status {
		case graph.StatusPending:
			if err := r.transition(ctx, id, graph.StatusPending, graph.StatusAtomizing); err != nil {
				return err
			}

		case graph.StatusAtomizing:
			res, err := r.atomize(ctx, snap)
			if err != nil {
				terminal, herr := r.stageFailure(ctx, id, snap, err)
				if herr != nil {
					return herr
				}
				if terminal {
					return nil
				}
				continue
			}
			decided, isAtomic = true, res.IsAtomic
			next := graph.StatusPlanning
			if isAtomic {
				next = graph.StatusExecuting
			}
			if err := r.transition(ctx, id, graph.StatusAtomizing, next); err != nil {
				return err
			}

		case graph.StatusExecuting:
			res, err := r.execute(ctx, snap)
			if err != nil {
				terminal, herr := r.stageFailure(ctx, id, snap, err)
				if herr != nil {
					return herr
				}
				if terminal {
					return nil
				}
				continue
			}
			if err := r.emitArtifacts(ctx, id, res.Artifacts); err != nil {
				return err
			}
			if err := r.g.SetResult(id, graph.Result{Value: res.Result}); err != nil {
				return err
			}
			if err := r.transition(ctx, id, graph.StatusExecuting, graph.StatusAggregating); err != nil {
				return err
			}

		case graph.StatusPlanning:
			if err := r.planChildren(ctx, id, snap); err != nil {
				if errors.Is(err, errAttemptRejected) {
					// the node moved to REPLANNING or FAILED; re-read
					continue
				}
				return err
			}
			children := r.g.ChildrenOf(id)
			if err := r.driveChildren(ctx, children); err != nil {
				return err
			}
			if failed := r.failedChildren(id); len(failed) > 0 && r.g.Policy() == graph.FailFast {
				return r.failWith(ctx, id, graph.StatusPlanning,
					fmt.Sprintf("child %s failed", failed[0]))
			}
			if err := r.transition(ctx, id, graph.StatusPlanning, graph.StatusAggregating); err != nil {
				return err
			}

		case graph.StatusAggregating:
			if isAtomic {
				// execute already produced the node result; aggregation
				// is an identity step for atomic nodes
				if err := r.transition(ctx, id, graph.StatusAggregating, graph.StatusVerifying); err != nil {
					return err
				}
				continue
			}
			res, err := r.aggregate(ctx, snap, r.childOutcomes(id))
			if err != nil {
				terminal, herr := r.stageFailure(ctx, id, snap, err)
				if herr != nil {
					return herr
				}
				if terminal {
					return nil
				}
				continue
			}
			if err := r.emitArtifacts(ctx, id, res.Artifacts); err != nil {
				return err
			}
			if err := r.g.SetResult(id, graph.Result{Value: res.Result}); err != nil {
				return err
			}
			if err := r.transition(ctx, id, graph.StatusAggregating, graph.StatusVerifying); err != nil {
				return err
			}

		case graph.StatusVerifying:
			var value string
			if snap.Result != nil {
				value = snap.Result.Value
			}
			res, err := r.verify(ctx, snap, value)
			if err != nil {
				terminal, herr := r.stageFailure(ctx, id, snap, err)
				if herr != nil {
					return herr
				}
				if terminal {
					return nil
				}
				continue
			}
			if res.Pass {
				if snap.Result != nil {
					if err := r.g.SetResult(id, graph.Result{Value: value, Score: res.Score}); err != nil {
						return err
					}
				}
				if err := r.transition(ctx, id, graph.StatusVerifying, graph.StatusDone); err != nil {
					return err
				}
				log.Info(log.CatSolver, "node done",
					"execution", r.execID, "node", id, "score", res.Score, "retries", snap.RetryCount)
				return nil
			}
			terminal, herr := r.replanOrFail(ctx, id, graph.StatusVerifying, res.Feedback)
			if herr != nil {
				return herr
			}
			if terminal {
				return nil
			}

		case graph.StatusReplanning:
			next := graph.StatusAtomizing
			if decided {
				next = graph.StatusPlanning
				if isAtomic {
					next = graph.StatusExecuting
				}
			}
			if err := r.transition(ctx, id, graph.StatusReplanning, next); err != nil {
				return err
			}

		case graph.StatusDone, graph.StatusFailed:
			return nil

		default:
			return fmt.Errorf("node %s in unexpected status %s", id, snap.Status)
		}
	}
}

// errAttemptRejected signals internally that planChildren resolved a
// failed planning attempt (replan entered or node failed) and the drive
// loop should re-read the node's status.
var errAttemptRejected = errors.New("planning attempt rejected")

// planChildren invokes plan and materializes the result: two-pass
// creation (all nodes first, then sibling-index edges), with a
// depth-rejected step dropped while the rest proceed and a cycle
// rejecting the whole attempt into the replanning loop.
func (r *run) planChildren(ctx context.Context, id graph.NodeID, snap graph.Snapshot) error {
	plan, err := r.plan(ctx, snap)
	if err != nil {
		if _, herr := r.stageFailure(ctx, id, snap, err); herr != nil {
			return herr
		}
		return errAttemptRejected
	}

	ids := make([]graph.NodeID, len(plan.Steps))
	created := make([]graph.NodeID, 0, len(plan.Steps))
	var rejected []string

	for i, step := range plan.Steps {
		cid, err := r.g.CreateNode(id, step.Description)
		if err != nil {
			if errors.Is(err, graph.ErrDepthExceeded) {
				rejected = append(rejected, fmt.Sprintf("step %d: %v", i, err))
				continue
			}
			return err
		}
		ids[i] = cid
		created = append(created, cid)
	}

	var cycleMsg string
	for i, step := range plan.Steps {
		if ids[i] == "" {
			continue
		}
		for _, ref := range step.DependsOn {
			if ids[ref] == "" {
				rejected = append(rejected, fmt.Sprintf("step %d: dependency on rejected step %d dropped", i, ref))
				continue
			}
			if err := r.g.AddDependency(ids[ref], ids[i], step.EdgeType); err != nil {
				if errors.Is(err, graph.ErrCycle) {
					cycleMsg = err.Error()
					break
				}
				return err
			}
		}
		if cycleMsg != "" {
			break
		}
	}

	// Rejections are context for the next plan call; they do not
	// consume the replan budget on their own.
	for _, note := range rejected {
		if err := r.g.AppendFeedback(id, note); err != nil {
			return err
		}
	}

	if err := r.g.SetChildren(id, created); err != nil {
		return err
	}
	for _, cid := range created {
		if err := r.persistCreation(ctx, cid); err != nil {
			return err
		}
	}

	if cycleMsg != "" || len(created) == 0 {
		msg := cycleMsg
		if msg == "" {
			msg = "plan produced no viable children: " + strings.Join(rejected, "; ")
		}
		if _, herr := r.replanOrFail(ctx, id, graph.StatusPlanning, msg); herr != nil {
			return herr
		}
		return errAttemptRejected
	}
	return nil
}

// driveChildren runs each child's solve loop in its own goroutine and
// waits for all of them. Under fail-fast, a child reaching FAILED
// cancels the remaining siblings; that internal cancellation is not an
// error for the caller.
func (r *run) driveChildren(ctx context.Context, children []graph.NodeID) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(children))
	var wg sync.WaitGroup
	for _, cid := range children {
		wg.Add(1)
		go func(cid graph.NodeID) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Error(log.CatSolver, "stage panic",
						"node", cid, "panic", rec, "stack", string(debug.Stack()))
					errs <- r.fail(cctx, cid, fmt.Sprintf("panic: %v", rec))
				}
			}()
			if err := r.drive(cctx, cid); err != nil {
				errs <- err
				return
			}
			if r.g.Policy() == graph.FailFast {
				if st, serr := r.g.Status(cid); serr == nil && st == graph.StatusFailed {
					cancel()
				}
			}
		}(cid)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			continue
		}
		return err
	}
	return nil
}

// stageFailure resolves a failed capability call: outer cancellation
// propagates, everything else (transient failures past the retry
// budget, validation errors, stage timeouts) feeds the replanning loop.
func (r *run) stageFailure(ctx context.Context, id graph.NodeID, snap graph.Snapshot, stageErr error) (bool, error) {
	if ctx.Err() != nil && !errors.Is(stageErr, errStageTimeout) {
		return false, ctx.Err()
	}
	return r.replanOrFail(ctx, id, snap.Status, stageErr.Error())
}

// replanOrFail records feedback and either enters a replanning cycle
// or, with the budget spent, fails the node permanently. The bool is
// true when the node reached FAILED.
func (r *run) replanOrFail(ctx context.Context, id graph.NodeID, from graph.Status, feedback string) (bool, error) {
	if err := r.g.AppendFeedback(id, feedback); err != nil {
		return false, err
	}
	snap, ok := r.g.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", graph.ErrUnknownNode, id)
	}
	if snap.RetryCount >= r.s.opts.MaxReplans {
		return true, r.failWith(ctx, id, from, feedback)
	}

	retry, err := r.g.IncrementRetry(id)
	if err != nil {
		return false, err
	}
	if err := r.transition(ctx, id, from, graph.StatusReplanning); err != nil {
		return false, err
	}
	if err := r.g.SupersedeChildren(id); err != nil {
		return false, err
	}
	r.metrics.RecordReplan()
	r.publish(Event{
		Type:        EventReplan,
		ExecutionID: r.execID,
		NodeID:      id,
		Retry:       retry,
		Detail:      feedback,
	})
	log.Warn(log.CatSolver, "replanning",
		"execution", r.execID, "node", id, "retry", retry, "feedback", feedback)
	return false, nil
}

// fail marks the node FAILED from whatever non-terminal status it holds.
func (r *run) fail(ctx context.Context, id graph.NodeID, msg string) error {
	st, err := r.g.Status(id)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return nil
	}
	return r.failWith(ctx, id, st, msg)
}

func (r *run) failWith(ctx context.Context, id graph.NodeID, from graph.Status, msg string) error {
	if err := r.g.SetError(id, msg); err != nil {
		return err
	}
	if err := r.transition(ctx, id, from, graph.StatusFailed); err != nil {
		return err
	}
	log.Error(log.CatSolver, "node failed",
		"execution", r.execID, "node", id, "error", msg)
	return nil
}

// childOutcomes assembles the aggregate input in plan order, with an
// explicit failure marker in place of a failed child's result.
func (r *run) childOutcomes(id graph.NodeID) []agent.ChildOutcome {
	children := r.g.ChildrenOf(id)
	out := make([]agent.ChildOutcome, 0, len(children))
	for _, cid := range children {
		snap, ok := r.g.Get(cid)
		if !ok {
			continue
		}
		co := agent.ChildOutcome{
			NodeID:      cid,
			Description: snap.Description,
			Artifacts:   r.store.ByProducer(cid),
		}
		if snap.Status == graph.StatusFailed {
			co.Failed = true
			co.Error = snap.Err
		} else if snap.Result != nil {
			co.Result = snap.Result.Value
		}
		out = append(out, co)
	}
	return out
}

func (r *run) failedChildren(id graph.NodeID) []graph.NodeID {
	var failed []graph.NodeID
	for _, cid := range r.g.ChildrenOf(id) {
		if st, err := r.g.Status(cid); err == nil && st == graph.StatusFailed {
			failed = append(failed, cid)
		}
	}
	return failed
}
