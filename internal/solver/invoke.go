package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/ravel/internal/agent"
	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
	"github.com/zjrosen/ravel/internal/tracing"
)

// invoke runs one capability call under a concurrency slot, a stage
// span and the configured timeout, retrying transient call failures up
// to the retry budget. The slot is released the moment the call
// returns; it is never held while waiting on children or dependencies.
func (r *run) invoke(ctx context.Context, snap graph.Snapshot, stage string, visible int, call func(context.Context) error) error {
	release, err := r.acquireSlot(ctx, snap.Depth)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := r.span(ctx, tracing.SpanPrefixStage+stage,
		attrString(tracing.AttrExecutionID, r.execID),
		attrString(tracing.AttrNodeID, string(snap.ID)),
		attrInt(tracing.AttrNodeDepth, snap.Depth),
		attrInt(tracing.AttrNodeRetry, snap.RetryCount),
		attrString(tracing.AttrStage, stage),
		attrInt(tracing.AttrVisibleCount, visible),
	)
	defer span.End()

	start := time.Now()
	var callErr error
	for attempt := 1; ; attempt++ {
		span.SetAttributes(attrInt(tracing.AttrStageAttempt, attempt))
		callErr = r.callOnce(ctx, call)
		if callErr == nil {
			break
		}
		if errors.Is(callErr, agent.ErrCall) && attempt <= r.s.opts.AgentRetries && ctx.Err() == nil {
			log.Warn(log.CatAgent, "transient call failure, retrying",
				"stage", stage, "node", snap.ID, "attempt", attempt, "error", callErr)
			continue
		}
		break
	}
	r.metrics.RecordStage(stage, time.Since(start), callErr != nil)
	if callErr != nil {
		span.RecordError(callErr)
		return fmt.Errorf("%s: %w", stage, callErr)
	}
	return nil
}

// callOnce applies the per-stage timeout and translates its expiry
// into errStageTimeout, keeping whole-solve cancellation distinct.
func (r *run) callOnce(ctx context.Context, call func(context.Context) error) error {
	if r.s.opts.StageTimeout <= 0 {
		return call(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.s.opts.StageTimeout)
	defer cancel()
	err := call(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("after %s: %w", r.s.opts.StageTimeout, errStageTimeout)
	}
	return err
}

func (r *run) visible(id graph.NodeID) ([]artifact.Artifact, error) {
	return r.store.Visible(r.g, id, r.s.opts.Injection)
}

func (r *run) atomize(ctx context.Context, snap graph.Snapshot) (agent.AtomizeResult, error) {
	vis, err := r.visible(snap.ID)
	if err != nil {
		return agent.AtomizeResult{}, err
	}
	var res agent.AtomizeResult
	err = r.invoke(ctx, snap, "atomize", len(vis), func(ctx context.Context) error {
		var cerr error
		res, cerr = r.s.opts.Capability.Atomize(ctx, snap.Description, vis)
		return cerr
	})
	return res, err
}

func (r *run) plan(ctx context.Context, snap graph.Snapshot) (agent.PlanResult, error) {
	vis, err := r.visible(snap.ID)
	if err != nil {
		return agent.PlanResult{}, err
	}
	var res agent.PlanResult
	err = r.invoke(ctx, snap, "plan", len(vis), func(ctx context.Context) error {
		var cerr error
		res, cerr = r.s.opts.Capability.Plan(ctx, snap.Description, vis, snap.Feedback)
		return cerr
	})
	if err != nil {
		return res, err
	}
	if verr := agent.ValidatePlan(&res); verr != nil {
		return res, verr
	}
	return res, nil
}

func (r *run) execute(ctx context.Context, snap graph.Snapshot) (agent.ExecuteResult, error) {
	vis, err := r.visible(snap.ID)
	if err != nil {
		return agent.ExecuteResult{}, err
	}
	var res agent.ExecuteResult
	err = r.invoke(ctx, snap, "execute", len(vis), func(ctx context.Context) error {
		var cerr error
		res, cerr = r.s.opts.Capability.Execute(ctx, snap.Description, vis)
		if cerr == nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attrInt(tracing.AttrArtifactCount, len(res.Artifacts)))
		}
		return cerr
	})
	if err != nil {
		return res, err
	}
	if verr := agent.ValidateExecute(&res); verr != nil {
		return res, verr
	}
	return res, nil
}

func (r *run) aggregate(ctx context.Context, snap graph.Snapshot, children []agent.ChildOutcome) (agent.AggregateResult, error) {
	var res agent.AggregateResult
	err := r.invoke(ctx, snap, "aggregate", 0, func(ctx context.Context) error {
		var cerr error
		res, cerr = r.s.opts.Capability.Aggregate(ctx, children)
		if cerr == nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attrInt(tracing.AttrArtifactCount, len(res.Artifacts)))
		}
		return cerr
	})
	if err != nil {
		return res, err
	}
	if verr := agent.ValidateAggregate(&res); verr != nil {
		return res, verr
	}
	return res, nil
}

func (r *run) verify(ctx context.Context, snap graph.Snapshot, result string) (agent.VerifyResult, error) {
	var res agent.VerifyResult
	err := r.invoke(ctx, snap, "verify", 0, func(ctx context.Context) error {
		var cerr error
		res, cerr = r.s.opts.Capability.Verify(ctx, result)
		if cerr == nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attrBool(tracing.AttrVerifyPass, res.Pass),
				attrFloat(tracing.AttrVerifyScore, res.Score),
			)
		}
		return cerr
	})
	return res, err
}
