// Package solver drives the recursive solve loop: it walks each node
// through atomize, plan or execute, aggregate and verify, schedules
// independent subtrees concurrently under a bounded slot pool, and
// persists every state change through the execution recorder before
// making it visible to waiters.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/ravel/internal/agent"
	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
	"github.com/zjrosen/ravel/internal/metrics"
	"github.com/zjrosen/ravel/internal/pubsub"
	"github.com/zjrosen/ravel/internal/recorder"
	"github.com/zjrosen/ravel/internal/tracing"
)

const (
	// DefaultMaxDepth bounds the decomposition tree below the root.
	DefaultMaxDepth = 3

	// DefaultMaxReplans bounds verification-driven retries per node.
	DefaultMaxReplans = 2

	// DefaultMaxConcurrent bounds simultaneous capability invocations.
	DefaultMaxConcurrent = 4

	// DefaultAgentRetries bounds re-invocations after a transient
	// capability call failure.
	DefaultAgentRetries = 1
)

// ErrNoCapability is returned when constructing a solver without an
// agent capability.
var ErrNoCapability = errors.New("solver requires a capability")

// errStageTimeout marks a stage that hit its configured timeout, as
// opposed to the whole solve being cancelled.
var errStageTimeout = errors.New("stage timeout")

// Options configures a Solver. Zero values fall back to the defaults
// above; Capability is the only required field.
type Options struct {
	// Capability produces atomize/plan/execute/aggregate/verify
	// results. Bound once per solver, never swapped mid-solve.
	Capability agent.Capability

	// Recorder persists transitions and artifacts. Defaults to an
	// in-memory recorder.
	Recorder recorder.ExecutionRecorder

	// MaxDepth is the deepest allowed node depth (root is 0).
	MaxDepth int

	// MaxReplans caps verification-driven replanning cycles per node.
	MaxReplans int

	// MaxConcurrent caps simultaneous capability invocations across
	// the whole graph.
	MaxConcurrent int

	// MaxPerDepth additionally caps simultaneous invocations at any
	// single depth level. Zero means no per-depth cap.
	MaxPerDepth int

	// Injection selects which artifacts each stage call sees.
	Injection artifact.Mode

	// Policy decides how a parent treats a FAILED child.
	Policy graph.FailurePolicy

	// StageTimeout bounds each capability invocation. Zero means no
	// timeout.
	StageTimeout time.Duration

	// AgentRetries is how many times a transient call failure is
	// retried before counting as a stage failure.
	AgentRetries int

	// Profile and Experiment tag the execution for downstream
	// filtering. The solver treats them as opaque.
	Profile    string
	Experiment string

	// Tracer emits one span per stage invocation. Nil disables tracing.
	Tracer *tracing.Provider
}

// Outcome is the result of driving one execution to a terminal root.
type Outcome struct {
	ExecutionID string
	RootID      graph.NodeID
	Status      graph.Status
	Result      *graph.Result
	Err         string
	Feedback    []string
	Metrics     *metrics.Solve
}

// Solver owns the configuration and event stream shared across solves.
// One solver may run many executions, one at a time or concurrently;
// per-execution state lives in the run struct.
type Solver struct {
	opts   Options
	broker *pubsub.Broker[Event]
}

// New validates options and constructs a solver.
func New(opts Options) (*Solver, error) {
	if opts.Capability == nil {
		return nil, ErrNoCapability
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.NewMemory()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxReplans <= 0 {
		opts.MaxReplans = DefaultMaxReplans
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.AgentRetries < 0 {
		opts.AgentRetries = DefaultAgentRetries
	}
	if opts.Injection == "" {
		opts.Injection = artifact.ModeDependencies
	}
	if !opts.Injection.Valid() {
		return nil, fmt.Errorf("invalid injection mode %q", opts.Injection)
	}
	return &Solver{
		opts:   opts,
		broker: pubsub.NewBroker[Event](),
	}, nil
}

// Close shuts down the event stream.
func (s *Solver) Close() {
	s.broker.Close()
}

// run carries the per-execution state: the graph, the artifact store,
// the slot pools and the metrics tracker.
type run struct {
	s       *Solver
	execID  string
	g       *graph.TaskGraph
	store   *artifact.Store
	slots   chan struct{}
	depthMu sync.Mutex
	depth   map[int]chan struct{}
	metrics *metrics.Solve
}

func (s *Solver) newRun(execID string, g *graph.TaskGraph, store *artifact.Store) *run {
	return &run{
		s:       s,
		execID:  execID,
		g:       g,
		store:   store,
		slots:   make(chan struct{}, s.opts.MaxConcurrent),
		depth:   make(map[int]chan struct{}),
		metrics: metrics.NewSolve(),
	}
}

// Solve creates a fresh execution for the description and drives it
// until the root is terminal. The returned Outcome reports the root's
// terminal state; a non-nil error means the solve itself was
// interrupted (cancellation or a persistence failure), in which case
// the durable log still allows a later Resume.
func (s *Solver) Solve(ctx context.Context, description string) (*Outcome, error) {
	execID := uuid.NewString()

	g := graph.New(s.opts.MaxDepth, s.opts.Policy)
	rootID, err := g.CreateRoot(description, s.opts.Profile, s.opts.Experiment)
	if err != nil {
		return nil, err
	}

	exec := recorder.Execution{
		ID:         execID,
		Profile:    s.opts.Profile,
		Experiment: s.opts.Experiment,
		MaxDepth:   s.opts.MaxDepth,
		Policy:     s.opts.Policy,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.opts.Recorder.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	r := s.newRun(execID, g, artifact.NewStore())
	if err := r.persistCreation(ctx, rootID); err != nil {
		return nil, err
	}

	log.Info(log.CatSolver, "solve started",
		"execution", execID, "root", rootID, "profile", s.opts.Profile)

	return r.finish(rootID, r.driveRoot(ctx, rootID))
}

// Resume reloads a persisted execution and re-drives it. Nodes that
// were mid-stage at the crash come back as PENDING and repeat their
// stage, except a composite whose children all finished, which picks
// up at aggregation; DONE subtrees and their artifacts are kept as-is.
func (s *Solver) Resume(ctx context.Context, execID string) (*Outcome, error) {
	loaded, err := s.opts.Recorder.LoadGraph(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	store := artifact.NewStore()
	for _, a := range loaded.Artifacts {
		if err := store.Restore(a); err != nil {
			return nil, fmt.Errorf("restore artifact %s: %w", a.ID, err)
		}
	}

	g := loaded.Graph
	rootID := g.RootID()
	r := s.newRun(execID, g, store)

	log.Info(log.CatSolver, "solve resumed",
		"execution", execID, "root", rootID, "nodes", g.Len())

	if st, err := g.Status(rootID); err == nil && st.IsTerminal() {
		return r.finish(rootID, nil)
	}
	return r.finish(rootID, r.driveRoot(ctx, rootID))
}

// driveRoot opens the execution-level span and drives the root node.
func (r *run) driveRoot(ctx context.Context, rootID graph.NodeID) error {
	ctx, span := r.span(ctx, "solve",
		attrString(tracing.AttrExecutionID, r.execID),
		attrString(tracing.AttrProfile, r.s.opts.Profile),
		attrString(tracing.AttrExperiment, r.s.opts.Experiment),
	)
	defer span.End()
	return r.drive(ctx, rootID)
}

// finish assembles the Outcome from the root's final snapshot.
func (r *run) finish(rootID graph.NodeID, driveErr error) (*Outcome, error) {
	snap, ok := r.g.Get(rootID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrUnknownNode, rootID)
	}

	out := &Outcome{
		ExecutionID: r.execID,
		RootID:      rootID,
		Status:      snap.Status,
		Result:      snap.Result,
		Err:         snap.Err,
		Feedback:    snap.Feedback,
		Metrics:     r.metrics,
	}

	if driveErr != nil {
		log.ErrorErr(log.CatSolver, "solve interrupted", driveErr, "execution", r.execID)
		return out, driveErr
	}

	r.publish(Event{
		Type:        EventSolveDone,
		ExecutionID: r.execID,
		NodeID:      rootID,
		To:          snap.Status,
		Detail:      snap.Err,
	})
	log.Info(log.CatSolver, "solve finished",
		"execution", r.execID, "status", snap.Status,
		"replans", r.metrics.Replans(), "artifacts", r.metrics.Artifacts())
	return out, nil
}

// transition applies a validated state change, persists it, and only
// then wakes readiness waiters. Waiters must never observe a DONE that
// could be lost to a crash.
func (r *run) transition(ctx context.Context, id graph.NodeID, from, to graph.Status) error {
	snap, seq, err := r.g.Transition(id, from, to)
	if err != nil {
		return err
	}
	rec := recorder.TransitionRecord{
		NodeID:     id,
		Seq:        seq,
		From:       from,
		To:         to,
		Snapshot:   snap,
		RecordedAt: time.Now().UTC(),
	}
	// Terminal transitions must reach the log even when the solve is
	// being cancelled, or resume would repeat finished work.
	if err := r.s.opts.Recorder.PersistTransition(context.WithoutCancel(ctx), r.execID, rec); err != nil {
		return fmt.Errorf("persist transition %s %s->%s: %w", id, from, to, err)
	}
	if to.IsTerminal() {
		r.g.NotifyReady()
	}
	r.publish(Event{
		Type:        EventTransition,
		ExecutionID: r.execID,
		NodeID:      id,
		From:        from,
		To:          to,
		Depth:       snap.Depth,
		Retry:       snap.RetryCount,
	})
	log.Debug(log.CatSolver, "transition",
		"execution", r.execID, "node", id, "from", from, "to", to)
	return nil
}

// persistCreation writes the sequence-0 record that carries a new
// node's identity and description into the log.
func (r *run) persistCreation(ctx context.Context, id graph.NodeID) error {
	snap, ok := r.g.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrUnknownNode, id)
	}
	rec := recorder.TransitionRecord{
		NodeID:     id,
		Seq:        0,
		To:         graph.StatusPending,
		Snapshot:   snap,
		RecordedAt: time.Now().UTC(),
	}
	if err := r.s.opts.Recorder.PersistTransition(context.WithoutCancel(ctx), r.execID, rec); err != nil {
		return fmt.Errorf("persist creation %s: %w", id, err)
	}
	r.metrics.RecordNode()
	r.publish(Event{
		Type:        EventNodeCreated,
		ExecutionID: r.execID,
		NodeID:      id,
		To:          graph.StatusPending,
		Depth:       snap.Depth,
		Detail:      snap.Description,
	})
	return nil
}

// emitArtifacts appends one stage attempt's output payloads to the
// store and persists each one before it becomes visible to dependents.
// The payloads share an attempt number, so a later re-execution (after
// a replan, or after a crash mid-persist) shadows them as a group.
func (r *run) emitArtifacts(ctx context.Context, id graph.NodeID, payloads []agent.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	attempt := r.store.NextAttempt(id)
	for _, p := range payloads {
		a, err := r.store.Append(id, p.Type, p.Content, attempt)
		if err != nil {
			return fmt.Errorf("append artifact for %s: %w", id, err)
		}
		if err := r.s.opts.Recorder.PersistArtifact(context.WithoutCancel(ctx), r.execID, a); err != nil {
			return fmt.Errorf("persist artifact %s: %w", a.ID, err)
		}
		r.metrics.RecordArtifact()
		r.publish(Event{
			Type:        EventArtifact,
			ExecutionID: r.execID,
			NodeID:      id,
			Detail:      string(a.Type),
		})
	}
	return nil
}

func (r *run) publish(ev Event) {
	r.s.broker.Publish(ev)
}

// acquireSlot blocks until a global invocation slot (and, when
// configured, a depth-level slot) is free. The returned release func
// must be called as soon as the capability call returns; slots are
// never held while waiting on children.
func (r *run) acquireSlot(ctx context.Context, depth int) (func(), error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if r.s.opts.MaxPerDepth <= 0 {
		return func() { <-r.slots }, nil
	}

	r.depthMu.Lock()
	dslots, ok := r.depth[depth]
	if !ok {
		dslots = make(chan struct{}, r.s.opts.MaxPerDepth)
		r.depth[depth] = dslots
	}
	r.depthMu.Unlock()

	select {
	case dslots <- struct{}{}:
	case <-ctx.Done():
		<-r.slots
		return nil, ctx.Err()
	}
	return func() {
		<-dslots
		<-r.slots
	}, nil
}
