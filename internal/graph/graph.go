package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/ravel/internal/log"
)

// ErrDependencyFailed is returned by AwaitReady when a blocking source
// reached FAILED, so the dependent can never become ready.
var ErrDependencyFailed = errors.New("dependency source failed")

// FailurePolicy decides how a parent treats a FAILED child at aggregation.
// It is fixed for the whole graph at construction time, never per node.
type FailurePolicy int

const (
	// FailFast propagates a child failure immediately: the parent goes
	// FAILED without invoking aggregate.
	FailFast FailurePolicy = iota
	// Degraded still runs aggregate, passing an explicit failure marker
	// in place of the failed child's result.
	Degraded
)

// String returns a human-readable representation of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// TaskGraph owns the arena of nodes and their typed edges. It enforces
// the structural invariants: the DEPENDENCY/DATA_FLOW subgraph stays
// acyclic, PARENT_CHILD edges form a tree, child lists freeze outside
// their owner's planning stage, and depth never exceeds the maximum.
//
// The graph holds no authority to rewrite structure on its own; every
// mutating call is made by exactly one node's active stage in the solver.
type TaskGraph struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*Node
	order  []NodeID // creation order, for deterministic iteration
	rootID NodeID

	// dependents maps a source node to the nodes that declared a
	// blocking edge on it. Used for cycle checks and readiness wakeups.
	dependents map[NodeID][]NodeID

	maxDepth int
	policy   FailurePolicy

	// notify is closed and replaced whenever a node reaches a terminal
	// status, waking AwaitReady waiters to re-evaluate.
	notify chan struct{}
}

// New creates an empty TaskGraph. maxDepth bounds node depth (root is 0);
// policy fixes the child-failure behavior for the life of the graph.
func New(maxDepth int, policy FailurePolicy) *TaskGraph {
	return &TaskGraph{
		nodes:      make(map[NodeID]*Node),
		dependents: make(map[NodeID][]NodeID),
		maxDepth:   maxDepth,
		policy:     policy,
		notify:     make(chan struct{}),
	}
}

// Policy returns the graph-wide child-failure policy.
func (g *TaskGraph) Policy() FailurePolicy { return g.policy }

// MaxDepth returns the configured depth bound.
func (g *TaskGraph) MaxDepth() int { return g.maxDepth }

// RootID returns the root node's ID, or empty if no root exists yet.
func (g *TaskGraph) RootID() NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rootID
}

// CreateRoot creates the root node in PENDING. The profile and
// experiment tags are carried on the root and inherited by descendants.
func (g *TaskGraph) CreateRoot(description, profile, experiment string) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rootID != "" {
		return "", fmt.Errorf("graph already has a root")
	}

	n := &Node{
		ID:          NewNodeID(),
		Description: description,
		Status:      StatusPending,
		Profile:     profile,
		Experiment:  experiment,
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	g.rootID = n.ID

	log.Debug(log.CatGraph, "Created root node", "nodeID", n.ID)
	return n.ID, nil
}

// CreateNode creates a child of parentID in PENDING. It fails with a
// DepthError if the child would exceed the maximum depth; the caller is
// expected to surface that rejection as planner feedback and continue
// with the rest of the plan.
func (g *TaskGraph) CreateNode(parentID NodeID, description string) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, parentID)
	}

	depth := parent.Depth + 1
	if depth > g.maxDepth {
		return "", &DepthError{ParentID: parentID, Depth: depth, Max: g.maxDepth}
	}

	n := &Node{
		ID:          NewNodeID(),
		ParentID:    parentID,
		Description: description,
		Status:      StatusPending,
		Depth:       depth,
		Profile:     parent.Profile,
		Experiment:  parent.Experiment,
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)

	log.Debug(log.CatGraph, "Created node", "nodeID", n.ID, "parentID", parentID, "depth", depth)
	return n.ID, nil
}

// AddDependency declares that `to` waits on `from` (from is the source).
// Blocking edges (DEPENDENCY, DATA_FLOW) may only connect siblings or a
// node to one of its ancestors, and are rejected with a CycleError if the
// edge would close a cycle. The graph is left unchanged on rejection.
func (g *TaskGraph) AddDependency(from, to NodeID, typ EdgeType) error {
	if typ == EdgeParentChild {
		return fmt.Errorf("parent/child edges are created implicitly by CreateNode")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	dst, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if from == to {
		return &CycleError{From: from, To: to}
	}

	if typ.Blocking() {
		if src.ParentID != dst.ParentID && !g.isAncestorLocked(from, to) {
			return fmt.Errorf("blocking edge %s -> %s must connect siblings or an ancestor", from, to)
		}
		// Reject before insertion: if `from` is already reachable from
		// `to` through blocking edges, adding from -> to closes a cycle.
		if g.reachesLocked(to, from) {
			return &CycleError{From: from, To: to}
		}
	}

	dst.Deps = append(dst.Deps, DependencyRef{Source: from, Type: typ})
	if typ.Blocking() {
		g.dependents[from] = append(g.dependents[from], to)
	}

	log.Debug(log.CatGraph, "Added dependency", "from", from, "to", to, "type", typ)
	return nil
}

// reachesLocked reports whether target is reachable from start by
// following blocking edges in the source -> dependent direction.
// Caller must hold the lock.
func (g *TaskGraph) reachesLocked(start, target NodeID) bool {
	// Explicit worklist; the graph can be wide and deep.
	seen := map[NodeID]struct{}{start: {}}
	stack := []NodeID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		for _, dep := range g.dependents[cur] {
			if _, ok := seen[dep]; !ok {
				seen[dep] = struct{}{}
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// isAncestorLocked reports whether candidate is an ancestor of nodeID.
func (g *TaskGraph) isAncestorLocked(candidate, nodeID NodeID) bool {
	cur := g.nodes[nodeID]
	for cur != nil && cur.ParentID != "" {
		if cur.ParentID == candidate {
			return true
		}
		cur = g.nodes[cur.ParentID]
	}
	return false
}

// IsReady reports whether every blocking source of the node is DONE.
// Non-blocking (CONTROL_FLOW) edges never gate readiness.
func (g *TaskGraph) IsReady(id NodeID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.isReadyLocked(id)
}

func (g *TaskGraph) isReadyLocked(id NodeID) (bool, error) {
	n, ok := g.nodes[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	for _, ref := range n.Deps {
		if !ref.Type.Blocking() {
			continue
		}
		src, ok := g.nodes[ref.Source]
		if !ok {
			return false, fmt.Errorf("%w: dependency source %s", ErrUnknownNode, ref.Source)
		}
		if src.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// AwaitReady blocks until the node is ready, the context is cancelled, or
// a blocking source reaches FAILED (in which case the node can never
// become ready and ErrDependencyFailed is returned). Readiness is
// re-evaluated each time any node reaches a terminal status.
func (g *TaskGraph) AwaitReady(ctx context.Context, id NodeID) error {
	for {
		g.mu.RLock()
		ready, err := g.isReadyLocked(id)
		var failedSrc NodeID
		if err == nil && !ready {
			n := g.nodes[id]
			for _, ref := range n.Deps {
				if !ref.Type.Blocking() {
					continue
				}
				if src, ok := g.nodes[ref.Source]; ok && src.Status == StatusFailed {
					failedSrc = ref.Source
					break
				}
			}
		}
		wait := g.notify
		g.mu.RUnlock()

		if err != nil {
			return err
		}
		if failedSrc != "" {
			return fmt.Errorf("%w: %s", ErrDependencyFailed, failedSrc)
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Transition moves the node from `from` to `to`, validating the move
// against the state machine. It returns the node's snapshot and per-node
// transition sequence for the caller to persist; the caller must call
// NotifyReady after the record is durable so waiters observe the change.
func (g *TaskGraph) Transition(id NodeID, from, to Status) (Snapshot, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return Snapshot{}, 0, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.Status != from {
		return Snapshot{}, 0, &TransitionError{NodeID: id, From: from, To: to, Actual: n.Status}
	}
	if !allowedTransition(from, to) {
		return Snapshot{}, 0, &TransitionError{NodeID: id, From: from, To: to, Actual: from}
	}

	n.Status = to
	n.seq++
	return n.snapshot(), n.seq, nil
}

func allowedTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.IsTerminal()
	}
	switch from {
	case StatusPending:
		return to == StatusAtomizing
	case StatusAtomizing:
		return to == StatusPlanning || to == StatusExecuting || to == StatusReplanning
	case StatusPlanning, StatusExecuting:
		return to == StatusAggregating || to == StatusReplanning
	case StatusAggregating:
		return to == StatusVerifying || to == StatusReplanning
	case StatusVerifying:
		return to == StatusDone || to == StatusReplanning
	case StatusReplanning:
		return to == StatusAtomizing || to == StatusPlanning || to == StatusExecuting
	default:
		return false
	}
}

// NotifyReady wakes all AwaitReady waiters so they re-evaluate readiness.
// The solver calls this after a terminal transition has been persisted,
// keeping "ready" aligned with "durably DONE".
func (g *TaskGraph) NotifyReady() {
	g.mu.Lock()
	close(g.notify)
	g.notify = make(chan struct{})
	g.mu.Unlock()
}

// SetChildren records the plan's child set for the node, in plan order.
// Only valid while the node itself is PLANNING; the list is frozen for
// everyone else, always.
func (g *TaskGraph) SetChildren(id NodeID, children []NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.Status != StatusPlanning {
		return fmt.Errorf("%w: node %s is %s", ErrChildrenFrozen, id, n.Status)
	}
	n.Children = append([]NodeID(nil), children...)
	return nil
}

// SupersedeChildren moves the current child set into the superseded
// record ahead of a replan. The children remain in the graph for audit;
// their IDs are never reused for new edges.
func (g *TaskGraph) SupersedeChildren(id NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.Status != StatusReplanning {
		return fmt.Errorf("%w: node %s is %s", ErrChildrenFrozen, id, n.Status)
	}
	if len(n.Children) > 0 {
		n.Superseded = append(n.Superseded, n.Children)
		n.Children = nil
	}
	return nil
}

// SetResult stores the node's aggregated result.
func (g *TaskGraph) SetResult(id NodeID, r Result) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.Result = &r
	return nil
}

// SetError stores the node's terminal error text.
func (g *TaskGraph) SetError(id NodeID, msg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.Err = msg
	return nil
}

// AppendFeedback adds verification feedback to the node's chain.
func (g *TaskGraph) AppendFeedback(id NodeID, feedback string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.Feedback = append(n.Feedback, feedback)
	return nil
}

// IncrementRetry bumps the node's replan counter and returns the new value.
func (g *TaskGraph) IncrementRetry(id NodeID) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.RetryCount++
	return n.RetryCount, nil
}

// Get returns a snapshot of the node.
func (g *TaskGraph) Get(id NodeID) (Snapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Snapshot{}, false
	}
	return n.snapshot(), true
}

// Status returns the node's current status.
func (g *TaskGraph) Status(id NodeID) (Status, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n.Status, nil
}

// ChildrenOf returns the node's current (non-superseded) children in
// plan order.
func (g *TaskGraph) ChildrenOf(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]NodeID(nil), n.Children...)
}

// AncestorsOf returns the node's ancestors, nearest first, root last.
func (g *TaskGraph) AncestorsOf(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []NodeID
	cur, ok := g.nodes[id]
	for ok && cur.ParentID != "" {
		out = append(out, cur.ParentID)
		cur, ok = g.nodes[cur.ParentID]
	}
	return out
}

// TopAncestorOf returns the node's depth-1 ancestor: the top-level
// subtask whose subtree contains this node. The root and depth-1 nodes
// return themselves.
func (g *TaskGraph) TopAncestorOf(id NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cur, ok := g.nodes[id]
	if !ok {
		return ""
	}
	for cur.Depth > 1 {
		parent, ok := g.nodes[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	return cur.ID
}

// DescendantsOf returns every node under id (excluding id itself), in
// creation order, across current and superseded child sets.
func (g *TaskGraph) DescendantsOf(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inSubtree := map[NodeID]struct{}{id: {}}
	var out []NodeID
	// Creation order guarantees parents precede children.
	for _, nid := range g.order {
		n := g.nodes[nid]
		if n.ParentID == "" {
			continue
		}
		if _, ok := inSubtree[n.ParentID]; ok {
			inSubtree[nid] = struct{}{}
			out = append(out, nid)
		}
	}
	return out
}

// DirectSourcesOf returns the node's blocking dependency sources in
// declaration order, deduplicated. Used for DEPENDENCIES visibility.
func (g *TaskGraph) DirectSourcesOf(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[NodeID]struct{})
	var out []NodeID
	for _, ref := range n.Deps {
		if !ref.Type.Blocking() {
			continue
		}
		if _, dup := seen[ref.Source]; dup {
			continue
		}
		seen[ref.Source] = struct{}{}
		out = append(out, ref.Source)
	}
	return out
}

// Len returns the number of nodes in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
