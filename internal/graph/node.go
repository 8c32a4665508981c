// Package graph provides the task-graph data model for the recursive solver:
// nodes, typed edges, and the TaskGraph arena that enforces structural
// invariants (acyclic dependencies, frozen child lists, bounded depth).
package graph

import "github.com/google/uuid"

// NodeID uniquely identifies a node in the task graph.
// IDs are assigned at creation and never change.
type NodeID string

// NewNodeID generates a fresh node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// Status is the lifecycle state of a node in the solve state machine.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusAtomizing   Status = "ATOMIZING"
	StatusPlanning    Status = "PLANNING"
	StatusExecuting   Status = "EXECUTING"
	StatusAggregating Status = "AGGREGATING"
	StatusVerifying   Status = "VERIFYING"
	StatusReplanning  Status = "REPLANNING"
	StatusDone        Status = "DONE"
	StatusFailed      Status = "FAILED"
)

// IsTerminal reports whether the status is terminal.
// Terminal nodes never transition again; a FAILED node remains in the
// graph as a permanent record for audit.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// EdgeType classifies a relation between two nodes.
type EdgeType string

const (
	// EdgeDependency means the dependent waits for the source to reach DONE.
	EdgeDependency EdgeType = "DEPENDENCY"
	// EdgeDataFlow is a dependency that additionally feeds the source's
	// artifacts into the dependent's visible set.
	EdgeDataFlow EdgeType = "DATA_FLOW"
	// EdgeControlFlow is an advisory ordering hint; it does not gate readiness.
	EdgeControlFlow EdgeType = "CONTROL_FLOW"
	// EdgeParentChild links a planner to a child it emitted. These edges
	// form the spanning tree of the graph.
	EdgeParentChild EdgeType = "PARENT_CHILD"
)

// Blocking reports whether the edge type gates readiness of the dependent.
func (t EdgeType) Blocking() bool {
	return t == EdgeDependency || t == EdgeDataFlow
}

// DependencyRef is one inbound dependency of a node: the source it waits
// on and the edge type declared by the plan.
type DependencyRef struct {
	Source NodeID
	Type   EdgeType
}

// Result is the payload a node produces once its aggregate stage completes.
// The solver treats Value as opaque text; Score is the last verification
// score attached for downstream filtering.
type Result struct {
	Value string
	Score float64
}

// Node is one vertex of the task graph: a single (sub)task and its
// execution state. All mutation goes through TaskGraph methods so the
// graph can enforce ownership and transition rules.
type Node struct {
	ID          NodeID
	ParentID    NodeID // empty only for the root
	Description string
	Status      Status
	Depth       int

	// Children is the current plan's child IDs in plan order. It is
	// written only during this node's own PLANNING stage and frozen
	// until a replan supersedes it.
	Children []NodeID

	// Superseded holds child sets discarded by earlier replans. They are
	// kept in the graph (never deleted) and excluded from aggregation.
	Superseded [][]NodeID

	// Deps are the inbound dependency references this node waits on.
	Deps []DependencyRef

	// RetryCount is the number of replanning cycles consumed.
	RetryCount int

	Result *Result
	Err    string

	// Feedback accumulates verification feedback across replans, oldest
	// first. It is forwarded verbatim into subsequent plan/execute calls
	// and forms the diagnostic chain on terminal failure.
	Feedback []string

	// Profile and Experiment are opaque tags carried for downstream
	// filtering. The solver never interprets them.
	Profile    string
	Experiment string

	// seq counts persisted transitions for this node. Managed by the graph.
	seq int
}

// Snapshot is an immutable copy of a node's durable fields, embedded in
// every transition record so the log alone can reconstruct the graph.
type Snapshot struct {
	ID          NodeID          `json:"id"`
	ParentID    NodeID          `json:"parent_id,omitempty"`
	Description string          `json:"description"`
	Status      Status          `json:"status"`
	Depth       int             `json:"depth"`
	Children    []NodeID        `json:"children,omitempty"`
	Superseded  [][]NodeID      `json:"superseded,omitempty"`
	Deps        []DependencyRef `json:"deps,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Result      *Result         `json:"result,omitempty"`
	Err         string          `json:"error,omitempty"`
	Feedback    []string        `json:"feedback,omitempty"`
	Profile     string          `json:"profile,omitempty"`
	Experiment  string          `json:"experiment,omitempty"`
}

// snapshot captures the node's durable fields. Caller must hold the graph lock.
func (n *Node) snapshot() Snapshot {
	s := Snapshot{
		ID:          n.ID,
		ParentID:    n.ParentID,
		Description: n.Description,
		Status:      n.Status,
		Depth:       n.Depth,
		RetryCount:  n.RetryCount,
		Err:         n.Err,
		Profile:     n.Profile,
		Experiment:  n.Experiment,
	}
	s.Children = append(s.Children, n.Children...)
	for _, set := range n.Superseded {
		s.Superseded = append(s.Superseded, append([]NodeID(nil), set...))
	}
	s.Deps = append(s.Deps, n.Deps...)
	s.Feedback = append(s.Feedback, n.Feedback...)
	if n.Result != nil {
		r := *n.Result
		s.Result = &r
	}
	return s
}
