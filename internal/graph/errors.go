package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle is the sentinel wrapped by CycleError.
	ErrCycle = errors.New("dependency cycle")
	// ErrDepthExceeded is the sentinel wrapped by DepthError.
	ErrDepthExceeded = errors.New("maximum depth exceeded")
	// ErrUnknownNode is returned when an operation references a node
	// that does not exist in the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrChildrenFrozen is returned when a child-list mutation is
	// attempted outside the owner's planning stage.
	ErrChildrenFrozen = errors.New("children list is frozen")
)

// CycleError reports a rejected AddDependency call that would have
// created a cycle in the DEPENDENCY/DATA_FLOW subgraph. The graph is
// left unchanged.
type CycleError struct {
	From NodeID
	To   NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: edge %s -> %s would close a cycle", e.From, e.To)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// DepthError reports a rejected CreateNode call that would have placed a
// child beyond the configured maximum depth. The remainder of the plan
// proceeds; the rejection surfaces as planner feedback.
type DepthError struct {
	ParentID NodeID
	Depth    int
	Max      int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("maximum depth exceeded: child of %s would be at depth %d (max %d)", e.ParentID, e.Depth, e.Max)
}

func (e *DepthError) Unwrap() error { return ErrDepthExceeded }

// TransitionError reports a disallowed status transition. It indicates a
// scheduler bug or a race, never normal control flow.
type TransitionError struct {
	NodeID NodeID
	From   Status
	To     Status
	Actual Status
}

func (e *TransitionError) Error() string {
	if e.Actual != e.From {
		return fmt.Sprintf("invalid transition for %s: expected %s, found %s", e.NodeID, e.From, e.Actual)
	}
	return fmt.Sprintf("disallowed transition for %s: %s -> %s", e.NodeID, e.From, e.To)
}
