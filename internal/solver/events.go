package solver

import (
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/pubsub"
)

// EventType identifies a solve event.
type EventType string

const (
	// EventNodeCreated fires when planning (or solve start) adds a node.
	EventNodeCreated EventType = "node_created"

	// EventTransition fires after a state change has been persisted.
	EventTransition EventType = "transition"

	// EventArtifact fires after an artifact has been persisted.
	EventArtifact EventType = "artifact"

	// EventReplan fires when a node enters a replanning cycle.
	EventReplan EventType = "replan"

	// EventSolveDone fires once, when the root reaches a terminal status.
	EventSolveDone EventType = "solve_done"
)

// Event is one entry in the solve progress stream. Fields beyond Type,
// ExecutionID and NodeID are populated per event type.
type Event struct {
	Type        EventType
	ExecutionID string
	NodeID      graph.NodeID
	From        graph.Status
	To          graph.Status
	Depth       int
	Retry       int
	Detail      string
}

// Events returns the broker carrying this solver's progress stream.
// Subscribers that fall behind are skipped, never blocked on.
func (s *Solver) Events() *pubsub.Broker[Event] {
	return s.broker
}
