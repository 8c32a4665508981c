// Package recorder defines the persistence boundary the solver drives:
// a durable log of state transitions and artifacts per execution, and
// the replay that reconstructs a TaskGraph after a crash.
//
// The solver persists synchronously on every state change, before the
// transition becomes externally visible. Records are keyed by
// (execution, node, sequence); re-applying a record is a no-op, so
// at-least-once delivery during recovery is safe.
package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
)

// ErrUnknownExecution is returned when loading an execution that was
// never created.
var ErrUnknownExecution = errors.New("unknown execution")

// Execution identifies one graph run and the tags and settings needed
// to resume it.
type Execution struct {
	ID         string
	Profile    string
	Experiment string
	MaxDepth   int
	Policy     graph.FailurePolicy
	CreatedAt  time.Time
}

// TransitionRecord is one durable state-machine event. Seq is the
// per-node transition sequence; Seq 0 records node creation (From is
// empty, To is PENDING) so the log alone carries every node's identity
// and description. Snapshot captures the node's durable fields at the
// moment of the transition.
type TransitionRecord struct {
	NodeID     graph.NodeID   `json:"node_id"`
	Seq        int            `json:"seq"`
	From       graph.Status   `json:"from,omitempty"`
	To         graph.Status   `json:"to"`
	Snapshot   graph.Snapshot `json:"snapshot"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// LoadedExecution is the result of replaying an execution's log: the
// reconstructed graph (interrupted nodes demoted per graph.Restore)
// plus all persisted artifacts in sequence order.
type LoadedExecution struct {
	Execution Execution
	Graph     *graph.TaskGraph
	Artifacts []artifact.Artifact
}

// ExecutionRecorder is the storage collaborator consumed by the solver.
// Implementations must make PersistTransition and PersistArtifact
// idempotent: applying the same record twice leaves the reconstructed
// state identical to applying it once.
type ExecutionRecorder interface {
	// CreateExecution registers a new execution with its tags and
	// solve settings. Creating an existing execution is a no-op.
	CreateExecution(ctx context.Context, exec Execution) error

	// PersistTransition appends one transition record, synchronously.
	PersistTransition(ctx context.Context, execID string, rec TransitionRecord) error

	// PersistArtifact appends one artifact, synchronously.
	PersistArtifact(ctx context.Context, execID string, a artifact.Artifact) error

	// LoadGraph reconstructs the last durable state of an execution by
	// replaying its log.
	LoadGraph(ctx context.Context, execID string) (*LoadedExecution, error)

	// Executions lists all recorded executions, newest first.
	Executions(ctx context.Context) ([]Execution, error)
}
