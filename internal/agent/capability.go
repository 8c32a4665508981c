// Package agent defines the capability interface the solver drives:
// the five operations of the recursive solve loop (atomize, plan,
// execute, aggregate, verify) and their typed results. The mechanics of
// producing these results (model calls, prompt frameworks, sandboxes)
// live behind implementations of Capability; the solver only consumes
// the typed outputs.
package agent

import (
	"context"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
)

// AtomizeResult classifies a task as directly executable or composite.
type AtomizeResult struct {
	IsAtomic  bool   `json:"is_atomic"`
	Rationale string `json:"rationale"`
}

// PlanStep is one child subtask emitted by a plan, with its declared
// dependencies as indices into the same plan (two-pass creation resolves
// refs to steps that appear later).
type PlanStep struct {
	Description string         `json:"description"`
	DependsOn   []int          `json:"depends_on,omitempty"`
	EdgeType    graph.EdgeType `json:"edge_type,omitempty"`
}

// PlanResult is an ordered list of child subtasks.
type PlanResult struct {
	Steps []PlanStep `json:"steps"`
}

// Payload is an artifact emitted by an execute or aggregate call, before
// the store assigns it an ID and sequence number.
type Payload struct {
	Type    artifact.Type `json:"type"`
	Content string        `json:"content"`
}

// ExecuteResult is the outcome of directly executing an atomic task.
type ExecuteResult struct {
	Result    string    `json:"result"`
	Artifacts []Payload `json:"artifacts,omitempty"`
}

// ChildOutcome is one child's contribution to an aggregate call, in plan
// order. For a FAILED child, Failed is set and Error carries its terminal
// error in place of a result.
type ChildOutcome struct {
	NodeID      graph.NodeID        `json:"node_id"`
	Description string              `json:"description"`
	Result      string              `json:"result,omitempty"`
	Failed      bool                `json:"failed,omitempty"`
	Error       string              `json:"error,omitempty"`
	Artifacts   []artifact.Artifact `json:"artifacts,omitempty"`
}

// AggregateResult combines child outcomes into one node-level result.
type AggregateResult struct {
	Result    string    `json:"result"`
	Artifacts []Payload `json:"artifacts,omitempty"`
}

// VerifyResult judges a result's acceptability. The solver uses Pass
// only and forwards Feedback verbatim into the next planning/execution
// call; Score is carried for downstream filtering.
type VerifyResult struct {
	Pass     bool    `json:"pass"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Capability is the pluggable agent the solver drives. One concrete
// implementation is bound per execution profile via dependency injection
// at solver construction.
//
// Every operation must honor ctx cancellation; the solver uses the
// context to enforce stage timeouts and subtree cancellation.
type Capability interface {
	// Atomize decides whether the task is directly executable.
	Atomize(ctx context.Context, description string, visible []artifact.Artifact) (AtomizeResult, error)

	// Plan decomposes a composite task into ordered child subtasks.
	// feedback carries accumulated verification feedback on re-entry
	// after a replan, oldest first; it is empty on the first attempt.
	Plan(ctx context.Context, description string, visible []artifact.Artifact, feedback []string) (PlanResult, error)

	// Execute performs an atomic task directly.
	Execute(ctx context.Context, description string, visible []artifact.Artifact) (ExecuteResult, error)

	// Aggregate combines child outcomes, given in plan order.
	Aggregate(ctx context.Context, children []ChildOutcome) (AggregateResult, error)

	// Verify judges an aggregated result.
	Verify(ctx context.Context, result string) (VerifyResult, error)
}
