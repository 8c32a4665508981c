// Package mock provides a scripted agent.Capability for testing and
// dry runs. Behavior is configured via function fields; unset fields
// fall back to a trivially-passing default so a solve always terminates.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/ravel/internal/agent"
	"github.com/zjrosen/ravel/internal/artifact"
)

// Capability is a mock implementation of agent.Capability.
// Each operation delegates to the corresponding function field when set.
// Call counts are tracked per operation for assertions.
type Capability struct {
	AtomizeFunc   func(ctx context.Context, description string, visible []artifact.Artifact) (agent.AtomizeResult, error)
	PlanFunc      func(ctx context.Context, description string, visible []artifact.Artifact, feedback []string) (agent.PlanResult, error)
	ExecuteFunc   func(ctx context.Context, description string, visible []artifact.Artifact) (agent.ExecuteResult, error)
	AggregateFunc func(ctx context.Context, children []agent.ChildOutcome) (agent.AggregateResult, error)
	VerifyFunc    func(ctx context.Context, result string) (agent.VerifyResult, error)

	mu     sync.Mutex
	counts map[string]int
}

// Ensure Capability implements agent.Capability.
var _ agent.Capability = (*Capability)(nil)

// New creates a mock capability with default behavior: every task is
// atomic, execute echoes the description, and verify always passes.
func New() *Capability {
	return &Capability{counts: make(map[string]int)}
}

func (c *Capability) bump(op string) {
	c.mu.Lock()
	c.counts[op]++
	c.mu.Unlock()
}

// Calls returns how many times the named operation was invoked.
func (c *Capability) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

// Reset clears the call counters.
func (c *Capability) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

// Atomize classifies the task. Defaults to atomic.
func (c *Capability) Atomize(ctx context.Context, description string, visible []artifact.Artifact) (agent.AtomizeResult, error) {
	c.bump("atomize")
	if c.AtomizeFunc != nil {
		return c.AtomizeFunc(ctx, description, visible)
	}
	return agent.AtomizeResult{IsAtomic: true, Rationale: "mock: all tasks atomic"}, nil
}

// Plan decomposes the task. Defaults to a single atomic child.
func (c *Capability) Plan(ctx context.Context, description string, visible []artifact.Artifact, feedback []string) (agent.PlanResult, error) {
	c.bump("plan")
	if c.PlanFunc != nil {
		return c.PlanFunc(ctx, description, visible, feedback)
	}
	return agent.PlanResult{Steps: []agent.PlanStep{{Description: "do: " + description}}}, nil
}

// Execute performs the task. Defaults to echoing the description.
func (c *Capability) Execute(ctx context.Context, description string, visible []artifact.Artifact) (agent.ExecuteResult, error) {
	c.bump("execute")
	if c.ExecuteFunc != nil {
		return c.ExecuteFunc(ctx, description, visible)
	}
	return agent.ExecuteResult{Result: "done: " + description}, nil
}

// Aggregate combines child outcomes. Defaults to concatenating results
// in plan order, marking failed children.
func (c *Capability) Aggregate(ctx context.Context, children []agent.ChildOutcome) (agent.AggregateResult, error) {
	c.bump("aggregate")
	if c.AggregateFunc != nil {
		return c.AggregateFunc(ctx, children)
	}
	out := ""
	for i, ch := range children {
		if i > 0 {
			out += "\n"
		}
		if ch.Failed {
			out += fmt.Sprintf("[failed: %s]", ch.Error)
			continue
		}
		out += ch.Result
	}
	return agent.AggregateResult{Result: out}, nil
}

// Verify judges the result. Defaults to passing.
func (c *Capability) Verify(ctx context.Context, result string) (agent.VerifyResult, error) {
	c.bump("verify")
	if c.VerifyFunc != nil {
		return c.VerifyFunc(ctx, result)
	}
	return agent.VerifyResult{Pass: true, Score: 1.0, Feedback: ""}, nil
}

// init registers the mock capability for CLI dry runs.
func init() {
	agent.Register("mock", func() agent.Capability {
		return New()
	})
}
