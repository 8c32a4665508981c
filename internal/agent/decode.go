package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
)

// Decode parses a capability's raw text output into a typed result.
// It tries strict JSON first; on failure it repairs the text with
// jsonrepair and retries, since model output is frequently almost-JSON
// (single quotes, trailing commas, fenced code blocks).
//
// A result that cannot be parsed even after repair is a ValidationError
// attributed to op.
func Decode[T any](op, raw string) (T, error) {
	var out T

	content := stripFences(raw)
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return out, nil
	}

	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return out, &ValidationError{Op: op, Msg: fmt.Sprintf("unparseable output: %v", err)}
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return out, &ValidationError{Op: op, Msg: fmt.Sprintf("output is not valid %s JSON: %v", op, err)}
	}

	log.Debug(log.CatAgent, "Repaired capability output", "op", op)
	return out, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ValidatePlan checks a plan's structural integrity: at least one step,
// non-empty descriptions, dependency refs that point at earlier or later
// siblings within the same plan, and edge types the graph understands.
// EdgeType defaults to DEPENDENCY when omitted.
func ValidatePlan(p *PlanResult) error {
	if len(p.Steps) == 0 {
		return &ValidationError{Op: "plan", Msg: "plan has no steps"}
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if strings.TrimSpace(step.Description) == "" {
			return &ValidationError{Op: "plan", Msg: fmt.Sprintf("step %d has an empty description", i)}
		}
		if step.EdgeType == "" {
			step.EdgeType = graph.EdgeDependency
		}
		switch step.EdgeType {
		case graph.EdgeDependency, graph.EdgeDataFlow, graph.EdgeControlFlow:
		default:
			return &ValidationError{Op: "plan", Msg: fmt.Sprintf("step %d has unknown edge type %q", i, step.EdgeType)}
		}
		for _, ref := range step.DependsOn {
			if ref < 0 || ref >= len(p.Steps) {
				return &ValidationError{Op: "plan", Msg: fmt.Sprintf("step %d depends on out-of-range sibling %d", i, ref)}
			}
			if ref == i {
				return &ValidationError{Op: "plan", Msg: fmt.Sprintf("step %d depends on itself", i)}
			}
		}
	}
	return nil
}

// ValidateExecute checks an execute result's artifact payloads.
func ValidateExecute(r *ExecuteResult) error {
	for i, p := range r.Artifacts {
		if !p.Type.Valid() {
			return &ValidationError{Op: "execute", Msg: fmt.Sprintf("artifact %d has unknown type %q", i, p.Type)}
		}
	}
	return nil
}

// ValidateAggregate checks an aggregate result's artifact payloads.
func ValidateAggregate(r *AggregateResult) error {
	for i, p := range r.Artifacts {
		if !p.Type.Valid() {
			return &ValidationError{Op: "aggregate", Msg: fmt.Sprintf("artifact %d has unknown type %q", i, p.Type)}
		}
	}
	return nil
}
