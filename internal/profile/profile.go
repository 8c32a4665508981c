// Package profile provides named solve configurations. It supports
// loading and managing both built-in and user-defined profiles.
package profile

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
)

// Duration decodes YAML duration strings like "2m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Source indicates where a profile originated from.
type Source int

const (
	// SourceBuiltIn indicates a profile bundled with the application.
	SourceBuiltIn Source = iota
	// SourceUser indicates a profile from the user's configuration directory.
	SourceUser
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// Profile bundles the tunables of one solve run: depth and replan
// budgets, concurrency limits, artifact visibility and failure policy.
type Profile struct {
	// Name identifies the profile; derived from the filename when the
	// file omits it (e.g. "thorough" from "thorough.yml").
	Name string `yaml:"name"`

	// Description is a brief human-readable summary.
	Description string `yaml:"description"`

	// MaxDepth bounds the decomposition tree (root is depth 0).
	MaxDepth int `yaml:"max_depth"`

	// MaxReplans caps verification-driven retries per node.
	MaxReplans int `yaml:"max_replans"`

	// MaxConcurrent caps simultaneous capability invocations.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxPerDepth additionally caps invocations per depth level.
	// Zero disables the per-depth cap.
	MaxPerDepth int `yaml:"max_per_depth"`

	// Injection names the artifact visibility mode:
	// none, dependencies, subtask or full.
	Injection artifact.Mode `yaml:"injection"`

	// Policy is "fail_fast" or "degraded".
	Policy string `yaml:"policy"`

	// StageTimeout bounds each capability invocation (e.g. "2m").
	StageTimeout Duration `yaml:"stage_timeout"`

	// AgentRetries bounds retries of transient capability failures.
	AgentRetries int `yaml:"agent_retries"`

	// Source indicates whether this is a built-in or user profile.
	Source Source `yaml:"-"`

	// FilePath is the absolute path for user profiles (empty for built-in).
	FilePath string `yaml:"-"`
}

// FailurePolicy maps the profile's policy string onto the graph policy.
func (p Profile) FailurePolicy() (graph.FailurePolicy, error) {
	switch p.Policy {
	case "", "fail_fast":
		return graph.FailFast, nil
	case "degraded":
		return graph.Degraded, nil
	default:
		return graph.FailFast, fmt.Errorf("profile %s: unknown policy %q", p.Name, p.Policy)
	}
}

// Validate checks the profile's fields for values the solver accepts.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile missing name")
	}
	if p.MaxDepth < 0 || p.MaxReplans < 0 || p.MaxConcurrent < 0 || p.MaxPerDepth < 0 {
		return fmt.Errorf("profile %s: limits must not be negative", p.Name)
	}
	if p.Injection != "" && !p.Injection.Valid() {
		return fmt.Errorf("profile %s: unknown injection mode %q", p.Name, p.Injection)
	}
	if _, err := p.FailurePolicy(); err != nil {
		return err
	}
	return nil
}
