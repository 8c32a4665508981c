package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/ravel/internal/agent"
	_ "github.com/zjrosen/ravel/internal/agent/mock" // register the mock capability
	"github.com/zjrosen/ravel/internal/profile"
	recsqlite "github.com/zjrosen/ravel/internal/recorder/sqlite"
	"github.com/zjrosen/ravel/internal/solver"
	"github.com/zjrosen/ravel/internal/tracing"
)

// buildSolver wires a solver from the config, the named profile and the
// registered capability. The returned cleanup closes the database, the
// event stream and the tracer.
func buildSolver(profileName, experiment string) (*solver.Solver, func(), error) {
	registry, err := profile.NewRegistry(cfg.ProfileDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading profiles: %w", err)
	}
	prof, err := registry.Get(profileName)
	if err != nil {
		return nil, nil, err
	}
	policy, err := prof.FailurePolicy()
	if err != nil {
		return nil, nil, err
	}

	capability, err := agent.New(cfg.Capability)
	if err != nil {
		return nil, nil, fmt.Errorf("capability %q: %w (registered: %s)",
			cfg.Capability, err, strings.Join(agent.Registered(), ", "))
	}

	db, err := recsqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening execution log: %w", err)
	}

	var tracer *tracing.Provider
	if cfg.Tracing.Enabled {
		tracer, err = tracing.NewProvider(cfg.Tracing)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("initializing tracing: %w", err)
		}
	}

	s, err := solver.New(solver.Options{
		Capability:    capability,
		Recorder:      recsqlite.New(db),
		MaxDepth:      prof.MaxDepth,
		MaxReplans:    prof.MaxReplans,
		MaxConcurrent: prof.MaxConcurrent,
		MaxPerDepth:   prof.MaxPerDepth,
		Injection:     prof.Injection,
		Policy:        policy,
		StageTimeout:  prof.StageTimeout.Std(),
		AgentRetries:  prof.AgentRetries,
		Profile:       prof.Name,
		Experiment:    experiment,
		Tracer:        tracer,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cleanup := func() {
		s.Close()
		if tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = tracer.Shutdown(ctx)
			cancel()
		}
		_ = db.Close()
	}
	return s, cleanup, nil
}
