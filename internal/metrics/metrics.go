// Package metrics provides per-execution solve metrics: stage call
// counts and durations, replan and node totals.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats accumulates call statistics for one stage kind.
type StageStats struct {
	Calls    int           `json:"calls"`
	Failures int           `json:"failures"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
}

// Mean returns the mean stage duration, or zero with no calls.
func (s StageStats) Mean() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Solve tracks one execution's metrics. All methods are safe for
// concurrent use by the solver's worker goroutines.
type Solve struct {
	mu        sync.Mutex
	stages    map[string]*StageStats
	replans   int
	nodes     int
	artifacts int
	startedAt time.Time
}

// NewSolve creates an empty metrics tracker, started now.
func NewSolve() *Solve {
	return &Solve{
		stages:    make(map[string]*StageStats),
		startedAt: time.Now(),
	}
}

// RecordStage records one stage invocation.
func (m *Solve) RecordStage(stage string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stages[stage]
	if st == nil {
		st = &StageStats{}
		m.stages[stage] = st
	}
	st.Calls++
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
	if failed {
		st.Failures++
	}
}

// RecordReplan counts one replanning cycle.
func (m *Solve) RecordReplan() {
	m.mu.Lock()
	m.replans++
	m.mu.Unlock()
}

// RecordNode counts one created node.
func (m *Solve) RecordNode() {
	m.mu.Lock()
	m.nodes++
	m.mu.Unlock()
}

// RecordArtifact counts one created artifact.
func (m *Solve) RecordArtifact() {
	m.mu.Lock()
	m.artifacts++
	m.mu.Unlock()
}

// Stage returns a copy of the stats for one stage kind.
func (m *Solve) Stage(stage string) StageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.stages[stage]; st != nil {
		return *st
	}
	return StageStats{}
}

// Replans returns the replan total.
func (m *Solve) Replans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replans
}

// Nodes returns the created-node total.
func (m *Solve) Nodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes
}

// Artifacts returns the created-artifact total.
func (m *Solve) Artifacts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.artifacts
}

// Summary returns a human-readable one-screen summary, e.g. for
// printing after a solve completes.
func (m *Solve) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "elapsed %s, %d nodes, %d artifacts, %d replans\n",
		time.Since(m.startedAt).Round(time.Millisecond), m.nodes, m.artifacts, m.replans)

	names := make([]string, 0, len(m.stages))
	for name := range m.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := m.stages[name]
		fmt.Fprintf(&b, "  %-10s %3d calls  mean %-10s max %-10s failures %d\n",
			name, st.Calls, st.Mean().Round(time.Millisecond), st.Max.Round(time.Millisecond), st.Failures)
	}
	return b.String()
}
