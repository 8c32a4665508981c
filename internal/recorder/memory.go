package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
)

// Memory is an in-process ExecutionRecorder for tests and recovery
// drills. It implements the same idempotence contract as the durable
// implementations: records are upserts keyed by (node, seq).
type Memory struct {
	mu         sync.RWMutex
	executions map[string]Execution
	// transitions[execID][nodeID][seq]
	transitions map[string]map[graph.NodeID]map[int]TransitionRecord
	artifacts   map[string]map[artifact.ID]artifact.Artifact
}

// Ensure Memory implements ExecutionRecorder.
var _ ExecutionRecorder = (*Memory)(nil)

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{
		executions:  make(map[string]Execution),
		transitions: make(map[string]map[graph.NodeID]map[int]TransitionRecord),
		artifacts:   make(map[string]map[artifact.ID]artifact.Artifact),
	}
}

// CreateExecution registers an execution. Re-creating it is a no-op.
func (m *Memory) CreateExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return nil
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	m.executions[exec.ID] = exec
	m.transitions[exec.ID] = make(map[graph.NodeID]map[int]TransitionRecord)
	m.artifacts[exec.ID] = make(map[artifact.ID]artifact.Artifact)
	return nil
}

// PersistTransition upserts a transition record keyed by (node, seq).
func (m *Memory) PersistTransition(_ context.Context, execID string, rec TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNode, ok := m.transitions[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, execID)
	}
	if byNode[rec.NodeID] == nil {
		byNode[rec.NodeID] = make(map[int]TransitionRecord)
	}
	byNode[rec.NodeID][rec.Seq] = rec
	return nil
}

// PersistArtifact stores an artifact; duplicates by ID are ignored.
func (m *Memory) PersistArtifact(_ context.Context, execID string, a artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.artifacts[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, execID)
	}
	if _, dup := byID[a.ID]; dup {
		return nil
	}
	byID[a.ID] = a
	return nil
}

// LoadGraph replays the execution's log: for each node the snapshot with
// the highest sequence wins, nodes are restored parents-before-children
// (depth order), and interrupted nodes demote per graph.Restore.
func (m *Memory) LoadGraph(_ context.Context, execID string) (*LoadedExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[execID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, execID)
	}

	var restored []graph.RestoredNode
	for _, bySeq := range m.transitions[execID] {
		var latest TransitionRecord
		found := false
		for _, rec := range bySeq {
			if !found || rec.Seq > latest.Seq {
				latest = rec
				found = true
			}
		}
		if found {
			restored = append(restored, graph.RestoredNode{Snapshot: latest.Snapshot, Seq: latest.Seq})
		}
	}
	SortRestored(restored)

	g, err := graph.Restore(exec.MaxDepth, exec.Policy, restored)
	if err != nil {
		return nil, fmt.Errorf("restoring graph for %s: %w", execID, err)
	}

	arts := make([]artifact.Artifact, 0, len(m.artifacts[execID]))
	for _, a := range m.artifacts[execID] {
		arts = append(arts, a)
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].Seq < arts[j].Seq })

	return &LoadedExecution{Execution: exec, Graph: g, Artifacts: arts}, nil
}

// Executions lists recorded executions, newest first.
func (m *Memory) Executions(_ context.Context) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SortRestored orders snapshots parents-before-children: by depth, then
// node ID for determinism within a depth.
func SortRestored(nodes []graph.RestoredNode) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i].Snapshot, nodes[j].Snapshot
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.ID < b.ID
	})
}
