package artifact

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
)

// Mode is the injection policy governing which artifacts are visible to
// a node's agent calls.
type Mode string

const (
	// ModeNone injects nothing.
	ModeNone Mode = "NONE"
	// ModeDependencies injects artifacts from the node's direct
	// DEPENDENCY/DATA_FLOW sources only, not transitive ones.
	ModeDependencies Mode = "DEPENDENCIES"
	// ModeSubtask injects artifacts from the node's top-level subtask
	// subtree: walk up to the depth-1 ancestor, then all its descendants.
	ModeSubtask Mode = "SUBTASK"
	// ModeFull injects every artifact in the graph.
	ModeFull Mode = "FULL"
)

// Valid reports whether m is a known injection mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeDependencies, ModeSubtask, ModeFull:
		return true
	default:
		return false
	}
}

// Store is the append-only per-node artifact registry. It is
// single-writer-per-node (only a node's own stage execution appends its
// artifacts) and safe for concurrent reads by any node computing
// visibility. Artifacts are never mutated or deleted.
type Store struct {
	mu         sync.RWMutex
	seq        uint64
	byProducer map[graph.NodeID][]Artifact
	byID       map[ID]struct{}
}

// NewStore creates an empty artifact store.
func NewStore() *Store {
	return &Store{
		byProducer: make(map[graph.NodeID][]Artifact),
		byID:       make(map[ID]struct{}),
	}
}

// Append creates a new artifact for the producing node and assigns the
// next global sequence number atomically. Attempt groups the artifacts
// of one stage attempt; see NextAttempt.
func (s *Store) Append(producer graph.NodeID, typ Type, payload string, attempt int) (Artifact, error) {
	if !typ.Valid() {
		return Artifact{}, fmt.Errorf("unknown artifact type: %q", typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	a := Artifact{
		ID:       NewID(),
		Type:     typ,
		Producer: producer,
		Payload:  payload,
		Seq:      s.seq,
		Attempt:  attempt,
	}
	s.byProducer[producer] = append(s.byProducer[producer], a)
	s.byID[a.ID] = struct{}{}

	log.Debug(log.CatStore, "Appended artifact", "artifactID", a.ID, "producer", producer, "type", typ, "seq", a.Seq, "attempt", attempt)
	return a, nil
}

// NextAttempt returns the attempt number a producer's next stage attempt
// should stamp on its artifacts: one past the highest attempt already in
// the store, so re-executions after a replan or a resumed crash never
// share an attempt with stale output.
func (s *Store) NextAttempt(producer graph.NodeID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maxAttempt(s.byProducer[producer]) + 1
}

// Restore re-inserts an artifact loaded from the recorder, preserving
// its ID and sequence number. Re-restoring the same artifact is a no-op,
// which keeps recovery idempotent under at-least-once replay.
func (s *Store) Restore(a Artifact) error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown artifact type: %q", a.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[a.ID]; dup {
		return nil
	}
	s.byProducer[a.Producer] = append(s.byProducer[a.Producer], a)
	s.byID[a.ID] = struct{}{}
	if a.Seq > s.seq {
		s.seq = a.Seq
	}
	return nil
}

// ByProducer returns the artifacts of a node's newest attempt, in
// sequence order. Older attempts stay in the store for audit but are
// not served to consumers.
func (s *Store) ByProducer(producer graph.NodeID) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := latestAttempt(s.byProducer[producer])
	sortBySeq(out)
	return out
}

// All returns every artifact in the store, all attempts included, in
// sequence order.
func (s *Store) All() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for _, list := range s.byProducer {
		out = append(out, list...)
	}
	sortBySeq(out)
	return out
}

// Len returns the number of artifacts in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.byProducer {
		n += len(list)
	}
	return n
}

// Visible returns the artifacts the node may see under the given
// injection mode. All modes deduplicate by artifact ID, serve only each
// producer's newest attempt, and order by the global creation sequence,
// so the result is reproducible for a given execution trace.
func (s *Store) Visible(g *graph.TaskGraph, node graph.NodeID, mode Mode) ([]Artifact, error) {
	switch mode {
	case ModeNone:
		return nil, nil
	case ModeDependencies:
		return s.collect(g.DirectSourcesOf(node)), nil
	case ModeSubtask:
		top := g.TopAncestorOf(node)
		if top == "" {
			return nil, fmt.Errorf("node %s not in graph", node)
		}
		producers := append([]graph.NodeID{top}, g.DescendantsOf(top)...)
		return s.collect(producers), nil
	case ModeFull:
		return s.collectAll(), nil
	default:
		return nil, fmt.Errorf("unknown injection mode: %q", mode)
	}
}

// collect gathers each producer's newest-attempt artifacts, deduplicated
// by ID and ordered by sequence.
func (s *Store) collect(producers []graph.NodeID) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[ID]struct{})
	var out []Artifact
	for _, p := range producers {
		for _, a := range latestAttempt(s.byProducer[p]) {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	sortBySeq(out)
	return out
}

func (s *Store) collectAll() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for _, list := range s.byProducer {
		out = append(out, latestAttempt(list)...)
	}
	sortBySeq(out)
	return out
}

// latestAttempt filters a single producer's artifacts down to the
// highest attempt number present.
func latestAttempt(list []Artifact) []Artifact {
	max := maxAttempt(list)
	var out []Artifact
	for _, a := range list {
		if a.Attempt == max {
			out = append(out, a)
		}
	}
	return out
}

func maxAttempt(list []Artifact) int {
	max := 0
	for _, a := range list {
		if a.Attempt > max {
			max = a.Attempt
		}
	}
	return max
}

func sortBySeq(list []Artifact) {
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
}
