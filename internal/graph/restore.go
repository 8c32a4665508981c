package graph

import (
	"fmt"

	"github.com/zjrosen/ravel/internal/log"
)

// RestoredNode pairs a node snapshot with its last durable transition
// sequence, as reconstructed from the recorder's log.
type RestoredNode struct {
	Snapshot Snapshot
	Seq      int
}

// Restore rebuilds a TaskGraph from recorded node snapshots. Snapshots
// must be supplied with parents before children (the recorder's replay
// order guarantees this, since a child's first transition is always
// persisted after its parent's planning records).
//
// Recovery semantics: any node found in a non-terminal status is demoted
// to PENDING at its last durable checkpoint (at-least-once re-entry).
// A demoted node's current child set is superseded so its next planning
// pass starts clean; the old children stay in the graph for audit.
// Exception: when every child of an interrupted composite already
// reached a terminal status, the children are kept and the node resumes
// at AGGREGATING, so finished subtree work is not redone.
func Restore(maxDepth int, policy FailurePolicy, nodes []RestoredNode) (*TaskGraph, error) {
	g := New(maxDepth, policy)

	statuses := make(map[NodeID]Status, len(nodes))
	for _, rn := range nodes {
		statuses[rn.Snapshot.ID] = rn.Snapshot.Status
	}

	for _, rn := range nodes {
		s := rn.Snapshot
		if _, dup := g.nodes[s.ID]; dup {
			return nil, fmt.Errorf("duplicate node in restore set: %s", s.ID)
		}

		n := &Node{
			ID:          s.ID,
			ParentID:    s.ParentID,
			Description: s.Description,
			Status:      s.Status,
			Depth:       s.Depth,
			Children:    append([]NodeID(nil), s.Children...),
			Deps:        append([]DependencyRef(nil), s.Deps...),
			RetryCount:  s.RetryCount,
			Err:         s.Err,
			Feedback:    append([]string(nil), s.Feedback...),
			Profile:     s.Profile,
			Experiment:  s.Experiment,
			seq:         rn.Seq,
		}
		for _, set := range s.Superseded {
			n.Superseded = append(n.Superseded, append([]NodeID(nil), set...))
		}
		if s.Result != nil {
			r := *s.Result
			n.Result = &r
		}

		if !n.Status.IsTerminal() && n.Status != StatusPending {
			if resumeAggregating(s, policy, statuses) {
				log.Debug(log.CatGraph, "Resuming interrupted node at AGGREGATING", "nodeID", n.ID, "status", n.Status)
				n.Status = StatusAggregating
			} else {
				log.Debug(log.CatGraph, "Demoting non-terminal node to PENDING", "nodeID", n.ID, "status", n.Status)
				if len(n.Children) > 0 {
					n.Superseded = append(n.Superseded, n.Children)
					n.Children = nil
				}
				n.Status = StatusPending
			}
		}

		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
		if n.ParentID == "" {
			if g.rootID != "" {
				return nil, fmt.Errorf("restore set contains two roots: %s and %s", g.rootID, n.ID)
			}
			g.rootID = n.ID
		}
	}

	// Wire dependency adjacency and validate references.
	for _, id := range g.order {
		n := g.nodes[id]
		if n.ParentID != "" {
			if _, ok := g.nodes[n.ParentID]; !ok {
				return nil, fmt.Errorf("%w: parent %s of %s", ErrUnknownNode, n.ParentID, id)
			}
		}
		for _, ref := range n.Deps {
			if _, ok := g.nodes[ref.Source]; !ok {
				return nil, fmt.Errorf("%w: dependency source %s of %s", ErrUnknownNode, ref.Source, id)
			}
			if ref.Type.Blocking() {
				g.dependents[ref.Source] = append(g.dependents[ref.Source], id)
			}
		}
	}

	if g.rootID == "" && len(nodes) > 0 {
		return nil, fmt.Errorf("restore set has no root node")
	}

	return g, nil
}

// resumeAggregating reports whether an interrupted composite can keep
// its children and re-enter at AGGREGATING instead of replanning from
// scratch: every child already reached a terminal status, and none
// FAILED unless the policy aggregates degraded results.
func resumeAggregating(s Snapshot, policy FailurePolicy, statuses map[NodeID]Status) bool {
	switch s.Status {
	case StatusPlanning, StatusAggregating, StatusVerifying:
	default:
		return false
	}
	if len(s.Children) == 0 {
		return false
	}
	for _, cid := range s.Children {
		switch statuses[cid] {
		case StatusDone:
		case StatusFailed:
			if policy != Degraded {
				return false
			}
		default:
			return false
		}
	}
	return true
}
