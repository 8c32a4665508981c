// Package artifact provides the append-only artifact store and the
// scoped-visibility queries that decide which outputs a node's agent
// calls may see.
package artifact

import (
	"github.com/google/uuid"

	"github.com/zjrosen/ravel/internal/graph"
)

// Type classifies an artifact's content.
type Type string

const (
	TypeDataFetch     Type = "DATA_FETCH"
	TypeDataProcessed Type = "DATA_PROCESSED"
	TypeDataAnalysis  Type = "DATA_ANALYSIS"
	TypeReport        Type = "REPORT"
	TypePlot          Type = "PLOT"
	TypeCode          Type = "CODE"
	TypeImage         Type = "IMAGE"
	TypeDocument      Type = "DOCUMENT"
)

// Valid reports whether t is one of the known artifact types.
func (t Type) Valid() bool {
	switch t {
	case TypeDataFetch, TypeDataProcessed, TypeDataAnalysis, TypeReport,
		TypePlot, TypeCode, TypeImage, TypeDocument:
		return true
	default:
		return false
	}
}

// ID uniquely identifies an artifact.
type ID string

// NewID generates a fresh artifact identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Artifact is an immutable output unit produced by exactly one node.
// Seq is a monotonic global sequence number assigned at creation time,
// not wall clock, so ordering is deterministic for a given trace.
// Attempt numbers the producer's stage attempt that emitted the
// artifact: a replanned or resumed node appends a fresh attempt, and
// visibility queries serve only the newest one per producer.
type Artifact struct {
	ID       ID           `json:"id"`
	Type     Type         `json:"type"`
	Producer graph.NodeID `json:"producer"`
	Payload  string       `json:"payload"`
	Seq      uint64       `json:"seq"`
	Attempt  int          `json:"attempt"`
}
