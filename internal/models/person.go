// Package models defines the core data structures shared across the gate
// node: person records, detections, tracks, verdicts, update batches, and
// access log entries.
package models

import "time"

// EmbeddingDim is the fixed dimensionality of face embeddings produced by
// the recognition model.
const EmbeddingDim = 512

// Status classifies a person in the identity database.
type Status string

const (
	StatusAuthorized Status = "AUTHORIZED"
	StatusWanted     Status = "WANTED"
)

// PersonRecord is one identity in the local store. A person may carry
// multiple enrollment embeddings; matching runs against the union.
type PersonRecord struct {
	PersonID    string      `json:"person_id"`
	DisplayName string      `json:"display_name"`
	Status      Status      `json:"status"`
	Embeddings  [][]float32 `json:"embeddings"`
	Version     uint64      `json:"version"`
}

// UpdateBatch is one atomic unit of remote identity-database change.
// Batches are applied strictly in ascending TargetVersion order, never
// skipped, never reordered.
type UpdateBatch struct {
	TargetVersion uint64          `json:"target_version"`
	Upserts       []*PersonRecord `json:"upserts"`
	Deletions     []string        `json:"deletions"`
}

// MatchResult is the outcome of an identity lookup that cleared the
// acceptance threshold.
type MatchResult struct {
	PersonID    string
	DisplayName string
	Status      Status
	Similarity  float32
}

// AccessEntry is one append-only audit record. Immutable once written.
type AccessEntry struct {
	ID          int64
	Timestamp   time.Time
	TrackID     uint64
	PersonID    string
	Name        string
	Class       Classification
	Action      GateAction
	Confidence  float32
	SnapshotRef string
	Synced      bool
}
