// Package tracker follows faces across consecutive frames and stabilizes
// noisy per-frame match results into identity verdicts.
//
// Each physical face maps to one Track. Detections are associated to tracks
// by IoU; each track runs a small state machine that absorbs single bad
// frames (bounded retries), tolerates short occlusions (hidden sub-state),
// and debounces verdict emission so downstream consumers see exactly one
// verdict per classification change.
package tracker

import (
	"time"

	"github.com/visiona/gatenode/internal/models"
)

// State is the lifecycle state of a track.
type State string

const (
	// StatePending: not enough consistent observations yet.
	StatePending State = "PENDING"
	// StateRecognized: settled on an authorized identity.
	StateRecognized State = "RECOGNIZED"
	// StateUnknown: retry budget exhausted without a confident match.
	StateUnknown State = "UNKNOWN"
	// StateAlerting: settled on a wanted identity.
	StateAlerting State = "ALERTING"
	// StateLost: terminal; the track has been removed.
	StateLost State = "LOST"
)

// Track is one physical face followed across frames. Owned exclusively by
// the Manager for its lifetime.
type Track struct {
	ID        uint64
	Box       models.Rect
	CreatedAt time.Time
	LastSeen  time.Time
	State     State

	// Hidden is set while the face has been undetected long enough that
	// the gate must close, but not long enough to drop the track.
	Hidden bool

	attempts int // failed match attempts while pending
	misses   int // consecutive frames without a detection

	personID   string
	name       string
	class      models.Classification
	confidence float32
	lastEmit   time.Time
}

// Classification returns the current stabilized classification, valid once
// the track has left StatePending.
func (t *Track) Classification() models.Classification { return t.class }

// PersonID returns the matched person, empty for UNKNOWN tracks.
func (t *Track) PersonID() string { return t.personID }

func (t *Track) verdict(now time.Time) models.Verdict {
	return models.Verdict{
		TrackID:     t.ID,
		Class:       t.class,
		PersonID:    t.personID,
		DisplayName: t.name,
		Confidence:  t.confidence,
		Box:         t.Box,
		Timestamp:   now,
	}
}
