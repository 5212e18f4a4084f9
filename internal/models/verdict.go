package models

import "time"

// Classification is the stabilized identity outcome for a track.
type Classification string

const (
	ClassAuthorized Classification = "AUTHORIZED"
	ClassUnknown    Classification = "UNKNOWN"
	ClassWanted     Classification = "WANTED"

	// ClassHidden never appears in a Verdict; it marks access log rows
	// written for occlusion-forced gate closes.
	ClassHidden Classification = "HIDDEN"
)

// GateAction is the command sent to the gate actuator.
type GateAction string

const (
	ActionOpen  GateAction = "OPEN"
	ActionClose GateAction = "CLOSE"
)

// Verdict is the stabilized output of a track, consumed exactly once by the
// decision engine per transition.
type Verdict struct {
	TrackID     uint64
	Class       Classification
	PersonID    string
	DisplayName string
	Confidence  float32
	Box         Rect
	Timestamp   time.Time
}
