// Package sync reconciles the local identity store with the remote
// authority: incremental, versioned, acknowledged update batches, queued
// and replayed across connectivity loss.
package sync

import (
	"context"
	"fmt"

	"github.com/visiona/gatenode/internal/models"
)

// UpdatesResponse carries all update batches newer than the requested
// version, in ascending target version order.
type UpdatesResponse struct {
	Batches []*models.UpdateBatch `json:"batches"`
}

// AckRequest confirms a durably applied version for this device.
type AckRequest struct {
	DeviceID string `json:"device_id"`
	Version  uint64 `json:"version"`
}

// LogUploadRequest ships unsynced access log entries to the authority.
type LogUploadRequest struct {
	DeviceID string     `json:"device_id"`
	Entries  []LogEntry `json:"entries"`
}

// LogEntry is the wire form of one access log row.
type LogEntry struct {
	Timestamp   string  `json:"timestamp"`
	TrackID     uint64  `json:"track_id"`
	PersonID    string  `json:"person_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Class       string  `json:"classification"`
	Action      string  `json:"action"`
	Confidence  float32 `json:"confidence"`
	SnapshotRef string  `json:"snapshot_ref,omitempty"`
}

// ErrorResponse is the structured error format returned by the authority.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RemoteError is a non-2xx response from the authority.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote authority returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote authority returned %d", e.Status)
}

// RemoteClient is the contract for communicating with the remote authority.
type RemoteClient interface {
	// FetchUpdates requests every update batch after sinceVersion.
	FetchUpdates(ctx context.Context, sinceVersion uint64) ([]*models.UpdateBatch, error)
	// Acknowledge reports a durably applied version.
	Acknowledge(ctx context.Context, deviceID string, version uint64) error
	// UploadLogs ships access log entries for central audit.
	UploadLogs(ctx context.Context, deviceID string, entries []models.AccessEntry) error
}
