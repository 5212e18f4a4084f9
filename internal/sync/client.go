package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/visiona/gatenode/internal/models"
)

// HTTPClient implements RemoteClient over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based remote client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) url(path string) string {
	return c.baseURL + "/api/v1" + path
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	re := &RemoteError{Status: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er); err == nil {
		re.Code = er.Error
		re.Message = er.Message
	}
	return re
}

// FetchUpdates requests all update batches after sinceVersion.
func (c *HTTPClient) FetchUpdates(ctx context.Context, sinceVersion uint64) ([]*models.UpdateBatch, error) {
	url := c.url("/identities/updates?since_version=" + strconv.FormatUint(sinceVersion, 10))
	var resp UpdatesResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch updates since %d: %w", sinceVersion, err)
	}
	return resp.Batches, nil
}

// Acknowledge reports a durably applied version for this device.
func (c *HTTPClient) Acknowledge(ctx context.Context, deviceID string, version uint64) error {
	req := &AckRequest{DeviceID: deviceID, Version: version}
	if err := c.doJSON(ctx, http.MethodPost, c.url("/identities/ack"), req, nil); err != nil {
		return fmt.Errorf("acknowledge version %d: %w", version, err)
	}
	return nil
}

// UploadLogs ships access log entries for central audit.
func (c *HTTPClient) UploadLogs(ctx context.Context, deviceID string, entries []models.AccessEntry) error {
	req := &LogUploadRequest{DeviceID: deviceID, Entries: make([]LogEntry, len(entries))}
	for i, e := range entries {
		req.Entries[i] = LogEntry{
			Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
			TrackID:     e.TrackID,
			PersonID:    e.PersonID,
			Name:        e.Name,
			Class:       string(e.Class),
			Action:      string(e.Action),
			Confidence:  e.Confidence,
			SnapshotRef: e.SnapshotRef,
		}
	}
	if err := c.doJSON(ctx, http.MethodPost, c.url("/access-logs"), req, nil); err != nil {
		return fmt.Errorf("upload %d access logs: %w", len(entries), err)
	}
	return nil
}
