package vision

import (
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"
)

// CameraSource pulls JPEG snapshots from an IP camera's still-image
// endpoint at a fixed cadence.
type CameraSource struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	seq        uint64
}

// NewCameraSource creates a snapshot-polling frame source.
func NewCameraSource(url string, interval time.Duration) *CameraSource {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &CameraSource{
		url:        url,
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Next fetches the next frame. Fetch or decode failures are returned as
// errors wrapping ErrPerception so callers can skip the frame and keep
// running.
func (c *CameraSource) Next(ctx context.Context) (*Frame, error) {
	if c.seq > 0 {
		t := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	c.seq++

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: camera fetch: %v", ErrPerception, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: camera returned %d", ErrPerception, resp.StatusCode)
	}

	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", ErrPerception, err)
	}

	now := time.Now()
	return &Frame{
		Seq:         c.seq,
		Timestamp:   now,
		Image:       img,
		SnapshotRef: fmt.Sprintf("frame-%d-%d", now.Unix(), c.seq),
	}, nil
}
