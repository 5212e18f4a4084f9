package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/visiona/gatenode/internal/models"
)

// InferenceClient talks to a local model-inference sidecar over HTTP. The
// sidecar owns the detector and embedding models; this client only moves
// pixels in and boxes/vectors out.
type InferenceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewInferenceClient creates a client for the inference sidecar.
func NewInferenceClient(baseURL string, timeout time.Duration) *InferenceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InferenceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type detectResponse struct {
	Detections []struct {
		Box       models.Rect     `json:"box"`
		Landmarks [5]models.Point `json:"landmarks"`
		Score     float64         `json:"score"`
	} `json:"detections"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Detect implements Detector.
func (c *InferenceClient) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	var resp detectResponse
	if err := c.postImage(ctx, "/v1/detect", img, &resp); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	out := make([]models.Detection, len(resp.Detections))
	for i, d := range resp.Detections {
		out[i] = models.Detection{Box: d.Box, Landmarks: d.Landmarks, Score: d.Score}
	}
	return out, nil
}

// Embed implements Embedder.
func (c *InferenceClient) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	var resp embedResponse
	if err := c.postImage(ctx, "/v1/embed", face, &resp); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return resp.Embedding, nil
}

func (c *InferenceClient) postImage(ctx context.Context, path string, img image.Image, respBody any) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference sidecar returned %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
