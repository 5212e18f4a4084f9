// Package vision implements the per-frame perception pipeline: detection,
// geometric alignment to the canonical pose, and embedding extraction.
//
// The face detector and the embedding model are external collaborators.
// They are consumed behind small interfaces so the pipeline does not care
// whether inference runs in-process or in a sidecar.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/visiona/gatenode/internal/models"
)

// ErrPerception marks non-fatal per-frame failures: a bad frame or a
// collaborator error. The frame is skipped and logged; no track is mutated.
var ErrPerception = errors.New("perception failure")

// Frame is one camera image entering the pipeline.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
	// SnapshotRef identifies the frame snapshot kept by the capture
	// collaborator, recorded in access log entries for audit.
	SnapshotRef string
}

// Detector finds faces in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, img image.Image) ([]models.Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	return f(ctx, img)
}

// Embedder produces a fixed-length embedding for an aligned face image.
// Output is not normalized; the identity store normalizes before comparison.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, face image.Image) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	return f(ctx, face)
}

// Observation is one detected face with its embedding, ready for track
// association.
type Observation struct {
	Box       models.Rect
	Score     float64
	Embedding []float32
}

// Pipeline turns frames into observations.
type Pipeline struct {
	det        Detector
	emb        Embedder
	preAligned bool
}

// NewPipeline creates a pipeline. When preAligned is set the deployment
// guarantees the detector output is already in the canonical pose and the
// landmark alignment step is skipped (faces are only cropped and scaled).
func NewPipeline(det Detector, emb Embedder, preAligned bool) *Pipeline {
	return &Pipeline{det: det, emb: emb, preAligned: preAligned}
}

// Process runs detection, alignment, and embedding for one frame. Any
// collaborator error or malformed output aborts the whole frame with an
// error wrapping ErrPerception; partial observations are never returned.
func (p *Pipeline) Process(ctx context.Context, frame *Frame) ([]Observation, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("%w: empty frame", ErrPerception)
	}

	detections, err := p.det.Detect(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: detector: %v", ErrPerception, err)
	}
	if len(detections) == 0 {
		return nil, nil
	}

	out := make([]Observation, 0, len(detections))
	for _, det := range detections {
		var face image.Image
		if p.preAligned {
			face = CropResize(frame.Image, det.Box, TargetSize)
		} else {
			face, err = AlignFace(frame.Image, det.Landmarks)
			if err != nil {
				return nil, fmt.Errorf("%w: align face at %+v: %v", ErrPerception, det.Box, err)
			}
		}

		emb, err := p.emb.Embed(ctx, face)
		if err != nil {
			return nil, fmt.Errorf("%w: embedder: %v", ErrPerception, err)
		}
		if len(emb) != models.EmbeddingDim {
			return nil, fmt.Errorf("%w: embedder returned %d dimensions, want %d",
				ErrPerception, len(emb), models.EmbeddingDim)
		}

		out = append(out, Observation{Box: det.Box, Score: det.Score, Embedding: emb})
	}
	return out, nil
}
