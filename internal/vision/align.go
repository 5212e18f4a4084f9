package vision

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/visiona/gatenode/internal/models"
)

// TargetSize is the canonical aligned face size expected by the embedding
// model.
const TargetSize = 112

// arcTemplate holds the canonical 5-point landmark positions for a properly
// aligned 112x112 face: left eye, right eye, nose tip, left mouth corner,
// right mouth corner.
var arcTemplate = [5]models.Point{
	{X: 38.2946, Y: 51.6963},
	{X: 73.5318, Y: 51.5014},
	{X: 56.0252, Y: 71.7366},
	{X: 41.5493, Y: 92.3655},
	{X: 70.7299, Y: 92.2041},
}

// Similarity is a 2D similarity transform (uniform scale, rotation,
// translation): x' = a*x - b*y + tx, y' = b*x + a*y + ty.
type Similarity struct {
	A, B, Tx, Ty float64
}

// Apply maps a point through the transform.
func (m Similarity) Apply(p models.Point) models.Point {
	return models.Point{
		X: m.A*p.X - m.B*p.Y + m.Tx,
		Y: m.B*p.X + m.A*p.Y + m.Ty,
	}
}

// Invert returns the inverse transform.
func (m Similarity) Invert() (Similarity, error) {
	s2 := m.A*m.A + m.B*m.B
	if s2 == 0 {
		return Similarity{}, fmt.Errorf("degenerate similarity transform")
	}
	ia := m.A / s2
	ib := -m.B / s2
	return Similarity{
		A:  ia,
		B:  ib,
		Tx: -(ia*m.Tx - ib*m.Ty),
		Ty: -(ib*m.Tx + ia*m.Ty),
	}, nil
}

// EstimateSimilarity computes the least-squares similarity transform
// mapping src landmarks onto dst landmarks.
func EstimateSimilarity(src, dst [5]models.Point) (Similarity, error) {
	n := float64(len(src))

	var sm, dm models.Point
	for i := range src {
		sm.X += src[i].X / n
		sm.Y += src[i].Y / n
		dm.X += dst[i].X / n
		dm.Y += dst[i].Y / n
	}

	var num, cross, denom float64
	for i := range src {
		sx, sy := src[i].X-sm.X, src[i].Y-sm.Y
		dx, dy := dst[i].X-dm.X, dst[i].Y-dm.Y
		num += sx*dx + sy*dy
		cross += sx*dy - sy*dx
		denom += sx*sx + sy*sy
	}
	if denom == 0 {
		return Similarity{}, fmt.Errorf("degenerate landmarks")
	}

	m := Similarity{A: num / denom, B: cross / denom}
	m.Tx = dm.X - (m.A*sm.X - m.B*sm.Y)
	m.Ty = dm.Y - (m.B*sm.X + m.A*sm.Y)
	return m, nil
}

// AlignFace warps the detected face to the canonical 112x112 pose using its
// 5-point landmarks.
func AlignFace(img image.Image, landmarks [5]models.Point) (image.Image, error) {
	m, err := EstimateSimilarity(landmarks, arcTemplate)
	if err != nil {
		return nil, err
	}
	inv, err := m.Invert()
	if err != nil {
		return nil, err
	}

	out := image.NewNRGBA(image.Rect(0, 0, TargetSize, TargetSize))
	bounds := img.Bounds()
	for y := 0; y < TargetSize; y++ {
		for x := 0; x < TargetSize; x++ {
			src := inv.Apply(models.Point{X: float64(x), Y: float64(y)})
			sx := bounds.Min.X + int(math.Round(src.X))
			sy := bounds.Min.Y + int(math.Round(src.Y))
			if sx < bounds.Min.X || sx >= bounds.Max.X || sy < bounds.Min.Y || sy >= bounds.Max.Y {
				out.Set(x, y, color.NRGBA{})
				continue
			}
			out.Set(x, y, img.At(sx, sy))
		}
	}
	return out, nil
}

// CropResize extracts the box from the image and scales it to size x size
// with nearest-neighbor sampling. Used when the deployment is configured to
// assume pre-aligned input.
func CropResize(img image.Image, box models.Rect, size int) image.Image {
	out := image.NewNRGBA(image.Rect(0, 0, size, size))
	bounds := img.Bounds()
	w, h := box.Width(), box.Height()
	if w <= 0 || h <= 0 {
		return out
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx := bounds.Min.X + int(box.X1+(float64(x)+0.5)*w/float64(size))
			sy := bounds.Min.Y + int(box.Y1+(float64(y)+0.5)*h/float64(size))
			if sx < bounds.Min.X || sx >= bounds.Max.X || sy < bounds.Min.Y || sy >= bounds.Max.Y {
				continue
			}
			out.Set(x, y, img.At(sx, sy))
		}
	}
	return out
}
