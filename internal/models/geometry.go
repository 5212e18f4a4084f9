package models

import "math"

// Point is a 2D image coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned bounding box in pixel coordinates,
// [X1,Y1] top-left to [X2,Y2] bottom-right.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width, clamped to zero.
func (r Rect) Width() float64 {
	if r.X2 < r.X1 {
		return 0
	}
	return r.X2 - r.X1
}

// Height returns the box height, clamped to zero.
func (r Rect) Height() float64 {
	if r.Y2 < r.Y1 {
		return 0
	}
	return r.Y2 - r.Y1
}

// Area returns the box area.
func (r Rect) Area() float64 {
	return r.Width() * r.Height()
}

// IoU returns the intersection-over-union of two boxes, in [0, 1].
func IoU(a, b Rect) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one face found by the detector collaborator in a frame:
// a bounding box, five facial landmarks, and a confidence score.
type Detection struct {
	Box       Rect
	Landmarks [5]Point
	Score     float64
}
