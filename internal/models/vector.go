package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidVector = errors.New("invalid vector format")
)

// VectorToBytes converts an embedding to raw binary float32 bytes
// (little-endian).
func VectorToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BytesToVector converts raw binary bytes back to []float32.
func BytesToVector(data []byte, dimensions int) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}

	expectedLen := dimensions * 4
	if len(data) != expectedLen {
		return nil, fmt.Errorf("%w: expected %d bytes for %d dimensions, got %d",
			ErrInvalidVector, expectedLen, dimensions, len(data))
	}

	floats := make([]float32, dimensions)
	for i := 0; i < dimensions; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		floats[i] = math.Float32frombits(bits)
	}

	return floats, nil
}

// HashVector computes SHA256 of vector bytes and returns the hex string.
func HashVector(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Normalize returns a unit-length copy of v. The embedder collaborator does
// not normalize its output; the store normalizes before comparison.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// Dot returns the dot product of two vectors. For unit vectors this equals
// the cosine similarity.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// CosineSimilarity normalizes both inputs and returns their cosine
// similarity in [-1, 1].
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: dimension mismatch %d != %d", ErrInvalidVector, len(a), len(b))
	}
	return Dot(Normalize(a), Normalize(b)), nil
}
