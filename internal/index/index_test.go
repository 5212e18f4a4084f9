package index

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(dim int) Options {
	return Options{Dim: dim, M: 8, EfConstruction: 64, EfSearch: 32, Seed: 1}
}

// randomUnitVectors generates n well-separated random vectors.
func randomVectors(t *testing.T, n, dim int) [][]float32 {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestIndex_ExactMatch(t *testing.T) {
	b := NewBuilder(testOptions(16))
	vecs := randomVectors(t, 50, 16)
	for i, v := range vecs {
		require.NoError(t, b.Add(personID(i), v))
	}
	idx := b.Build(1)

	assert.Equal(t, 50, idx.Len())
	assert.Equal(t, uint64(1), idx.Version())

	// Querying with a stored vector must return it with similarity ~1.
	results, err := idx.Search(vecs[17], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, personID(17), results[0].PersonID)
	assert.InDelta(t, 1.0, float64(results[0].Similarity), 1e-5)
}

func TestIndex_RecallOverRandomSet(t *testing.T) {
	dim := 32
	b := NewBuilder(testOptions(dim))
	vecs := randomVectors(t, 200, dim)
	for i, v := range vecs {
		require.NoError(t, b.Add(personID(i), v))
	}
	idx := b.Build(1)

	hits := 0
	for i, v := range vecs {
		results, err := idx.Search(v, 1)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		if results[0].PersonID == personID(i) {
			hits++
		}
	}
	// Exact self-queries should essentially always be found.
	assert.GreaterOrEqual(t, hits, 195)
}

func TestIndex_OppositeVectorLowSimilarity(t *testing.T) {
	dim := 8
	b := NewBuilder(testOptions(dim))
	v := make([]float32, dim)
	v[0] = 1
	require.NoError(t, b.Add("person-a", v))
	idx := b.Build(1)

	neg := make([]float32, dim)
	neg[0] = -1
	results, err := idx.Search(neg, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, -1.0, float64(results[0].Similarity), 1e-5)
}

func TestIndex_TieBreaksBySmallestPersonID(t *testing.T) {
	dim := 8
	b := NewBuilder(testOptions(dim))
	v := make([]float32, dim)
	v[0] = 1

	// Same embedding enrolled under two ids.
	require.NoError(t, b.Add("person-b", v))
	require.NoError(t, b.Add("person-a", v))
	idx := b.Build(1)

	results, err := idx.Search(v, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "person-a", results[0].PersonID)
	assert.Equal(t, "person-b", results[1].PersonID)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	b := NewBuilder(testOptions(8))
	err := b.Add("person-a", make([]float32, 4))
	assert.ErrorIs(t, err, ErrDimension)

	idx := b.Build(1)
	_, err = idx.Search(make([]float32, 4), 1)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestIndex_EmptySearch(t *testing.T) {
	idx := NewBuilder(testOptions(8)).Build(0)
	results, err := idx.Search(make([]float32, 8), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndex_KLimitsResults(t *testing.T) {
	dim := 16
	b := NewBuilder(testOptions(dim))
	for i, v := range randomVectors(t, 30, dim) {
		require.NoError(t, b.Add(personID(i), v))
	}
	idx := b.Build(1)

	results, err := idx.Search(randomVectors(t, 1, dim)[0], 5)
	require.NoError(t, err)
	assert.Len(t, results, 5)

	// Descending similarity order.
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Similarity, results[i-1].Similarity)
	}
}

func personID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
