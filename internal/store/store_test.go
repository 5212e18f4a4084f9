package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiona/gatenode/internal/index"
	"github.com/visiona/gatenode/internal/models"
)

const testDim = 8

func testStoreOptions() Options {
	return Options{
		AcceptThreshold: 0.5,
		Index:           index.Options{Dim: testDim, M: 8, EfConstruction: 64, EfSearch: 32, Seed: 1},
	}
}

// newTestStore creates a store in a temp directory for testing.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(dir, testStoreOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, dir
}

// embedding builds a unit test vector pointing along one axis.
func embedding(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = 1
	return v
}

func person(id, name string, status models.Status, axes ...int) *models.PersonRecord {
	embs := make([][]float32, len(axes))
	for i, a := range axes {
		embs[i] = embedding(a)
	}
	return &models.PersonRecord{
		PersonID:    id,
		DisplayName: name,
		Status:      status,
		Embeddings:  embs,
	}
}

func TestStore_OpenEmpty(t *testing.T) {
	st, _ := newTestStore(t)

	assert.Equal(t, uint64(0), st.Version())
	_, ok := st.Match(embedding(0))
	assert.False(t, ok)
}

func TestStore_ApplyBatchAndMatch(t *testing.T) {
	st, _ := newTestStore(t)

	err := st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts: []*models.PersonRecord{
			person("alice", "Alice", models.StatusAuthorized, 0),
			person("mallory", "Mallory", models.StatusWanted, 1),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version())

	res, ok := st.Match(embedding(0))
	require.True(t, ok)
	assert.Equal(t, "alice", res.PersonID)
	assert.Equal(t, "Alice", res.DisplayName)
	assert.Equal(t, models.StatusAuthorized, res.Status)
	assert.InDelta(t, 1.0, float64(res.Similarity), 1e-5)

	res, ok = st.Match(embedding(1))
	require.True(t, ok)
	assert.Equal(t, "mallory", res.PersonID)
	assert.Equal(t, models.StatusWanted, res.Status)
}

func TestStore_MatchBelowThreshold(t *testing.T) {
	st, _ := newTestStore(t)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	}))

	// Orthogonal query: similarity 0, below the 0.5 threshold.
	_, ok := st.Match(embedding(1))
	assert.False(t, ok)
}

func TestStore_ApplyBatchIdempotent(t *testing.T) {
	st, _ := newTestStore(t)

	batch := &models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	}
	require.NoError(t, st.ApplyBatch(batch))
	require.NoError(t, st.ApplyBatch(batch))

	assert.Equal(t, uint64(1), st.Version())
	assert.Equal(t, 1, st.Stats().Persons)
}

func TestStore_ApplyBatchOutOfOrder(t *testing.T) {
	st, _ := newTestStore(t)

	err := st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 3,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, uint64(0), st.Version())
	_, ok := st.Match(embedding(0))
	assert.False(t, ok)
}

func TestStore_ApplyBatchDeletion(t *testing.T) {
	st, _ := newTestStore(t)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts: []*models.PersonRecord{
			person("alice", "Alice", models.StatusAuthorized, 0),
			person("bob", "Bob", models.StatusAuthorized, 1),
		},
	}))
	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 2,
		Deletions:     []string{"alice"},
	}))

	assert.Equal(t, uint64(2), st.Version())
	_, ok := st.Match(embedding(0))
	assert.False(t, ok)
	res, ok := st.Match(embedding(1))
	require.True(t, ok)
	assert.Equal(t, "bob", res.PersonID)
}

func TestStore_ApplyBatchBadDimension(t *testing.T) {
	st, _ := newTestStore(t)

	rec := &models.PersonRecord{
		PersonID:    "alice",
		DisplayName: "Alice",
		Status:      models.StatusAuthorized,
		Embeddings:  [][]float32{make([]float32, testDim+1)},
	}
	err := st.ApplyBatch(&models.UpdateBatch{TargetVersion: 1, Upserts: []*models.PersonRecord{rec}})
	assert.ErrorIs(t, err, models.ErrInvalidVector)
	assert.Equal(t, uint64(0), st.Version())
}

func TestStore_ReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, testStoreOptions())
	require.NoError(t, err)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0, 2)},
	}))
	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 2,
		Upserts:       []*models.PersonRecord{person("mallory", "Mallory", models.StatusWanted, 1)},
	}))
	require.NoError(t, st.Close())

	st, err = Open(dir, testStoreOptions())
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, uint64(2), st.Version())
	stats := st.Stats()
	assert.Equal(t, 2, stats.Persons)
	assert.Equal(t, 3, stats.Embeddings)

	res, ok := st.Match(embedding(2))
	require.True(t, ok)
	assert.Equal(t, "alice", res.PersonID)
}

func TestStore_MissingSnapshotRebuildsFromRecords(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, testStoreOptions())
	require.NoError(t, err)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	}))
	require.NoError(t, st.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "faces.index")))

	st, err = Open(dir, testStoreOptions())
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, uint64(1), st.Version())
	res, ok := st.Match(embedding(0))
	require.True(t, ok)
	assert.Equal(t, "alice", res.PersonID)
}

func TestStore_CorruptSnapshotIsFatal(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, testStoreOptions())
	require.NoError(t, err)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	}))
	require.NoError(t, st.Close())

	snapshotPath := filepath.Join(dir, "faces.index")
	data, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(snapshotPath, data, 0600))

	_, err = Open(dir, testStoreOptions())
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_StaleSnapshotRebuilds(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, testStoreOptions())
	require.NoError(t, err)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	}))

	// Keep the version-1 snapshot, then advance the record table past it.
	stale, err := os.ReadFile(filepath.Join(dir, "faces.index"))
	require.NoError(t, err)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 2,
		Upserts:       []*models.PersonRecord{person("bob", "Bob", models.StatusAuthorized, 1)},
	}))
	require.NoError(t, st.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "faces.index"), stale, 0600))

	// The record table is authoritative; the stale snapshot is rebuilt.
	st, err = Open(dir, testStoreOptions())
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, uint64(2), st.Version())
	res, ok := st.Match(embedding(1))
	require.True(t, ok)
	assert.Equal(t, "bob", res.PersonID)
}

func TestStore_UpsertReplacesEmbeddings(t *testing.T) {
	st, _ := newTestStore(t)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts:       []*models.PersonRecord{person("alice", "Alice", models.StatusAuthorized, 0)},
	}))
	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 2,
		Upserts:       []*models.PersonRecord{person("alice", "Alice B.", models.StatusWanted, 3)},
	}))

	res, ok := st.Match(embedding(3))
	require.True(t, ok)
	assert.Equal(t, "Alice B.", res.DisplayName)
	assert.Equal(t, models.StatusWanted, res.Status)

	// The old enrollment no longer matches.
	_, ok = st.Match(embedding(0))
	assert.False(t, ok)
}

func TestStore_Stats(t *testing.T) {
	st, _ := newTestStore(t)

	require.NoError(t, st.ApplyBatch(&models.UpdateBatch{
		TargetVersion: 1,
		Upserts: []*models.PersonRecord{
			person("alice", "Alice", models.StatusAuthorized, 0, 2),
			person("bob", "Bob", models.StatusAuthorized, 1),
			person("mallory", "Mallory", models.StatusWanted, 3),
		},
	}))

	stats := st.Stats()
	assert.Equal(t, uint64(1), stats.Version)
	assert.Equal(t, 3, stats.Persons)
	assert.Equal(t, 4, stats.Embeddings)
	assert.Equal(t, 2, stats.StatusCounts[models.StatusAuthorized])
	assert.Equal(t, 1, stats.StatusCounts[models.StatusWanted])
}
