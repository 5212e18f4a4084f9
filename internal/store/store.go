// Package store implements the identity store: a bbolt-backed record table
// with a monotonic version counter, paired with an immutable ANN index
// generation published through an atomic pointer.
//
// Readers (the perception path) call Match without taking locks and always
// observe a complete generation. Writers (the sync engine) apply update
// batches one at a time; the version counter only advances after the index
// snapshot and record table for that version are durably written.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/visiona/gatenode/internal/index"
	"github.com/visiona/gatenode/internal/models"
)

var (
	bucketPersons  = []byte("persons")
	bucketCounters = []byte("counters")
)

var keyVersion = []byte("index_version")

var (
	// ErrOutOfOrder is returned when a batch would skip ahead of the
	// locally applied version. The caller must re-request history.
	ErrOutOfOrder = errors.New("update batch out of order")
	// ErrCorrupted is returned when persisted state fails validation at
	// startup. The node refuses to start rather than match against a
	// partial database.
	ErrCorrupted = errors.New("identity store corrupted")
)

const (
	dbFile        = "identity.db"
	indexFile     = "faces.index"
	indexTempFile = "faces.index.tmp"
)

// generation is one consistent snapshot of the store: the ANN index and the
// person records it was built from. Both are immutable once published.
type generation struct {
	idx     *index.Index
	persons map[string]*models.PersonRecord
	version uint64
}

// Store is the local identity database.
type Store struct {
	db        *bolt.DB
	dir       string
	opts      index.Options
	threshold float32

	mu  sync.Mutex // serializes batch application and persistence
	gen atomic.Pointer[generation]
}

// Options configures the store.
type Options struct {
	// AcceptThreshold is the minimum cosine similarity for Match to
	// report an identity. Below it, the query is treated as UNKNOWN.
	AcceptThreshold float32
	Index           index.Options
}

// DefaultOptions returns the store defaults.
func DefaultOptions() Options {
	return Options{
		AcceptThreshold: 0.5,
		Index:           index.DefaultOptions(),
	}
}

// Open opens or creates the identity store in dir and loads the last
// durably applied generation. A snapshot that fails checksum validation is
// fatal: Open returns an error wrapping ErrCorrupted.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, dbFile), 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open identity database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPersons, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		dir:       dir,
		opts:      opts.Index,
		threshold: opts.AcceptThreshold,
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// load reads the record table and version, then restores the index
// snapshot. A missing snapshot or one from a different version (crash
// between snapshot write and record commit) is rebuilt from records; a
// corrupt snapshot is fatal.
func (s *Store) load() error {
	persons, version, err := s.readAll()
	if err != nil {
		return fmt.Errorf("%w: read record table: %v", ErrCorrupted, err)
	}

	snapshotPath := filepath.Join(s.dir, indexFile)
	data, err := os.ReadFile(snapshotPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if len(persons) > 0 || version > 0 {
			return s.rebuild(persons, version)
		}
		return s.rebuild(nil, 0)
	case err != nil:
		return fmt.Errorf("%w: read index snapshot: %v", ErrCorrupted, err)
	}

	idx, err := index.UnmarshalBinary(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if idx.Version() != version {
		// Snapshot and record table disagree; records are authoritative.
		return s.rebuild(persons, version)
	}

	s.gen.Store(&generation{idx: idx, persons: persons, version: version})
	return nil
}

// rebuild constructs a fresh index generation from the given records and
// persists its snapshot.
func (s *Store) rebuild(persons map[string]*models.PersonRecord, version uint64) error {
	idx, err := s.buildIndex(persons, version)
	if err != nil {
		return err
	}
	if err := s.writeSnapshot(idx); err != nil {
		return err
	}
	s.gen.Store(&generation{idx: idx, persons: persons, version: version})
	return nil
}

func (s *Store) buildIndex(persons map[string]*models.PersonRecord, version uint64) (*index.Index, error) {
	// Insert in sorted person order so generations are reproducible.
	ids := make([]string, 0, len(persons))
	for id := range persons {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b := index.NewBuilder(s.opts)
	for _, id := range ids {
		for _, emb := range persons[id].Embeddings {
			if err := b.Add(id, emb); err != nil {
				return nil, fmt.Errorf("index person %s: %w", id, err)
			}
		}
	}
	return b.Build(version), nil
}

// writeSnapshot persists the index blob atomically: write to a temp file,
// fsync, then rename over the live snapshot.
func (s *Store) writeSnapshot(idx *index.Index) error {
	data, err := idx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal index snapshot: %w", err)
	}

	tmpPath := filepath.Join(s.dir, indexTempFile)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, indexFile)); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// readAll loads the full record table and the version counter.
func (s *Store) readAll() (map[string]*models.PersonRecord, uint64, error) {
	persons := make(map[string]*models.PersonRecord)
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCounters).Get(keyVersion); v != nil {
			parsed, err := strconv.ParseUint(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("parse version counter: %w", err)
			}
			version = parsed
		}
		return tx.Bucket(bucketPersons).ForEach(func(k, v []byte) error {
			rec := &models.PersonRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode person %s: %w", k, err)
			}
			persons[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return persons, version, nil
}

// Version returns the last fully applied update batch version.
func (s *Store) Version() uint64 {
	return s.gen.Load().version
}

// Match queries the index for the closest stored embedding. It reports a
// result only when cosine similarity clears the acceptance threshold;
// otherwise the caller treats the face as UNKNOWN. Match is a pure read and
// safe to call concurrently with batch application.
func (s *Store) Match(embedding []float32) (models.MatchResult, bool) {
	g := s.gen.Load()
	if g.idx.Len() == 0 {
		return models.MatchResult{}, false
	}

	// A person can have several enrollment embeddings; fetch a few
	// neighbors so the best distinct person wins.
	results, err := g.idx.Search(embedding, 8)
	if err != nil || len(results) == 0 {
		return models.MatchResult{}, false
	}

	best := results[0]
	if best.Similarity < s.threshold {
		return models.MatchResult{}, false
	}
	rec, ok := g.persons[best.PersonID]
	if !ok {
		return models.MatchResult{}, false
	}
	return models.MatchResult{
		PersonID:    rec.PersonID,
		DisplayName: rec.DisplayName,
		Status:      rec.Status,
		Similarity:  best.Similarity,
	}, true
}

// ApplyBatch applies one remote update batch. Batches at or below the
// current version are no-ops (idempotent); a batch that would skip a
// version returns ErrOutOfOrder. On success the new generation is durable
// and published before ApplyBatch returns.
func (s *Store) ApplyBatch(batch *models.UpdateBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.gen.Load()
	switch {
	case batch.TargetVersion <= cur.version:
		return nil
	case batch.TargetVersion != cur.version+1:
		return fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, cur.version, batch.TargetVersion)
	}

	next := make(map[string]*models.PersonRecord, len(cur.persons)+len(batch.Upserts))
	for id, rec := range cur.persons {
		next[id] = rec
	}
	for _, rec := range batch.Upserts {
		for _, emb := range rec.Embeddings {
			if len(emb) != s.opts.Dim {
				return fmt.Errorf("person %s: %w: got %d dimensions, want %d",
					rec.PersonID, models.ErrInvalidVector, len(emb), s.opts.Dim)
			}
		}
		clone := *rec
		clone.Version = batch.TargetVersion
		next[rec.PersonID] = &clone
	}
	for _, id := range batch.Deletions {
		delete(next, id)
	}

	idx, err := s.buildIndex(next, batch.TargetVersion)
	if err != nil {
		return err
	}

	// Snapshot first. If we crash before the record commit below, load()
	// sees a version mismatch and rebuilds from the record table.
	if err := s.writeSnapshot(idx); err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPersons)
		for _, rec := range batch.Upserts {
			data, err := json.Marshal(next[rec.PersonID])
			if err != nil {
				return fmt.Errorf("encode person %s: %w", rec.PersonID, err)
			}
			if err := pb.Put([]byte(rec.PersonID), data); err != nil {
				return fmt.Errorf("store person %s: %w", rec.PersonID, err)
			}
		}
		for _, id := range batch.Deletions {
			if err := pb.Delete([]byte(id)); err != nil {
				return fmt.Errorf("delete person %s: %w", id, err)
			}
		}
		return tx.Bucket(bucketCounters).Put(keyVersion, []byte(strconv.FormatUint(batch.TargetVersion, 10)))
	})
	if err != nil {
		return fmt.Errorf("commit batch %d: %w", batch.TargetVersion, err)
	}

	s.gen.Store(&generation{idx: idx, persons: next, version: batch.TargetVersion})
	return nil
}

// Persist writes the current index snapshot to disk. Batch application
// already persists after every applied batch; this exists for clean
// shutdown after a rebuild.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot(s.gen.Load().idx)
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Version      uint64
	Persons      int
	Embeddings   int
	StatusCounts map[models.Status]int
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	g := s.gen.Load()
	st := Stats{
		Version:      g.version,
		Persons:      len(g.persons),
		StatusCounts: make(map[models.Status]int),
	}
	for _, rec := range g.persons {
		st.Embeddings += len(rec.Embeddings)
		st.StatusCounts[rec.Status]++
	}
	return st
}
