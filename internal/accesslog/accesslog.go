// Package accesslog provides the durable, append-only audit trail of gate
// decisions. Entries are written by a single background goroutine fed
// through a bounded channel, so the decision path never blocks on storage.
package accesslog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/visiona/gatenode/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS access_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	track_id INTEGER NOT NULL,
	person_id TEXT,
	name TEXT,
	class TEXT NOT NULL,
	action TEXT NOT NULL,
	confidence REAL NOT NULL,
	snapshot_ref TEXT,
	synced INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_access_timestamp ON access_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_access_synced ON access_events(synced);
`

const (
	writeAttempts = 3
	writeBackoff  = 100 * time.Millisecond
)

// Logger is the append-only access log.
type Logger struct {
	db      *sql.DB
	logger  *slog.Logger
	entries chan models.AccessEntry
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// New opens (or creates) the access log database at path and starts the
// writer goroutine.
func New(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize access log schema: %w", err)
	}

	l := &Logger{
		db:      db,
		logger:  logger,
		entries: make(chan models.AccessEntry, 256),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Append queues an entry for durable write. It never blocks the decision
// path: if the queue is full the entry is dropped and logged as a fault.
func (l *Logger) Append(e models.AccessEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case l.entries <- e:
	default:
		l.logger.Error("access log queue full, entry dropped",
			"track_id", e.TrackID, "class", e.Class, "action", e.Action)
	}
}

// Close drains pending entries and closes the database.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.entries)
	})
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for e := range l.entries {
		if err := l.write(e); err != nil {
			l.logger.Error("access log write failed", "error", err, "track_id", e.TrackID)
		}
	}
}

// write inserts one entry, retrying transient failures with backoff.
func (l *Logger) write(e models.AccessEntry) error {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeBackoff << (attempt - 1))
		}
		_, err = l.db.Exec(`
			INSERT INTO access_events
				(timestamp, track_id, person_id, name, class, action, confidence, snapshot_ref, synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			int64(e.TrackID), e.PersonID, e.Name,
			string(e.Class), string(e.Action), e.Confidence, e.SnapshotRef,
		)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("insert access entry (after %d attempts): %w", writeAttempts, err)
}

// Recent returns the newest entries, newest first.
func (l *Logger) Recent(limit int) ([]models.AccessEntry, error) {
	rows, err := l.db.Query(`
		SELECT id, timestamp, track_id, person_id, name, class, action, confidence, snapshot_ref, synced
		FROM access_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Unsynced returns the oldest entries not yet uploaded to the remote
// authority.
func (l *Logger) Unsynced(limit int) ([]models.AccessEntry, error) {
	rows, err := l.db.Query(`
		SELECT id, timestamp, track_id, person_id, name, class, action, confidence, snapshot_ref, synced
		FROM access_events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkSynced flags uploaded entries. The rows themselves stay immutable;
// only the sync bookkeeping bit changes.
func (l *Logger) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := l.db.Exec(
		"UPDATE access_events SET synced = 1 WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("mark entries synced: %w", err)
	}
	return nil
}

// Count returns the total number of entries.
func (l *Logger) Count() (int, error) {
	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM access_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count access entries: %w", err)
	}
	return n, nil
}

// UnsyncedCount returns the number of entries not yet uploaded.
func (l *Logger) UnsyncedCount() (int, error) {
	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM access_events WHERE synced = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsynced entries: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]models.AccessEntry, error) {
	var out []models.AccessEntry
	for rows.Next() {
		var e models.AccessEntry
		var ts string
		var trackID int64
		var synced int
		if err := rows.Scan(&e.ID, &ts, &trackID, &e.PersonID, &e.Name,
			&e.Class, &e.Action, &e.Confidence, &e.SnapshotRef, &synced); err != nil {
			return nil, fmt.Errorf("scan access entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse entry timestamp: %w", err)
		}
		e.Timestamp = parsed
		e.TrackID = uint64(trackID)
		e.Synced = synced != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
