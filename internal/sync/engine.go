package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/visiona/gatenode/internal/accesslog"
	"github.com/visiona/gatenode/internal/models"
	"github.com/visiona/gatenode/internal/store"
)

// State is the sync engine's connection state.
type State string

const (
	StateOffline    State = "OFFLINE"
	StateConnecting State = "CONNECTING"
	StateSyncing    State = "SYNCING"
	StateIdle       State = "IDLE"
)

// logUploadLimit bounds entries shipped per upload pass.
const logUploadLimit = 50

// Status is a snapshot of the engine for status reporting.
type Status struct {
	State       State
	Version     uint64
	LastSync    time.Time
	LastError   string
	BatchesSeen uint64
}

// Options configures the sync engine.
type Options struct {
	DeviceID string
	// Interval is the idle time between reconcile passes.
	Interval time.Duration
	// ReconnectBackoff is the initial wait after a failed pass; it
	// doubles up to Interval.
	ReconnectBackoff time.Duration
}

// Engine reconciles the identity store with the remote authority and ships
// unsynced access log entries while idle.
type Engine struct {
	client RemoteClient
	store  *store.Store
	log    *accesslog.Logger
	logger *slog.Logger
	opts   Options

	force chan struct{}

	mu     sync.Mutex
	status Status
}

// NewEngine creates a sync engine. The access logger may be nil when log
// upload is disabled.
func NewEngine(client RemoteClient, st *store.Store, log *accesslog.Logger, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	return &Engine{
		client: client,
		store:  st,
		log:    log,
		logger: logger,
		opts:   opts,
		force:  make(chan struct{}, 1),
		status: Status{State: StateOffline, Version: st.Version()},
	}
}

// Run drives the reconcile loop until the context is cancelled. Local
// matching continues uninterrupted regardless of connectivity: this loop
// only ever moves the store forward by whole batches.
func (e *Engine) Run(ctx context.Context) error {
	backoff := e.opts.ReconnectBackoff
	for {
		err := e.SyncOnce(ctx)

		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("sync pass failed", "error", err)
			wait = backoff
			backoff *= 2
			if backoff > e.opts.Interval {
				backoff = e.opts.Interval
			}
		} else {
			wait = e.opts.Interval
			backoff = e.opts.ReconnectBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-e.force:
			t.Stop()
		case <-t.C:
		}
	}
}

// ForceSync triggers an immediate reconcile pass.
func (e *Engine) ForceSync() {
	select {
	case e.force <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.Version = e.store.Version()
	return s
}

func (e *Engine) setState(st State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = st
	if err != nil {
		e.status.LastError = err.Error()
	} else if st == StateIdle {
		e.status.LastError = ""
		e.status.LastSync = time.Now()
	}
}

// SyncOnce performs one full reconcile pass: fetch everything since the
// persisted version, apply batches strictly in order, acknowledge each
// durably applied version, then upload pending access logs.
func (e *Engine) SyncOnce(ctx context.Context) error {
	e.setState(StateConnecting, nil)

	since := e.store.Version()
	batches, err := e.client.FetchUpdates(ctx, since)
	if err != nil {
		e.setState(StateOffline, err)
		return fmt.Errorf("fetch updates: %w", err)
	}

	e.setState(StateSyncing, nil)
	if err := e.applyBatches(ctx, batches); err != nil {
		e.setState(StateOffline, err)
		return err
	}

	if e.log != nil {
		if err := e.uploadLogs(ctx); err != nil {
			// Log upload failing never blocks identity sync.
			e.logger.Warn("access log upload failed", "error", err)
		}
	}

	e.setState(StateIdle, nil)
	return nil
}

// applyBatches applies received batches in ascending version order.
// Duplicates are no-ops; a gap aborts the pass so the missing history is
// re-requested on the next connect. Cancellation is honored between
// batches, never inside one.
func (e *Engine) applyBatches(ctx context.Context, batches []*models.UpdateBatch) error {
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].TargetVersion < batches[j].TargetVersion
	})

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if batch.TargetVersion <= e.store.Version() {
			continue
		}

		if err := e.store.ApplyBatch(batch); err != nil {
			if errors.Is(err, store.ErrOutOfOrder) {
				e.logger.Warn("discarding out-of-order batch",
					"target_version", batch.TargetVersion, "have", e.store.Version())
				return fmt.Errorf("apply batch %d: %w", batch.TargetVersion, err)
			}
			return fmt.Errorf("apply batch %d: %w", batch.TargetVersion, err)
		}

		e.mu.Lock()
		e.status.BatchesSeen++
		e.mu.Unlock()
		e.logger.Info("applied update batch", "version", batch.TargetVersion,
			"upserts", len(batch.Upserts), "deletions", len(batch.Deletions))

		// The batch is durable; the authority may now trim it.
		if err := e.client.Acknowledge(ctx, e.opts.DeviceID, batch.TargetVersion); err != nil {
			return fmt.Errorf("acknowledge batch %d: %w", batch.TargetVersion, err)
		}
	}
	return nil
}

// uploadLogs ships unsynced access log entries and marks them synced once
// the authority accepts them.
func (e *Engine) uploadLogs(ctx context.Context) error {
	for {
		entries, err := e.log.Unsynced(logUploadLimit)
		if err != nil {
			return fmt.Errorf("read unsynced entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		if err := e.client.UploadLogs(ctx, e.opts.DeviceID, entries); err != nil {
			return fmt.Errorf("upload entries: %w", err)
		}

		ids := make([]int64, len(entries))
		for i, en := range entries {
			ids[i] = en.ID
		}
		if err := e.log.MarkSynced(ids); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		if len(entries) < logUploadLimit {
			return nil
		}
	}
}
