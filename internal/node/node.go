// Package node assembles the edge node: perception pipeline, track
// manager, decision engine, identity store, sync engine, and access
// logger, supervised as one unit.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/visiona/gatenode/internal/accesslog"
	"github.com/visiona/gatenode/internal/engine"
	"github.com/visiona/gatenode/internal/store"
	gatesync "github.com/visiona/gatenode/internal/sync"
	"github.com/visiona/gatenode/internal/tracker"
	"github.com/visiona/gatenode/internal/vision"
)

// FrameSource delivers camera frames. Next blocks until a frame is
// available or the context ends; io.EOF or context errors end the run loop.
type FrameSource interface {
	Next(ctx context.Context) (*vision.Frame, error)
}

// Display receives per-frame track snapshots for an optional local UI.
// Render must not block; slow displays drop frames, not decisions.
type Display interface {
	Render(tracks []*tracker.Track)
}

// Options wires a node together.
type Options struct {
	Pipeline *vision.Pipeline
	Tracker  *tracker.Manager
	Engine   *engine.Engine
	Store    *store.Store
	Sync     *gatesync.Engine // nil disables remote sync
	Log      *accesslog.Logger
	Display  Display // nil disables rendering
	Logger   *slog.Logger
	// PersistInterval bounds how long applied but unsnapshotted index
	// state may live only in the record table.
	PersistInterval time.Duration
}

// Node runs the single decision path: frames in, gate actions out.
type Node struct {
	opts   Options
	logger *slog.Logger

	frames chan *vision.Frame
}

// New creates a node from wired components.
func New(opts Options) (*Node, error) {
	if opts.Pipeline == nil || opts.Tracker == nil || opts.Engine == nil {
		return nil, errors.New("node requires pipeline, tracker, and engine")
	}
	if opts.Store == nil || opts.Log == nil {
		return nil, errors.New("node requires identity store and access logger")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 5 * time.Minute
	}
	return &Node{
		opts:   opts,
		logger: opts.Logger,
		// Capacity 1 with drop-newest keeps decision latency bounded
		// when perception falls behind the camera.
		frames: make(chan *vision.Frame, 1),
	}, nil
}

// Run drives the node until the context is cancelled or the frame source
// ends. On return the gate is closed, pending log writes are flushed, and
// the index snapshot is current.
func (n *Node) Run(ctx context.Context, src FrameSource) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.readFrames(ctx, src) })
	g.Go(func() error { return n.processFrames(ctx) })
	g.Go(func() error { return n.persistLoop(ctx) })
	if n.opts.Sync != nil {
		g.Go(func() error {
			err := n.opts.Sync.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if serr := n.shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// readFrames pulls from the source and publishes with drop-newest
// backpressure: when the processor is busy, the incoming frame is dropped
// so the processor always works on the freshest queued frame.
func (n *Node) readFrames(ctx context.Context, src FrameSource) error {
	defer close(n.frames)
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, vision.ErrPerception) {
				n.logger.Warn("frame capture failed", "error", err)
				continue
			}
			return fmt.Errorf("frame source: %w", err)
		}
		select {
		case n.frames <- frame:
		default:
			n.logger.Debug("frame dropped, processor busy", "seq", frame.Seq)
		}
	}
}

// processFrames is the single decision path. Track state is only ever
// touched here, so the tracker needs no locking.
func (n *Node) processFrames(ctx context.Context) error {
	for {
		var frame *vision.Frame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-n.frames:
			if !ok {
				return nil
			}
			frame = f
		}
		n.handleFrame(ctx, frame)
	}
}

func (n *Node) handleFrame(ctx context.Context, frame *vision.Frame) {
	obs, err := n.opts.Pipeline.Process(ctx, frame)
	if err != nil {
		// A skipped frame mutates no tracks; misses only accumulate on
		// frames that processed cleanly.
		n.logger.Warn("frame skipped", "seq", frame.Seq, "error", err)
		return
	}

	out := n.opts.Tracker.Observe(obs)

	for _, v := range out.Verdicts {
		if err := n.opts.Engine.HandleVerdict(ctx, v, frame.SnapshotRef); err != nil {
			n.logger.Error("verdict handling failed", "track_id", v.TrackID, "error", err)
		}
	}
	for _, trackID := range out.ForceClose {
		if err := n.opts.Engine.ForceClose(ctx, trackID, frame.SnapshotRef); err != nil {
			n.logger.Error("forced close failed", "track_id", trackID, "error", err)
		}
	}
	for _, trackID := range out.Lost {
		n.logger.Info("track lost", "track_id", trackID)
	}

	if n.opts.Display != nil {
		n.opts.Display.Render(n.opts.Tracker.Tracks())
	}
}

// persistLoop periodically refreshes the index snapshot so cold starts
// rebuild from disk instead of from the record table.
func (n *Node) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.opts.Store.Persist(); err != nil {
				n.logger.Error("index snapshot refresh failed", "error", err)
			}
		}
	}
}

// shutdown closes the gate, flushes logs, and writes a final snapshot.
func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := n.opts.Engine.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("engine shutdown: %w", err)
	}
	if err := n.opts.Log.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close access log: %w", err)
	}
	if err := n.opts.Store.Persist(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("final snapshot: %w", err)
	}
	n.logger.Info("node stopped")
	return firstErr
}
