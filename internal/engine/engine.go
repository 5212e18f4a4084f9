// Package engine maps stabilized verdicts to gate actuation commands and
// alert events. It owns the actuator interface: every verdict results in
// exactly one actuation attempt, one access log entry, and at most one
// alert.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/gatenode/internal/accesslog"
	"github.com/visiona/gatenode/internal/models"
)

// GateState is the command accepted by the physical gate actuator.
type GateState string

const (
	GateOpen   GateState = "OPEN"
	GateClosed GateState = "CLOSED"
)

// Actuator drives the physical gate. Set must respect the context deadline;
// a timeout is treated as an actuation fault.
type Actuator interface {
	Set(ctx context.Context, state GateState) error
}

// ErrActuationFault is returned when the gate failed to respond after the
// bounded retry budget. The engine has already forced a fail-safe CLOSE by
// the time this surfaces.
var ErrActuationFault = errors.New("gate actuation fault")

// Alert is published for UNKNOWN and WANTED verdicts.
type Alert struct {
	Verdict models.Verdict
	Reason  string
}

// Decision is the pure mapping of a classification to gate behavior.
type Decision struct {
	Action models.GateAction
	Alert  bool
}

// Decide maps a classification to its decision:
//
//	AUTHORIZED -> OPEN, no alert
//	UNKNOWN    -> CLOSE, alert
//	WANTED     -> OPEN, alert
//
// WANTED opening the gate is the documented controlled-capture posture of
// this deployment, not a fallback default.
func Decide(class models.Classification) Decision {
	switch class {
	case models.ClassAuthorized:
		return Decision{Action: models.ActionOpen}
	case models.ClassWanted:
		return Decision{Action: models.ActionOpen, Alert: true}
	default:
		return Decision{Action: models.ActionClose, Alert: true}
	}
}

// Options configures actuation behavior.
type Options struct {
	// ActuationTimeout bounds each Set call.
	ActuationTimeout time.Duration
	// ActuationRetries bounds retry attempts before surfacing a fault.
	ActuationRetries int
	// OpenDuration is how long the gate stays open before auto-closing.
	OpenDuration time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		ActuationTimeout: 2 * time.Second,
		ActuationRetries: 3,
		OpenDuration:     5 * time.Second,
	}
}

// Engine is the decision engine and gate controller.
type Engine struct {
	act    Actuator
	log    *accesslog.Logger
	alerts chan<- Alert
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	closeTimer *time.Timer
	isOpen     bool
}

// New creates the engine. The alerts channel may be nil when no alert
// consumer is attached; sends never block.
func New(act Actuator, log *accesslog.Logger, alerts chan<- Alert, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ActuationTimeout <= 0 {
		opts.ActuationTimeout = 2 * time.Second
	}
	if opts.ActuationRetries <= 0 {
		opts.ActuationRetries = 3
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 5 * time.Second
	}
	return &Engine{act: act, log: log, alerts: alerts, logger: logger, opts: opts}
}

// HandleVerdict consumes one verdict: actuates the gate, writes one access
// log entry, and publishes at most one alert.
func (e *Engine) HandleVerdict(ctx context.Context, v models.Verdict, snapshotRef string) error {
	d := Decide(v.Class)

	actErr := e.actuate(ctx, d.Action)

	action := d.Action
	if actErr != nil && action == models.ActionOpen {
		// The fail-safe close already ran; record what actually happened.
		action = models.ActionClose
	}

	e.log.Append(models.AccessEntry{
		Timestamp:   v.Timestamp,
		TrackID:     v.TrackID,
		PersonID:    v.PersonID,
		Name:        v.DisplayName,
		Class:       v.Class,
		Action:      action,
		Confidence:  v.Confidence,
		SnapshotRef: snapshotRef,
	})

	if d.Alert {
		e.publishAlert(Alert{Verdict: v, Reason: alertReason(v)})
	}

	switch v.Class {
	case models.ClassAuthorized:
		e.logger.Info("access granted", "track_id", v.TrackID, "person", v.DisplayName, "confidence", v.Confidence)
	case models.ClassWanted:
		e.logger.Warn("wanted individual detected, gate opened for capture",
			"track_id", v.TrackID, "person", v.DisplayName, "confidence", v.Confidence)
	default:
		e.logger.Info("access denied", "track_id", v.TrackID, "confidence", v.Confidence)
	}

	return actErr
}

// ForceClose closes the gate for a track whose face has been hidden past
// the occlusion tolerance, overriding any stale OPEN.
func (e *Engine) ForceClose(ctx context.Context, trackID uint64, snapshotRef string) error {
	err := e.actuate(ctx, models.ActionClose)
	e.log.Append(models.AccessEntry{
		Timestamp:   time.Now(),
		TrackID:     trackID,
		Class:       models.ClassHidden,
		Action:      models.ActionClose,
		SnapshotRef: snapshotRef,
	})
	return err
}

// actuate drives the gate with bounded retries. On exhausted retries for an
// OPEN it forces a single fail-safe CLOSE attempt before returning
// ErrActuationFault.
func (e *Engine) actuate(ctx context.Context, action models.GateAction) error {
	target := GateClosed
	if action == models.ActionOpen {
		target = GateOpen
	}

	var lastErr error
	for attempt := 0; attempt < e.opts.ActuationRetries; attempt++ {
		lastErr = e.set(ctx, target)
		if lastErr == nil {
			e.applied(target)
			return nil
		}
		e.logger.Warn("gate actuation attempt failed",
			"attempt", attempt+1, "target", target, "error", lastErr)
	}

	e.logger.Error("gate actuation failed after retries", "target", target, "error", lastErr)
	if target == GateOpen {
		if err := e.set(ctx, GateClosed); err == nil {
			e.applied(GateClosed)
		}
	}
	return fmt.Errorf("%w: set %s: %v", ErrActuationFault, target, lastErr)
}

// set performs one actuation attempt under the configured timeout.
func (e *Engine) set(ctx context.Context, target GateState) error {
	actCtx, cancel := context.WithTimeout(ctx, e.opts.ActuationTimeout)
	defer cancel()
	return e.act.Set(actCtx, target)
}

// applied records the new gate state and manages the auto-close timer.
func (e *Engine) applied(target GateState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}

	e.isOpen = target == GateOpen
	if !e.isOpen {
		return
	}

	e.closeTimer = time.AfterFunc(e.opts.OpenDuration, e.autoClose)
}

func (e *Engine) autoClose() {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ActuationTimeout)
	defer cancel()
	if err := e.act.Set(ctx, GateClosed); err != nil {
		e.logger.Error("gate auto-close failed", "error", err)
		return
	}
	e.mu.Lock()
	e.isOpen = false
	e.closeTimer = nil
	e.mu.Unlock()
	e.logger.Info("gate auto-closed")
}

// IsOpen reports the last applied gate state.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isOpen
}

// Shutdown cancels the auto-close timer and leaves the gate closed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
	open := e.isOpen
	e.mu.Unlock()

	if !open {
		return nil
	}
	if err := e.set(ctx, GateClosed); err != nil {
		return fmt.Errorf("close gate on shutdown: %w", err)
	}
	e.applied(GateClosed)
	return nil
}

func (e *Engine) publishAlert(a Alert) {
	if e.alerts == nil {
		return
	}
	select {
	case e.alerts <- a:
	default:
		e.logger.Warn("alert channel full, alert dropped", "track_id", a.Verdict.TrackID)
	}
}

func alertReason(v models.Verdict) string {
	switch v.Class {
	case models.ClassWanted:
		return fmt.Sprintf("wanted individual detected: %s", v.DisplayName)
	default:
		return "unknown individual at gate"
	}
}
