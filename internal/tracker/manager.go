package tracker

import (
	"sort"
	"time"

	"github.com/visiona/gatenode/internal/models"
	"github.com/visiona/gatenode/internal/vision"
)

// Matcher resolves an embedding to an identity. The identity store
// implements it; Match must be safe for concurrent reads.
type Matcher interface {
	Match(embedding []float32) (models.MatchResult, bool)
}

// Options configures track lifecycle behavior.
type Options struct {
	// IoUThreshold is the minimum overlap for a detection to reuse an
	// existing track.
	IoUThreshold float64
	// MaxRetries bounds the failed match attempts before a track settles
	// on UNKNOWN.
	MaxRetries int
	// HiddenAfter is the number of consecutive missed frames before the
	// track enters the hidden sub-state (gate must close). Valid range
	// is [5, 8].
	HiddenAfter int
	// HiddenBound is the last missed frame still tolerated as hidden;
	// one more miss makes the track LOST.
	HiddenBound int
	// Cooldown suppresses re-emission of an identical classification.
	Cooldown time.Duration
}

// DefaultOptions returns the tracker defaults.
func DefaultOptions() Options {
	return Options{
		IoUThreshold: 0.3,
		MaxRetries:   3,
		HiddenAfter:  6,
		HiddenBound:  8,
		Cooldown:     30 * time.Second,
	}
}

func (o Options) sanitized() Options {
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = 0.3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.HiddenAfter < 5 {
		o.HiddenAfter = 5
	}
	if o.HiddenAfter > 8 {
		o.HiddenAfter = 8
	}
	if o.HiddenBound < o.HiddenAfter {
		o.HiddenBound = 8
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	return o
}

// Output is everything one frame's observations produced: verdicts to act
// on, tracks whose hidden state forces the gate closed, and tracks removed
// this frame.
type Output struct {
	Verdicts   []models.Verdict
	ForceClose []uint64
	Lost       []uint64
}

// Manager owns all live tracks.
type Manager struct {
	opts    Options
	matcher Matcher
	tracks  []*Track
	nextID  uint64
	now     func() time.Time
}

// NewManager creates a track manager.
func NewManager(matcher Matcher, opts Options) *Manager {
	return &Manager{
		opts:    opts.sanitized(),
		matcher: matcher,
		nextID:  1,
		now:     time.Now,
	}
}

// Observe feeds one frame's observations through association and the
// per-track state machines. It must be called once per successfully
// processed frame, including frames with zero detections; frames dropped by
// the perception layer must not reach it.
func (m *Manager) Observe(obs []vision.Observation) Output {
	now := m.now()
	var out Output

	assigned := m.associate(obs)
	seen := make(map[uint64]bool, len(assigned))

	for detIdx, tr := range assigned {
		o := obs[detIdx]
		if tr == nil {
			tr = m.spawn(o.Box, now)
		}
		seen[tr.ID] = true
		m.observeDetection(tr, o, now, &out)
	}

	// Tracks without a detection this frame accumulate misses.
	survivors := m.tracks[:0]
	for _, tr := range m.tracks {
		if seen[tr.ID] {
			survivors = append(survivors, tr)
			continue
		}
		tr.misses++
		switch {
		case tr.misses > m.opts.HiddenBound:
			tr.State = StateLost
			out.Lost = append(out.Lost, tr.ID)
			continue
		case tr.misses >= m.opts.HiddenAfter:
			tr.Hidden = true
			out.ForceClose = append(out.ForceClose, tr.ID)
		}
		survivors = append(survivors, tr)
	}
	m.tracks = survivors

	return out
}

// associate maps each observation index to an existing track (or nil for a
// new one) by maximum IoU above the reuse threshold. Ties break by highest
// IoU, then by smallest track id.
func (m *Manager) associate(obs []vision.Observation) []*Track {
	assigned := make([]*Track, len(obs))

	type pair struct {
		det   int
		track *Track
		iou   float64
	}
	var pairs []pair
	for i, o := range obs {
		for _, tr := range m.tracks {
			if iou := models.IoU(o.Box, tr.Box); iou >= m.opts.IoUThreshold {
				pairs = append(pairs, pair{det: i, track: tr, iou: iou})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].iou != pairs[j].iou {
			return pairs[i].iou > pairs[j].iou
		}
		return pairs[i].track.ID < pairs[j].track.ID
	})

	usedTrack := make(map[uint64]bool)
	for _, p := range pairs {
		if assigned[p.det] != nil || usedTrack[p.track.ID] {
			continue
		}
		assigned[p.det] = p.track
		usedTrack[p.track.ID] = true
	}
	return assigned
}

func (m *Manager) spawn(box models.Rect, now time.Time) *Track {
	tr := &Track{
		ID:        m.nextID,
		Box:       box,
		CreatedAt: now,
		LastSeen:  now,
		State:     StatePending,
	}
	m.nextID++
	m.tracks = append(m.tracks, tr)
	return tr
}

// observeDetection runs one match result through the track's state machine.
func (m *Manager) observeDetection(tr *Track, o vision.Observation, now time.Time, out *Output) {
	tr.Box = o.Box
	tr.LastSeen = now
	tr.misses = 0
	tr.Hidden = false

	match, ok := m.matcher.Match(o.Embedding)

	var class models.Classification
	if ok {
		switch match.Status {
		case models.StatusWanted:
			class = models.ClassWanted
		default:
			class = models.ClassAuthorized
		}
	}

	switch tr.State {
	case StatePending:
		if !ok {
			tr.attempts++
			if tr.attempts >= m.opts.MaxRetries {
				m.settle(tr, models.ClassUnknown, models.MatchResult{}, now, out)
			}
			return
		}
		m.settle(tr, class, match, now, out)

	case StateUnknown:
		if !ok {
			return
		}
		// A confident match after settling on UNKNOWN is a
		// classification change and bypasses the cooldown.
		m.settle(tr, class, match, now, out)

	case StateRecognized, StateAlerting:
		if !ok {
			// Identity is sticky; a single bad frame does not demote
			// a settled track.
			return
		}
		if class == tr.class && match.PersonID == tr.personID {
			if now.Sub(tr.lastEmit) >= m.opts.Cooldown {
				tr.confidence = match.Similarity
				tr.lastEmit = now
				out.Verdicts = append(out.Verdicts, tr.verdict(now))
			}
			return
		}
		m.settle(tr, class, match, now, out)
	}
}

// settle transitions a track to its stabilized classification and emits
// exactly one verdict.
func (m *Manager) settle(tr *Track, class models.Classification, match models.MatchResult, now time.Time, out *Output) {
	switch class {
	case models.ClassAuthorized:
		tr.State = StateRecognized
	case models.ClassWanted:
		tr.State = StateAlerting
	default:
		tr.State = StateUnknown
	}
	tr.class = class
	tr.personID = match.PersonID
	tr.name = match.DisplayName
	tr.confidence = match.Similarity
	tr.lastEmit = now
	out.Verdicts = append(out.Verdicts, tr.verdict(now))
}

// Tracks returns a snapshot of live tracks for display collaborators.
func (m *Manager) Tracks() []*Track {
	out := make([]*Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}
