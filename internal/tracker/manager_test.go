package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiona/gatenode/internal/models"
	"github.com/visiona/gatenode/internal/vision"
)

// fakeMatcher resolves embeddings by their first component: 1 matches an
// authorized person, 2 a wanted person, anything else fails.
type fakeMatcher struct{}

func (fakeMatcher) Match(embedding []float32) (models.MatchResult, bool) {
	switch embedding[0] {
	case 1:
		return models.MatchResult{PersonID: "alice", DisplayName: "Alice", Status: models.StatusAuthorized, Similarity: 0.9}, true
	case 2:
		return models.MatchResult{PersonID: "mallory", DisplayName: "Mallory", Status: models.StatusWanted, Similarity: 0.85}, true
	}
	return models.MatchResult{}, false
}

func obs(box models.Rect, marker float32) vision.Observation {
	return vision.Observation{Box: box, Score: 0.99, Embedding: []float32{marker}}
}

var faceBox = models.Rect{X1: 100, Y1: 100, X2: 200, Y2: 200}

// newTestManager returns a manager with a controllable clock.
func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(fakeMatcher{}, DefaultOptions())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManager_MatchEmitsOneVerdict(t *testing.T) {
	m, now := newTestManager(t)

	out := m.Observe([]vision.Observation{obs(faceBox, 1)})
	require.Len(t, out.Verdicts, 1)
	v := out.Verdicts[0]
	assert.Equal(t, models.ClassAuthorized, v.Class)
	assert.Equal(t, "alice", v.PersonID)
	assert.Equal(t, "Alice", v.DisplayName)

	// The same person standing at the gate does not re-trigger.
	for i := 0; i < 10; i++ {
		*now = now.Add(time.Second)
		out = m.Observe([]vision.Observation{obs(faceBox, 1)})
		assert.Empty(t, out.Verdicts)
	}
}

func TestManager_RetryThenMatch(t *testing.T) {
	m, _ := newTestManager(t)

	// Two blurry frames stay pending, no verdict.
	out := m.Observe([]vision.Observation{obs(faceBox, 0)})
	assert.Empty(t, out.Verdicts)
	out = m.Observe([]vision.Observation{obs(faceBox, 0)})
	assert.Empty(t, out.Verdicts)

	out = m.Observe([]vision.Observation{obs(faceBox, 1)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassAuthorized, out.Verdicts[0].Class)

	require.Len(t, m.Tracks(), 1)
	assert.Equal(t, StateRecognized, m.Tracks()[0].State)
}

func TestManager_RetriesExhaustedSettlesUnknown(t *testing.T) {
	m, _ := newTestManager(t)

	var out Output
	for i := 0; i < 3; i++ {
		out = m.Observe([]vision.Observation{obs(faceBox, 0)})
	}
	require.Len(t, out.Verdicts, 1)
	v := out.Verdicts[0]
	assert.Equal(t, models.ClassUnknown, v.Class)
	assert.Empty(t, v.PersonID)
	assert.Equal(t, StateUnknown, m.Tracks()[0].State)
}

func TestManager_UnknownUpgradesOnLateMatch(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		m.Observe([]vision.Observation{obs(faceBox, 0)})
	}

	// A later confident match is a classification change and is not
	// suppressed by the cooldown.
	out := m.Observe([]vision.Observation{obs(faceBox, 1)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassAuthorized, out.Verdicts[0].Class)
}

func TestManager_WantedSettlesAlerting(t *testing.T) {
	m, _ := newTestManager(t)

	out := m.Observe([]vision.Observation{obs(faceBox, 2)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassWanted, out.Verdicts[0].Class)
	assert.Equal(t, "mallory", out.Verdicts[0].PersonID)
	assert.Equal(t, StateAlerting, m.Tracks()[0].State)
}

func TestManager_CooldownReemits(t *testing.T) {
	m, now := newTestManager(t)

	out := m.Observe([]vision.Observation{obs(faceBox, 1)})
	require.Len(t, out.Verdicts, 1)

	*now = now.Add(29 * time.Second)
	out = m.Observe([]vision.Observation{obs(faceBox, 1)})
	assert.Empty(t, out.Verdicts)

	*now = now.Add(2 * time.Second)
	out = m.Observe([]vision.Observation{obs(faceBox, 1)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassAuthorized, out.Verdicts[0].Class)
}

func TestManager_ClassificationChangeBypassesCooldown(t *testing.T) {
	m, now := newTestManager(t)

	m.Observe([]vision.Observation{obs(faceBox, 1)})

	*now = now.Add(time.Second)
	out := m.Observe([]vision.Observation{obs(faceBox, 2)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassWanted, out.Verdicts[0].Class)
	assert.Equal(t, StateAlerting, m.Tracks()[0].State)
}

func TestManager_SettledIdentitySticky(t *testing.T) {
	m, now := newTestManager(t)

	m.Observe([]vision.Observation{obs(faceBox, 1)})

	// A single failed match on a settled track demotes nothing.
	*now = now.Add(time.Second)
	out := m.Observe([]vision.Observation{obs(faceBox, 0)})
	assert.Empty(t, out.Verdicts)
	assert.Equal(t, StateRecognized, m.Tracks()[0].State)
}

func TestManager_HiddenWindowForcesClose(t *testing.T) {
	m, _ := newTestManager(t)

	m.Observe([]vision.Observation{obs(faceBox, 1)})
	trackID := m.Tracks()[0].ID

	// Misses 1 through 5: tolerated, no forced close.
	for i := 1; i <= 5; i++ {
		out := m.Observe(nil)
		assert.Empty(t, out.ForceClose, "miss %d", i)
		assert.Empty(t, out.Lost, "miss %d", i)
	}

	// Misses 6 through 8: hidden, gate forced closed every frame.
	for i := 6; i <= 8; i++ {
		out := m.Observe(nil)
		require.Len(t, out.ForceClose, 1, "miss %d", i)
		assert.Equal(t, trackID, out.ForceClose[0])
		assert.Empty(t, out.Lost, "miss %d", i)
		assert.True(t, m.Tracks()[0].Hidden)
	}

	// Miss 9: the track is lost and removed.
	out := m.Observe(nil)
	assert.Empty(t, out.ForceClose)
	require.Len(t, out.Lost, 1)
	assert.Equal(t, trackID, out.Lost[0])
	assert.Empty(t, m.Tracks())
}

func TestManager_HiddenWindowLowerBound(t *testing.T) {
	opts := DefaultOptions()
	opts.HiddenAfter = 5
	m := NewManager(fakeMatcher{}, opts)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Observe([]vision.Observation{obs(faceBox, 1)})
	for i := 1; i <= 4; i++ {
		out := m.Observe(nil)
		assert.Empty(t, out.ForceClose, "miss %d", i)
	}
	out := m.Observe(nil)
	assert.Len(t, out.ForceClose, 1)
}

func TestManager_ReappearanceClearsHidden(t *testing.T) {
	m, _ := newTestManager(t)

	m.Observe([]vision.Observation{obs(faceBox, 1)})
	for i := 0; i < 6; i++ {
		m.Observe(nil)
	}
	require.True(t, m.Tracks()[0].Hidden)

	out := m.Observe([]vision.Observation{obs(faceBox, 1)})
	assert.Empty(t, out.ForceClose)
	assert.False(t, m.Tracks()[0].Hidden)
	// Still the same track, same settled identity, inside cooldown.
	assert.Empty(t, out.Verdicts)
}

func TestManager_AssociationByOverlap(t *testing.T) {
	m, now := newTestManager(t)

	m.Observe([]vision.Observation{obs(faceBox, 1)})
	require.Len(t, m.Tracks(), 1)
	firstID := m.Tracks()[0].ID

	// The face moves a little; same track.
	moved := models.Rect{X1: 110, Y1: 105, X2: 210, Y2: 205}
	*now = now.Add(time.Second)
	m.Observe([]vision.Observation{obs(moved, 1)})
	require.Len(t, m.Tracks(), 1)
	assert.Equal(t, firstID, m.Tracks()[0].ID)

	// A second face far away spawns a new track.
	far := models.Rect{X1: 500, Y1: 100, X2: 600, Y2: 200}
	*now = now.Add(time.Second)
	out := m.Observe([]vision.Observation{obs(moved, 1), obs(far, 2)})
	require.Len(t, m.Tracks(), 2)
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassWanted, out.Verdicts[0].Class)
}

func TestManager_TwoFacesIndependentStateMachines(t *testing.T) {
	m, _ := newTestManager(t)

	left := models.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	right := models.Rect{X1: 400, Y1: 0, X2: 500, Y2: 100}

	out := m.Observe([]vision.Observation{obs(left, 1), obs(right, 0)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassAuthorized, out.Verdicts[0].Class)

	// The right face keeps failing and settles UNKNOWN on its own budget.
	m.Observe([]vision.Observation{obs(left, 1), obs(right, 0)})
	out = m.Observe([]vision.Observation{obs(left, 1), obs(right, 0)})
	require.Len(t, out.Verdicts, 1)
	assert.Equal(t, models.ClassUnknown, out.Verdicts[0].Class)
}

func TestOptions_Sanitized(t *testing.T) {
	assert.Equal(t, 6, DefaultOptions().HiddenAfter)

	o := Options{HiddenAfter: 2, HiddenBound: 1}.sanitized()
	assert.Equal(t, 5, o.HiddenAfter)
	assert.Equal(t, 8, o.HiddenBound)
	assert.Equal(t, 0.3, o.IoUThreshold)
	assert.Equal(t, 3, o.MaxRetries)
	assert.Equal(t, 30*time.Second, o.Cooldown)

	o = Options{HiddenAfter: 11}.sanitized()
	assert.Equal(t, 8, o.HiddenAfter)
}
