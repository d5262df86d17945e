package tracker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

func newTestTracker(opts Options) *Tracker {
	return New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScopeKey(t *testing.T) {
	assert.Equal(t, "agent:a1:decision:d1", ScopeKey("a1", "d1", "tp"))
	assert.Equal(t, "agent:a1", ScopeKey("a1", "", "tp"))
	assert.Equal(t, "decision:d1", ScopeKey("", "d1", "tp"))
	assert.Equal(t, "rpc:tp", ScopeKey("", "", "tp"))
}

func TestConsumeSynthesizesSteps(t *testing.T) {
	tr := newTestTracker(Options{})
	tr.Track("agent:a1", InputQuery, "prior art on caching", "queryDecisions", nil)
	tr.Track("agent:a1", InputGuardrail, "deploy checks", "checkGuardrails", nil)

	d := tr.Consume("agent:a1", nil)
	require.NotNil(t, d)
	require.Len(t, d.Inputs, 2)
	require.Len(t, d.Steps, 2)
	assert.Equal(t, 1, d.Steps[0].Step)
	assert.Equal(t, 2, d.Steps[1].Step)
	assert.Equal(t, []string{d.Inputs[0].ID}, d.Steps[0].InputsUsed)
	assert.Contains(t, d.Steps[0].Thought, "caching")

	// Session is gone after consume.
	assert.Nil(t, tr.Consume("agent:a1", nil))
}

func TestConsumeMergesExplicitDeliberation(t *testing.T) {
	tr := newTestTracker(Options{})
	tr.Track("agent:a1", InputQuery, "q1", "queryDecisions", nil)
	tr.Track("agent:a1", InputGuardrail, "g1", "checkGuardrails", nil)

	explicit := &model.Deliberation{
		Inputs: []model.DeliberationInput{{ID: "manual-1", Text: "manual note", Timestamp: time.Now()}},
		Steps:  []model.DeliberationStep{{Step: 1, Thought: "weighed options", InputsUsed: []string{"manual-1"}}},
	}
	d := tr.Consume("agent:a1", explicit)
	require.NotNil(t, d)
	assert.Len(t, d.Inputs, 3)
	require.Len(t, d.Steps, 3)
	// Auto steps are renumbered after the explicit ones.
	assert.Equal(t, 1, d.Steps[0].Step)
	assert.Equal(t, 2, d.Steps[1].Step)
	assert.Equal(t, 3, d.Steps[2].Step)
	require.NoError(t, d.Validate())
}

func TestConsumeDeduplicatesByID(t *testing.T) {
	tr := newTestTracker(Options{})
	tr.Track("k", InputQuery, "q1", "queryDecisions", nil)

	snaps, _ := tr.DebugSessions("k", false)
	require.Len(t, snaps, 1)
	trackedID := snaps[0].Inputs[0].ID

	explicit := &model.Deliberation{
		Inputs: []model.DeliberationInput{{ID: trackedID, Text: "same input", Timestamp: time.Now()}},
	}
	d := tr.Consume("k", explicit)
	require.NotNil(t, d)
	assert.Len(t, d.Inputs, 1)
}

func TestInputTTLBoundary(t *testing.T) {
	tr := newTestTracker(Options{InputTTL: 10 * time.Second})
	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Track("k", InputQuery, "old", "queryDecisions", nil)

	// An input aged exactly input_ttl is excluded.
	tr.now = func() time.Time { return base.Add(10 * time.Second) }
	assert.Nil(t, tr.Consume("k", nil))
}

func TestSessionExpiry(t *testing.T) {
	tr := newTestTracker(Options{SessionTTL: 60 * time.Second})
	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Track("stale", InputQuery, "q", "queryDecisions", nil)

	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	snaps, history := tr.DebugSessions("", true)
	assert.Empty(t, snaps)
	require.Len(t, history, 1)
	assert.Equal(t, ConsumedExpired, history[0].Status)
	assert.Equal(t, "stale", history[0].Key)
}

func TestBackfillConsumedIdempotent(t *testing.T) {
	tr := newTestTracker(Options{})
	tr.Track("k", InputQuery, "q", "queryDecisions", nil)
	require.NotNil(t, tr.Consume("k", nil))

	tr.BackfillConsumed("k", "abcd1234")
	tr.BackfillConsumed("k", "ffff0000") // no unfilled record left

	_, history := tr.DebugSessions("", true)
	require.Len(t, history, 1)
	assert.Equal(t, "abcd1234", history[0].DecisionID)
}

func TestConsumedRingCapacity(t *testing.T) {
	tr := newTestTracker(Options{HistorySize: 3})
	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		tr.Track(key, InputQuery, "q", "queryDecisions", nil)
		tr.Consume(key, nil)
	}
	_, history := tr.DebugSessions("", true)
	assert.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Key)
	assert.Equal(t, "e", history[2].Key)
}
