package decisions

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/breaker"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/bridge"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/embedding"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/graph"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/tracker"
)

type fixture struct {
	svc      *Service
	store    *store.FileStore
	vectors  *search.MemoryStore
	tracker  *tracker.Tracker
	breakers *breaker.Manager
	graph    *graph.Graph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cb, err := breaker.NewManager(nil, "", logger, logger)
	require.NoError(t, err)

	g, err := graph.Open(filepath.Join(t.TempDir(), "edges.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	f := &fixture{
		store:    st,
		vectors:  search.NewMemoryStore(),
		tracker:  tracker.New(tracker.Options{}, logger),
		breakers: cb,
		graph:    g,
	}
	f.svc = New(st, f.vectors, embedding.NewNoopProvider(8), f.tracker,
		bridge.NewExtractor(nil, logger), cb, g, logger)
	return f
}

func recordReq(decision string) RecordRequest {
	return RecordRequest{
		Title:      "Use Redis for sessions",
		Decision:   decision,
		Context:    "Session lookups dominate page loads",
		Category:   model.CategoryArchitecture,
		Stakes:     model.StakesMedium,
		Confidence: 0.8,
		Tags:       []string{"caching", "sessions"},
	}
}

func TestRecordPersistsAndIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Record(ctx, recordReq("Cache session state in Redis"), "atlas")
	require.NoError(t, err)
	require.Len(t, res.Decision.ID, 8)
	assert.True(t, res.Indexed)
	assert.Equal(t, model.StatusPending, res.Decision.Status)
	assert.Equal(t, "atlas", res.Decision.AgentID)

	got, err := f.svc.Get(ctx, res.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cache session state in Redis", got.Decision)

	n, err := f.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Record(ctx, RecordRequest{
		Category: model.CategoryArchitecture,
		Stakes:   model.StakesLow,
	}, "atlas")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "decision")

	req := recordReq("x")
	req.Confidence = 1.5
	_, err = f.svc.Record(ctx, req, "atlas")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "confidence")

	req = recordReq("x")
	req.Category = "vibes"
	_, err = f.svc.Record(ctx, req, "atlas")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "category")
}

func TestRecordConsumesTrackedInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := tracker.ScopeKey("atlas", "", "atlas")
	f.tracker.Track(key, tracker.InputQuery, "redis vs memcached", "queryDecisions", nil)

	req := recordReq("Cache session state in Redis")
	req.AgentID = "atlas"
	res, err := f.svc.Record(ctx, req, "atlas")
	require.NoError(t, err)
	require.NotNil(t, res.Decision.Deliberation)
	require.NotEmpty(t, res.Decision.Deliberation.Steps)

	// Consumption is backfilled with the new decision id.
	_, records := f.tracker.DebugSessions("", true)
	require.NotEmpty(t, records)
	assert.Equal(t, res.Decision.ID, records[len(records)-1].DecisionID)
}

func TestReviewLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Record(ctx, recordReq("Cache session state in Redis"), "atlas")
	require.NoError(t, err)

	reviewed, err := f.svc.Review(ctx, ReviewRequest{
		ID:           res.Decision.ID,
		Outcome:      model.OutcomeSuccess,
		ActualResult: "p95 latency halved",
		Lessons:      "Warm the cache before cutover",
	}, "atlas")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReviewed, reviewed.Status)
	assert.Equal(t, model.OutcomeSuccess, reviewed.Outcome)
	require.NotNil(t, reviewed.ReviewedAt)
	assert.Equal(t, "atlas", reviewed.ReviewedBy)

	// Prefix lookup still resolves.
	got, err := f.svc.Get(ctx, res.Decision.ID[:4])
	require.NoError(t, err)
	assert.Equal(t, res.Decision.ID, got.ID)

	_, err = f.svc.Review(ctx, ReviewRequest{ID: res.Decision.ID, Outcome: "mixed"}, "atlas")
	assert.Error(t, err)
}

func TestReviewFeedsBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three straight failures trip the default dynamic breaker for the
	// category scope.
	for i := 0; i < 3; i++ {
		res, err := f.svc.Record(ctx, recordReq("attempt"), "atlas")
		require.NoError(t, err)
		_, err = f.svc.Review(ctx, ReviewRequest{ID: res.Decision.ID, Outcome: model.OutcomeFailure}, "atlas")
		require.NoError(t, err)
	}

	check := f.breakers.Check(breaker.Context{Category: "architecture", Stakes: "medium", AgentID: "atlas"})
	assert.False(t, check.Allowed)
}

func TestUpdateAllowedFieldsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Record(ctx, recordReq("Cache session state in Redis"), "atlas")
	require.NoError(t, err)

	title := "Use Redis for session storage"
	pattern := "cache-aside"
	updated, err := f.svc.Update(ctx, res.Decision.ID, UpdateRequest{
		Title:   &title,
		Pattern: &pattern,
		Tags:    []string{"caching"},
	})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, pattern, updated.Pattern)
	assert.Equal(t, []string{"caching"}, updated.Tags)
	// Untouched fields survive.
	assert.Equal(t, 0.8, updated.Confidence)
	assert.Equal(t, "Cache session state in Redis", updated.Decision)

	bad := model.MentalState("zen")
	_, err = f.svc.Update(ctx, res.Decision.ID, UpdateRequest{MentalState: &bad})
	assert.Error(t, err)
}

func TestAppendThought(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Record(ctx, recordReq("Cache session state in Redis"), "atlas")
	require.NoError(t, err)

	d, err := f.svc.AppendThought(ctx, res.Decision.ID, "Considered sticky sessions first")
	require.NoError(t, err)
	require.NotNil(t, d.Deliberation)
	last := d.Deliberation.Steps[len(d.Deliberation.Steps)-1]
	assert.Equal(t, "Considered sticky sessions first", last.Thought)

	_, err = f.svc.AppendThought(ctx, res.Decision.ID, "")
	assert.Error(t, err)
}

func TestSetPreserveIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Record(ctx, recordReq("Cache session state in Redis"), "atlas")
	require.NoError(t, err)

	d, err := f.svc.SetPreserve(ctx, res.Decision.ID, true)
	require.NoError(t, err)
	assert.True(t, d.Preserve)

	d, err = f.svc.SetPreserve(ctx, res.Decision.ID, true)
	require.NoError(t, err)
	assert.True(t, d.Preserve)
}

func TestAutoLinkByTagsAndPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Record(ctx, recordReq("Cache session state in Redis"), "atlas")
	require.NoError(t, err)

	// Shares both tags with the first decision.
	second, err := f.svc.Record(ctx, recordReq("Move session eviction to LRU"), "atlas")
	require.NoError(t, err)

	edges := f.graph.Neighbors(second.Decision.ID, graph.DirectionOut, nil, 0)
	require.Len(t, edges, 1)
	assert.Equal(t, first.Decision.ID, edges[0].Target)
	assert.Equal(t, model.EdgeRelatedTo, edges[0].Type)

	// A decision with disjoint tags stays unlinked.
	lone := recordReq("Adopt trunk-based development")
	lone.Tags = []string{"process"}
	third, err := f.svc.Record(ctx, lone, "atlas")
	require.NoError(t, err)
	assert.Empty(t, f.graph.Neighbors(third.Decision.ID, graph.DirectionOut, nil, 0))
}

func TestReindexAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		_, err := f.svc.Record(ctx, recordReq(text), "atlas")
		require.NoError(t, err)
	}

	require.NoError(t, f.vectors.Reset(ctx))
	n, err := f.vectors.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	res, err := f.svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Indexed)
	assert.Zero(t, res.Failed)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Indexed)
}

func TestRecordVectorFailureIsNonFatal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cb, err := breaker.NewManager(nil, "", logger, logger)
	require.NoError(t, err)
	g, err := graph.Open(filepath.Join(t.TempDir(), "edges.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	svc := New(st, failingVectors{}, embedding.NewNoopProvider(8),
		tracker.New(tracker.Options{}, logger), bridge.NewExtractor(nil, logger), cb, g, logger)

	res, err := svc.Record(context.Background(), recordReq("persist anyway"), "atlas")
	require.NoError(t, err)
	assert.False(t, res.Indexed)

	got, err := st.Get(context.Background(), res.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist anyway", got.Decision)
}

type failingVectors struct{}

func (failingVectors) Initialize(context.Context) error { return nil }
func (failingVectors) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return assert.AnError
}
func (failingVectors) Query(context.Context, []float32, int, search.Where) ([]search.Match, error) {
	return nil, assert.AnError
}
func (failingVectors) Delete(context.Context, []string) error { return assert.AnError }
func (failingVectors) Count(context.Context) (int, error)     { return 0, assert.AnError }
func (failingVectors) Reset(context.Context) error            { return assert.AnError }
func (failingVectors) CollectionID() string                   { return "unavailable" }
