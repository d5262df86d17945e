package search

import (
	"context"
	"hash/fnv"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/compaction"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bagEmbedder embeds text as a hashed bag-of-words vector, so texts sharing
// tokens are close under cosine distance. Deterministic, no network.
type bagEmbedder struct{ dims int }

func (b bagEmbedder) Dimensions() int   { return b.dims }
func (b bagEmbedder) ModelName() string { return "bag-of-words" }

func (b bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, b.dims)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(b.dims)]++
	}
	return vec, nil
}

func (b bagEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestEvalWhere(t *testing.T) {
	meta := map[string]any{
		"category":   "architecture",
		"confidence": 0.85,
		"tags":       []string{"api", "security"},
	}

	tests := []struct {
		name  string
		where Where
		want  bool
	}{
		{"empty matches", Where{}, true},
		{"exact match", Where{"category": "architecture"}, true},
		{"exact mismatch", Where{"category": "process"}, false},
		{"gte pass", Where{"confidence": map[string]any{"$gte": 0.8}}, true},
		{"gte fail", Where{"confidence": map[string]any{"$gte": 0.9}}, false},
		{"lt pass", Where{"confidence": map[string]any{"$lt": 0.9}}, true},
		{"ne pass", Where{"category": map[string]any{"$ne": "process"}}, true},
		{"ne fail", Where{"category": map[string]any{"$ne": "architecture"}}, false},
		{"in pass", Where{"category": map[string]any{"$in": []any{"process", "architecture"}}}, true},
		{"nin fail", Where{"category": map[string]any{"$nin": []any{"architecture"}}}, false},
		{"contains list pass", Where{"tags": map[string]any{"$contains": "api"}}, true},
		{"contains list fail", Where{"tags": map[string]any{"$contains": "db"}}, false},
		{"and pass", Where{"$and": []any{
			map[string]any{"category": "architecture"},
			map[string]any{"confidence": map[string]any{"$gte": 0.5}},
		}}, true},
		{"or pass", Where{"$or": []any{
			map[string]any{"category": "process"},
			map[string]any{"category": "architecture"},
		}}, true},
		{"or fail", Where{"$or": []any{
			map[string]any{"category": "process"},
			map[string]any{"category": "tooling"},
		}}, false},
		{"missing field", Where{"project": "atlas"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalWhere(meta, tt.where))
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	require.NoError(t, ms.Upsert(ctx, "a1", "doc a", []float32{1, 0}, map[string]any{"category": "architecture"}))
	require.NoError(t, ms.Upsert(ctx, "b2", "doc b", []float32{0, 1}, map[string]any{"category": "process"}))
	require.NoError(t, ms.Upsert(ctx, "c3", "doc c", []float32{0.9, 0.1}, map[string]any{"category": "architecture"}))

	n, err := ms.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := ms.Query(ctx, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "a1", matches[0].ID)
	assert.Equal(t, "c3", matches[1].ID)

	matches, err = ms.Query(ctx, []float32{1, 0}, 10, Where{"category": "process"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b2", matches[0].ID)

	require.NoError(t, ms.Delete(ctx, []string{"a1", "missing"}))
	n, err = ms.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFiltersToWhere(t *testing.T) {
	cat := model.CategorySecurity
	minC := 0.5

	where := FiltersToWhere(model.QueryFilters{
		Category:      &cat,
		Stakes:        []model.Stakes{model.StakesHigh, model.StakesCritical},
		ConfidenceMin: &minC,
		Tags:          []string{"api"},
	})

	assert.Equal(t, "security", where["category"])
	assert.Equal(t, map[string]any{"$in": []string{"high", "critical"}}, where["stakes"])
	assert.Equal(t, map[string]any{"$gte": 0.5}, where["confidence"])
	assert.Equal(t, map[string]any{"$contains": "api"}, where["tags"])

	assert.Nil(t, FiltersToWhere(model.QueryFilters{}))

	// Multi-tag any-of becomes $or; all-of becomes $and.
	anyOf := FiltersToWhere(model.QueryFilters{Tags: []string{"a", "b"}})
	assert.Contains(t, anyOf, "$or")
	allOf := FiltersToWhere(model.QueryFilters{Tags: []string{"a", "b"}, TagsAll: true})
	assert.Contains(t, allOf, "$and")
}

func seedStore(t *testing.T, decisions []*model.Decision) store.Store {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	for _, d := range decisions {
		require.NoError(t, st.Save(context.Background(), d))
	}
	return st
}

func testDecision(id, text string, date time.Time) *model.Decision {
	return &model.Decision{
		ID:         id,
		Decision:   text,
		Category:   model.CategorySecurity,
		Stakes:     model.StakesHigh,
		Confidence: 0.8,
		Status:     model.StatusPending,
		Date:       date,
	}
}

func TestBM25Ranking(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := seedStore(t, []*model.Decision{
		testDecision("aaaa0001", "Implemented CSRF protection for all forms", now.Add(-time.Hour)),
		testDecision("aaaa0002", "OAuth login flow with refresh tokens", now.Add(-2*time.Hour)),
		testDecision("aaaa0003", "General security improvements", now.Add(-3*time.Hour)),
	})

	cache := NewBM25Cache(st, testLogger())
	hits, err := cache.Search(ctx, "CSRF protection", 10, model.QueryFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "aaaa0001", hits[0].Decision.ID)
	// Documents with no query term overlap score zero and are dropped.
	for _, h := range hits {
		assert.NotEqual(t, "aaaa0002", h.Decision.ID)
		assert.Greater(t, h.Score, 0.0)
	}
}

func TestBM25CacheInvalidatedByCorpusGrowth(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := seedStore(t, []*model.Decision{
		testDecision("bbbb0001", "Adopted Postgres for billing", now.Add(-time.Hour)),
	})
	cache := NewBM25Cache(st, testLogger())

	hits, err := cache.Search(ctx, "redis", 10, model.QueryFilters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// A new document changes the corpus count, forcing a rebuild.
	require.NoError(t, st.Save(ctx, testDecision("bbbb0002", "Introduced redis cache layer", now)))
	hits, err = cache.Search(ctx, "redis", 10, model.QueryFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "bbbb0002", hits[0].Decision.ID)
}

func seedRetriever(t *testing.T, decisions []*model.Decision) *Retriever {
	t.Helper()
	ctx := context.Background()
	st := seedStore(t, decisions)
	emb := bagEmbedder{dims: 64}
	vs := NewMemoryStore()
	for _, d := range decisions {
		vec, err := emb.Embed(ctx, d.Decision)
		require.NoError(t, err)
		require.NoError(t, vs.Upsert(ctx, d.ID, d.Decision, vec, map[string]any{
			"category": string(d.Category),
			"stakes":   string(d.Stakes),
			"status":   string(d.Status),
		}))
	}
	return NewRetriever(st, vs, emb, NewBM25Cache(st, testLogger()), testLogger())
}

func TestRetrieverListAll(t *testing.T) {
	now := time.Now()
	r := seedRetriever(t, []*model.Decision{
		testDecision("cccc0001", "older decision", now.Add(-48*time.Hour)),
		testDecision("cccc0002", "newer decision", now.Add(-time.Hour)),
	})

	hits, err := r.Retrieve(context.Background(), Request{Query: ""})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Date descending.
	assert.Equal(t, "cccc0002", hits[0].Decision.ID)

	hits, err = r.Retrieve(context.Background(), Request{Query: "", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestRetrieverHybrid(t *testing.T) {
	now := time.Now()
	r := seedRetriever(t, []*model.Decision{
		testDecision("dddd0001", "Implemented CSRF protection", now.Add(-time.Hour)),
		testDecision("dddd0002", "OAuth login flow", now.Add(-2*time.Hour)),
		testDecision("dddd0003", "General security improvements", now.Add(-3*time.Hour)),
	})

	hits, err := r.Retrieve(context.Background(), Request{Query: "CSRF", Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	assert.Equal(t, "dddd0001", hits[0].Decision.ID)
	require.NotNil(t, hits[0].SemanticScore)
	require.NotNil(t, hits[0].KeywordScore)
	assert.Greater(t, *hits[0].SemanticScore, 0.0)
	assert.Greater(t, *hits[0].KeywordScore, 0.0)
}

func TestRetrieverInvalidModeFallsBackToSemantic(t *testing.T) {
	now := time.Now()
	r := seedRetriever(t, []*model.Decision{
		testDecision("eeee0001", "Rolled out rate limiting", now.Add(-time.Hour)),
	})

	hits, err := r.Retrieve(context.Background(), Request{Query: "rate limiting", Mode: Mode("bogus")})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Nil(t, hits[0].SemanticScore) // not hybrid output
}

func TestRetrieverCompactionAnnotation(t *testing.T) {
	now := time.Now()
	fresh := testDecision("ffff0001", "Picked gRPC for internal transport", now.Add(-24*time.Hour))
	summary := testDecision("ffff0002", "Picked gRPC for external transport", now.Add(-10*24*time.Hour))
	summary.Status = model.StatusReviewed
	summary.Outcome = model.OutcomeSuccess
	ancient := testDecision("ffff0003", "Picked gRPC long ago", now.Add(-120*24*time.Hour))
	ancient.Status = model.StatusReviewed
	ancient.Outcome = model.OutcomeSuccess

	r := seedRetriever(t, []*model.Decision{fresh, summary, ancient})

	hits, err := r.Retrieve(context.Background(), Request{Query: "gRPC transport", Compaction: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	levels := map[string]compaction.Level{}
	for _, h := range hits {
		levels[h.Decision.ID] = h.Level
	}
	assert.Equal(t, compaction.LevelFull, levels["ffff0001"])
	assert.Equal(t, compaction.LevelSummary, levels["ffff0002"])
	assert.NotContains(t, levels, "ffff0003")
}

func TestNormalize(t *testing.T) {
	scores := map[string]float64{"a": 2, "b": 4, "c": 6}
	normalize(scores)
	assert.Equal(t, 0.0, scores["a"])
	assert.Equal(t, 0.5, scores["b"])
	assert.Equal(t, 1.0, scores["c"])

	single := map[string]float64{"a": 3}
	normalize(single)
	assert.Equal(t, 1.0, single["a"])
}

func TestWhereToSQL(t *testing.T) {
	cond, args, err := whereToSQL(Where{
		"category":   "security",
		"confidence": map[string]any{"$gte": 0.5},
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, cond, "metadata->>")
	assert.Len(t, args, 4)

	_, _, err = whereToSQL(Where{"x": map[string]any{"$bogus": 1}}, nil)
	require.Error(t, err)
}
