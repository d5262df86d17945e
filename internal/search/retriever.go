package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/compaction"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/embedding"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

const (
	defaultLimit       = 5
	maxQueryLimit      = 50
	maxListLimit       = 500
	defaultHybridW     = 0.7
	hybridOverfetchMul = 2
)

// Request describes one retrieval call.
type Request struct {
	Query      string
	Mode       Mode
	Limit      int
	Weight     *float64 // hybrid semantic weight, clamped to [0,1]
	BridgeSide string   // "structure" or "function" biases the embed query
	Filters    model.QueryFilters
	Compaction bool // annotate levels, drop wisdom-age hits
}

// Hit is one retrieval result. Score semantics depend on the mode:
// semantic similarity, BM25 score, or combined hybrid score. In hybrid
// mode both side scores are set (normalized to [0,1]).
type Hit struct {
	Decision      *model.Decision
	Score         float64
	SemanticScore *float64
	KeywordScore  *float64
	Level         compaction.Level
}

// Retriever runs semantic, keyword, and hybrid retrieval over the corpus.
type Retriever struct {
	store    store.Store
	vectors  VectorStore
	embedder embedding.Provider
	bm25     *BM25Cache
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetriever assembles a retriever from its parts.
func NewRetriever(st store.Store, vectors VectorStore, embedder embedding.Provider, bm25 *BM25Cache, logger *slog.Logger) *Retriever {
	return &Retriever{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		bm25:     bm25,
		logger:   logger,
		now:      time.Now,
	}
}

// Retrieve dispatches by mode. An empty query lists the corpus under the
// filters instead of searching; an unknown mode falls back to semantic.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Hit, error) {
	if req.Query == "" {
		return r.listAll(ctx, req)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var (
		hits []Hit
		err  error
	)
	switch req.Mode {
	case ModeKeyword:
		hits, err = r.keyword(ctx, req, limit)
	case ModeHybrid:
		hits, err = r.hybrid(ctx, req, limit)
	default:
		hits, err = r.semantic(ctx, req, limit)
	}
	if err != nil {
		return nil, err
	}
	return r.annotate(hits, req.Compaction, limit), nil
}

func (r *Retriever) listAll(ctx context.Context, req Request) ([]Hit, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	decisions, err := r.store.List(ctx, req.Filters)
	if err != nil {
		return nil, fmt.Errorf("search: list decisions: %w", err)
	}
	hits := make([]Hit, 0, len(decisions))
	for _, d := range decisions {
		hits = append(hits, Hit{Decision: d, Score: 1})
	}
	return r.annotate(hits, req.Compaction, limit), nil
}

func (r *Retriever) semantic(ctx context.Context, req Request, k int) ([]Hit, error) {
	matches, err := r.semanticMatches(ctx, req, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		d, err := r.store.Get(ctx, m.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				r.logger.Warn("search: indexed decision missing from store", "id", m.ID)
				continue
			}
			return nil, fmt.Errorf("search: load decision %s: %w", m.ID, err)
		}
		sim := float64(1 - m.Distance)
		hits = append(hits, Hit{Decision: d, Score: sim})
	}
	return hits, nil
}

func (r *Retriever) semanticMatches(ctx context.Context, req Request, k int) ([]Match, error) {
	text := req.Query
	switch req.BridgeSide {
	case "structure":
		text = "Structure: " + text
	case "function":
		text = "Function: " + text
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	matches, err := r.vectors.Query(ctx, vec, k, FiltersToWhere(req.Filters))
	if err != nil {
		return nil, fmt.Errorf("search: vector query: %w", err)
	}
	return matches, nil
}

func (r *Retriever) keyword(ctx context.Context, req Request, k int) ([]Hit, error) {
	bmHits, err := r.bm25.Search(ctx, req.Query, k, req.Filters)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(bmHits))
	for _, h := range bmHits {
		hits = append(hits, Hit{Decision: h.Decision, Score: h.Score})
	}
	return hits, nil
}

// hybrid fuses both sides: overfetch 2×k on each, min-max normalize both
// score sets to [0,1], combine as w·semantic + (1−w)·keyword, dedupe by id.
func (r *Retriever) hybrid(ctx context.Context, req Request, k int) ([]Hit, error) {
	w := defaultHybridW
	if req.Weight != nil {
		w = *req.Weight
	}
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}

	overfetch := k * hybridOverfetchMul

	matches, err := r.semanticMatches(ctx, req, overfetch)
	if err != nil {
		return nil, err
	}
	bmHits, err := r.bm25.Search(ctx, req.Query, overfetch, req.Filters)
	if err != nil {
		return nil, err
	}

	semScores := make(map[string]float64, len(matches))
	for _, m := range matches {
		semScores[m.ID] = float64(1 - m.Distance)
	}
	kwScores := make(map[string]float64, len(bmHits))
	decisions := make(map[string]*model.Decision, len(bmHits))
	for _, h := range bmHits {
		kwScores[h.Decision.ID] = h.Score
		decisions[h.Decision.ID] = h.Decision
	}

	normalize(semScores)
	normalize(kwScores)

	ids := make(map[string]bool, len(semScores)+len(kwScores))
	for id := range semScores {
		ids[id] = true
	}
	for id := range kwScores {
		ids[id] = true
	}

	hits := make([]Hit, 0, len(ids))
	for id := range ids {
		d := decisions[id]
		if d == nil {
			loaded, err := r.store.Get(ctx, id)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					r.logger.Warn("search: indexed decision missing from store", "id", id)
					continue
				}
				return nil, fmt.Errorf("search: load decision %s: %w", id, err)
			}
			d = loaded
		}
		sem := semScores[id]
		kw := kwScores[id]
		combined := w*sem + (1-w)*kw
		hits = append(hits, Hit{
			Decision:      d,
			Score:         combined,
			SemanticScore: &sem,
			KeywordScore:  &kw,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// normalize min-max scales scores in place to [0,1]. A degenerate range
// maps every present score to 1 so a lone hit is not zeroed out.
func normalize(scores map[string]float64) {
	if len(scores) == 0 {
		return
	}
	min, max := 0.0, 0.0
	first := true
	for _, s := range scores {
		if first {
			min, max = s, s
			first = false
			continue
		}
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	for id, s := range scores {
		if max > min {
			scores[id] = (s - min) / (max - min)
		} else {
			scores[id] = 1
		}
	}
}

// annotate applies the result limit and, when asked, stamps compaction
// levels and drops wisdom-age hits.
func (r *Retriever) annotate(hits []Hit, annotate bool, limit int) []Hit {
	if annotate {
		now := r.now()
		kept := hits[:0]
		for _, h := range hits {
			level := compaction.LevelFor(h.Decision, now)
			if level == compaction.LevelWisdom {
				continue
			}
			h.Level = level
			kept = append(kept, h)
		}
		hits = kept
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// FiltersToWhere translates the filter taxonomy into the vector-store
// where-clause language.
func FiltersToWhere(f model.QueryFilters) Where {
	where := Where{}
	if f.Category != nil {
		where["category"] = string(*f.Category)
	}
	if len(f.Stakes) > 0 {
		where["stakes"] = map[string]any{"$in": stringify(f.Stakes)}
	}
	if len(f.Status) > 0 {
		where["status"] = map[string]any{"$in": stringify(f.Status)}
	}
	if f.ConfidenceMin != nil || f.ConfidenceMax != nil {
		conf := map[string]any{}
		if f.ConfidenceMin != nil {
			conf["$gte"] = *f.ConfidenceMin
		}
		if f.ConfidenceMax != nil {
			conf["$lte"] = *f.ConfidenceMax
		}
		where["confidence"] = conf
	}
	if f.Project != nil {
		where["project"] = *f.Project
	}
	if f.Feature != nil {
		where["feature"] = *f.Feature
	}
	if f.PR != nil {
		where["pr"] = *f.PR
	}
	if f.AgentID != nil {
		where["agent"] = *f.AgentID
	}
	if len(f.Tags) > 0 {
		clauses := make([]Where, 0, len(f.Tags))
		for _, t := range f.Tags {
			clauses = append(clauses, Where{"tags": map[string]any{"$contains": t}})
		}
		if len(clauses) == 1 {
			where["tags"] = map[string]any{"$contains": f.Tags[0]}
		} else if f.TagsAll {
			where["$and"] = clauses
		} else {
			where["$or"] = clauses
		}
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

func stringify[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
