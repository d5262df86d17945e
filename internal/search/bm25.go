package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

// BM25-Okapi parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75

	bm25CacheTTL = 5 * time.Minute
)

var tokenPattern = regexp.MustCompile(`\w+`)

// Tokenize lowercases and splits text into word tokens.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// BM25Hit is one keyword-scored decision.
type BM25Hit struct {
	Decision *model.Decision
	Score    float64
}

type bm25Doc struct {
	decision *model.Decision
	freq     map[string]int
	length   int
}

type bm25Index struct {
	docs     []bm25Doc
	df       map[string]int
	avgdl    float64
	builtAt  time.Time
	docCount int // corpus size at build time, for invalidation
}

// BM25Cache serves keyword queries against cached whole-corpus indexes.
// One index is kept per filter combination; an index is stale when the
// corpus document count has changed or it is older than 5 minutes.
// Concurrent rebuilds of the same index are deduplicated.
type BM25Cache struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*bm25Index
	group   singleflight.Group
}

// NewBM25Cache creates a BM25 cache over the given store.
func NewBM25Cache(st store.Store, logger *slog.Logger) *BM25Cache {
	return &BM25Cache{
		store:   st,
		logger:  logger,
		entries: make(map[string]*bm25Index),
	}
}

// Search scores the query against the filtered corpus and returns the top k
// hits by descending BM25 score. Zero-score documents are omitted.
func (c *BM25Cache) Search(ctx context.Context, query string, k int, filters model.QueryFilters) ([]BM25Hit, error) {
	idx, err := c.index(ctx, filters)
	if err != nil {
		return nil, err
	}

	terms := Tokenize(query)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return nil, nil
	}

	n := float64(len(idx.docs))
	hits := make([]BM25Hit, 0, len(idx.docs))
	for _, doc := range idx.docs {
		var score float64
		for _, term := range terms {
			f := float64(doc.freq[term])
			if f == 0 {
				continue
			}
			df := float64(idx.df[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(doc.length)/idx.avgdl))
			score += idf * norm
		}
		if score > 0 {
			hits = append(hits, BM25Hit{Decision: doc.decision, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// index returns a fresh-enough index for the filter combination, rebuilding
// through singleflight when stale.
func (c *BM25Cache) index(ctx context.Context, filters model.QueryFilters) (*bm25Index, error) {
	key := filterCacheKey(filters)

	total, err := c.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: bm25 corpus count: %w", err)
	}

	c.mu.Lock()
	idx := c.entries[key]
	c.mu.Unlock()
	if idx != nil && idx.docCount == total && time.Since(idx.builtAt) < bm25CacheTTL {
		return idx, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Another waiter may have rebuilt while we queued.
		c.mu.Lock()
		cached := c.entries[key]
		c.mu.Unlock()
		if cached != nil && cached.docCount == total && time.Since(cached.builtAt) < bm25CacheTTL {
			return cached, nil
		}

		built, err := c.build(ctx, filters, total)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = built
		c.mu.Unlock()
		c.logger.Debug("bm25: index rebuilt", "key", key, "docs", len(built.docs))
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*bm25Index), nil
}

func (c *BM25Cache) build(ctx context.Context, filters model.QueryFilters, total int) (*bm25Index, error) {
	decisions, err := c.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("search: bm25 load corpus: %w", err)
	}

	idx := &bm25Index{
		df:       make(map[string]int),
		builtAt:  time.Now(),
		docCount: total,
	}

	var totalLen int
	for _, d := range decisions {
		tokens := Tokenize(keywordText(d))
		freq := make(map[string]int, len(tokens))
		for _, t := range tokens {
			freq[t]++
		}
		for term := range freq {
			idx.df[term]++
		}
		totalLen += len(tokens)
		idx.docs = append(idx.docs, bm25Doc{decision: d, freq: freq, length: len(tokens)})
	}
	if len(idx.docs) > 0 {
		idx.avgdl = float64(totalLen) / float64(len(idx.docs))
	}
	return idx, nil
}

// keywordText assembles the searchable text of one decision.
func keywordText(d *model.Decision) string {
	parts := []string{d.Title, d.Decision, d.Context, d.Pattern, d.Lessons, d.ActualResult}
	parts = append(parts, d.Tags...)
	for _, r := range d.Reasons {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, " ")
}

// filterCacheKey derives a deterministic cache key from filter dimensions.
func filterCacheKey(f model.QueryFilters) string {
	var sb strings.Builder
	if f.Category != nil {
		fmt.Fprintf(&sb, "cat=%s;", *f.Category)
	}
	if len(f.Stakes) > 0 {
		fmt.Fprintf(&sb, "stakes=%v;", f.Stakes)
	}
	if len(f.Status) > 0 {
		fmt.Fprintf(&sb, "status=%v;", f.Status)
	}
	if f.ConfidenceMin != nil {
		fmt.Fprintf(&sb, "cmin=%g;", *f.ConfidenceMin)
	}
	if f.ConfidenceMax != nil {
		fmt.Fprintf(&sb, "cmax=%g;", *f.ConfidenceMax)
	}
	if f.Project != nil {
		fmt.Fprintf(&sb, "proj=%s;", *f.Project)
	}
	if f.Feature != nil {
		fmt.Fprintf(&sb, "feat=%s;", *f.Feature)
	}
	if f.PR != nil {
		fmt.Fprintf(&sb, "pr=%s;", *f.PR)
	}
	if f.AgentID != nil {
		fmt.Fprintf(&sb, "agent=%s;", *f.AgentID)
	}
	if len(f.Tags) > 0 {
		sorted := append([]string(nil), f.Tags...)
		sort.Strings(sorted)
		fmt.Fprintf(&sb, "tags=%v,all=%t;", sorted, f.TagsAll)
	}
	if sb.Len() == 0 {
		return "all"
	}
	return sb.String()
}
