package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

const digestMaxChars = 80

// Counts reports the corpus split by compaction level. Compact never
// rewrites files; this is a read-only census.
type Counts struct {
	Total     int `json:"total"`
	Full      int `json:"full"`
	Summary   int `json:"summary"`
	Digest    int `json:"digest"`
	Wisdom    int `json:"wisdom"`
	Preserved int `json:"preserved"`
}

// Engine computes compaction views over the store.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a compaction engine.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger, now: time.Now}
}

// Compact walks the filtered corpus and counts decisions per level.
func (e *Engine) Compact(ctx context.Context, filters model.QueryFilters) (Counts, error) {
	decisions, err := e.store.List(ctx, filters)
	if err != nil {
		return Counts{}, fmt.Errorf("compaction: list corpus: %w", err)
	}
	now := e.now()
	var c Counts
	for _, d := range decisions {
		c.Total++
		if d.Preserve {
			c.Preserved++
		}
		switch LevelFor(d, now) {
		case LevelFull:
			c.Full++
		case LevelSummary:
			c.Summary++
		case LevelDigest:
			c.Digest++
		case LevelWisdom:
			c.Wisdom++
		}
	}
	return c, nil
}

// GetCompacted shapes each matching decision at its derived level, or at
// forceLevel when set. Results are date descending, capped at limit.
// Wisdom-age items are excluded unless their level is explicitly forced;
// preserved records are skipped when includePreserved is false.
func (e *Engine) GetCompacted(ctx context.Context, filters model.QueryFilters, forceLevel *Level, limit int, includePreserved bool) ([]map[string]any, error) {
	decisions, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("compaction: list corpus: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}

	now := e.now()
	out := make([]map[string]any, 0, limit)
	for _, d := range decisions {
		if d.Preserve && !includePreserved {
			continue
		}
		level := LevelFor(d, now)
		if forceLevel != nil {
			level = *forceLevel
		} else if level == LevelWisdom {
			continue
		}
		out = append(out, Shape(d, level))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Shape returns the wire representation of a decision at a level. Raw
// records are untouched; only this view narrows with age.
func Shape(d *model.Decision, level Level) map[string]any {
	base := map[string]any{
		"id":       d.ID,
		"decision": d.Decision,
		"category": d.Category,
		"date":     d.Date,
		"level":    level,
	}
	switch level {
	case LevelSummary:
		base["outcome"] = d.Outcome
		base["confidence"] = d.Confidence
		if actual, ok := d.ActualConfidence(); ok {
			base["actualConfidence"] = actual
		}
		base["pattern"] = d.Pattern
		base["stakes"] = d.Stakes
	case LevelDigest, LevelWisdom:
		delete(base, "decision")
		base["summary"] = digestLine(d)
	default: // full
		base["title"] = d.Title
		base["context"] = d.Context
		base["stakes"] = d.Stakes
		base["confidence"] = d.Confidence
		base["status"] = d.Status
		if d.AgentID != "" {
			base["agentId"] = d.AgentID
		}
		if d.Pattern != "" {
			base["pattern"] = d.Pattern
		}
		if len(d.Tags) > 0 {
			base["tags"] = d.Tags
		}
		if d.Outcome != "" {
			base["outcome"] = d.Outcome
			base["actualResult"] = d.ActualResult
			base["lessons"] = d.Lessons
		}
		if d.Reasons != nil {
			base["reasons"] = d.Reasons
		}
		if d.Bridge != nil {
			base["bridge"] = d.Bridge
		}
		if d.Deliberation != nil {
			base["deliberation"] = d.Deliberation
		}
		if d.Preserve {
			base["preserve"] = true
		}
	}
	return base
}

// digestLine is a one-line summary capped at 80 chars.
func digestLine(d *model.Decision) string {
	line := strings.Join(strings.Fields(d.Decision), " ")
	if d.Outcome != "" {
		line += " (" + string(d.Outcome) + ")"
	}
	if len(line) > digestMaxChars {
		line = line[:digestMaxChars-3] + "..."
	}
	return line
}

// Principle is one recurring pattern confirmed across wisdom-age decisions.
type Principle struct {
	Text          string   `json:"text"`
	Confirmations int      `json:"confirmations"`
	Examples      []string `json:"examples"`
}

// WisdomEntry is the distilled category-level aggregate.
type WisdomEntry struct {
	Category          model.Category `json:"category"`
	Decisions         int            `json:"decisions"`
	SuccessRate       float64        `json:"successRate"`
	AvgConfidence     float64        `json:"avgConfidence"`
	BrierScore        float64        `json:"brierScore"`
	KeyPrinciples     []Principle    `json:"keyPrinciples,omitempty"`
	CommonFailureMode string         `json:"commonFailureMode,omitempty"`
}

// GetWisdom aggregates reviewed wisdom-age decisions per category. Groups
// smaller than minDecisions are dropped.
func (e *Engine) GetWisdom(ctx context.Context, category *model.Category, minDecisions int) ([]WisdomEntry, error) {
	if minDecisions <= 0 {
		minDecisions = 5
	}
	filters := model.QueryFilters{Category: category, Status: []model.Status{model.StatusReviewed}}
	decisions, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("compaction: list corpus: %w", err)
	}

	now := e.now()
	groups := make(map[model.Category][]*model.Decision)
	for _, d := range decisions {
		if d.AgeDays(now) < wisdomAfterDays {
			continue
		}
		groups[d.Category] = append(groups[d.Category], d)
	}

	var out []WisdomEntry
	for cat, group := range groups {
		if len(group) < minDecisions {
			continue
		}
		out = append(out, distill(cat, group))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func distill(cat model.Category, group []*model.Decision) WisdomEntry {
	entry := WisdomEntry{Category: cat, Decisions: len(group)}

	type patternStats struct {
		confirmations int
		failures      int
		examples      []string
	}
	patterns := make(map[string]*patternStats)

	var sumOutcome, sumConfidence, sumBrier float64
	for _, d := range group {
		value := d.Outcome.Value()
		sumOutcome += value
		sumConfidence += d.Confidence
		sumBrier += (d.Confidence - value) * (d.Confidence - value)

		if d.Pattern == "" {
			continue
		}
		ps := patterns[d.Pattern]
		if ps == nil {
			ps = &patternStats{}
			patterns[d.Pattern] = ps
		}
		ps.confirmations++
		if len(ps.examples) < 3 {
			ps.examples = append(ps.examples, d.ID)
		}
		if d.Outcome == model.OutcomeFailure || d.Outcome == model.OutcomePartial {
			ps.failures++
		}
	}

	n := float64(len(group))
	entry.SuccessRate = sumOutcome / n
	entry.AvgConfidence = sumConfidence / n
	entry.BrierScore = sumBrier / n

	var principles []Principle
	failureMode := ""
	maxFailures := 0
	for text, ps := range patterns {
		if ps.confirmations >= 2 {
			principles = append(principles, Principle{
				Text:          text,
				Confirmations: ps.confirmations,
				Examples:      ps.examples,
			})
		}
		if ps.failures > maxFailures {
			maxFailures = ps.failures
			failureMode = text
		}
	}
	sort.Slice(principles, func(i, j int) bool {
		if principles[i].Confirmations != principles[j].Confirmations {
			return principles[i].Confirmations > principles[j].Confirmations
		}
		return principles[i].Text < principles[j].Text
	})
	if len(principles) > 5 {
		principles = principles[:5]
	}
	entry.KeyPrinciples = principles
	entry.CommonFailureMode = failureMode
	return entry
}
