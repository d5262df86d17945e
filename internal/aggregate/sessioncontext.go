package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/analytics"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/guardrail"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
)

// Section names accepted in the include list.
const (
	SectionProfile     = "profile"
	SectionGuardrails  = "guardrails"
	SectionCalibration = "calibration"
	SectionReady       = "ready"
	SectionPatterns    = "patterns"
	SectionRelevant    = "relevant"
)

const (
	minCategoryReviewed = 3
	minPatternCount     = 2
	patternExampleMax   = 3
)

// SessionContextRequest selects what to brief the agent on at session
// start. An empty Include means every section.
type SessionContextRequest struct {
	AgentID  string
	Task     string
	Include  []string
	Limit    int
	Markdown bool
}

// AgentProfile summarizes one agent's track record.
type AgentProfile struct {
	AgentID     string         `json:"agentId"`
	Total       int            `json:"total"`
	Reviewed    int            `json:"reviewed"`
	Accuracy    float64        `json:"accuracy"`
	BrierScore  float64        `json:"brierScore"`
	Tendency    string         `json:"tendency"`
	Strongest   model.Category `json:"strongestCategory,omitempty"`
	Weakest     model.Category `json:"weakestCategory,omitempty"`
	ActiveSince *time.Time     `json:"activeSince,omitempty"`
}

// CategoryCalibration pairs a category with its calibration stats.
type CategoryCalibration struct {
	Category model.Category `json:"category"`
	analytics.CalibrationStats
}

// ConfirmedPattern is a pattern observed across multiple decisions.
type ConfirmedPattern struct {
	Pattern     string   `json:"pattern"`
	Count       int      `json:"count"`
	SuccessRate float64  `json:"successRate"`
	Examples    []string `json:"examples"`
}

// SessionContext is the structured briefing.
type SessionContext struct {
	Profile     *AgentProfile         `json:"profile,omitempty"`
	Guardrails  []guardrail.Guardrail `json:"guardrails,omitempty"`
	Calibration []CategoryCalibration `json:"calibration,omitempty"`
	Ready       []analytics.ReadyItem `json:"ready,omitempty"`
	Patterns    []ConfirmedPattern    `json:"patterns,omitempty"`
	Relevant    []RelevantDecision    `json:"relevant,omitempty"`
	Markdown    string                `json:"markdown,omitempty"`
}

// SessionContext assembles the selected sections for one agent.
func (a *Aggregator) SessionContext(ctx context.Context, req SessionContextRequest) (*SessionContext, error) {
	include := includeSet(req.Include)
	out := &SessionContext{}

	corpus, err := a.store.List(ctx, model.QueryFilters{})
	if err != nil {
		return nil, fmt.Errorf("aggregate: session context: %w", err)
	}

	if include[SectionProfile] {
		out.Profile = buildProfile(req.AgentID, corpus)
	}
	if include[SectionGuardrails] {
		out.Guardrails = a.guards.List()
	}
	if include[SectionCalibration] {
		out.Calibration = a.categoryCalibration(ctx, corpus)
	}
	if include[SectionReady] {
		items, err := a.analytics.Ready(ctx, "", nil, req.Limit)
		if err != nil {
			a.logger.Warn("aggregate: ready queue failed", "error", err)
		}
		// Session briefings carry only the review work, not drift alerts.
		for _, it := range items {
			if it.Type == analytics.ReadyReviewOutcome || it.Type == analytics.ReadyStalePending {
				out.Ready = append(out.Ready, it)
			}
		}
	}
	if include[SectionPatterns] {
		out.Patterns = confirmedPatterns(corpus)
	}
	if include[SectionRelevant] && req.Task != "" {
		hits, err := a.retriever.Retrieve(ctx, search.Request{
			Query: req.Task,
			Mode:  search.ModeHybrid,
			Limit: req.Limit,
		})
		if err != nil {
			a.logger.Warn("aggregate: session retrieval failed", "error", err)
		}
		for _, h := range hits {
			out.Relevant = append(out.Relevant, relevantDecision(h, true))
		}
	}

	if req.Markdown {
		out.Markdown = renderMarkdown(out)
	}
	return out, nil
}

func includeSet(include []string) map[string]bool {
	all := []string{SectionProfile, SectionGuardrails, SectionCalibration,
		SectionReady, SectionPatterns, SectionRelevant}
	set := make(map[string]bool, len(all))
	if len(include) == 0 {
		for _, s := range all {
			set[s] = true
		}
		return set
	}
	for _, s := range include {
		set[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return set
}

func buildProfile(agentID string, corpus []*model.Decision) *AgentProfile {
	p := &AgentProfile{AgentID: agentID}

	type catAgg struct {
		reviewed int
		value    float64
	}
	byCat := make(map[model.Category]*catAgg)

	var sumValue, sumBrier, sumConfidence float64
	for _, d := range corpus {
		if agentID != "" && d.AgentID != agentID {
			continue
		}
		p.Total++
		if p.ActiveSince == nil || d.Date.Before(*p.ActiveSince) {
			date := d.Date
			p.ActiveSince = &date
		}
		actual, ok := d.ActualConfidence()
		if !ok {
			continue
		}
		p.Reviewed++
		value := d.Outcome.Value()
		sumValue += value
		sumConfidence += d.Confidence
		sumBrier += (d.Confidence - actual) * (d.Confidence - actual)

		agg := byCat[d.Category]
		if agg == nil {
			agg = &catAgg{}
			byCat[d.Category] = agg
		}
		agg.reviewed++
		agg.value += value
	}
	if p.Reviewed == 0 {
		p.Tendency = "no reviewed decisions yet"
		return p
	}
	n := float64(p.Reviewed)
	p.Accuracy = sumValue / n
	p.BrierScore = sumBrier / n
	p.Tendency = tendencyLabel(p.Accuracy - sumConfidence/n)

	bestRate, worstRate := -1.0, 2.0
	for cat, agg := range byCat {
		if agg.reviewed < minCategoryReviewed {
			continue
		}
		rate := agg.value / float64(agg.reviewed)
		if rate > bestRate || (rate == bestRate && cat < p.Strongest) {
			bestRate, p.Strongest = rate, cat
		}
		if rate < worstRate || (rate == worstRate && cat < p.Weakest) {
			worstRate, p.Weakest = rate, cat
		}
	}
	return p
}

func tendencyLabel(gap float64) string {
	switch {
	case gap <= -0.10:
		return analytics.Overconfident
	case gap <= -0.05:
		return analytics.SlightlyOverconfident
	case gap >= 0.10:
		return analytics.Underconfident
	case gap >= 0.05:
		return analytics.SlightlyUnderconfident
	default:
		return analytics.WellCalibrated
	}
}

func (a *Aggregator) categoryCalibration(ctx context.Context, corpus []*model.Decision) []CategoryCalibration {
	seen := make(map[model.Category]bool)
	var out []CategoryCalibration
	for _, d := range corpus {
		if d.Status != model.StatusReviewed || seen[d.Category] {
			continue
		}
		seen[d.Category] = true
		cat := d.Category
		cal, err := a.analytics.Calibration(ctx, model.QueryFilters{Category: &cat})
		if err != nil {
			a.logger.Warn("aggregate: category calibration failed", "category", cat, "error", err)
			continue
		}
		if cal.ReviewedDecisions > 0 {
			out = append(out, CategoryCalibration{Category: cat, CalibrationStats: cal.CalibrationStats})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func confirmedPatterns(corpus []*model.Decision) []ConfirmedPattern {
	type agg struct {
		count, reviewed int
		value           float64
		examples        []string
	}
	byPattern := make(map[string]*agg)
	for _, d := range corpus {
		if d.Pattern == "" {
			continue
		}
		a := byPattern[d.Pattern]
		if a == nil {
			a = &agg{}
			byPattern[d.Pattern] = a
		}
		a.count++
		if len(a.examples) < patternExampleMax {
			a.examples = append(a.examples, d.ID)
		}
		if d.Status == model.StatusReviewed && d.Outcome != "" {
			a.reviewed++
			a.value += d.Outcome.Value()
		}
	}

	var out []ConfirmedPattern
	for pattern, a := range byPattern {
		if a.count < minPatternCount {
			continue
		}
		p := ConfirmedPattern{Pattern: pattern, Count: a.count, Examples: a.examples}
		if a.reviewed > 0 {
			p.SuccessRate = a.value / float64(a.reviewed)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

// renderMarkdown turns the briefing into the textual form agents paste
// into their working context.
func renderMarkdown(sc *SessionContext) string {
	var b strings.Builder

	if p := sc.Profile; p != nil {
		b.WriteString("## Profile\n\n")
		fmt.Fprintf(&b, "- Agent: %s\n", orDash(p.AgentID))
		fmt.Fprintf(&b, "- Decisions: %d total, %d reviewed\n", p.Total, p.Reviewed)
		if p.Reviewed > 0 {
			fmt.Fprintf(&b, "- Accuracy: %.0f%%, Brier %.3f, tendency %s\n",
				p.Accuracy*100, p.BrierScore, p.Tendency)
		}
		if p.Strongest != "" {
			fmt.Fprintf(&b, "- Strongest category: %s; weakest: %s\n", p.Strongest, p.Weakest)
		}
		if p.ActiveSince != nil {
			fmt.Fprintf(&b, "- Active since: %s\n", p.ActiveSince.UTC().Format("2006-01-02"))
		}
		b.WriteString("\n")
	}

	if len(sc.Guardrails) > 0 {
		b.WriteString("## Guardrails\n\n")
		for _, g := range sc.Guardrails {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", g.ID, g.Action, orDash(g.Description))
		}
		b.WriteString("\n")
	}

	if len(sc.Calibration) > 0 {
		b.WriteString("## Calibration\n\n")
		for _, c := range sc.Calibration {
			fmt.Fprintf(&b, "- %s: accuracy %.0f%% at %.0f%% confidence (%s, n=%d)\n",
				c.Category, c.Accuracy*100, c.AvgConfidence*100, c.Interpretation, c.ReviewedDecisions)
		}
		b.WriteString("\n")
	}

	if len(sc.Ready) > 0 {
		b.WriteString("## Pending Actions\n\n")
		for _, r := range sc.Ready {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Priority, r.Message)
		}
		b.WriteString("\n")
	}

	if len(sc.Patterns) > 0 {
		b.WriteString("## Confirmed Patterns\n\n")
		for _, p := range sc.Patterns {
			fmt.Fprintf(&b, "- %s (seen %d×, success %.0f%%; e.g. %s)\n",
				p.Pattern, p.Count, p.SuccessRate*100, strings.Join(p.Examples, ", "))
		}
		b.WriteString("\n")
	}

	if len(sc.Relevant) > 0 {
		b.WriteString("## Relevant Decisions\n\n")
		for _, d := range sc.Relevant {
			fmt.Fprintf(&b, "- `%s` %s", d.ID, d.Decision)
			if d.Outcome != "" {
				fmt.Fprintf(&b, " (outcome: %s)", d.Outcome)
			}
			b.WriteString("\n")
			if d.Lessons != "" {
				fmt.Fprintf(&b, "  - Lesson: %s\n", d.Lessons)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Protocol reminder\n\n")
	b.WriteString("Record consequential decisions before acting, review outcomes when they land, and consult prior lessons for similar work.\n")
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
