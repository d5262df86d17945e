package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

const defaultMinReviewed = 3

// ReasonTypeStats aggregates every use of one reason type.
type ReasonTypeStats struct {
	Type          model.ReasonType      `json:"type"`
	TotalUses     int                   `json:"totalUses"`
	ReviewedUses  int                   `json:"reviewedUses"`
	Outcomes      map[model.Outcome]int `json:"outcomes,omitempty"`
	SuccessRate   float64               `json:"successRate"`
	AvgConfidence float64               `json:"avgConfidence"`
	AvgStrength   float64               `json:"avgStrength"`
	BrierScore    *float64              `json:"brierScore,omitempty"`
}

// DiversityBucket groups decisions by how many distinct reason types they
// used.
type DiversityBucket struct {
	TypeCount   int     `json:"typeCount"`
	Decisions   int     `json:"decisions"`
	Reviewed    int     `json:"reviewed"`
	SuccessRate float64 `json:"successRate"`
	BrierScore  float64 `json:"brierScore"`
}

// ReasonStatsReport is the full per-reason-type analysis.
type ReasonStatsReport struct {
	Types           []ReasonTypeStats `json:"types"`
	Diversity       []DiversityBucket `json:"diversity,omitempty"`
	Recommendations []Recommendation  `json:"recommendations,omitempty"`
}

// ReasonStats analyzes which kinds of reasoning correlate with success.
// Brier per type is only reported once that type has at least minReviewed
// reviewed uses.
func (e *Engine) ReasonStats(ctx context.Context, filters model.QueryFilters, minReviewed int) (ReasonStatsReport, error) {
	if minReviewed <= 0 {
		minReviewed = defaultMinReviewed
	}
	decisions, err := e.store.List(ctx, filters)
	if err != nil {
		return ReasonStatsReport{}, fmt.Errorf("analytics: list corpus: %w", err)
	}

	type acc struct {
		total, reviewed                  int
		outcomes                         map[model.Outcome]int
		sumValue, sumConf, sumStr, brier float64
	}
	byType := make(map[model.ReasonType]*acc)

	type divAcc struct {
		decisions, reviewed int
		sumValue, brier     float64
	}
	byDiversity := make(map[int]*divAcc)

	for _, d := range decisions {
		reviewed := d.Status == model.StatusReviewed && d.Outcome != ""
		for _, r := range d.Reasons {
			a := byType[r.Type]
			if a == nil {
				a = &acc{outcomes: make(map[model.Outcome]int)}
				byType[r.Type] = a
			}
			a.total++
			a.sumConf += d.Confidence
			a.sumStr += r.Strength
			if reviewed {
				a.reviewed++
				a.outcomes[d.Outcome]++
				value := d.Outcome.Value()
				a.sumValue += value
				a.brier += (d.Confidence - value) * (d.Confidence - value)
			}
		}

		if n := len(d.ReasonTypeSet()); n > 0 {
			da := byDiversity[n]
			if da == nil {
				da = &divAcc{}
				byDiversity[n] = da
			}
			da.decisions++
			if reviewed {
				da.reviewed++
				value := d.Outcome.Value()
				da.sumValue += value
				da.brier += (d.Confidence - value) * (d.Confidence - value)
			}
		}
	}

	report := ReasonStatsReport{}
	for typ, a := range byType {
		s := ReasonTypeStats{
			Type:          typ,
			TotalUses:     a.total,
			ReviewedUses:  a.reviewed,
			Outcomes:      a.outcomes,
			AvgConfidence: a.sumConf / float64(a.total),
			AvgStrength:   a.sumStr / float64(a.total),
		}
		if a.reviewed > 0 {
			// Success rate counts partial as half a success.
			s.SuccessRate = a.sumValue / float64(a.reviewed)
		}
		if a.reviewed >= minReviewed {
			b := a.brier / float64(a.reviewed)
			s.BrierScore = &b
		}
		report.Types = append(report.Types, s)
	}
	sort.Slice(report.Types, func(i, j int) bool { return report.Types[i].Type < report.Types[j].Type })

	counts := make([]int, 0, len(byDiversity))
	for n := range byDiversity {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	for _, n := range counts {
		da := byDiversity[n]
		b := DiversityBucket{TypeCount: n, Decisions: da.decisions, Reviewed: da.reviewed}
		if da.reviewed > 0 {
			b.SuccessRate = da.sumValue / float64(da.reviewed)
			b.BrierScore = da.brier / float64(da.reviewed)
		}
		report.Diversity = append(report.Diversity, b)
	}

	report.Recommendations = reasonRecommendations(report, minReviewed)
	return report, nil
}

func reasonRecommendations(report ReasonStatsReport, minReviewed int) []Recommendation {
	var recs []Recommendation

	var best, worst *ReasonTypeStats
	for i := range report.Types {
		s := &report.Types[i]
		if s.ReviewedUses < minReviewed {
			continue
		}
		if best == nil || s.SuccessRate > best.SuccessRate {
			best = s
		}
		if worst == nil || s.SuccessRate < worst.SuccessRate {
			worst = s
		}
		if s.AvgConfidence > 0.8 && s.SuccessRate < 0.6 {
			recs = append(recs, Recommendation{
				Type: "overconfident_reason_type",
				Message: fmt.Sprintf("%s reasoning carries %.0f%% confidence but only %.0f%% success",
					s.Type, s.AvgConfidence*100, s.SuccessRate*100),
			})
		}
	}
	if best != nil && worst != nil && best.Type != worst.Type {
		recs = append(recs, Recommendation{
			Type: "best_performing_type",
			Message: fmt.Sprintf("%s reasoning performs best (%.0f%% success over %d reviewed)",
				best.Type, best.SuccessRate*100, best.ReviewedUses),
		})
		recs = append(recs, Recommendation{
			Type: "worst_performing_type",
			Message: fmt.Sprintf("%s reasoning performs worst (%.0f%% success over %d reviewed)",
				worst.Type, worst.SuccessRate*100, worst.ReviewedUses),
		})
	}

	// Diversity benefit: compare single-type decisions against multi-type.
	var single, multi *DiversityBucket
	for i := range report.Diversity {
		b := &report.Diversity[i]
		if b.TypeCount == 1 {
			single = b
		} else if b.Reviewed > 0 && (multi == nil || b.Reviewed > multi.Reviewed) {
			multi = b
		}
	}
	if single != nil && multi != nil && single.Reviewed >= minReviewed && multi.Reviewed >= minReviewed &&
		multi.SuccessRate > single.SuccessRate {
		recs = append(recs, Recommendation{
			Type: "diversity_benefit",
			Message: fmt.Sprintf("decisions using %d reason types succeed more often than single-type ones (%.0f%% vs %.0f%%)",
				multi.TypeCount, multi.SuccessRate*100, single.SuccessRate*100),
		})
	}

	used := make(map[model.ReasonType]bool, len(report.Types))
	for _, s := range report.Types {
		used[s.Type] = true
	}
	var never []string
	for _, typ := range model.ReasonTypes() {
		if !used[typ] {
			never = append(never, string(typ))
		}
	}
	if len(never) > 0 && len(used) > 0 {
		recs = append(recs, Recommendation{
			Type:    "unused_reason_types",
			Message: fmt.Sprintf("never used: %v", never),
		})
	}
	return recs
}
