package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// KPIAttribution links review outcomes back to one KPI: how many decisions
// claimed it up front, how many reviews confirmed an effect on it, and how
// those reviews went.
type KPIAttribution struct {
	KPI         string                `json:"kpi"`
	Claimed     int                   `json:"claimed"`   // decisions listing the KPI at record time
	Confirmed   int                   `json:"confirmed"` // reviews listing it in affected_kpis
	Reviewed    int                   `json:"reviewed"`
	Outcomes    map[model.Outcome]int `json:"outcomes,omitempty"`
	SuccessRate float64               `json:"successRate"`
	DecisionIDs []string              `json:"decisionIds,omitempty"`
}

// AttributeOutcomes aggregates reviewed outcomes per KPI. A non-empty kpi
// restricts the report to that indicator.
func (e *Engine) AttributeOutcomes(ctx context.Context, kpi string, filters model.QueryFilters) ([]KPIAttribution, error) {
	decisions, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("analytics: list corpus: %w", err)
	}

	byKPI := make(map[string]*KPIAttribution)
	get := func(name string) *KPIAttribution {
		a := byKPI[name]
		if a == nil {
			a = &KPIAttribution{KPI: name, Outcomes: make(map[model.Outcome]int)}
			byKPI[name] = a
		}
		return a
	}

	for _, d := range decisions {
		claimed := make(map[string]bool)
		for _, name := range d.KPIs {
			if kpi != "" && name != kpi {
				continue
			}
			claimed[name] = true
			a := get(name)
			a.Claimed++
			if len(a.DecisionIDs) < 10 {
				a.DecisionIDs = append(a.DecisionIDs, d.ID)
			}
		}

		if d.Status != model.StatusReviewed || d.Outcome == "" {
			continue
		}
		value := d.Outcome.Value()
		for _, name := range d.AffectedKPIs {
			if kpi != "" && name != kpi {
				continue
			}
			a := get(name)
			a.Confirmed++
			a.Reviewed++
			a.Outcomes[d.Outcome]++
			a.SuccessRate += value
			if !claimed[name] && len(a.DecisionIDs) < 10 {
				a.DecisionIDs = append(a.DecisionIDs, d.ID)
			}
		}
	}

	out := make([]KPIAttribution, 0, len(byKPI))
	for _, a := range byKPI {
		if a.Reviewed > 0 {
			a.SuccessRate /= float64(a.Reviewed)
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KPI < out[j].KPI })
	return out, nil
}
