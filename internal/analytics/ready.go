package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// Priority levels for ready-queue items.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Ready item types, in tie-break order.
const (
	ReadyReviewOutcome    = "review_outcome"
	ReadyCalibrationDrift = "calibration_drift"
	ReadyStalePending     = "stale_pending"
)

// Stale-pending age thresholds in days.
const (
	staleMediumDays = 30
	staleHighDays   = 60
)

// ReadyItem is one actionable entry in the work queue.
type ReadyItem struct {
	Type       string         `json:"type"`
	Priority   string         `json:"priority"`
	DecisionID string         `json:"decisionId,omitempty"`
	Category   model.Category `json:"category,omitempty"`
	Date       time.Time      `json:"date,omitempty"`
	Message    string         `json:"message"`
}

// Ready builds the prioritized work list: overdue reviews, stale pending
// decisions, and per-category calibration drift.
func (e *Engine) Ready(ctx context.Context, minPriority string, category *model.Category, limit int) ([]ReadyItem, error) {
	if limit <= 0 {
		limit = 20
	}

	decisions, err := e.store.List(ctx, model.QueryFilters{Category: category})
	if err != nil {
		return nil, fmt.Errorf("analytics: list corpus: %w", err)
	}

	now := e.now()
	today := now.Truncate(24 * time.Hour)
	var items []ReadyItem

	categories := make(map[model.Category]bool)
	for _, d := range decisions {
		categories[d.Category] = true
		if d.Status != model.StatusPending {
			continue
		}
		if d.ReviewBy != nil {
			if d.ReviewBy.Before(today) {
				items = append(items, ReadyItem{
					Type:       ReadyReviewOutcome,
					Priority:   stakesPriority(d.Stakes),
					DecisionID: d.ID,
					Category:   d.Category,
					Date:       d.Date,
					Message:    fmt.Sprintf("review overdue since %s: %s", d.ReviewBy.Format("2006-01-02"), d.Decision),
				})
			}
			continue
		}
		switch age := d.AgeDays(now); {
		case age >= staleHighDays:
			items = append(items, staleItem(d, PriorityHigh, age))
		case age >= staleMediumDays:
			items = append(items, staleItem(d, PriorityMedium, age))
		}
	}

	for cat := range categories {
		cat := cat
		report, err := e.CheckDrift(ctx, &cat, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, alert := range report.Alerts {
			priority := PriorityMedium
			if alert.ChangePct >= 40 {
				priority = PriorityHigh
			}
			items = append(items, ReadyItem{
				Type:     ReadyCalibrationDrift,
				Priority: priority,
				Category: cat,
				Message:  alert.Message,
			})
		}
	}

	minRank := priorityRank(minPriority)
	kept := items[:0]
	for _, it := range items {
		if priorityRank(it.Priority) >= minRank {
			kept = append(kept, it)
		}
	}
	items = kept

	sort.SliceStable(items, func(i, j int) bool {
		if a, b := priorityRank(items[i].Priority), priorityRank(items[j].Priority); a != b {
			return a > b
		}
		if a, b := typeOrder(items[i].Type), typeOrder(items[j].Type); a != b {
			return a < b
		}
		return items[i].Date.Before(items[j].Date)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func staleItem(d *model.Decision, priority string, age int) ReadyItem {
	return ReadyItem{
		Type:       ReadyStalePending,
		Priority:   priority,
		DecisionID: d.ID,
		Category:   d.Category,
		Date:       d.Date,
		Message:    fmt.Sprintf("pending without review date for %d days: %s", age, d.Decision),
	}
}

func stakesPriority(s model.Stakes) string {
	switch s {
	case model.StakesCritical, model.StakesHigh:
		return PriorityHigh
	case model.StakesMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func priorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 0 // unset min_priority admits everything
	}
}

func typeOrder(t string) int {
	switch t {
	case ReadyReviewOutcome:
		return 0
	case ReadyCalibrationDrift:
		return 1
	default:
		return 2
	}
}
