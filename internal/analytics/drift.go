package analytics

import (
	"context"
	"fmt"
	"math"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// Drift thresholds. Relative degradation must exceed the threshold AND the
// absolute delta must clear the floor, so tiny scores cannot fire alerts.
const (
	DefaultBrierThreshold    = 0.20
	DefaultAccuracyThreshold = 0.15

	brierAbsoluteFloor    = 0.03
	accuracyAbsoluteFloor = 0.05

	recentWindowDays     = 30
	historicalWindowDays = 120

	minWindowDecisions = 3
)

// WindowStats summarizes one comparison window.
type WindowStats struct {
	Decisions  int     `json:"decisions"`
	Accuracy   float64 `json:"accuracy"`
	BrierScore float64 `json:"brierScore"`
}

// DriftAlert is one fired degradation signal.
type DriftAlert struct {
	Type      string  `json:"type"` // brier_degradation | accuracy_drop
	Severity  string  `json:"severity"`
	ChangePct float64 `json:"changePct"`
	Message   string  `json:"message"`
}

// Recommendation tells the caller what to do about the report.
type Recommendation struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DriftReport compares the recent 30-day window against the historical
// 30–120-day window.
type DriftReport struct {
	DriftDetected  bool            `json:"driftDetected"`
	Recent         WindowStats     `json:"recent"`
	Historical     WindowStats     `json:"historical"`
	Alerts         []DriftAlert    `json:"alerts,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// CheckDrift detects calibration degradation. Zero thresholds select the
// defaults (20% Brier, 15% accuracy).
func (e *Engine) CheckDrift(ctx context.Context, category *model.Category, thresholdBrier, thresholdAccuracy float64) (DriftReport, error) {
	if thresholdBrier <= 0 {
		thresholdBrier = DefaultBrierThreshold
	}
	if thresholdAccuracy <= 0 {
		thresholdAccuracy = DefaultAccuracyThreshold
	}

	decisions, err := e.store.List(ctx, model.QueryFilters{
		Category: category,
		Status:   []model.Status{model.StatusReviewed},
	})
	if err != nil {
		return DriftReport{}, fmt.Errorf("analytics: list reviewed: %w", err)
	}

	now := e.now()
	var recent, historical []*model.Decision
	for _, d := range decisions {
		age := d.AgeDays(now)
		switch {
		case age < recentWindowDays:
			recent = append(recent, d)
		case age < historicalWindowDays:
			historical = append(historical, d)
		}
	}

	report := DriftReport{
		Recent:     windowStats(recent),
		Historical: windowStats(historical),
	}

	if len(recent) < minWindowDecisions || len(historical) < minWindowDecisions {
		report.Recommendation = &Recommendation{
			Type:    "insufficient_data",
			Message: fmt.Sprintf("need at least %d reviewed decisions in both windows", minWindowDecisions),
		}
		return report, nil
	}

	scope := "overall"
	if category != nil {
		scope = string(*category)
	}

	brierDelta := report.Recent.BrierScore - report.Historical.BrierScore
	if brierDelta >= brierAbsoluteFloor {
		if report.Historical.BrierScore == 0 {
			// A perfect baseline has no relative change; the absolute
			// floor alone decides.
			report.Alerts = append(report.Alerts, DriftAlert{
				Type:      "brier_degradation",
				Severity:  "error",
				ChangePct: 100,
				Message: fmt.Sprintf("Brier score for %s degraded from a perfect baseline (0.000 -> %.3f)",
					scope, report.Recent.BrierScore),
			})
		} else if changePct := brierDelta / report.Historical.BrierScore; changePct > thresholdBrier {
			report.Alerts = append(report.Alerts, DriftAlert{
				Type:      "brier_degradation",
				Severity:  "error",
				ChangePct: round2(changePct * 100),
				Message: fmt.Sprintf("Brier score for %s degraded %.0f%% (%.3f -> %.3f)",
					scope, changePct*100, report.Historical.BrierScore, report.Recent.BrierScore),
			})
		}
	}

	accuracyDelta := report.Historical.Accuracy - report.Recent.Accuracy
	if report.Historical.Accuracy > 0 && accuracyDelta >= accuracyAbsoluteFloor {
		changePct := accuracyDelta / report.Historical.Accuracy
		if changePct > thresholdAccuracy {
			report.Alerts = append(report.Alerts, DriftAlert{
				Type:      "accuracy_drop",
				Severity:  "warning",
				ChangePct: round2(changePct * 100),
				Message: fmt.Sprintf("accuracy for %s dropped %.0f%% (%.2f -> %.2f)",
					scope, changePct*100, report.Historical.Accuracy, report.Recent.Accuracy),
			})
		}
	}

	report.DriftDetected = len(report.Alerts) > 0
	if report.DriftDetected {
		report.Recommendation = &Recommendation{
			Type:    "review_calibration",
			Message: "recent decisions diverge from the historical baseline; review confidence habits",
		}
	}
	return report, nil
}

func windowStats(decisions []*model.Decision) WindowStats {
	s := WindowStats{Decisions: len(decisions)}
	if len(decisions) == 0 {
		return s
	}
	var sumValue, sumBrier float64
	for _, d := range decisions {
		value := d.Outcome.Value()
		sumValue += value
		sumBrier += (d.Confidence - value) * (d.Confidence - value)
	}
	n := float64(len(decisions))
	s.Accuracy = sumValue / n
	s.BrierScore = sumBrier / n
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
