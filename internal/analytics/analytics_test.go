package analytics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

var idSeq int

func nextID() string {
	idSeq++
	return fmt.Sprintf("%08x", idSeq)
}

func reviewedDecision(confidence float64, outcome model.Outcome, ageDays int, now time.Time) *model.Decision {
	return &model.Decision{
		ID:         nextID(),
		Decision:   "decision under test",
		Category:   model.CategoryArchitecture,
		Stakes:     model.StakesMedium,
		Confidence: confidence,
		Status:     model.StatusReviewed,
		Outcome:    outcome,
		Date:       now.Add(-time.Duration(ageDays) * 24 * time.Hour),
	}
}

func newEngine(t *testing.T, decisions []*model.Decision) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	for _, d := range decisions {
		require.NoError(t, st.Save(context.Background(), d))
	}
	return NewEngine(st, logger)
}

func TestCalibrationOverall(t *testing.T) {
	now := time.Now()
	e := newEngine(t, []*model.Decision{
		reviewedDecision(0.9, model.OutcomeSuccess, 5, now),
		reviewedDecision(0.9, model.OutcomeFailure, 6, now),
		reviewedDecision(0.9, model.OutcomeFailure, 7, now),
		reviewedDecision(0.9, model.OutcomeFailure, 8, now),
	})

	report, err := e.Calibration(context.Background(), model.QueryFilters{})
	require.NoError(t, err)
	assert.Equal(t, 4, report.ReviewedDecisions)
	assert.InDelta(t, 0.25, report.Accuracy, 1e-9)
	assert.InDelta(t, 0.9, report.AvgConfidence, 1e-9)
	// Gap −0.65: well past the −0.10 threshold.
	assert.Equal(t, Overconfident, report.Interpretation)
	require.Len(t, report.Buckets, 1)
	assert.Equal(t, "0.9-1.0", report.Buckets[0].Bucket)
}

func TestInterpretGapThresholds(t *testing.T) {
	assert.Equal(t, WellCalibrated, interpretGap(0.04))
	assert.Equal(t, WellCalibrated, interpretGap(-0.04))
	assert.Equal(t, SlightlyOverconfident, interpretGap(-0.07))
	assert.Equal(t, SlightlyUnderconfident, interpretGap(0.07))
	assert.Equal(t, Overconfident, interpretGap(-0.15))
	assert.Equal(t, Underconfident, interpretGap(0.15))
}

func TestCheckDriftDetectsBrierDegradation(t *testing.T) {
	now := time.Now()
	var decisions []*model.Decision
	// Historical window (30–120 d): well calibrated, Brier ≈ 0.01.
	for i := 0; i < 30; i++ {
		decisions = append(decisions, reviewedDecision(0.9, model.OutcomeSuccess, 40+i, now))
	}
	// Recent window: confident failures, Brier ≈ 0.5.
	for i := 0; i < 10; i++ {
		outcome := model.OutcomeFailure
		if i%2 == 0 {
			outcome = model.OutcomeSuccess
		}
		decisions = append(decisions, reviewedDecision(0.9, outcome, 1+i, now))
	}

	e := newEngine(t, decisions)
	report, err := e.CheckDrift(context.Background(), nil, 0.20, 0.15)
	require.NoError(t, err)
	assert.True(t, report.DriftDetected)

	var types []string
	for _, a := range report.Alerts {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, "brier_degradation")
	for _, a := range report.Alerts {
		if a.Type == "brier_degradation" {
			assert.Equal(t, "error", a.Severity)
			assert.Contains(t, a.Message, "overall")
		}
	}
}

func TestCheckDriftAlertsFromPerfectBaseline(t *testing.T) {
	now := time.Now()
	var decisions []*model.Decision
	// Historical window: certainty matched by outcomes, Brier exactly 0.
	for i := 0; i < 5; i++ {
		decisions = append(decisions, reviewedDecision(1.0, model.OutcomeSuccess, 40+i, now))
	}
	// Recent window: a confident failure pushes Brier past the absolute floor.
	decisions = append(decisions,
		reviewedDecision(1.0, model.OutcomeSuccess, 1, now),
		reviewedDecision(1.0, model.OutcomeSuccess, 2, now),
		reviewedDecision(1.0, model.OutcomeFailure, 3, now))

	e := newEngine(t, decisions)
	report, err := e.CheckDrift(context.Background(), nil, 0.20, 0.15)
	require.NoError(t, err)
	assert.Zero(t, report.Historical.BrierScore)

	var brier *DriftAlert
	for i := range report.Alerts {
		if report.Alerts[i].Type == "brier_degradation" {
			brier = &report.Alerts[i]
		}
	}
	require.NotNil(t, brier, "degradation from a perfect baseline must alert")
	assert.Equal(t, "error", brier.Severity)
	assert.Contains(t, brier.Message, "perfect baseline")
}

func TestCheckDriftInsufficientData(t *testing.T) {
	now := time.Now()
	e := newEngine(t, []*model.Decision{
		reviewedDecision(0.8, model.OutcomeSuccess, 5, now),
	})
	report, err := e.CheckDrift(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.DriftDetected)
	require.NotNil(t, report.Recommendation)
	assert.Equal(t, "insufficient_data", report.Recommendation.Type)
}

func TestReasonStats(t *testing.T) {
	now := time.Now()
	var decisions []*model.Decision
	for i := 0; i < 4; i++ {
		d := reviewedDecision(0.9, model.OutcomeFailure, 5+i, now)
		d.Reasons = []model.Reason{{Type: model.ReasonIntuition, Text: "felt right", Strength: 0.9}}
		decisions = append(decisions, d)
	}
	for i := 0; i < 4; i++ {
		d := reviewedDecision(0.7, model.OutcomeSuccess, 5+i, now)
		d.Reasons = []model.Reason{
			{Type: model.ReasonAnalysis, Text: "measured it", Strength: 0.8},
			{Type: model.ReasonEmpirical, Text: "prior experiment", Strength: 0.7},
		}
		decisions = append(decisions, d)
	}

	e := newEngine(t, decisions)
	report, err := e.ReasonStats(context.Background(), model.QueryFilters{}, 3)
	require.NoError(t, err)

	byType := map[model.ReasonType]ReasonTypeStats{}
	for _, s := range report.Types {
		byType[s.Type] = s
	}
	intuition := byType[model.ReasonIntuition]
	assert.Equal(t, 4, intuition.TotalUses)
	assert.Equal(t, 0.0, intuition.SuccessRate)
	require.NotNil(t, intuition.BrierScore)

	analysis := byType[model.ReasonAnalysis]
	assert.Equal(t, 1.0, analysis.SuccessRate)

	// Overconfident: intuition has 0.9 confidence and 0% success.
	var recTypes []string
	for _, r := range report.Recommendations {
		recTypes = append(recTypes, r.Type)
	}
	assert.Contains(t, recTypes, "overconfident_reason_type")
	assert.Contains(t, recTypes, "diversity_benefit")
	assert.Contains(t, recTypes, "unused_reason_types")

	require.Len(t, report.Diversity, 2)
	assert.Equal(t, 1, report.Diversity[0].TypeCount)
	assert.Equal(t, 2, report.Diversity[1].TypeCount)
}

func TestReadyQueue(t *testing.T) {
	now := time.Now()
	overdue := reviewedDecision(0.8, "", 10, now)
	overdue.Status = model.StatusPending
	overdue.Outcome = ""
	overdue.Stakes = model.StakesCritical
	reviewBy := now.Add(-72 * time.Hour)
	overdue.ReviewBy = &reviewBy

	stale := reviewedDecision(0.8, "", 40, now)
	stale.Status = model.StatusPending
	stale.Outcome = ""

	veryStale := reviewedDecision(0.8, "", 70, now)
	veryStale.Status = model.StatusPending
	veryStale.Outcome = ""

	e := newEngine(t, []*model.Decision{overdue, stale, veryStale})
	items, err := e.Ready(context.Background(), "", nil, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// High priority first; review_outcome sorts before stale_pending.
	assert.Equal(t, ReadyReviewOutcome, items[0].Type)
	assert.Equal(t, PriorityHigh, items[0].Priority)
	assert.Equal(t, ReadyStalePending, items[1].Type)
	assert.Equal(t, PriorityHigh, items[1].Priority)
	assert.Equal(t, PriorityMedium, items[2].Priority)

	// min_priority filters out the medium item.
	items, err = e.Ready(context.Background(), PriorityHigh, nil, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
