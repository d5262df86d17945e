package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// Interpretation labels a calibration gap (accuracy − avg confidence).
// Thresholds: ±0.05 for "slightly", ±0.10 for the strong labels.
const (
	WellCalibrated         = "well_calibrated"
	SlightlyOverconfident  = "slightly_overconfident"
	SlightlyUnderconfident = "slightly_underconfident"
	Overconfident          = "overconfident"
	Underconfident         = "underconfident"
)

// CalibrationStats describes how stated confidence tracked outcomes over
// one group of reviewed decisions.
type CalibrationStats struct {
	ReviewedDecisions int     `json:"reviewedDecisions"`
	Accuracy          float64 `json:"accuracy"`
	AvgConfidence     float64 `json:"avgConfidence"`
	BrierScore        float64 `json:"brierScore"`
	CalibrationGap    float64 `json:"calibrationGap"`
	Interpretation    string  `json:"interpretation"`
}

// BucketStats is CalibrationStats for one 0.1-wide confidence band.
type BucketStats struct {
	Bucket string `json:"bucket"` // e.g. "0.8-0.9"
	CalibrationStats
}

// Calibration is the full calibration report.
type Calibration struct {
	CalibrationStats
	Buckets []BucketStats `json:"buckets,omitempty"`
}

// Calibration computes overall and per-bucket calibration over the
// reviewed subset of the filtered corpus.
func (e *Engine) Calibration(ctx context.Context, filters model.QueryFilters) (Calibration, error) {
	filters.Status = []model.Status{model.StatusReviewed}
	decisions, err := e.store.List(ctx, filters)
	if err != nil {
		return Calibration{}, fmt.Errorf("analytics: list reviewed: %w", err)
	}

	report := Calibration{CalibrationStats: computeStats(decisions)}

	buckets := make(map[int][]*model.Decision)
	for _, d := range decisions {
		b := int(d.Confidence * 10)
		if b > 9 {
			b = 9 // confidence 1.0 joins the top band
		}
		buckets[b] = append(buckets[b], d)
	}
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		report.Buckets = append(report.Buckets, BucketStats{
			Bucket:           fmt.Sprintf("%.1f-%.1f", float64(k)/10, float64(k+1)/10),
			CalibrationStats: computeStats(buckets[k]),
		})
	}
	return report, nil
}

func computeStats(decisions []*model.Decision) CalibrationStats {
	s := CalibrationStats{ReviewedDecisions: len(decisions)}
	if len(decisions) == 0 {
		s.Interpretation = WellCalibrated
		return s
	}
	var sumValue, sumConfidence, sumBrier float64
	for _, d := range decisions {
		value := d.Outcome.Value()
		sumValue += value
		sumConfidence += d.Confidence
		sumBrier += (d.Confidence - value) * (d.Confidence - value)
	}
	n := float64(len(decisions))
	s.Accuracy = sumValue / n
	s.AvgConfidence = sumConfidence / n
	s.BrierScore = sumBrier / n
	s.CalibrationGap = s.Accuracy - s.AvgConfidence
	s.Interpretation = interpretGap(s.CalibrationGap)
	return s
}

func interpretGap(gap float64) string {
	switch {
	case gap <= -0.10:
		return Overconfident
	case gap <= -0.05:
		return SlightlyOverconfident
	case gap >= 0.10:
		return Underconfident
	case gap >= 0.05:
		return SlightlyUnderconfident
	default:
		return WellCalibrated
	}
}
