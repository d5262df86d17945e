// Package compaction shapes query output by decision age. Raw files are
// never rewritten; only the representation returned to clients changes.
package compaction

import (
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// Level is the compaction tier of a decision.
type Level string

const (
	LevelFull    Level = "full"
	LevelSummary Level = "summary"
	LevelDigest  Level = "digest"
	LevelWisdom  Level = "wisdom"
)

// Age thresholds in days for each tier.
const (
	summaryAfterDays = 7
	digestAfterDays  = 30
	wisdomAfterDays  = 90
)

// Valid reports whether l names a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelFull, LevelSummary, LevelDigest, LevelWisdom:
		return true
	}
	return false
}

// LevelFor derives the compaction level from a decision's age. Preserved
// decisions and pending ones are always full regardless of age.
func LevelFor(d *model.Decision, now time.Time) Level {
	if d.Preserve || d.Status == model.StatusPending {
		return LevelFull
	}
	age := d.AgeDays(now)
	switch {
	case age < summaryAfterDays:
		return LevelFull
	case age < digestAfterDays:
		return LevelSummary
	case age < wisdomAfterDays:
		return LevelDigest
	default:
		return LevelWisdom
	}
}
