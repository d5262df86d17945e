// Package model defines the core CSTP entities: decisions, reasons,
// deliberation traces, bridges, and graph edges.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Category classifies a decision by domain.
type Category string

const (
	CategoryArchitecture Category = "architecture"
	CategoryProcess      Category = "process"
	CategoryIntegration  Category = "integration"
	CategoryTooling      Category = "tooling"
	CategorySecurity     Category = "security"
)

// Categories lists all valid decision categories.
func Categories() []Category {
	return []Category{
		CategoryArchitecture, CategoryProcess, CategoryIntegration,
		CategoryTooling, CategorySecurity,
	}
}

// Valid reports whether the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryArchitecture, CategoryProcess, CategoryIntegration,
		CategoryTooling, CategorySecurity:
		return true
	}
	return false
}

// Stakes grades how consequential a decision is.
type Stakes string

const (
	StakesLow      Stakes = "low"
	StakesMedium   Stakes = "medium"
	StakesHigh     Stakes = "high"
	StakesCritical Stakes = "critical"
)

// Valid reports whether the stakes value is known.
func (s Stakes) Valid() bool {
	switch s {
	case StakesLow, StakesMedium, StakesHigh, StakesCritical:
		return true
	}
	return false
}

// Status is the review lifecycle state of a decision.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReviewed Status = "reviewed"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusReviewed
}

// Outcome is the judged result of a reviewed decision.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
)

// Valid reports whether the outcome is a known value.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeAbandoned:
		return true
	}
	return false
}

// Value maps an outcome to its numeric success value:
// success=1.0, partial=0.5, failure=0.0, abandoned=0.0.
func (o Outcome) Value() float64 {
	switch o {
	case OutcomeSuccess:
		return 1.0
	case OutcomePartial:
		return 0.5
	default:
		return 0.0
	}
}

// MentalState captures the decider's self-reported state at decision time.
type MentalState string

const (
	MentalFocused    MentalState = "focused"
	MentalTired      MentalState = "tired"
	MentalRushed     MentalState = "rushed"
	MentalConfident  MentalState = "confident"
	MentalUncertain  MentalState = "uncertain"
	MentalFrustrated MentalState = "frustrated"
)

// Valid reports whether the mental state is a known value.
func (m MentalState) Valid() bool {
	switch m {
	case MentalFocused, MentalTired, MentalRushed, MentalConfident,
		MentalUncertain, MentalFrustrated:
		return true
	}
	return false
}

// ReasonType classifies one reason supporting a decision.
type ReasonType string

const (
	ReasonAnalysis    ReasonType = "analysis"
	ReasonPattern     ReasonType = "pattern"
	ReasonAuthority   ReasonType = "authority"
	ReasonIntuition   ReasonType = "intuition"
	ReasonEmpirical   ReasonType = "empirical"
	ReasonAnalogy     ReasonType = "analogy"
	ReasonElimination ReasonType = "elimination"
	ReasonConstraint  ReasonType = "constraint"
)

// ReasonTypes lists the canonical reason-type set.
func ReasonTypes() []ReasonType {
	return []ReasonType{
		ReasonAnalysis, ReasonPattern, ReasonAuthority, ReasonIntuition,
		ReasonEmpirical, ReasonAnalogy, ReasonElimination, ReasonConstraint,
	}
}

// Valid reports whether the reason type is a known value.
func (r ReasonType) Valid() bool {
	switch r {
	case ReasonAnalysis, ReasonPattern, ReasonAuthority, ReasonIntuition,
		ReasonEmpirical, ReasonAnalogy, ReasonElimination, ReasonConstraint:
		return true
	}
	return false
}

// Reason is one ordered justification attached to a decision.
type Reason struct {
	Type     ReasonType `json:"type" yaml:"type"`
	Text     string     `json:"text" yaml:"text"`
	Strength float64    `json:"strength" yaml:"strength"`
}

// Decision is the central record of one consequential choice.
// Optional fields are pointers or zero values; the YAML form omits them.
type Decision struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title,omitempty" yaml:"title,omitempty"`
	Decision   string   `json:"decision" yaml:"decision"`
	Context    string   `json:"context,omitempty" yaml:"context,omitempty"`
	Category   Category `json:"category" yaml:"category"`
	Stakes     Stakes   `json:"stakes" yaml:"stakes"`
	Confidence float64  `json:"confidence" yaml:"confidence"`
	Status     Status   `json:"status" yaml:"status"`

	Date    time.Time `json:"date" yaml:"date"`
	AgentID string    `json:"agentId,omitempty" yaml:"agent_id,omitempty"`

	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Feature string `json:"feature,omitempty" yaml:"feature,omitempty"`
	PR      string `json:"pr,omitempty" yaml:"pr,omitempty"`

	KPIs        []string    `json:"kpis,omitempty" yaml:"kpis,omitempty"`
	MentalState MentalState `json:"mentalState,omitempty" yaml:"mental_state,omitempty"`
	ReviewBy    *time.Time  `json:"reviewBy,omitempty" yaml:"review_by,omitempty"`
	Reviewer    string      `json:"reviewer,omitempty" yaml:"reviewer,omitempty"`

	Reasons []Reason `json:"reasons,omitempty" yaml:"reasons,omitempty"`

	// Review fields, set once status becomes reviewed.
	Outcome      Outcome    `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	ActualResult string     `json:"actualResult,omitempty" yaml:"actual_result,omitempty"`
	Lessons      string     `json:"lessons,omitempty" yaml:"lessons,omitempty"`
	AffectedKPIs []string   `json:"affectedKpis,omitempty" yaml:"affected_kpis,omitempty"`
	ReviewedAt   *time.Time `json:"reviewedAt,omitempty" yaml:"reviewed_at,omitempty"`
	ReviewedBy   string     `json:"reviewedBy,omitempty" yaml:"reviewed_by,omitempty"`

	Bridge       *BridgeDefinition `json:"bridge,omitempty" yaml:"bridge,omitempty"`
	Deliberation *Deliberation     `json:"deliberation,omitempty" yaml:"deliberation,omitempty"`

	// Preserve exempts the record from compaction shaping.
	Preserve bool `json:"preserve,omitempty" yaml:"preserve,omitempty"`
}

// ActualConfidence maps the review outcome to the confidence the decider
// should have stated. Returns false when the decision has not been reviewed.
func (d *Decision) ActualConfidence() (float64, bool) {
	if d.Status != StatusReviewed || d.Outcome == "" {
		return 0, false
	}
	return d.Outcome.Value(), true
}

// AgeDays returns the whole days elapsed since the decision date.
func (d *Decision) AgeDays(now time.Time) int {
	return int(now.Sub(d.Date).Hours() / 24)
}

// ReasonTypeSet returns the distinct reason types used by the decision,
// in first-use order.
func (d *Decision) ReasonTypeSet() []ReasonType {
	seen := make(map[ReasonType]bool, len(d.Reasons))
	var out []ReasonType
	for _, r := range d.Reasons {
		if !seen[r.Type] {
			seen[r.Type] = true
			out = append(out, r.Type)
		}
	}
	return out
}

// NewDecisionID generates an 8-hex-char decision id from crypto/rand.
func NewDecisionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("model: generate decision id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
