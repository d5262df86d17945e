// Package aggregate composes the lower-level engines into the two
// compound operations agents call most: the pre-action gate and the
// session-context briefing.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/analytics"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/breaker"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/guardrail"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/service/decisions"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

// ViolationCircuitBreaker is the violation type used when an open circuit
// blocks the action. Guardrail violations carry type "guardrail".
const (
	ViolationGuardrail      = "guardrail"
	ViolationCircuitBreaker = "circuit_breaker"
)

// Aggregator owns the compound flows.
type Aggregator struct {
	retriever *search.Retriever
	guards    *guardrail.Registry
	breakers  *breaker.Manager
	analytics *analytics.Engine
	lifecycle *decisions.Service
	store     store.Store
	logger    *slog.Logger
	now       func() time.Time
}

// New wires the aggregator.
func New(retriever *search.Retriever, guards *guardrail.Registry, breakers *breaker.Manager,
	an *analytics.Engine, lifecycle *decisions.Service, st store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		retriever: retriever,
		guards:    guards,
		breakers:  breakers,
		analytics: an,
		lifecycle: lifecycle,
		store:     st,
		logger:    logger,
		now:       time.Now,
	}
}

// PreActionRequest describes an action about to be taken.
type PreActionRequest struct {
	Action     string
	Category   model.Category
	Stakes     model.Stakes
	Confidence float64
	Project    string
	Tags       []string

	AutoRecord    bool
	IncludeDetail bool
	Limit         int
}

// Violation is one reason the action is blocked or flagged. Circuit
// breaker blocks ride the same shape as guardrail hits.
type Violation struct {
	Type        string  `json:"type"`
	GuardrailID string  `json:"guardrailId,omitempty"`
	Message     string  `json:"message"`
	Scope       string  `json:"scope,omitempty"`
	State       string  `json:"state,omitempty"`
	FailureRate float64 `json:"failureRate,omitempty"`
	ResetAt     string  `json:"resetAt,omitempty"`
}

// RelevantDecision is one prior decision surfaced for the action.
type RelevantDecision struct {
	ID         string                  `json:"id"`
	Title      string                  `json:"title,omitempty"`
	Decision   string                  `json:"decision"`
	Category   model.Category          `json:"category"`
	Outcome    model.Outcome           `json:"outcome,omitempty"`
	Confidence float64                 `json:"confidence"`
	Score      float64                 `json:"score"`
	Lessons    string                  `json:"lessons,omitempty"`
	Actual     string                  `json:"actualResult,omitempty"`
	Bridge     *model.BridgeDefinition `json:"bridge,omitempty"`
}

// PreActionResult is the gate's verdict plus everything it consulted.
type PreActionResult struct {
	Allowed     bool                   `json:"allowed"`
	Decisions   []RelevantDecision     `json:"decisions,omitempty"`
	Violations  []Violation            `json:"violations,omitempty"`
	Warnings    []Violation            `json:"warnings,omitempty"`
	Calibration *analytics.Calibration `json:"calibration,omitempty"`
	DecisionID  string                 `json:"decisionId,omitempty"`
}

// PreAction runs retrieval, guardrails, circuit breakers, and calibration
// in that order, then optionally records the decision when nothing blocks.
func (a *Aggregator) PreAction(ctx context.Context, req PreActionRequest, agentID string) (*PreActionResult, error) {
	out := &PreActionResult{Allowed: true}

	hits, err := a.retriever.Retrieve(ctx, search.Request{
		Query:   req.Action,
		Mode:    search.ModeHybrid,
		Limit:   req.Limit,
		Filters: model.QueryFilters{Category: categoryFilter(req.Category)},
	})
	if err != nil {
		// Retrieval trouble degrades the briefing, not the gate.
		a.logger.Warn("aggregate: pre-action retrieval failed", "error", err)
	}
	for _, h := range hits {
		out.Decisions = append(out.Decisions, relevantDecision(h, req.IncludeDetail))
	}

	eval := a.guards.Evaluate(map[string]any{
		"action":     req.Action,
		"category":   string(req.Category),
		"stakes":     string(req.Stakes),
		"confidence": req.Confidence,
		"project":    req.Project,
		"tags":       req.Tags,
		"agent":      agentID,
	})
	for _, v := range eval.Violations {
		out.Allowed = false
		out.Violations = append(out.Violations, guardrailViolation(v))
	}
	for _, w := range eval.Warnings {
		out.Warnings = append(out.Warnings, guardrailViolation(w))
	}

	check := a.breakers.Check(breaker.Context{
		Category: string(req.Category),
		Stakes:   string(req.Stakes),
		AgentID:  agentID,
		Tags:     req.Tags,
	})
	if !check.Allowed {
		out.Allowed = false
		for _, d := range check.Decisions {
			if d.Allowed {
				continue
			}
			out.Violations = append(out.Violations, a.breakerViolation(d))
		}
	}

	if cal, err := a.analytics.Calibration(ctx, model.QueryFilters{Category: categoryFilter(req.Category)}); err != nil {
		a.logger.Warn("aggregate: pre-action calibration failed", "error", err)
	} else if cal.ReviewedDecisions > 0 {
		out.Calibration = &cal
	}

	if out.Allowed && req.AutoRecord {
		res, err := a.lifecycle.Record(ctx, decisions.RecordRequest{
			Decision:   req.Action,
			Category:   req.Category,
			Stakes:     req.Stakes,
			Confidence: req.Confidence,
			Project:    req.Project,
			Tags:       req.Tags,
			AgentID:    agentID,
		}, agentID)
		if err != nil {
			return nil, fmt.Errorf("aggregate: auto-record: %w", err)
		}
		out.DecisionID = res.Decision.ID
	}
	return out, nil
}

func categoryFilter(c model.Category) *model.Category {
	if c == "" {
		return nil
	}
	return &c
}

func guardrailViolation(r guardrail.Result) Violation {
	return Violation{Type: ViolationGuardrail, GuardrailID: r.GuardrailID, Message: r.Message}
}

func (a *Aggregator) breakerViolation(d breaker.Decision) Violation {
	snap := a.breakers.GetState(d.Scope)
	v := Violation{
		Type:    ViolationCircuitBreaker,
		Scope:   d.Scope,
		State:   string(d.State),
		Message: fmt.Sprintf("circuit %s is %s after repeated failures", d.Scope, d.State),
	}
	if snap.Threshold > 0 {
		v.FailureRate = float64(snap.FailureCount) / float64(snap.Threshold)
	}
	if d.RemainingCooldownMS > 0 {
		v.ResetAt = a.now().UTC().
			Add(time.Duration(d.RemainingCooldownMS) * time.Millisecond).
			Format(time.RFC3339)
	}
	return v
}

func relevantDecision(h search.Hit, includeDetail bool) RelevantDecision {
	d := h.Decision
	out := RelevantDecision{
		ID:         d.ID,
		Title:      d.Title,
		Decision:   d.Decision,
		Category:   d.Category,
		Outcome:    d.Outcome,
		Confidence: d.Confidence,
		Score:      h.Score,
		Bridge:     d.Bridge,
	}
	if includeDetail {
		out.Lessons = d.Lessons
		out.Actual = d.ActualResult
	}
	return out
}
