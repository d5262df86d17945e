// Package decisions implements the decision lifecycle: record, review,
// get, update, thought appending, preserve flagging, and reindexing.
package decisions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/breaker"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/bridge"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/embedding"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/graph"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/tracker"
)

// Service wires the decision lifecycle to its collaborators. The vector
// store and graph are best-effort: their failures never fail a record.
type Service struct {
	store    store.Store
	vectors  search.VectorStore
	embedder embedding.Provider
	tracker  *tracker.Tracker
	bridges  *bridge.Extractor
	breakers *breaker.Manager
	graph    *graph.Graph
	logger   *slog.Logger
	now      func() time.Time
}

// New assembles the lifecycle service.
func New(st store.Store, vectors search.VectorStore, embedder embedding.Provider,
	tr *tracker.Tracker, br *bridge.Extractor, cb *breaker.Manager, g *graph.Graph,
	logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		tracker:  tr,
		bridges:  br,
		breakers: cb,
		graph:    g,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordRequest carries every field the record method accepts. AgentID and
// DecisionID also act as tracker scoping keys, independent of persistence.
type RecordRequest struct {
	Title      string
	Decision   string
	Context    string
	Category   model.Category
	Stakes     model.Stakes
	Confidence float64

	AgentID    string
	DecisionID string // scoping only, never persisted

	Pattern string
	Tags    []string
	Project string
	Feature string
	PR      string

	KPIs        []string
	MentalState model.MentalState
	ReviewBy    *time.Time
	Reviewer    string

	Reasons      []model.Reason
	Bridge       *model.BridgeDefinition
	Deliberation *model.Deliberation
	Preserve     bool
}

// RecordResult reports the persisted decision and whether the vector
// index accepted it.
type RecordResult struct {
	Decision *model.Decision
	Indexed  bool
}

// Record validates, persists, and indexes one decision. Vector-store
// failure is non-fatal: the record exists with Indexed=false.
func (s *Service) Record(ctx context.Context, req RecordRequest, transportAgent string) (*RecordResult, error) {
	if err := validateRecord(req); err != nil {
		return nil, err
	}

	id, err := model.NewDecisionID()
	if err != nil {
		return nil, fmt.Errorf("decisions: record: %w", err)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = transportAgent
	}

	d := &model.Decision{
		ID:          id,
		Title:       req.Title,
		Decision:    req.Decision,
		Context:     req.Context,
		Category:    req.Category,
		Stakes:      req.Stakes,
		Confidence:  req.Confidence,
		Status:      model.StatusPending,
		Date:        s.now().UTC(),
		AgentID:     agentID,
		Pattern:     req.Pattern,
		Tags:        req.Tags,
		Project:     req.Project,
		Feature:     req.Feature,
		PR:          req.PR,
		KPIs:        req.KPIs,
		MentalState: req.MentalState,
		ReviewBy:    req.ReviewBy,
		Reviewer:    req.Reviewer,
		Reasons:     req.Reasons,
		Bridge:      req.Bridge,
		Preserve:    req.Preserve,
	}

	scopeKey := tracker.ScopeKey(req.AgentID, req.DecisionID, transportAgent)
	d.Deliberation = s.tracker.Consume(scopeKey, req.Deliberation)
	if d.Deliberation != nil {
		if err := d.Deliberation.Validate(); err != nil {
			return nil, model.NewValidationError(err.Error(), "deliberation")
		}
	}
	d.Bridge = s.bridges.Derive(ctx, d)

	if err := s.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("decisions: persist %s: %w", id, err)
	}

	indexed := s.index(ctx, d)

	s.tracker.BackfillConsumed(scopeKey, id)
	s.autoLink(ctx, d)

	s.logger.Info("decision recorded",
		"id", id, "category", d.Category, "stakes", d.Stakes,
		"agent", agentID, "indexed", indexed)
	return &RecordResult{Decision: d, Indexed: indexed}, nil
}

func validateRecord(req RecordRequest) error {
	var fields []string
	if req.Decision == "" {
		fields = append(fields, "decision")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		fields = append(fields, "confidence")
	}
	if !req.Category.Valid() {
		fields = append(fields, "category")
	}
	if !req.Stakes.Valid() {
		fields = append(fields, "stakes")
	}
	if req.MentalState != "" && !req.MentalState.Valid() {
		fields = append(fields, "mental_state")
	}
	for i, r := range req.Reasons {
		if !r.Type.Valid() {
			fields = append(fields, fmt.Sprintf("reasons[%d].type", i))
		}
		if r.Strength < 0 || r.Strength > 1 {
			fields = append(fields, fmt.Sprintf("reasons[%d].strength", i))
		}
	}
	if len(fields) > 0 {
		return model.NewValidationError("decisions: invalid record request", fields...)
	}
	return nil
}

// ReviewRequest closes the loop on a pending decision.
type ReviewRequest struct {
	ID           string
	Outcome      model.Outcome
	ActualResult string
	Lessons      string
	AffectedKPIs []string
}

// Review mutates the review fields of the decision (located by id or
// unique prefix), rewrites it atomically, and feeds the outcome into the
// circuit breakers.
func (s *Service) Review(ctx context.Context, req ReviewRequest, reviewerID string) (*model.Decision, error) {
	if !req.Outcome.Valid() {
		return nil, model.NewValidationError(
			fmt.Sprintf("decisions: unknown outcome %q", req.Outcome), "outcome")
	}

	d, err := s.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d.Status = model.StatusReviewed
	d.Outcome = req.Outcome
	d.ActualResult = req.ActualResult
	d.Lessons = req.Lessons
	d.AffectedKPIs = req.AffectedKPIs
	d.ReviewedAt = &now
	d.ReviewedBy = reviewerID

	if err := s.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("decisions: rewrite %s: %w", d.ID, err)
	}

	// Re-index so outcome and lessons become searchable.
	s.index(ctx, d)

	s.breakers.RecordOutcome(breakerContext(d), req.Outcome)
	s.logger.Info("decision reviewed", "id", d.ID, "outcome", req.Outcome, "reviewer", reviewerID)
	return d, nil
}

func breakerContext(d *model.Decision) breaker.Context {
	return breaker.Context{
		Category: string(d.Category),
		Stakes:   string(d.Stakes),
		AgentID:  d.AgentID,
		Tags:     d.Tags,
	}
}

// Get locates a decision by id or unique prefix.
func (s *Service) Get(ctx context.Context, idOrPrefix string) (*model.Decision, error) {
	return s.store.Get(ctx, idOrPrefix)
}

// UpdateRequest holds the shallow-mergeable fields. Nil means unchanged.
type UpdateRequest struct {
	Title       *string
	Context     *string
	Pattern     *string
	Tags        []string
	Project     *string
	Feature     *string
	PR          *string
	KPIs        []string
	MentalState *model.MentalState
	ReviewBy    *time.Time
	Reviewer    *string
}

// Update shallow-merges the allowed keys and rewrites atomically. Core
// fields (decision text, confidence, status, outcome) are not updatable.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*model.Decision, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.MentalState != nil && *req.MentalState != "" && !req.MentalState.Valid() {
		return nil, model.NewValidationError(
			fmt.Sprintf("decisions: unknown mental state %q", *req.MentalState), "mental_state")
	}

	if req.Title != nil {
		d.Title = *req.Title
	}
	if req.Context != nil {
		d.Context = *req.Context
	}
	if req.Pattern != nil {
		d.Pattern = *req.Pattern
	}
	if req.Tags != nil {
		d.Tags = req.Tags
	}
	if req.Project != nil {
		d.Project = *req.Project
	}
	if req.Feature != nil {
		d.Feature = *req.Feature
	}
	if req.PR != nil {
		d.PR = *req.PR
	}
	if req.KPIs != nil {
		d.KPIs = req.KPIs
	}
	if req.MentalState != nil {
		d.MentalState = *req.MentalState
	}
	if req.ReviewBy != nil {
		d.ReviewBy = req.ReviewBy
	}
	if req.Reviewer != nil {
		d.Reviewer = *req.Reviewer
	}

	if err := s.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("decisions: rewrite %s: %w", d.ID, err)
	}
	s.index(ctx, d)
	return d, nil
}

// AppendThought adds one step to the stored deliberation trace.
func (s *Service) AppendThought(ctx context.Context, id, thought string) (*model.Decision, error) {
	if thought == "" {
		return nil, model.NewValidationError("decisions: thought text is required", "thought")
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Deliberation == nil {
		d.Deliberation = &model.Deliberation{}
	}
	d.Deliberation.AppendThought(thought)
	if err := s.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("decisions: rewrite %s: %w", d.ID, err)
	}
	return d, nil
}

// SetPreserve writes the preserve flag atomically. Idempotent.
func (s *Service) SetPreserve(ctx context.Context, id string, preserve bool) (*model.Decision, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Preserve == preserve {
		return d, nil
	}
	d.Preserve = preserve
	if err := s.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("decisions: rewrite %s: %w", d.ID, err)
	}
	return d, nil
}

// List returns decisions matching the filters, date descending.
func (s *Service) List(ctx context.Context, filters model.QueryFilters) ([]*model.Decision, error) {
	return s.store.List(ctx, filters)
}

// CorpusStats combines persistence totals with the vector index size.
type CorpusStats struct {
	store.Stats
	Indexed    int    `json:"indexed"`
	Collection string `json:"collection"`
}

// Stats reports the corpus census.
func (s *Service) Stats(ctx context.Context) (CorpusStats, error) {
	base, err := s.store.Stats(ctx)
	if err != nil {
		return CorpusStats{}, fmt.Errorf("decisions: stats: %w", err)
	}
	out := CorpusStats{Stats: base, Collection: s.vectors.CollectionID()}
	if n, err := s.vectors.Count(ctx); err != nil {
		s.logger.Warn("decisions: vector count unavailable", "error", err)
	} else {
		out.Indexed = n
	}
	return out, nil
}

// ReindexResult reports a reindex pass.
type ReindexResult struct {
	Total   int `json:"total"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// Reindex re-embeds and upserts the whole corpus. Per-record failures are
// counted, not fatal.
func (s *Service) Reindex(ctx context.Context) (ReindexResult, error) {
	decisions, err := s.store.List(ctx, model.QueryFilters{})
	if err != nil {
		return ReindexResult{}, fmt.Errorf("decisions: reindex list: %w", err)
	}
	res := ReindexResult{Total: len(decisions)}
	for _, d := range decisions {
		if s.index(ctx, d) {
			res.Indexed++
		} else {
			res.Failed++
		}
	}
	s.logger.Info("reindex complete", "total", res.Total, "indexed", res.Indexed, "failed", res.Failed)
	return res, nil
}
