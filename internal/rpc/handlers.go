package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/aggregate"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/analytics"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/breaker"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/compaction"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/graph"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/guardrail"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/service/decisions"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/tracker"
)

// Handlers binds every cstp.* method to the underlying engines.
type Handlers struct {
	lifecycle *decisions.Service
	retriever *search.Retriever
	guards    *guardrail.Registry
	breakers  *breaker.Manager
	tracker   *tracker.Tracker
	graph     *graph.Graph
	compactor *compaction.Engine
	analytics *analytics.Engine
	agg       *aggregate.Aggregator
	logger    *slog.Logger
}

// NewHandlers wires the method set.
func NewHandlers(lifecycle *decisions.Service, retriever *search.Retriever,
	guards *guardrail.Registry, breakers *breaker.Manager, tr *tracker.Tracker,
	g *graph.Graph, compactor *compaction.Engine, an *analytics.Engine,
	agg *aggregate.Aggregator, logger *slog.Logger) *Handlers {
	return &Handlers{
		lifecycle: lifecycle,
		retriever: retriever,
		guards:    guards,
		breakers:  breakers,
		tracker:   tr,
		graph:     g,
		compactor: compactor,
		analytics: an,
		agg:       agg,
		logger:    logger,
	}
}

// Register installs every method on the dispatcher.
func (h *Handlers) Register(d *Dispatcher) {
	d.Register("queryDecisions", CodeQueryFailed, h.queryDecisions)
	d.Register("listDecisions", CodeQueryFailed, h.listDecisions)
	d.Register("getDecision", CodeQueryFailed, h.getDecision)
	d.Register("getStats", CodeQueryFailed, h.getStats)
	d.Register("recordDecision", CodeRecordFailed, h.recordDecision)
	d.Register("updateDecision", CodeRecordFailed, h.updateDecision)
	d.Register("recordThought", CodeRecordFailed, h.recordThought)
	d.Register("reviewDecision", CodeReviewFailed, h.reviewDecision)
	d.Register("setPreserve", CodeRecordFailed, h.setPreserve)
	d.Register("reindex", CodeQueryFailed, h.reindex)

	d.Register("checkGuardrails", CodeGuardrailFailed, h.checkGuardrails)
	d.Register("listGuardrails", CodeGuardrailFailed, h.listGuardrails)

	d.Register("getCalibration", CodeQueryFailed, h.getCalibration)
	d.Register("attributeOutcomes", CodeAttributionFailed, h.attributeOutcomes)
	d.Register("checkDrift", CodeQueryFailed, h.checkDrift)
	d.Register("getReasonStats", CodeQueryFailed, h.getReasonStats)
	d.Register("ready", CodeQueryFailed, h.ready)

	d.Register("preAction", CodeGuardrailFailed, h.preAction)
	d.Register("getSessionContext", CodeQueryFailed, h.getSessionContext)

	d.Register("linkDecisions", CodeRecordFailed, h.linkDecisions)
	d.Register("getGraph", CodeQueryFailed, h.getGraph)
	d.Register("getNeighbors", CodeQueryFailed, h.getNeighbors)

	d.Register("compact", CodeQueryFailed, h.compact)
	d.Register("getCompacted", CodeQueryFailed, h.getCompacted)
	d.Register("getWisdom", CodeQueryFailed, h.getWisdom)

	d.Register("listBreakers", CodeQueryFailed, h.listBreakers)
	d.Register("getCircuitState", CodeQueryFailed, h.getCircuitState)
	d.Register("resetCircuit", CodeInternal, h.resetCircuit)

	d.Register("debugTracker", CodeQueryFailed, h.debugTracker)
}

// scopeKey derives the tracker session key from explicit scoping params
// and the transport identity.
func (h *Handlers) scopeKey(ctx context.Context, p Params) string {
	return tracker.ScopeKey(p.Str("agentId"), p.Str("decisionId"), AgentFromContext(ctx))
}

// filterParams is the wire form of the common filter taxonomy. It appears
// either flat in params or nested under "filters".
type filterParams struct {
	Category      string   `json:"category"`
	Stakes        []string `json:"stakes"`
	Status        []string `json:"status"`
	ConfidenceMin *float64 `json:"confidenceMin"`
	ConfidenceMax *float64 `json:"confidenceMax"`
	Project       string   `json:"project"`
	Feature       string   `json:"feature"`
	PR            string   `json:"pr"`
	Tags          []string `json:"tags"`
	TagsAll       bool     `json:"tagsAll"`
	AgentID       string   `json:"agentId"`
}

func parseFilters(p Params) (model.QueryFilters, error) {
	src := p
	if nested, ok := p["filters"].(map[string]any); ok {
		src = Params(nested)
	}

	var fp filterParams
	// Scalar stakes/status/tags promote to one-element lists.
	fp.Stakes = src.StrSlice("stakes")
	fp.Status = src.StrSlice("status")
	fp.Tags = src.StrSlice("tags")
	fp.Category = src.Str("category")
	fp.Project = src.Str("project")
	fp.Feature = src.Str("feature")
	fp.PR = src.Str("pr")
	fp.TagsAll = src.Bool("tagsAll")
	fp.AgentID = src.Str("filterAgentId")
	if v, ok := src.Float("confidenceMin"); ok {
		fp.ConfidenceMin = &v
	}
	if v, ok := src.Float("confidenceMax"); ok {
		fp.ConfidenceMax = &v
	}

	out := model.QueryFilters{
		ConfidenceMin: fp.ConfidenceMin,
		ConfidenceMax: fp.ConfidenceMax,
		Tags:          fp.Tags,
		TagsAll:       fp.TagsAll,
	}
	if fp.Category != "" {
		c := model.Category(fp.Category)
		if !c.Valid() {
			return out, model.NewValidationError(fmt.Sprintf("unknown category %q", fp.Category), "category")
		}
		out.Category = &c
	}
	for _, s := range fp.Stakes {
		st := model.Stakes(s)
		if !st.Valid() {
			return out, model.NewValidationError(fmt.Sprintf("unknown stakes %q", s), "stakes")
		}
		out.Stakes = append(out.Stakes, st)
	}
	for _, s := range fp.Status {
		st := model.Status(s)
		if !st.Valid() {
			return out, model.NewValidationError(fmt.Sprintf("unknown status %q", s), "status")
		}
		out.Status = append(out.Status, st)
	}
	if fp.Project != "" {
		out.Project = &fp.Project
	}
	if fp.Feature != "" {
		out.Feature = &fp.Feature
	}
	if fp.PR != "" {
		out.PR = &fp.PR
	}
	if fp.AgentID != "" {
		out.AgentID = &fp.AgentID
	}
	return out, nil
}

// hitWire flattens one retrieval hit for the wire.
type hitWire struct {
	*model.Decision
	Score         float64          `json:"score"`
	SemanticScore *float64         `json:"semanticScore,omitempty"`
	KeywordScore  *float64         `json:"keywordScore,omitempty"`
	Level         compaction.Level `json:"level,omitempty"`
}

func (h *Handlers) queryDecisions(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}

	query := p.Str("query")
	h.tracker.Track(h.scopeKey(ctx, p), tracker.InputQuery, query, "queryDecisions", nil)

	req := search.Request{
		Query:      query,
		Mode:       search.Mode(p.Str("mode")),
		Limit:      p.Int("limit"),
		BridgeSide: p.Str("bridgeSide"),
		Filters:    filters,
		Compaction: p.Bool("compact"),
	}
	if w, ok := p.Float("weight"); ok {
		req.Weight = &w
	}

	hits, err := h.retriever.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	results := make([]hitWire, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hitWire{
			Decision:      hit.Decision,
			Score:         hit.Score,
			SemanticScore: hit.SemanticScore,
			KeywordScore:  hit.KeywordScore,
			Level:         hit.Level,
		})
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

func (h *Handlers) listDecisions(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}
	list, err := h.lifecycle.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	if limit := p.Int("limit"); limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return map[string]any{"decisions": list, "count": len(list)}, nil
}

func (h *Handlers) getDecision(ctx context.Context, p Params) (any, error) {
	id := p.Str("id")
	if id == "" {
		return nil, model.NewValidationError("id is required", "id")
	}
	d, err := h.lifecycle.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	h.tracker.Track(h.scopeKey(ctx, p), tracker.InputLookup,
		fmt.Sprintf("looked up decision %s: %s", d.ID, d.Decision), "getDecision", nil)
	return d, nil
}

func (h *Handlers) getStats(ctx context.Context, p Params) (any, error) {
	stats, err := h.lifecycle.Stats(ctx)
	if err != nil {
		return nil, err
	}
	h.tracker.Track(h.scopeKey(ctx, p), tracker.InputStats,
		fmt.Sprintf("corpus stats: %d decisions", stats.Total), "getStats", nil)
	return stats, nil
}

// recordWire is the wire form of a record request.
type recordWire struct {
	Title        string                  `json:"title"`
	Decision     string                  `json:"decision"`
	Context      string                  `json:"context"`
	Category     string                  `json:"category"`
	Stakes       string                  `json:"stakes"`
	Confidence   float64                 `json:"confidence"`
	AgentID      string                  `json:"agentId"`
	DecisionID   string                  `json:"decisionId"`
	Pattern      string                  `json:"pattern"`
	Tags         []string                `json:"tags"`
	Project      string                  `json:"project"`
	Feature      string                  `json:"feature"`
	PR           string                  `json:"pr"`
	KPIs         []string                `json:"kpis"`
	MentalState  string                  `json:"mentalState"`
	ReviewBy     string                  `json:"reviewBy"`
	Reviewer     string                  `json:"reviewer"`
	Reasons      []model.Reason          `json:"reasons"`
	Bridge       *model.BridgeDefinition `json:"bridge"`
	Deliberation *model.Deliberation     `json:"deliberation"`
	Preserve     bool                    `json:"preserve"`
}

func (h *Handlers) recordDecision(ctx context.Context, p Params) (any, error) {
	var w recordWire
	if err := p.Decode(&w); err != nil {
		return nil, err
	}

	req := decisions.RecordRequest{
		Title:        w.Title,
		Decision:     w.Decision,
		Context:      w.Context,
		Category:     model.Category(w.Category),
		Stakes:       model.Stakes(w.Stakes),
		Confidence:   w.Confidence,
		AgentID:      w.AgentID,
		DecisionID:   w.DecisionID,
		Pattern:      w.Pattern,
		Tags:         w.Tags,
		Project:      w.Project,
		Feature:      w.Feature,
		PR:           w.PR,
		KPIs:         w.KPIs,
		MentalState:  model.MentalState(w.MentalState),
		Reviewer:     w.Reviewer,
		Reasons:      w.Reasons,
		Bridge:       w.Bridge,
		Deliberation: w.Deliberation,
		Preserve:     w.Preserve,
	}
	if w.ReviewBy != "" {
		ts, err := parseDate(w.ReviewBy)
		if err != nil {
			return nil, model.NewValidationError(err.Error(), "review_by")
		}
		req.ReviewBy = &ts
	}

	res, err := h.lifecycle.Record(ctx, req, AgentFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":       res.Decision.ID,
		"indexed":  res.Indexed,
		"decision": res.Decision,
	}, nil
}

func (h *Handlers) updateDecision(ctx context.Context, p Params) (any, error) {
	id := p.Str("id")
	if id == "" {
		return nil, model.NewValidationError("id is required", "id")
	}

	var req decisions.UpdateRequest
	if v, ok := p["title"].(string); ok {
		req.Title = &v
	}
	if v, ok := p["context"].(string); ok {
		req.Context = &v
	}
	if v, ok := p["pattern"].(string); ok {
		req.Pattern = &v
	}
	if p.Has("tags") {
		req.Tags = p.StrSlice("tags")
	}
	if v, ok := p["project"].(string); ok {
		req.Project = &v
	}
	if v, ok := p["feature"].(string); ok {
		req.Feature = &v
	}
	if v, ok := p["pr"].(string); ok {
		req.PR = &v
	}
	if p.Has("kpis") {
		req.KPIs = p.StrSlice("kpis")
	}
	if v, ok := p["mentalState"].(string); ok {
		ms := model.MentalState(v)
		req.MentalState = &ms
	}
	if v, ok := p["reviewBy"].(string); ok {
		ts, err := parseDate(v)
		if err != nil {
			return nil, model.NewValidationError(err.Error(), "review_by")
		}
		req.ReviewBy = &ts
	}
	if v, ok := p["reviewer"].(string); ok {
		req.Reviewer = &v
	}

	d, err := h.lifecycle.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// recordThought appends to a stored decision's trace when the id resolves,
// and otherwise captures the thought into the live tracker session.
func (h *Handlers) recordThought(ctx context.Context, p Params) (any, error) {
	thought := p.Str("thought")
	if thought == "" {
		thought = p.Str("text")
	}
	if thought == "" {
		return nil, model.NewValidationError("thought text is required", "thought")
	}

	if id := p.Str("decisionId"); id != "" {
		if d, err := h.lifecycle.Get(ctx, id); err == nil {
			updated, err := h.lifecycle.AppendThought(ctx, d.ID, thought)
			if err != nil {
				return nil, err
			}
			return map[string]any{"appended": true, "id": updated.ID}, nil
		}
	}

	key := h.scopeKey(ctx, p)
	h.tracker.Track(key, tracker.InputReasoning, thought, "recordThought", nil)
	return map[string]any{"tracked": true, "key": key}, nil
}

type reviewWire struct {
	ID           string   `json:"id"`
	Outcome      string   `json:"outcome"`
	ActualResult string   `json:"actualResult"`
	Lessons      string   `json:"lessons"`
	AffectedKPIs []string `json:"affectedKpis"`
}

func (h *Handlers) reviewDecision(ctx context.Context, p Params) (any, error) {
	var w reviewWire
	if err := p.Decode(&w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, model.NewValidationError("id is required", "id")
	}
	d, err := h.lifecycle.Review(ctx, decisions.ReviewRequest{
		ID:           w.ID,
		Outcome:      model.Outcome(w.Outcome),
		ActualResult: w.ActualResult,
		Lessons:      w.Lessons,
		AffectedKPIs: w.AffectedKPIs,
	}, AgentFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (h *Handlers) setPreserve(ctx context.Context, p Params) (any, error) {
	id := p.Str("id")
	if id == "" {
		return nil, model.NewValidationError("id is required", "id")
	}
	preserve := true
	if p.Has("preserve") {
		preserve = p.Bool("preserve")
	}
	d, err := h.lifecycle.SetPreserve(ctx, id, preserve)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": d.ID, "preserve": d.Preserve}, nil
}

func (h *Handlers) reindex(ctx context.Context, p Params) (any, error) {
	return h.lifecycle.Reindex(ctx)
}

func (h *Handlers) checkGuardrails(ctx context.Context, p Params) (any, error) {
	evalCtx := map[string]any{
		"agent": AgentFromContext(ctx),
	}
	for _, key := range []string{"action", "category", "stakes", "project", "feature"} {
		if v := p.Str(key); v != "" {
			evalCtx[key] = v
		}
	}
	if v, ok := p.Float("confidence"); ok {
		evalCtx["confidence"] = v
	}
	if tags := p.StrSlice("tags"); len(tags) > 0 {
		evalCtx["tags"] = tags
	}

	eval := h.guards.Evaluate(evalCtx)
	h.tracker.Track(h.scopeKey(ctx, p), tracker.InputGuardrail,
		fmt.Sprintf("guardrails: allowed=%t, %d violations", eval.Allowed, len(eval.Violations)),
		"checkGuardrails", nil)
	return eval, nil
}

func (h *Handlers) listGuardrails(ctx context.Context, p Params) (any, error) {
	rules := h.guards.List()
	return map[string]any{"guardrails": rules, "count": len(rules)}, nil
}

func (h *Handlers) debugTracker(ctx context.Context, p Params) (any, error) {
	sessions, consumed := h.tracker.DebugSessions(p.Str("key"), p.Bool("includeConsumed"))
	out := map[string]any{"sessions": sessions}
	if p.Bool("includeConsumed") {
		out["consumed"] = consumed
	}
	return out, nil
}

// parseDate accepts RFC3339 or plain YYYY-MM-DD.
func parseDate(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want RFC3339 or YYYY-MM-DD)", s)
	}
	return ts, nil
}
