package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/aggregate"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/compaction"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/graph"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

func (h *Handlers) getCalibration(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}
	return h.analytics.Calibration(ctx, filters)
}

func (h *Handlers) attributeOutcomes(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}
	// parseFilters consumes "category"; kpi is this method's own selector.
	attributions, err := h.analytics.AttributeOutcomes(ctx, p.Str("kpi"), filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"kpis": attributions, "count": len(attributions)}, nil
}

func (h *Handlers) checkDrift(ctx context.Context, p Params) (any, error) {
	var category *model.Category
	if s := p.Str("category"); s != "" {
		c := model.Category(s)
		if !c.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown category %q", s), "category")
		}
		category = &c
	}
	thresholdBrier, _ := p.Float("thresholdBrier")
	thresholdAccuracy, _ := p.Float("thresholdAccuracy")
	return h.analytics.CheckDrift(ctx, category, thresholdBrier, thresholdAccuracy)
}

func (h *Handlers) getReasonStats(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}
	return h.analytics.ReasonStats(ctx, filters, p.Int("minReviewed"))
}

func (h *Handlers) ready(ctx context.Context, p Params) (any, error) {
	var category *model.Category
	if s := p.Str("category"); s != "" {
		c := model.Category(s)
		if !c.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown category %q", s), "category")
		}
		category = &c
	}
	minPriority := p.Str("minPriority")
	items, err := h.analytics.Ready(ctx, minPriority, category, p.Int("limit"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

type preActionWire struct {
	Action        string   `json:"action"`
	Category      string   `json:"category"`
	Stakes        string   `json:"stakes"`
	Confidence    float64  `json:"confidence"`
	Project       string   `json:"project"`
	Tags          []string `json:"tags"`
	AutoRecord    bool     `json:"autoRecord"`
	IncludeDetail bool     `json:"includeDetail"`
	Limit         int      `json:"limit"`
}

func (h *Handlers) preAction(ctx context.Context, p Params) (any, error) {
	var w preActionWire
	if err := p.Decode(&w); err != nil {
		return nil, err
	}
	if w.Action == "" {
		return nil, model.NewValidationError("action description is required", "action")
	}
	return h.agg.PreAction(ctx, aggregate.PreActionRequest{
		Action:        w.Action,
		Category:      model.Category(w.Category),
		Stakes:        model.Stakes(w.Stakes),
		Confidence:    w.Confidence,
		Project:       w.Project,
		Tags:          w.Tags,
		AutoRecord:    w.AutoRecord,
		IncludeDetail: w.IncludeDetail,
		Limit:         w.Limit,
	}, AgentFromContext(ctx))
}

func (h *Handlers) getSessionContext(ctx context.Context, p Params) (any, error) {
	agentID := p.Str("agentId")
	if agentID == "" {
		agentID = AgentFromContext(ctx)
	}
	return h.agg.SessionContext(ctx, aggregate.SessionContextRequest{
		AgentID:  agentID,
		Task:     p.Str("task"),
		Include:  p.StrSlice("include"),
		Limit:    p.Int("limit"),
		Markdown: p.Str("format") == "markdown",
	})
}

func (h *Handlers) linkDecisions(ctx context.Context, p Params) (any, error) {
	source := p.Str("source")
	target := p.Str("target")
	if source == "" || target == "" {
		return nil, model.NewValidationError("source and target are required", "source", "target")
	}
	// Both endpoints must exist before an edge is written.
	src, err := h.lifecycle.Get(ctx, source)
	if err != nil {
		return nil, err
	}
	dst, err := h.lifecycle.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	edge := model.Edge{
		Source:    src.ID,
		Target:    dst.ID,
		Type:      model.EdgeType(p.Str("edgeType")),
		Context:   p.Str("context"),
		CreatedBy: AgentFromContext(ctx),
	}
	if w, ok := p.Float("weight"); ok {
		edge.Weight = &w
	}
	if err := h.graph.Link(edge); err != nil {
		if errors.Is(err, graph.ErrDuplicateEdge) {
			return nil, NewError(CodeInvalidParams, "edge already exists").
				WithData(map[string]any{"source": src.ID, "target": dst.ID, "edgeType": edge.Type})
		}
		return nil, err
	}
	return map[string]any{"edge": edge, "created": true}, nil
}

func (h *Handlers) getGraph(ctx context.Context, p Params) (any, error) {
	node := p.Str("node")
	if node == "" {
		return nil, model.NewValidationError("node is required", "node")
	}
	var types []model.EdgeType
	for _, s := range p.StrSlice("edgeTypes") {
		t := model.EdgeType(s)
		if !t.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown edge type %q", s), "edge_types")
		}
		types = append(types, t)
	}
	return h.graph.Traverse(node, p.Int("depth"), direction(p), types), nil
}

func (h *Handlers) getNeighbors(ctx context.Context, p Params) (any, error) {
	node := p.Str("node")
	if node == "" {
		return nil, model.NewValidationError("node is required", "node")
	}
	var edgeType *model.EdgeType
	if s := p.Str("edgeType"); s != "" {
		t := model.EdgeType(s)
		if !t.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown edge type %q", s), "edge_type")
		}
		edgeType = &t
	}
	edges := h.graph.Neighbors(node, direction(p), edgeType, p.Int("limit"))
	return map[string]any{"node": node, "edges": edges, "count": len(edges)}, nil
}

func direction(p Params) graph.Direction {
	switch p.Str("direction") {
	case "in":
		return graph.DirectionIn
	case "out":
		return graph.DirectionOut
	default:
		return graph.DirectionBoth
	}
}

func (h *Handlers) compact(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}
	return h.compactor.Compact(ctx, filters)
}

func (h *Handlers) getCompacted(ctx context.Context, p Params) (any, error) {
	filters, err := parseFilters(p)
	if err != nil {
		return nil, err
	}
	var forceLevel *compaction.Level
	if s := p.Str("level"); s != "" {
		l := compaction.Level(s)
		if !l.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown level %q", s), "level")
		}
		forceLevel = &l
	}
	items, err := h.compactor.GetCompacted(ctx, filters, forceLevel, p.Int("limit"), p.Bool("includePreserved"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"decisions": items, "count": len(items)}, nil
}

func (h *Handlers) getWisdom(ctx context.Context, p Params) (any, error) {
	var category *model.Category
	if s := p.Str("category"); s != "" {
		c := model.Category(s)
		if !c.Valid() {
			return nil, model.NewValidationError(fmt.Sprintf("unknown category %q", s), "category")
		}
		category = &c
	}
	entries, err := h.compactor.GetWisdom(ctx, category, p.Int("minDecisions"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"wisdom": entries, "count": len(entries)}, nil
}

func (h *Handlers) listBreakers(ctx context.Context, p Params) (any, error) {
	snaps := h.breakers.List()
	return map[string]any{"breakers": snaps, "count": len(snaps)}, nil
}

func (h *Handlers) getCircuitState(ctx context.Context, p Params) (any, error) {
	scope := p.Str("scope")
	if scope == "" {
		return nil, model.NewValidationError("scope is required", "scope")
	}
	return h.breakers.GetState(scope), nil
}

func (h *Handlers) resetCircuit(ctx context.Context, p Params) (any, error) {
	scope := p.Str("scope")
	if scope == "" {
		return nil, model.NewValidationError("scope is required", "scope")
	}
	snap := h.breakers.Reset(scope, p.Bool("probeFirst"))
	h.logger.Info("circuit manually reset",
		"scope", scope, "state", snap.State, "agent", AgentFromContext(ctx))
	return snap, nil
}
