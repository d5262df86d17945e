package decisions

import (
	"context"
	"errors"
	"regexp"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/graph"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

const (
	autoLinkMinSharedTags = 2
	autoLinkScanLimit     = 200
	autoLinkMaxEdges      = 5
)

// decisionIDPattern matches inline references to other decisions, e.g.
// "supersedes a1b2c3d4" in the context text.
var decisionIDPattern = regexp.MustCompile(`\b[0-9a-f]{8}\b`)

// autoLink creates related_to edges from the new decision to prior ones
// that share its pattern, share at least two tags, or are referenced by id
// in its text. Entirely fail-open: link errors are logged and dropped.
func (s *Service) autoLink(ctx context.Context, d *model.Decision) {
	recent, err := s.store.List(ctx, model.QueryFilters{})
	if err != nil {
		s.logger.Warn("decisions: auto-link scan failed", "id", d.ID, "error", err)
		return
	}
	if len(recent) > autoLinkScanLimit {
		recent = recent[:autoLinkScanLimit]
	}

	mentioned := make(map[string]bool)
	for _, ref := range decisionIDPattern.FindAllString(d.Context+" "+d.Decision, -1) {
		mentioned[ref] = true
	}

	tags := make(map[string]bool, len(d.Tags))
	for _, t := range d.Tags {
		tags[t] = true
	}

	linked := 0
	for _, other := range recent {
		if other.ID == d.ID || linked >= autoLinkMaxEdges {
			continue
		}
		shared := 0
		for _, t := range other.Tags {
			if tags[t] {
				shared++
			}
		}
		samePattern := d.Pattern != "" && d.Pattern == other.Pattern
		if !mentioned[other.ID] && !samePattern && shared < autoLinkMinSharedTags {
			continue
		}
		err := s.graph.Link(model.Edge{Source: d.ID, Target: other.ID, Type: model.EdgeRelatedTo})
		switch {
		case err == nil:
			linked++
		case errors.Is(err, graph.ErrDuplicateEdge):
		default:
			s.logger.Warn("decisions: auto-link failed",
				"source", d.ID, "target", other.ID, "error", err)
		}
	}
	if linked > 0 {
		s.logger.Debug("decisions: auto-linked", "id", d.ID, "edges", linked)
	}
}
