package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/embedding"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

const metadataLessonsMax = 500

// index embeds the decision and upserts it into the vector store. Returns
// false on any failure; the caller treats that as indexed=false, never as
// an error.
func (s *Service) index(ctx context.Context, d *model.Decision) bool {
	vec, err := s.embedder.Embed(ctx, embedding.Truncate(EmbeddingText(d)))
	if err != nil {
		s.logger.Warn("decisions: embed failed", "id", d.ID, "error", err)
		return false
	}
	if err := s.vectors.Upsert(ctx, d.ID, d.Decision, vec, indexMetadata(d)); err != nil {
		s.logger.Warn("decisions: vector upsert failed", "id", d.ID, "error", err)
		return false
	}
	return true
}

// EmbeddingText assembles the text embedded for semantic retrieval:
// the decision itself, its context, category, reasons, tags, the bridge
// sides, and once reviewed, the outcome and lessons.
func EmbeddingText(d *model.Decision) string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString(d.Title)
		b.WriteString("\n")
	}
	b.WriteString(d.Decision)
	if d.Context != "" {
		b.WriteString("\nContext: ")
		b.WriteString(d.Context)
	}
	b.WriteString("\nCategory: ")
	b.WriteString(string(d.Category))
	for _, r := range d.Reasons {
		b.WriteString("\nReason (")
		b.WriteString(string(r.Type))
		b.WriteString("): ")
		b.WriteString(r.Text)
	}
	if len(d.Tags) > 0 {
		b.WriteString("\nTags: ")
		b.WriteString(strings.Join(d.Tags, ", "))
	}
	if d.Bridge != nil {
		if d.Bridge.Structure != "" {
			b.WriteString("\nStructure: ")
			b.WriteString(d.Bridge.Structure)
		}
		if d.Bridge.Function != "" {
			b.WriteString("\nFunction: ")
			b.WriteString(d.Bridge.Function)
		}
	}
	if d.Outcome != "" {
		b.WriteString("\nOutcome: ")
		b.WriteString(string(d.Outcome))
	}
	if d.Lessons != "" {
		b.WriteString("\nLessons: ")
		b.WriteString(d.Lessons)
	}
	return b.String()
}

// indexMetadata flattens the decision into the payload stored alongside
// the vector. Scalars stay scalar so the filter language can match them;
// nested structures ride along as JSON strings.
func indexMetadata(d *model.Decision) map[string]any {
	lessons := d.Lessons
	if len(lessons) > metadataLessonsMax {
		lessons = lessons[:metadataLessonsMax]
	}

	md := map[string]any{
		"title":      d.Title,
		"date":       d.Date.UTC().Format("2006-01-02"),
		"category":   string(d.Category),
		"stakes":     string(d.Stakes),
		"confidence": d.Confidence,
		"status":     string(d.Status),
		"agent":      d.AgentID,
		"path":       storagePath(d),
	}
	if d.Outcome != "" {
		md["outcome"] = string(d.Outcome)
	}
	if lessons != "" {
		md["lessons"] = lessons
	}
	if d.ActualResult != "" {
		md["actual_result"] = d.ActualResult
	}
	if len(d.Tags) > 0 {
		md["tags"] = append([]string(nil), d.Tags...)
	}
	if d.Pattern != "" {
		md["pattern"] = d.Pattern
	}
	if d.Project != "" {
		md["project"] = d.Project
	}
	if d.Feature != "" {
		md["feature"] = d.Feature
	}
	if d.PR != "" {
		md["pr"] = d.PR
	}
	if types := d.ReasonTypeSet(); len(types) > 0 {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = string(t)
		}
		md["reason_types"] = strings.Join(parts, ",")
	}
	if len(d.Reasons) > 0 {
		if raw, err := json.Marshal(d.Reasons); err == nil {
			md["reasons_json"] = string(raw)
		}
	}
	if d.Bridge != nil {
		if raw, err := json.Marshal(d.Bridge); err == nil {
			md["bridge_json"] = string(raw)
		}
	}
	return md
}

// storagePath mirrors the file store's year/month layout so search hits
// can point back at the record on disk.
func storagePath(d *model.Decision) string {
	date := d.Date.UTC()
	return fmt.Sprintf("%04d/%02d/%s-decision-%s.yaml",
		date.Year(), int(date.Month()), date.Format("2006-01-02"), d.ID)
}
