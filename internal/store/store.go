// Package store persists decision records. Two backends implement the same
// contract: a YAML file tree (canonical) and a single-file SQLite database.
//
// Raw records are never deleted; compaction only shapes query output.
package store

import (
	"context"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// Stats summarizes the persisted corpus.
type Stats struct {
	Total      int                        `json:"total"`
	ByStatus   map[model.Status]int       `json:"byStatus"`
	ByCategory map[model.Category]int     `json:"byCategory"`
	ByOutcome  map[model.Outcome]int      `json:"byOutcome"`
	ByStakes   map[model.Stakes]int       `json:"byStakes"`
}

// Store is the decision persistence contract.
//
// Save is atomic: readers observe either the previous version or the new
// one, never a partial record. Get accepts a full 8-hex id or a unique
// prefix. List returns matching records ordered by date descending.
type Store interface {
	Save(ctx context.Context, d *model.Decision) error
	Get(ctx context.Context, idOrPrefix string) (*model.Decision, error)
	List(ctx context.Context, filters model.QueryFilters) ([]*model.Decision, error)
	Count(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func newStats() Stats {
	return Stats{
		ByStatus:   make(map[model.Status]int),
		ByCategory: make(map[model.Category]int),
		ByOutcome:  make(map[model.Outcome]int),
		ByStakes:   make(map[model.Stakes]int),
	}
}

func (s *Stats) add(d *model.Decision) {
	s.Total++
	s.ByStatus[d.Status]++
	s.ByCategory[d.Category]++
	s.ByStakes[d.Stakes]++
	if d.Outcome != "" {
		s.ByOutcome[d.Outcome]++
	}
}
