package model

import "time"

// EdgeType is a typed directional relation between two decisions.
type EdgeType string

const (
	EdgeSupersedes  EdgeType = "supersedes"
	EdgeRelatedTo   EdgeType = "related_to"
	EdgeDuplicates  EdgeType = "duplicates"
	EdgeReverses    EdgeType = "reverses"
	EdgeExtends     EdgeType = "extends"
	EdgeContradicts EdgeType = "contradicts"
	EdgeRequires    EdgeType = "requires"
)

// EdgeTypes lists all valid edge types.
func EdgeTypes() []EdgeType {
	return []EdgeType{
		EdgeSupersedes, EdgeRelatedTo, EdgeDuplicates, EdgeReverses,
		EdgeExtends, EdgeContradicts, EdgeRequires,
	}
}

// Valid reports whether the edge type is a known value.
func (e EdgeType) Valid() bool {
	switch e {
	case EdgeSupersedes, EdgeRelatedTo, EdgeDuplicates, EdgeReverses,
		EdgeExtends, EdgeContradicts, EdgeRequires:
		return true
	}
	return false
}

// Edge links a source decision to a target decision. Neither side owns the
// other; edges are additive and never deleted.
type Edge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Type      EdgeType  `json:"type"`
	Weight    *float64  `json:"weight,omitempty"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}
