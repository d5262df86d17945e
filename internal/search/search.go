// Package search implements the retrieval engine: the vector-store
// contract with its metadata filter language, a cached BM25 keyword index,
// and the semantic / keyword / hybrid retriever that fuses both.
package search

import "context"

// Where is the metadata filter language accepted by vector stores.
//
// Entries are either a field mapped to a scalar (exact match), a field
// mapped to an operator object ({"$gte": 0.5}, {"$in": [...]},
// {"$contains": "x"}), or a logical key "$and"/"$or" mapped to a list of
// sub-clauses.
type Where map[string]any

// Match is one vector-store query result. Distance orders ascending:
// closer is better.
type Match struct {
	ID       string
	Document string
	Distance float32
	Metadata map[string]any
}

// VectorStore is the abstract vector database contract.
type VectorStore interface {
	Initialize(ctx context.Context) error
	Upsert(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error
	Query(ctx context.Context, embedding []float32, n int, where Where) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	CollectionID() string
}
