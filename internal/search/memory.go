package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process VectorStore with brute-force cosine search.
// Used in tests and in single-node deployments without an external vector
// database.
type MemoryStore struct {
	mu           sync.RWMutex
	points       map[string]memoryPoint
	collectionID string
}

type memoryPoint struct {
	document  string
	embedding []float32
	metadata  map[string]any
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		points:       make(map[string]memoryPoint),
		collectionID: uuid.New().String(),
	}
}

// Initialize is a no-op for the memory backend.
func (m *MemoryStore) Initialize(context.Context) error { return nil }

// Upsert inserts or replaces one point.
func (m *MemoryStore) Upsert(_ context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("search: upsert: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = memoryPoint{
		document:  document,
		embedding: append([]float32(nil), embedding...),
		metadata:  metadata,
	}
	return nil
}

// Query returns the n closest points by cosine distance, restricted to
// points whose metadata satisfies where.
func (m *MemoryStore) Query(_ context.Context, embedding []float32, n int, where Where) ([]Match, error) {
	if n <= 0 {
		n = 10
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.points))
	for id, p := range m.points {
		if !EvalWhere(p.metadata, where) {
			continue
		}
		matches = append(matches, Match{
			ID:       id,
			Document: p.document,
			Distance: cosineDistance(embedding, p.embedding),
			Metadata: p.metadata,
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// Delete removes points by id. Unknown ids are ignored.
func (m *MemoryStore) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

// Count returns the number of stored points.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

// Reset drops every point.
func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]memoryPoint)
	return nil
}

// CollectionID identifies this store instance.
func (m *MemoryStore) CollectionID() string { return m.collectionID }

// cosineDistance is 1 − cosine similarity, so smaller means closer.
// Zero-magnitude vectors are maximally distant.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
