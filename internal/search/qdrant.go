package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantStore implements VectorStore backed by Qdrant.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantStore creates a QdrantStore and connects via gRPC.
func NewQdrantStore(cfg QdrantConfig, logger *slog.Logger) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// Initialize creates the collection if it doesn't exist and ensures payload
// indexes are present. CreateFieldIndex is idempotent on Qdrant, so index
// creation is always attempted to backfill indexes added after the
// collection was first created.
func (q *QdrantStore) Initialize(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"category", "stakes", "status", "outcome", "agent", "project", "feature", "pr", "tags", "pattern"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "confidence",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on %q: %w", "confidence", err)
	}

	return nil
}

// Upsert inserts or updates one point. Decision ids are 8 hex chars, not
// UUIDs, so the point id is the id string padded into a UUID and the raw
// document id is kept in the payload for retrieval.
func (q *QdrantStore) Upsert(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	payload := map[string]any{"doc_id": id, "document": document}
	for k, v := range metadata {
		payload[k] = v
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointUUID(id)),
			Vectors: qdrant.NewVectorsDense(embedding),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %s: %w", id, err)
	}
	return nil
}

// pointUUID maps an 8-hex decision id onto a stable UUID string.
func pointUUID(id string) string {
	padded := fmt.Sprintf("%032s", id)
	return padded[0:8] + "-" + padded[8:12] + "-" + padded[12:16] + "-" + padded[16:20] + "-" + padded[20:32]
}

// Query searches the collection. Cosine similarity scores are converted to
// distances (1 − score) so ordering matches the VectorStore contract.
func (q *QdrantStore) Query(ctx context.Context, embedding []float32, n int, where Where) ([]Match, error) {
	filter, err := whereToQdrant(where)
	if err != nil {
		return nil, err
	}

	limit := uint64(n) //nolint:gosec // n is bounded by the retriever
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		meta := sp.Payload
		id := ""
		doc := ""
		metadata := make(map[string]any, len(meta))
		for k, v := range meta {
			switch k {
			case "doc_id":
				id = v.GetStringValue()
			case "document":
				doc = v.GetStringValue()
			default:
				metadata[k] = qdrantValueToAny(v)
			}
		}
		if id == "" {
			q.logger.Warn("qdrant: point missing doc_id payload")
			continue
		}
		matches = append(matches, Match{
			ID:       id,
			Document: doc,
			Distance: 1 - sp.Score,
			Metadata: metadata,
		})
	}
	return matches, nil
}

func qdrantValueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		out := make([]any, 0, len(kind.ListValue.GetValues()))
		for _, e := range kind.ListValue.GetValues() {
			out = append(out, qdrantValueToAny(e))
		}
		return out
	}
	return nil
}

// whereToQdrant translates the where-clause language into a Qdrant filter.
func whereToQdrant(where Where) (*qdrant.Filter, error) {
	if len(where) == 0 {
		return nil, nil
	}

	var must, mustNot, should []*qdrant.Condition
	for key, cond := range where {
		switch key {
		case "$and":
			for _, sub := range toClauseList(cond) {
				f, err := whereToQdrant(sub)
				if err != nil {
					return nil, err
				}
				if f != nil {
					must = append(must, qdrant.NewFilterAsCondition(f))
				}
			}
		case "$or":
			for _, sub := range toClauseList(cond) {
				f, err := whereToQdrant(sub)
				if err != nil {
					return nil, err
				}
				if f != nil {
					should = append(should, qdrant.NewFilterAsCondition(f))
				}
			}
		default:
			conds, notConds, err := fieldToQdrant(key, cond)
			if err != nil {
				return nil, err
			}
			must = append(must, conds...)
			mustNot = append(mustNot, notConds...)
		}
	}

	if len(must) == 0 && len(mustNot) == 0 && len(should) == 0 {
		return nil, nil
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot, Should: should}, nil
}

func fieldToQdrant(field string, cond any) (must, mustNot []*qdrant.Condition, err error) {
	ops, ok := cond.(map[string]any)
	if !ok {
		if w, isW := cond.(Where); isW {
			ops = map[string]any(w)
		} else {
			switch v := cond.(type) {
			case string:
				return []*qdrant.Condition{qdrant.NewMatch(field, v)}, nil, nil
			default:
				f, fok := toFloat(cond)
				if !fok {
					return nil, nil, fmt.Errorf("search: unsupported match value for %q", field)
				}
				return []*qdrant.Condition{qdrant.NewRange(field, &qdrant.Range{
					Gte: qdrant.PtrOf(f), Lte: qdrant.PtrOf(f),
				})}, nil, nil
			}
		}
	}

	for op, operand := range ops {
		switch op {
		case "$gte", "$lte", "$gt", "$lt":
			f, fok := toFloat(operand)
			if !fok {
				return nil, nil, fmt.Errorf("search: non-numeric operand for %s on %q", op, field)
			}
			r := &qdrant.Range{}
			switch op {
			case "$gte":
				r.Gte = qdrant.PtrOf(f)
			case "$lte":
				r.Lte = qdrant.PtrOf(f)
			case "$gt":
				r.Gt = qdrant.PtrOf(f)
			case "$lt":
				r.Lt = qdrant.PtrOf(f)
			}
			must = append(must, qdrant.NewRange(field, r))
		case "$ne":
			if s, sok := operand.(string); sok {
				mustNot = append(mustNot, qdrant.NewMatch(field, s))
			} else {
				return nil, nil, fmt.Errorf("search: $ne supports string operands only on %q", field)
			}
		case "$in":
			keys := toStringList(operand)
			if len(keys) == 0 {
				return nil, nil, fmt.Errorf("search: empty $in list on %q", field)
			}
			must = append(must, qdrant.NewMatchKeywords(field, keys...))
		case "$nin":
			keys := toStringList(operand)
			if len(keys) == 0 {
				return nil, nil, fmt.Errorf("search: empty $nin list on %q", field)
			}
			mustNot = append(mustNot, qdrant.NewMatchKeywords(field, keys...))
		case "$contains":
			s, sok := operand.(string)
			if !sok {
				return nil, nil, fmt.Errorf("search: $contains needs a string operand on %q", field)
			}
			// Repeated keyword fields match element-wise in Qdrant.
			must = append(must, qdrant.NewMatch(field, s))
		default:
			return nil, nil, fmt.Errorf("search: unsupported operator %q", op)
		}
	}
	return must, mustNot, nil
}

func toStringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Delete removes points by decision id.
func (q *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(pointUUID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of points in the collection.
func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("search: qdrant count: %w", err)
	}
	return int(n), nil //nolint:gosec // collection sizes fit in int
}

// Reset drops and recreates the collection.
func (q *QdrantStore) Reset(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("search: qdrant delete collection: %w", err)
	}
	return q.Initialize(ctx)
}

// CollectionID returns the collection name.
func (q *QdrantStore) CollectionID() string { return q.collection }

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after cache expiry are deduplicated via
// singleflight so only one gRPC call is made.
func (q *QdrantStore) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx: singleflight
	// reuses the first caller's context, and if that caller cancels, all
	// waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantStore) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantStore) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}
