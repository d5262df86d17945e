package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgVectorConfig holds configuration for the Postgres/pgvector backend.
type PgVectorConfig struct {
	DSN   string
	Table string
	Dims  int
}

// PgVectorStore implements VectorStore on Postgres with the pgvector
// extension. Metadata lives in a jsonb column and the where-clause language
// is translated to SQL over it.
type PgVectorStore struct {
	pool   *pgxpool.Pool
	table  string
	dims   int
	logger *slog.Logger
}

// NewPgVectorStore connects to Postgres and returns a PgVectorStore.
func NewPgVectorStore(ctx context.Context, cfg PgVectorConfig, logger *slog.Logger) (*PgVectorStore, error) {
	if cfg.Table == "" {
		cfg.Table = "decision_vectors"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("search: connect to postgres: %w", err)
	}
	return &PgVectorStore{pool: pool, table: cfg.Table, dims: cfg.Dims, logger: logger}, nil
}

// Initialize creates the extension, table, and index if missing.
func (p *PgVectorStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        text PRIMARY KEY,
			document  text NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata  jsonb NOT NULL DEFAULT '{}'::jsonb
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			USING hnsw (embedding vector_cosine_ops)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s
			USING gin (metadata)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("search: initialize pgvector table: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces one row.
func (p *PgVectorStore) Upsert(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("search: marshal metadata for %s: %w", id, err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, document, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, p.table),
		id, document, pgvector.NewVector(embedding), meta)
	if err != nil {
		return fmt.Errorf("search: pgvector upsert %s: %w", id, err)
	}
	return nil
}

// Query returns the n nearest rows by cosine distance, restricted by where.
func (p *PgVectorStore) Query(ctx context.Context, embedding []float32, n int, where Where) ([]Match, error) {
	cond, args, err := whereToSQL(where, []any{pgvector.NewVector(embedding)})
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, document, metadata, embedding <=> $1 AS distance FROM %s`, p.table)
	if cond != "" {
		query += " WHERE " + cond
	}
	args = append(args, n)
	query += fmt.Sprintf(" ORDER BY distance LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
			dist float64
		)
		if err := rows.Scan(&m.ID, &m.Document, &meta, &dist); err != nil {
			return nil, fmt.Errorf("search: scan pgvector row: %w", err)
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("search: unmarshal metadata for %s: %w", m.ID, err)
		}
		m.Distance = float32(dist)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: iterate pgvector rows: %w", err)
	}
	return matches, nil
}

// whereToSQL translates a where-clause into a SQL condition over the
// metadata jsonb column, appending bind arguments to args.
func whereToSQL(where Where, args []any) (string, []any, error) {
	if len(where) == 0 {
		return "", args, nil
	}

	var parts []string
	for key, cond := range where {
		switch key {
		case "$and", "$or":
			joiner := " AND "
			if key == "$or" {
				joiner = " OR "
			}
			var subs []string
			for _, sub := range toClauseList(cond) {
				var (
					s   string
					err error
				)
				s, args, err = whereToSQL(sub, args)
				if err != nil {
					return "", nil, err
				}
				if s != "" {
					subs = append(subs, "("+s+")")
				}
			}
			if len(subs) > 0 {
				parts = append(parts, "("+strings.Join(subs, joiner)+")")
			}
		default:
			var (
				s   string
				err error
			)
			s, args, err = fieldToSQL(key, cond, args)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func fieldToSQL(field string, cond any, args []any) (string, []any, error) {
	ops, ok := cond.(map[string]any)
	if !ok {
		if w, isW := cond.(Where); isW {
			ops = map[string]any(w)
		} else {
			switch v := cond.(type) {
			case string:
				args = append(args, field, v)
				return fmt.Sprintf("metadata->>($%d::text) = $%d", len(args)-1, len(args)), args, nil
			default:
				f, fok := toFloat(cond)
				if !fok {
					return "", nil, fmt.Errorf("search: unsupported match value for %q", field)
				}
				args = append(args, field, f)
				return fmt.Sprintf("(metadata->>($%d::text))::float8 = $%d", len(args)-1, len(args)), args, nil
			}
		}
	}

	var parts []string
	for op, operand := range ops {
		switch op {
		case "$gte", "$lte", "$gt", "$lt":
			f, fok := toFloat(operand)
			if !fok {
				return "", nil, fmt.Errorf("search: non-numeric operand for %s on %q", op, field)
			}
			sqlOp := map[string]string{"$gte": ">=", "$lte": "<=", "$gt": ">", "$lt": "<"}[op]
			args = append(args, field, f)
			parts = append(parts, fmt.Sprintf("(metadata->>($%d::text))::float8 %s $%d", len(args)-1, sqlOp, len(args)))
		case "$ne":
			s, sok := operand.(string)
			if !sok {
				return "", nil, fmt.Errorf("search: $ne supports string operands only on %q", field)
			}
			args = append(args, field, s)
			parts = append(parts, fmt.Sprintf("metadata->>($%d::text) IS DISTINCT FROM $%d", len(args)-1, len(args)))
		case "$in", "$nin":
			keys := toStringList(operand)
			if len(keys) == 0 {
				return "", nil, fmt.Errorf("search: empty %s list on %q", op, field)
			}
			neg := ""
			if op == "$nin" {
				neg = "NOT "
			}
			args = append(args, field, keys)
			parts = append(parts, fmt.Sprintf("%smetadata->>($%d::text) = ANY($%d)", neg, len(args)-1, len(args)))
		case "$contains":
			s, sok := operand.(string)
			if !sok {
				return "", nil, fmt.Errorf("search: $contains needs a string operand on %q", field)
			}
			// jsonb array containment; for string values falls back to a
			// substring match, mirroring EvalWhere.
			args = append(args, field, s)
			k, v := len(args)-1, len(args)
			parts = append(parts, fmt.Sprintf(
				"(CASE jsonb_typeof(metadata->($%d::text)) WHEN 'array' THEN metadata->($%d::text) @> to_jsonb($%d::text) ELSE metadata->>($%d::text) LIKE '%%' || $%d || '%%' END)",
				k, k, v, k, v))
		default:
			return "", nil, fmt.Errorf("search: unsupported operator %q", op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// Delete removes rows by id.
func (p *PgVectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.table), ids)
	if err != nil {
		return fmt.Errorf("search: pgvector delete %d rows: %w", len(ids), err)
	}
	return nil
}

// Count returns the number of stored rows.
func (p *PgVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("search: pgvector count: %w", err)
	}
	return n, nil
}

// Reset truncates the table.
func (p *PgVectorStore) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, p.table)); err != nil {
		return fmt.Errorf("search: pgvector reset: %w", err)
	}
	return nil
}

// CollectionID returns the backing table name.
func (p *PgVectorStore) CollectionID() string { return p.table }

// Close releases the connection pool.
func (p *PgVectorStore) Close() error {
	p.pool.Close()
	return nil
}
