package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
	"gopkg.in/yaml.v3"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// SQLiteStore keeps one row per decision with the full record serialized in
// a document column. Filter semantics are shared with FileStore by
// evaluating model.QueryFilters in Go over the decoded records.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id       TEXT PRIMARY KEY,
	date     TEXT NOT NULL,
	category TEXT NOT NULL,
	stakes   TEXT NOT NULL,
	status   TEXT NOT NULL,
	doc      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_date ON decisions(date);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// SQLite permits one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save upserts the record in one statement; SQLite's atomic commit gives the
// same old-or-new guarantee as the file backend's rename.
func (s *SQLiteStore) Save(ctx context.Context, d *model.Decision) error {
	if d.ID == "" {
		return fmt.Errorf("store: save: decision id is empty")
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal decision %s: %w", d.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, date, category, stakes, status, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date, category = excluded.category,
			stakes = excluded.stakes, status = excluded.status,
			doc = excluded.doc`,
		d.ID, d.Date.UTC().Format("2006-01-02T15:04:05Z07:00"),
		string(d.Category), string(d.Stakes), string(d.Status), string(raw),
	)
	if err != nil {
		return fmt.Errorf("store: upsert decision %s: %w", d.ID, err)
	}
	return nil
}

// Get loads a decision by exact id or unique prefix.
func (s *SQLiteStore) Get(ctx context.Context, idOrPrefix string) (*model.Decision, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("store: get: %w", model.ErrNotFound)
	}

	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM decisions WHERE id = ?`, idOrPrefix).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		rows, qerr := s.db.QueryContext(ctx,
			`SELECT doc FROM decisions WHERE id LIKE ? || '%' LIMIT 2`, idOrPrefix)
		if qerr != nil {
			return nil, fmt.Errorf("store: prefix lookup %s: %w", idOrPrefix, qerr)
		}
		defer rows.Close()

		var docs []string
		for rows.Next() {
			var d string
			if err := rows.Scan(&d); err != nil {
				return nil, fmt.Errorf("store: scan decision: %w", err)
			}
			docs = append(docs, d)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("store: prefix lookup %s: %w", idOrPrefix, err)
		}
		if len(docs) != 1 {
			return nil, fmt.Errorf("store: decision %s: %w", idOrPrefix, model.ErrNotFound)
		}
		doc = docs[0]
	} else if err != nil {
		return nil, fmt.Errorf("store: get decision %s: %w", idOrPrefix, err)
	}

	var d model.Decision
	if err := yaml.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("store: parse decision %s: %w", idOrPrefix, err)
	}
	return &d, nil
}

// List returns matching decisions ordered by date descending.
func (s *SQLiteStore) List(ctx context.Context, filters model.QueryFilters) ([]*model.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM decisions`)
	if err != nil {
		return nil, fmt.Errorf("store: list decisions: %w", err)
	}
	defer rows.Close()

	var out []*model.Decision
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: scan decision: %w", err)
		}
		var d model.Decision
		if err := yaml.Unmarshal([]byte(doc), &d); err != nil {
			s.logger.Warn("store: skipping unreadable decision row", "error", err)
			continue
		}
		if filters.Matches(&d) {
			out = append(out, &d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list decisions: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID > out[j].ID
		}
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

// Count returns the number of stored decisions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count decisions: %w", err)
	}
	return n, nil
}

// Stats aggregates corpus counts by status, category, stakes, and outcome.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	all, err := s.List(ctx, model.QueryFilters{})
	if err != nil {
		return Stats{}, err
	}
	st := newStats()
	for _, d := range all {
		st.add(d)
	}
	return st, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
