package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// FileStore persists one YAML file per decision under
// {root}/YYYY/MM/YYYY-MM-DD-decision-{8hex}.yaml.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	paths map[string]string // decision id -> file path
}

// NewFileStore opens (and indexes) the decision tree rooted at root.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", root, err)
	}
	s := &FileStore{root: root, logger: logger, paths: make(map[string]string)}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindex rebuilds the id -> path map by walking the tree.
func (s *FileStore) reindex() error {
	paths := make(map[string]string)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		id, ok := idFromFilename(filepath.Base(path))
		if !ok {
			return nil
		}
		paths[id] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: index %s: %w", s.root, err)
	}
	s.mu.Lock()
	s.paths = paths
	s.mu.Unlock()
	return nil
}

// idFromFilename extracts the decision id from a
// "YYYY-MM-DD-decision-{id}.yaml" filename.
func idFromFilename(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".yaml")
	i := strings.LastIndex(name, "-decision-")
	if i < 0 {
		return "", false
	}
	id := name[i+len("-decision-"):]
	if len(id) != 8 {
		return "", false
	}
	return id, true
}

func (s *FileStore) pathFor(d *model.Decision) string {
	date := d.Date.UTC()
	return filepath.Join(s.root,
		fmt.Sprintf("%04d", date.Year()),
		fmt.Sprintf("%02d", int(date.Month())),
		fmt.Sprintf("%s-decision-%s.yaml", date.Format("2006-01-02"), d.ID),
	)
}

// Save writes the record atomically: tempfile in the target directory,
// fsync, rename. The tempfile is removed on every error path.
func (s *FileStore) Save(_ context.Context, d *model.Decision) error {
	if d.ID == "" {
		return fmt.Errorf("store: save: decision id is empty")
	}

	// A decision keeps its original path even if later writes happen on a
	// different day: re-use the indexed path when present.
	s.mu.RLock()
	path, ok := s.paths[d.ID]
	s.mu.RUnlock()
	if !ok {
		path = s.pathFor(d)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", dir, err)
	}

	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal decision %s: %w", d.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".decision-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("store: create tempfile in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return fmt.Errorf("store: write tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("store: fsync tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close tempfile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename into place: %w", err)
	}

	s.mu.Lock()
	s.paths[d.ID] = path
	s.mu.Unlock()
	return nil
}

// Get loads a decision by exact id or unique prefix.
func (s *FileStore) Get(_ context.Context, idOrPrefix string) (*model.Decision, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("store: get: %w", model.ErrNotFound)
	}

	s.mu.RLock()
	path, ok := s.paths[idOrPrefix]
	if !ok {
		// Prefix match: must be unique.
		var matches []string
		for id, p := range s.paths {
			if strings.HasPrefix(id, idOrPrefix) {
				matches = append(matches, p)
			}
		}
		if len(matches) == 1 {
			path, ok = matches[0], true
		}
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("store: decision %s: %w", idOrPrefix, model.ErrNotFound)
	}
	return s.load(path)
}

func (s *FileStore) load(path string) (*model.Decision, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from the store's own index
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	var d model.Decision
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return &d, nil
}

// List returns matching decisions ordered by date descending. Files that
// fail to parse are skipped with a warning rather than failing the listing.
func (s *FileStore) List(_ context.Context, filters model.QueryFilters) ([]*model.Decision, error) {
	s.mu.RLock()
	paths := make([]string, 0, len(s.paths))
	for _, p := range s.paths {
		paths = append(paths, p)
	}
	s.mu.RUnlock()

	out := make([]*model.Decision, 0, len(paths))
	for _, p := range paths {
		d, err := s.load(p)
		if err != nil {
			s.logger.Warn("store: skipping unreadable decision file", "path", p, "error", err)
			continue
		}
		if filters.Matches(d) {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID > out[j].ID
		}
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

// Count returns the number of indexed decisions.
func (s *FileStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.paths), nil
}

// Stats aggregates corpus counts by status, category, stakes, and outcome.
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
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

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
