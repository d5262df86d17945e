// Package graph maintains the typed edges between decisions: an
// append-only JSONL log on disk, an in-memory adjacency index, and
// bounded-depth traversal.
package graph

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Graph owns the edge log. Edges are additive; there is no delete.
type Graph struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	file     *os.File
	outgoing map[string][]model.Edge
	incoming map[string][]model.Edge
}

// Open loads (or creates) the edge log at path.
func Open(path string, logger *slog.Logger) (*Graph, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("graph: create edge log dir: %w", err)
	}

	g := &Graph{
		path:     path,
		logger:   logger,
		outgoing: make(map[string][]model.Edge),
		incoming: make(map[string][]model.Edge),
	}
	if err := g.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("graph: open edge log: %w", err)
	}
	g.file = f
	return g, nil
}

func (g *Graph) load() error {
	f, err := os.Open(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("graph: open edge log for load: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e model.Edge
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("graph: edge log line %d: %w", lineNo, err)
		}
		g.index(e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("graph: scan edge log: %w", err)
	}
	return nil
}

func (g *Graph) index(e model.Edge) {
	g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	g.incoming[e.Target] = append(g.incoming[e.Target], e)
}

// ErrDuplicateEdge is returned when the (source, target, type) triple
// already exists.
var ErrDuplicateEdge = errors.New("graph: edge already exists")

// Link validates and appends one edge. Self-edges and unknown edge types
// are rejected; the caller is responsible for checking that both decision
// ids exist.
func (g *Graph) Link(e model.Edge) error {
	if e.Source == "" || e.Target == "" {
		return model.NewValidationError("graph: edge endpoints are required", "source", "target")
	}
	if e.Source == e.Target {
		return model.NewValidationError("graph: self-edges are not allowed", "target")
	}
	if !e.Type.Valid() {
		return model.NewValidationError(fmt.Sprintf("graph: unknown edge type %q", e.Type), "edge_type")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.outgoing[e.Source] {
		if existing.Target == e.Target && existing.Type == e.Type {
			return ErrDuplicateEdge
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("graph: marshal edge: %w", err)
	}
	if _, err := g.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("graph: append edge: %w", err)
	}
	g.index(e)
	return nil
}

// Neighbors returns the one-hop frontier of node, optionally restricted by
// edge type, capped at limit.
func (g *Graph) Neighbors(node string, direction Direction, edgeType *model.EdgeType, limit int) []model.Edge {
	if limit <= 0 {
		limit = 20
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []model.Edge
	for _, e := range g.edgesOf(node, direction) {
		if edgeType != nil && e.Type != *edgeType {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// edgesOf returns edges touching node in the given direction. Caller holds
// at least a read lock.
func (g *Graph) edgesOf(node string, direction Direction) []model.Edge {
	switch direction {
	case DirectionOut:
		return g.outgoing[node]
	case DirectionIn:
		return g.incoming[node]
	default:
		edges := append([]model.Edge(nil), g.outgoing[node]...)
		return append(edges, g.incoming[node]...)
	}
}

// Subgraph is the result of a bounded traversal.
type Subgraph struct {
	Root  string       `json:"root"`
	Nodes []string     `json:"nodes"`
	Edges []model.Edge `json:"edges"`
}

// Traverse walks BFS from root up to depth hops, following direction and
// the allowed edge types (nil allows all). Cycles are handled with an
// explicit visited set.
func (g *Graph) Traverse(root string, depth int, direction Direction, edgeTypes []model.EdgeType) Subgraph {
	if depth <= 0 {
		depth = 1
	}
	allowed := map[model.EdgeType]bool{}
	for _, t := range edgeTypes {
		allowed[t] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{root: true}
	seenEdge := map[string]bool{}
	result := Subgraph{Root: root, Nodes: []string{root}}

	frontier := []string{root}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			for _, e := range g.edgesOf(node, direction) {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}
				key := e.Source + "|" + e.Target + "|" + string(e.Type)
				if !seenEdge[key] {
					seenEdge[key] = true
					result.Edges = append(result.Edges, e)
				}
				for _, id := range []string{e.Source, e.Target} {
					if !visited[id] {
						visited[id] = true
						result.Nodes = append(result.Nodes, id)
						next = append(next, id)
					}
				}
			}
		}
		frontier = next
	}

	sort.Strings(result.Nodes[1:]) // keep root first, rest deterministic
	return result
}

// EdgeCount returns the number of stored edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, edges := range g.outgoing {
		n += len(edges)
	}
	return n
}

// Close releases the edge log file.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.file.Close()
}
