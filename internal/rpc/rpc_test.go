package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/aggregate"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/analytics"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/auth"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/breaker"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/bridge"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/compaction"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/config"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/embedding"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/graph"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/guardrail"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/ratelimit"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/service/decisions"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/tracker"
)

type testServer struct {
	handler  http.Handler
	breakers *breaker.Manager
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cb, err := breaker.NewManager(cfg.Breakers, "", logger, logger)
	require.NoError(t, err)

	g, err := graph.Open(filepath.Join(t.TempDir(), "edges.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	embedder := embedding.NewNoopProvider(8)
	vectors := search.NewMemoryStore()
	tr := tracker.New(tracker.Options{}, logger)
	lifecycle := decisions.New(st, vectors, embedder, tr,
		bridge.NewExtractor(nil, logger), cb, g, logger)

	guards := guardrail.NewRegistry(logger, logger)
	retriever := search.NewRetriever(st, vectors, embedder, search.NewBM25Cache(st, logger), logger)
	an := analytics.NewEngine(st, logger)
	compactor := compaction.NewEngine(st, logger)
	agg := aggregate.New(retriever, guards, cb, an, lifecycle, st, logger)

	d := NewDispatcher(logger)
	NewHandlers(lifecycle, retriever, guards, cb, tr, g, compactor, an, agg, logger).Register(d)

	a, err := auth.New(cfg.Auth.Enabled, authEntries(cfg), cfg.Auth.JWTPublicKeyPath)
	require.NoError(t, err)

	srv := NewServer(cfg, d, a, ratelimit.NoopLimiter{}, logger)
	return &testServer{handler: srv.Handler(), breakers: cb}
}

func authEntries(cfg config.Config) []auth.Entry {
	var entries []auth.Entry
	for _, te := range cfg.Auth.Tokens {
		entries = append(entries, auth.Entry{Agent: te.Agent, Token: te.Token})
	}
	return entries
}

// call posts one JSON-RPC request and decodes the envelope.
func (s *testServer) call(t *testing.T, method string, params map[string]any, headers map[string]string) (*Response, *httptest.ResponseRecorder) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "method": method, "params": params, "id": 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/cstp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp, rec
}

// result re-decodes the result object into out.
func result(t *testing.T, resp *Response, out any) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(t, config.Defaults())

	// Parse error.
	req := httptest.NewRequest(http.MethodPost, "/cstp", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)

	// Wrong version.
	body, _ := json.Marshal(map[string]any{"jsonrpc": "1.0", "method": "cstp.getStats", "id": 1})
	req = httptest.NewRequest(http.MethodPost, "/cstp", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	// Unknown method lists the known ones.
	r, _ := s.call(t, "cstp.nonsense", nil, nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)
	data, ok := r.Error.Data.(map[string]any)
	require.True(t, ok)
	known, _ := data["knownMethods"].([]any)
	assert.Contains(t, known, "recordDecision")
	assert.Len(t, known, 29)

	// Outside the namespace.
	r, _ = s.call(t, "other.getStats", nil, nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)
}

func TestAuthRequired(t *testing.T) {
	cfg := config.Defaults()
	cfg.Auth.Enabled = true
	cfg.Auth.Tokens = []config.TokenEntry{{Agent: "atlas", Token: "sekrit"}}
	s := newTestServer(t, cfg)

	_, rec := s.call(t, "cstp.getStats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	r, rec := s.call(t, "cstp.getStats", nil, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, r.Error)
}

func TestRecordReviewLifecycleOverWire(t *testing.T) {
	s := newTestServer(t, config.Defaults())

	// snake_case params are accepted.
	r, _ := s.call(t, "cstp.recordDecision", map[string]any{
		"title": "Use Redis for sessions", "decision": "Cache session state in Redis",
		"category": "architecture", "stakes": "medium", "confidence": 0.8,
		"agent_id": "atlas", "tags": []string{"caching"},
	}, nil)
	var recRes struct {
		ID      string `json:"id"`
		Indexed bool   `json:"indexed"`
	}
	result(t, r, &recRes)
	require.Len(t, recRes.ID, 8)
	assert.True(t, recRes.Indexed)

	r, _ = s.call(t, "cstp.getDecision", map[string]any{"id": recRes.ID}, nil)
	var got struct {
		Status  string `json:"status"`
		AgentID string `json:"agentId"`
	}
	result(t, r, &got)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "atlas", got.AgentID)

	r, _ = s.call(t, "cstp.reviewDecision", map[string]any{
		"id": recRes.ID, "outcome": "success",
		"actual_result": "p95 halved", "lessons": "warm the cache first",
	}, nil)
	var reviewed struct {
		Status  string `json:"status"`
		Outcome string `json:"outcome"`
		Lessons string `json:"lessons"`
	}
	result(t, r, &reviewed)
	assert.Equal(t, "reviewed", reviewed.Status)
	assert.Equal(t, "success", reviewed.Outcome)

	// Unknown id maps to the not-found code.
	r, _ = s.call(t, "cstp.getDecision", map[string]any{"id": "ffffffff"}, nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeNotFound, r.Error.Code)
}

func TestQueryDecisionsKeyword(t *testing.T) {
	s := newTestServer(t, config.Defaults())

	for _, text := range []string{
		"Adopt CSRF tokens for all state-changing forms",
		"Use prepared statements to stop SQL injection",
		"Move static assets to a CDN",
	} {
		r, _ := s.call(t, "cstp.recordDecision", map[string]any{
			"decision": text, "category": "security", "stakes": "medium", "confidence": 0.7,
		}, nil)
		require.Nil(t, r.Error)
	}

	r, _ := s.call(t, "cstp.queryDecisions", map[string]any{
		"query": "CSRF protection", "mode": "keyword", "limit": 2,
	}, nil)
	var q struct {
		Count   int `json:"count"`
		Results []struct {
			Decision string  `json:"decision"`
			Score    float64 `json:"score"`
		} `json:"results"`
	}
	result(t, r, &q)
	require.NotZero(t, q.Count)
	assert.Contains(t, q.Results[0].Decision, "CSRF")
	assert.Greater(t, q.Results[0].Score, 0.0)
}

func TestBreakerTripOverWire(t *testing.T) {
	cfg := config.Defaults()
	cfg.Breakers = []config.BreakerConfig{{
		Scope: "global", FailureThreshold: 3, WindowMS: 60_000, CooldownMS: 30_000, Notify: true,
	}}
	s := newTestServer(t, cfg)

	for i := 0; i < 3; i++ {
		r, _ := s.call(t, "cstp.recordDecision", map[string]any{
			"decision": fmt.Sprintf("risky change %d", i),
			"category": "process", "stakes": "medium", "confidence": 0.9,
		}, nil)
		var rec struct {
			ID string `json:"id"`
		}
		result(t, r, &rec)
		r, _ = s.call(t, "cstp.reviewDecision", map[string]any{"id": rec.ID, "outcome": "failure"}, nil)
		require.Nil(t, r.Error)
	}

	r, _ := s.call(t, "cstp.getCircuitState", map[string]any{"scope": "global"}, nil)
	var snap struct {
		State string `json:"state"`
	}
	result(t, r, &snap)
	assert.Equal(t, "OPEN", snap.State)

	// The pre-action gate surfaces the open circuit as a violation.
	r, _ = s.call(t, "cstp.preAction", map[string]any{
		"action": "another risky change", "category": "process", "stakes": "medium", "confidence": 0.9,
	}, nil)
	var pre struct {
		Allowed    bool `json:"allowed"`
		Violations []struct {
			Type  string `json:"type"`
			State string `json:"state"`
		} `json:"violations"`
	}
	result(t, r, &pre)
	assert.False(t, pre.Allowed)
	require.NotEmpty(t, pre.Violations)
	assert.Equal(t, "circuit_breaker", pre.Violations[0].Type)
	assert.Equal(t, "OPEN", pre.Violations[0].State)

	// Manual reset closes it again.
	r, _ = s.call(t, "cstp.resetCircuit", map[string]any{"scope": "global"}, nil)
	result(t, r, &snap)
	assert.Equal(t, "CLOSED", snap.State)
}

func TestTrackerMergeOverWire(t *testing.T) {
	s := newTestServer(t, config.Defaults())

	r, _ := s.call(t, "cstp.recordThought", map[string]any{
		"thought": "Redis keeps session lookups off the database", "agent_id": "atlas",
	}, nil)
	var tracked struct {
		Tracked bool   `json:"tracked"`
		Key     string `json:"key"`
	}
	result(t, r, &tracked)
	assert.True(t, tracked.Tracked)
	assert.Equal(t, "agent:atlas", tracked.Key)

	r, _ = s.call(t, "cstp.recordDecision", map[string]any{
		"decision": "Cache sessions in Redis", "category": "architecture",
		"stakes": "medium", "confidence": 0.8, "agent_id": "atlas",
	}, nil)
	var rec struct {
		ID       string `json:"id"`
		Decision struct {
			Deliberation *struct {
				Steps []struct {
					Thought string `json:"thought"`
				} `json:"steps"`
			} `json:"deliberation"`
		} `json:"decision"`
	}
	result(t, r, &rec)
	require.NotNil(t, rec.Decision.Deliberation)
	require.NotEmpty(t, rec.Decision.Deliberation.Steps)
	assert.Contains(t, rec.Decision.Deliberation.Steps[0].Thought, "Redis")

	// The consumed record was backfilled with the decision id.
	r, _ = s.call(t, "cstp.debugTracker", map[string]any{"include_consumed": true}, nil)
	var dbg struct {
		Consumed []struct {
			DecisionID string `json:"decisionId"`
			Status     string `json:"status"`
		} `json:"consumed"`
	}
	result(t, r, &dbg)
	require.NotEmpty(t, dbg.Consumed)
	assert.Equal(t, rec.ID, dbg.Consumed[len(dbg.Consumed)-1].DecisionID)
	assert.Equal(t, "consumed", dbg.Consumed[len(dbg.Consumed)-1].Status)
}

func TestGraphOverWire(t *testing.T) {
	s := newTestServer(t, config.Defaults())

	ids := make([]string, 2)
	for i, text := range []string{"first decision", "second decision"} {
		r, _ := s.call(t, "cstp.recordDecision", map[string]any{
			"decision": text, "category": "process", "stakes": "low", "confidence": 0.6,
		}, nil)
		var rec struct {
			ID string `json:"id"`
		}
		result(t, r, &rec)
		ids[i] = rec.ID
	}

	r, _ := s.call(t, "cstp.linkDecisions", map[string]any{
		"source": ids[0], "target": ids[1], "edge_type": "supersedes",
	}, nil)
	var linked struct {
		Created bool `json:"created"`
	}
	result(t, r, &linked)
	assert.True(t, linked.Created)

	// Duplicate edge is an invalid-params error.
	r, _ = s.call(t, "cstp.linkDecisions", map[string]any{
		"source": ids[0], "target": ids[1], "edge_type": "supersedes",
	}, nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidParams, r.Error.Code)

	r, _ = s.call(t, "cstp.getGraph", map[string]any{"node": ids[0], "depth": 2, "direction": "out"}, nil)
	var sub struct {
		Nodes []string `json:"nodes"`
	}
	result(t, r, &sub)
	assert.ElementsMatch(t, ids, sub.Nodes)
}

func TestHealthAndAgentCard(t *testing.T) {
	s := newTestServer(t, config.Defaults())

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "dev", health.Version)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var card struct {
		Name    string   `json:"name"`
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, "cstp", card.Name)
	assert.Contains(t, card.Methods, "cstp.preAction")
	assert.Len(t, card.Methods, 29)
}

func TestSnakeCaseNormalization(t *testing.T) {
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.Register("echo", 0, func(ctx context.Context, p Params) (any, error) {
		return map[string]any{"agentId": p.Str("agentId"), "min": p.Int("minReviewed")}, nil
	})
	body := []byte(`{"jsonrpc":"2.0","method":"cstp.echo","params":{"agent_id":"atlas","min_reviewed":3},"id":7}`)
	resp := d.Dispatch(context.Background(), body)
	require.Nil(t, resp.Error)
	out := resp.Result.(map[string]any)
	assert.Equal(t, "atlas", out["agentId"])
	assert.Equal(t, 3, out["min"])
	assert.Equal(t, json.RawMessage("7"), resp.ID)
}
