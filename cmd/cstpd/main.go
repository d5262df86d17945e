package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

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
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/rpc"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/search"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/service/decisions"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/telemetry"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/tracker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("CSTP_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CSTP_CONFIG"), logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Agent.Version == "dev" {
		cfg.Agent.Version = version
	}

	slog.Info("cstpd starting", "version", version, "port", cfg.Server.Port)

	// Initialize OpenTelemetry. No endpoint means the no-op shutdown.
	insecure := !strings.HasPrefix(cfg.OTELEndpoint, "https://")
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.Agent.Name, version, insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Decision store.
	var st store.Store
	switch cfg.Storage.Backend {
	case "sqlite":
		st, err = store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	default:
		st, err = store.NewFileStore(cfg.Storage.Root, logger)
	}
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("decision store ready", "backend", cfg.Storage.Backend, "root", cfg.Storage.Root)

	// Vector store.
	vectors, closeVectors, err := newVectorStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer closeVectors()

	embedder := newEmbeddingProvider(cfg, logger)

	// Deliberation tracker.
	tr := tracker.New(tracker.Options{
		InputTTL:    cfg.InputTTL(),
		SessionTTL:  cfg.SessionTTL(),
		HistorySize: cfg.Tracker.ConsumedHistorySize,
	}, logger)

	// Circuit breakers, with a JSONL transition log when configured.
	breakerLog := cfg.BreakerLogPath
	if breakerLog == "" {
		breakerLog = filepath.Join(cfg.Storage.Root, "breaker-log.jsonl")
	}
	breakers, err := breaker.NewManager(cfg.Breakers, breakerLog, logger, logger)
	if err != nil {
		return fmt.Errorf("breakers: %w", err)
	}

	// Bridge extraction falls back to heuristics without an Anthropic key.
	var llm bridge.LLMExtractor
	if cfg.LLM.AnthropicKey != "" {
		if ex := bridge.NewAnthropicExtractor(cfg.LLM.AnthropicKey, cfg.LLM.Model); ex != nil {
			llm = ex
			logger.Info("bridge extraction: anthropic", "model", cfg.LLM.Model)
		}
	} else {
		logger.Info("bridge extraction: heuristic (no ANTHROPIC_API_KEY)")
	}
	bridges := bridge.NewExtractor(llm, logger)

	// Decision graph, persisted as an append-only edge log.
	edgeLog := cfg.EdgeLogPath
	if edgeLog == "" {
		edgeLog = filepath.Join(cfg.Storage.Root, "edges.jsonl")
	}
	g, err := graph.Open(edgeLog, logger)
	if err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	defer func() { _ = g.Close() }()

	// Guardrails. A missing directory just means none are defined yet.
	guards := guardrail.NewRegistry(logger, logger)
	guardrailsDir := cfg.GuardrailsDir
	if guardrailsDir == "" {
		guardrailsDir = filepath.Join(cfg.Storage.Root, "guardrails")
	}
	if err := guards.LoadDir(guardrailsDir); err != nil {
		logger.Warn("guardrails not loaded", "dir", guardrailsDir, "error", err)
	}

	retriever := search.NewRetriever(st, vectors, embedder, search.NewBM25Cache(st, logger), logger)
	an := analytics.NewEngine(st, logger)
	compactor := compaction.NewEngine(st, logger)
	lifecycle := decisions.New(st, vectors, embedder, tr, bridges, breakers, g, logger)
	agg := aggregate.New(retriever, guards, breakers, an, lifecycle, st, logger)

	dispatcher := rpc.NewDispatcher(logger)
	rpc.NewHandlers(lifecycle, retriever, guards, breakers, tr, g, compactor, an, agg, logger).
		Register(dispatcher)

	var entries []auth.Entry
	for _, te := range cfg.Auth.Tokens {
		entries = append(entries, auth.Entry{Agent: te.Agent, Token: te.Token})
	}
	authenticator, err := auth.New(cfg.Auth.Enabled, entries, cfg.Auth.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled, all callers are anonymous")
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(
			float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory token bucket", "per_minute", cfg.RateLimitPerMinute)
	} else {
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := rpc.NewServer(cfg, dispatcher, authenticator, limiter, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("cstpd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("cstpd stopped")
	return nil
}

// newVectorStore selects the vector backend: "memory" (default), "qdrant",
// or "pgvector". Remote backends are initialized up front so schema problems
// fail at startup rather than on the first record.
func newVectorStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (search.VectorStore, func(), error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		qs, err := search.NewQdrantStore(search.QdrantConfig{
			URL:        cfg.Vector.QdrantURL,
			APIKey:     cfg.Vector.QdrantKey,
			Collection: cfg.Vector.Collection,
			Dims:       uint64(cfg.Embedding.Dimensions), //nolint:gosec // validated positive in config defaults
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := qs.Initialize(ctx); err != nil {
			_ = qs.Close()
			return nil, nil, err
		}
		logger.Info("vector store: qdrant", "collection", cfg.Vector.Collection)
		return qs, func() { _ = qs.Close() }, nil

	case "pgvector":
		ps, err := search.NewPgVectorStore(ctx, search.PgVectorConfig{
			DSN:   cfg.Vector.PostgresDSN,
			Table: cfg.Vector.Collection,
			Dims:  cfg.Embedding.Dimensions,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := ps.Initialize(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("vector store: pgvector", "table", cfg.Vector.Collection)
		return ps, func() { _ = ps.Close() }, nil

	default:
		logger.Info("vector store: memory (not persisted)")
		return search.NewMemoryStore(), func() {}, nil
	}
}

// newEmbeddingProvider selects the embedding provider: "ollama", "openai",
// "noop", or "auto" (default). Auto mode tries Ollama if reachable, then
// OpenAI if a key is present, else noop. Ollama is preferred: embeddings
// stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.Embedding.Dimensions

	switch cfg.Embedding.Provider {
	case "openai":
		if cfg.Embedding.OpenAIKey == "" {
			logger.Error("OPENAI_API_KEY required when embedding.provider is openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.Embedding.Model, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.Embedding.OpenAIKey, cfg.Embedding.Model, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.Embedding.OllamaURL, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.Embedding.OllamaURL, cfg.Embedding.Model, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.Embedding.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.Embedding.OllamaURL)
			return embedding.NewOllamaProvider(cfg.Embedding.OllamaURL, cfg.Embedding.Model, dims)
		}
		if cfg.Embedding.OpenAIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.Embedding.Model)
			return embedding.NewOpenAIProvider(cfg.Embedding.OpenAIKey, cfg.Embedding.Model, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
