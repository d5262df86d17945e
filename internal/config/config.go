// Package config loads and validates CSTP server configuration from a YAML
// file with CSTP_-prefixed environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEntry maps one bearer token to an agent id.
type TokenEntry struct {
	Agent string `yaml:"agent"`
	Token string `yaml:"token"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// AgentCard describes the service for /.well-known/agent.json.
type AgentCard struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	URL         string `yaml:"url"`
	Contact     string `yaml:"contact"`
}

// AuthConfig holds the bearer-token table.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled"`
	Tokens  []TokenEntry `yaml:"tokens"`
	// JWTPublicKeyPath enables JWT bearer mode when set (Ed25519 PEM).
	JWTPublicKeyPath string `yaml:"jwt_public_key"`
}

// TrackerConfig holds deliberation-tracker TTLs and history size.
type TrackerConfig struct {
	InputTTLSeconds     int `yaml:"input_ttl_seconds"`
	SessionTTLSeconds   int `yaml:"session_ttl_seconds"`
	SessionTTLMinutes   int `yaml:"session_ttl_minutes"` // legacy, ×60
	ConsumedHistorySize int `yaml:"consumed_history_size"`
}

// StorageConfig selects the decision-store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "yaml" (default) or "sqlite"
	DBPath  string `yaml:"db_path"`
	// Root is the directory for decision files, guardrails/, and logs.
	Root string `yaml:"root"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "auto", "openai", "ollama", "noop"
	OpenAIKey  string `yaml:"openai_api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	OllamaURL  string `yaml:"ollama_url"`
}

// VectorConfig selects the vector-store backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // "qdrant", "pgvector", "memory"
	QdrantURL  string `yaml:"qdrant_url"`
	QdrantKey  string `yaml:"qdrant_api_key"`
	Collection string `yaml:"collection"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BreakerConfig is one declarative circuit-breaker rule.
type BreakerConfig struct {
	Scope            string `yaml:"scope"`
	FailureThreshold int    `yaml:"failure_threshold"`
	WindowMS         int64  `yaml:"window_ms"`
	CooldownMS       int64  `yaml:"cooldown_ms"`
	Notify           bool   `yaml:"notify"`
}

// LLMConfig configures the bridge-extraction model call.
type LLMConfig struct {
	AnthropicKey string `yaml:"anthropic_api_key"`
	Model        string `yaml:"model"`
}

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentCard       `yaml:"agent"`
	Auth      AuthConfig      `yaml:"auth"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Breakers  []BreakerConfig `yaml:"breakers"`
	LLM       LLMConfig       `yaml:"llm"`

	BreakerLogPath string `yaml:"breaker_log_path"`
	GuardrailsDir  string `yaml:"guardrails_dir"`
	EdgeLogPath    string `yaml:"edge_log_path"`

	LogLevel     string `yaml:"log_level"`
	OTELEndpoint string `yaml:"otel_endpoint"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Defaults returns the baseline configuration before file and env overlays.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8577},
		Agent: AgentCard{
			Name:        "cstp",
			Description: "Decision intelligence server",
			Version:     "dev",
		},
		Auth: AuthConfig{Enabled: false},
		Tracker: TrackerConfig{
			InputTTLSeconds:     300,
			SessionTTLSeconds:   1800,
			ConsumedHistorySize: 50,
		},
		Storage: StorageConfig{
			Backend: "yaml",
			Root:    "data",
		},
		Embedding: EmbeddingConfig{
			Provider:   "auto",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			OllamaURL:  "http://localhost:11434",
		},
		Vector: VectorConfig{
			Backend:    "memory",
			Collection: "cstp_decisions",
		},
		LLM:                LLMConfig{Model: "claude-haiku-4-5"},
		LogLevel:           "info",
		RateLimitPerMinute: 300,
	}
}

// Load reads the YAML file at path (optional), applies CSTP_ environment
// overrides, expands ${ENV_VAR} references in token values, and validates.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path) //nolint:gosec // path comes from the operator, not request input
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	for i := range cfg.Auth.Tokens {
		cfg.Auth.Tokens[i].Token = expandEnv(cfg.Auth.Tokens[i].Token)
	}
	cfg.Embedding.OpenAIKey = expandEnv(cfg.Embedding.OpenAIKey)
	cfg.LLM.AnthropicKey = expandEnv(cfg.LLM.AnthropicKey)
	cfg.Vector.QdrantKey = expandEnv(cfg.Vector.QdrantKey)

	cfg.normalizeTrackerTTL(logger)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeTrackerTTL resolves the legacy session_ttl_minutes key.
// The seconds key is canonical; the minutes key is accepted ×60 with a
// deprecation warning. When both are present the seconds key wins.
func (c *Config) normalizeTrackerTTL(logger *slog.Logger) {
	if c.Tracker.SessionTTLMinutes <= 0 {
		return
	}
	if logger != nil {
		logger.Warn("config: tracker.session_ttl_minutes is deprecated, use session_ttl_seconds")
	}
	if c.Tracker.SessionTTLSeconds == Defaults().Tracker.SessionTTLSeconds {
		c.Tracker.SessionTTLSeconds = c.Tracker.SessionTTLMinutes * 60
	} else if logger != nil {
		logger.Warn("config: both session_ttl_seconds and session_ttl_minutes set, seconds wins",
			"seconds", c.Tracker.SessionTTLSeconds,
			"minutes", c.Tracker.SessionTTLMinutes)
	}
}

// Validate checks required settings.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.Backend != "yaml" && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DBPath == "" {
		return fmt.Errorf("config: storage.db_path is required for the sqlite backend")
	}
	if c.Tracker.InputTTLSeconds <= 0 {
		return fmt.Errorf("config: tracker.input_ttl_seconds must be positive")
	}
	if c.Tracker.SessionTTLSeconds <= 0 {
		return fmt.Errorf("config: tracker.session_ttl_seconds must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 && c.Auth.JWTPublicKeyPath == "" {
		return fmt.Errorf("config: auth.enabled requires at least one token or a JWT public key")
	}
	return nil
}

// InputTTL returns the tracker input TTL as a duration.
func (c Config) InputTTL() time.Duration {
	return time.Duration(c.Tracker.InputTTLSeconds) * time.Second
}

// SessionTTL returns the tracker session TTL as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Tracker.SessionTTLSeconds) * time.Second
}

func applyEnv(c *Config) {
	c.Server.Host = envStr("CSTP_HOST", c.Server.Host)
	c.Server.Port = envInt("CSTP_PORT", c.Server.Port)
	c.LogLevel = envStr("CSTP_LOG_LEVEL", c.LogLevel)
	c.OTELEndpoint = envStr("CSTP_OTEL_ENDPOINT", c.OTELEndpoint)
	c.Storage.Backend = envStr("CSTP_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DBPath = envStr("CSTP_DB_PATH", c.Storage.DBPath)
	c.Storage.Root = envStr("CSTP_STORAGE_ROOT", c.Storage.Root)
	c.Auth.Enabled = envBool("CSTP_AUTH_ENABLED", c.Auth.Enabled)
	c.Embedding.Provider = envStr("CSTP_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.OpenAIKey = envStr("OPENAI_API_KEY", c.Embedding.OpenAIKey)
	c.Vector.Backend = envStr("CSTP_VECTOR_BACKEND", c.Vector.Backend)
	c.Vector.QdrantURL = envStr("CSTP_QDRANT_URL", c.Vector.QdrantURL)
	c.LLM.AnthropicKey = envStr("ANTHROPIC_API_KEY", c.LLM.AnthropicKey)
	c.Tracker.InputTTLSeconds = envInt("CSTP_TRACKER_INPUT_TTL_SECONDS", c.Tracker.InputTTLSeconds)
	c.Tracker.SessionTTLSeconds = envInt("CSTP_TRACKER_SESSION_TTL_SECONDS", c.Tracker.SessionTTLSeconds)
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${ENV_VAR} references with their environment values.
// Unset variables expand to the empty string.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
