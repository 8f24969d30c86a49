// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Shutdown phase budgets. Zero disables the per-phase timeout.
	ShutdownHTTPTimeout  time.Duration
	ShutdownDrainTimeout time.Duration

	// Gateway state database (Postgres).
	DatabaseURL string

	// Fronted relational engine. RelationalURL points at a separate Postgres;
	// SQLitePath selects the embedded SQLite engine instead (dev mode). When
	// both are empty the gateway fronts its own database.
	RelationalURL string
	SQLitePath    string

	// Qdrant settings. Empty QdrantURL disables the remote index; semantic
	// search then runs on the pgvector fallback only.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey string // API key for the initial admin tenant.

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// LLM intent tier. Empty URL disables it; classification then relies on
	// the deterministic tier alone.
	LLMIntentURL     string
	LLMIntentModel   string
	LLMIntentTimeout time.Duration
	LLMIntentMargin  float64 // How much the LLM must beat the rules tier by.

	// Router settings.
	RelationalDeadline time.Duration
	SemanticDeadline   time.Duration
	DefaultK           int
	DefaultThreshold   float64

	// Cache settings.
	CacheSize int
	CacheTTL  time.Duration

	// Synchronizer settings.
	SyncInterval  time.Duration
	SyncBatchSize int
	SyncDeadline  time.Duration

	// Query log buffer settings.
	QueryLogBufferSize   int
	QueryLogFlushTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. Malformed values are collected and reported together so a bad
// deployment fails on the first start with the full list.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		Port:                 envInt("SHINKA_PORT", 8080, &errs),
		ReadTimeout:          envDuration("SHINKA_READ_TIMEOUT", 30*time.Second, &errs),
		WriteTimeout:         envDuration("SHINKA_WRITE_TIMEOUT", 30*time.Second, &errs),
		MaxRequestBodyBytes:  int64(envInt("SHINKA_MAX_REQUEST_BODY_BYTES", 1*1024*1024, &errs)), // 1 MB default
		ShutdownHTTPTimeout:  envDuration("SHINKA_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second, &errs),
		ShutdownDrainTimeout: envDuration("SHINKA_SHUTDOWN_DRAIN_TIMEOUT", 10*time.Second, &errs),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		RelationalURL:        envStr("SHINKA_RELATIONAL_URL", ""),
		SQLitePath:           envStr("SHINKA_SQLITE_PATH", ""),
		QdrantURL:            envStr("QDRANT_URL", ""),
		QdrantAPIKey:         envStr("QDRANT_API_KEY", ""),
		QdrantCollection:     envStr("SHINKA_COLLECTION", "concepts"),
		JWTPrivateKeyPath:    envStr("SHINKA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:     envStr("SHINKA_JWT_PUBLIC_KEY", ""),
		JWTExpiration:        envDuration("SHINKA_JWT_EXPIRATION", 24*time.Hour, &errs),
		AdminAPIKey:          envStr("SHINKA_ADMIN_API_KEY", ""),
		EmbeddingProvider:    envStr("SHINKA_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:         envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:       envStr("SHINKA_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:  envInt("SHINKA_EMBEDDING_DIMENSIONS", 384, &errs),
		OllamaURL:            envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:          envStr("OLLAMA_MODEL", "all-minilm"),
		LLMIntentURL:         envStr("SHINKA_LLM_INTENT_URL", ""),
		LLMIntentModel:       envStr("SHINKA_LLM_INTENT_MODEL", "llama3.2"),
		LLMIntentTimeout:     envDuration("SHINKA_LLM_INTENT_TIMEOUT", 300*time.Millisecond, &errs),
		LLMIntentMargin:      envFloat("SHINKA_LLM_INTENT_MARGIN", 0.15, &errs),
		RelationalDeadline:   envDuration("SHINKA_RELATIONAL_DEADLINE", 5*time.Second, &errs),
		SemanticDeadline:     envDuration("SHINKA_SEMANTIC_DEADLINE", 2*time.Second, &errs),
		DefaultK:             envInt("SHINKA_DEFAULT_K", 10, &errs),
		DefaultThreshold:     envFloat("SHINKA_DEFAULT_THRESHOLD", 0.5, &errs),
		CacheSize:            envInt("SHINKA_CACHE_SIZE", 4096, &errs),
		CacheTTL:             envDuration("SHINKA_CACHE_TTL", 5*time.Minute, &errs),
		SyncInterval:         envDuration("SHINKA_SYNC_INTERVAL", 60*time.Second, &errs),
		SyncBatchSize:        envInt("SHINKA_SYNC_BATCH_SIZE", 500, &errs),
		SyncDeadline:         envDuration("SHINKA_SYNC_DEADLINE", 10*time.Second, &errs),
		QueryLogBufferSize:   envInt("SHINKA_QUERY_LOG_BUFFER_SIZE", 1000, &errs),
		QueryLogFlushTimeout: envDuration("SHINKA_QUERY_LOG_FLUSH_TIMEOUT", 100*time.Millisecond, &errs),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false, &errs),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "shinka"),
		LogLevel:             envStr("SHINKA_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.RelationalURL != "" && c.SQLitePath != "" {
		return fmt.Errorf("config: SHINKA_RELATIONAL_URL and SHINKA_SQLITE_PATH are mutually exclusive")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: SHINKA_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SHINKA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.LLMIntentMargin < 0 || c.LLMIntentMargin > 1 {
		return fmt.Errorf("config: SHINKA_LLM_INTENT_MARGIN must be in [0, 1]")
	}
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		return fmt.Errorf("config: SHINKA_DEFAULT_THRESHOLD must be in [0, 1]")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("config: SHINKA_SYNC_BATCH_SIZE must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("config: SHINKA_CACHE_SIZE must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not a valid integer", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not a valid number", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not a valid boolean", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not a valid duration", key, v))
		return defaultVal
	}
	return d
}
