package shinka

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	relationalURL     string
	sqlitePath        string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	intentProvider    LLMIntentProvider
	relationalStore   RelationalStore
	vectorStore       VectorStore
	cacheSize         int
	cacheTTL          time.Duration
	clock             func() time.Time
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (SHINKA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the gateway state database connection string
// from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRelationalURL overrides the fronted Postgres connection string from
// config (SHINKA_RELATIONAL_URL env var). Mutually exclusive with
// WithSQLitePath.
func WithRelationalURL(url string) Option {
	return func(o *resolvedOptions) { o.relationalURL = url }
}

// WithSQLitePath selects the embedded SQLite engine as the fronted
// database (SHINKA_SQLITE_PATH env var). Dev mode only.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (OpenAI/Ollama/noop). The provider must satisfy the EmbeddingProvider
// interface and its Dimensions must match the concept schema.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithLLMIntentProvider replaces the built-in Ollama intent classifier.
// Only the last call wins. The deterministic rules tier still runs first.
func WithLLMIntentProvider(p LLMIntentProvider) Option {
	return func(o *resolvedOptions) { o.intentProvider = p }
}

// WithRelationalStore replaces the built-in fronted-database adapters.
// Only the last call wins; the SHINKA_RELATIONAL_URL and SHINKA_SQLITE_PATH
// settings are ignored when set.
func WithRelationalStore(s RelationalStore) Option {
	return func(o *resolvedOptions) { o.relationalStore = s }
}

// WithVectorStore replaces the built-in Qdrant index and pgvector fallback.
// Only the last call wins; the QDRANT_URL setting is ignored when set.
func WithVectorStore(v VectorStore) Option {
	return func(o *resolvedOptions) { o.vectorStore = v }
}

// WithCache overrides the result cache capacity and TTL from config
// (SHINKA_CACHE_SIZE / SHINKA_CACHE_TTL env vars).
func WithCache(size int, ttl time.Duration) Option {
	return func(o *resolvedOptions) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithClock replaces the result cache's notion of time. Embedders use this
// for deterministic TTL expiry in tests and simulations.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
