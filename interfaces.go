package shinka

import (
	"context"
	"time"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// OpenAI/Ollama/noop provider. Uses []float32 so external consumers never
// depend on pgvector types. Embeddings must be deterministic for a given
// input or the result cache and the sync row hashes lose their meaning.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// LLMIntentProvider is the escalation tier of query classification.
// When provided via WithLLMIntentProvider, replaces the built-in Ollama
// client. The deterministic rules tier still runs first; the provider is
// only consulted when the rules verdict is ambiguous.
type LLMIntentProvider interface {
	Classify(ctx context.Context, query string) (Intent, error)
}

// RelationalExecutor runs one statement against the fronted database.
type RelationalExecutor interface {
	Execute(ctx context.Context, query string, params ...any) (Rows, int64, error)
}

// RelationalStore is a fronted relational engine. When provided via
// WithRelationalStore, replaces the built-in Postgres/SQLite adapters for
// both the router's sql branch and the synchronizer's table scans.
type RelationalStore interface {
	RelationalExecutor

	// Transaction runs fn with a transactional executor; fn returning an
	// error rolls everything back.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx RelationalExecutor) error) error

	// Now returns the engine's clock, used for sync conflict resolution so
	// both sides compare against the same notion of time.
	Now(ctx context.Context) (time.Time, error)

	Ping(ctx context.Context) error
	Close()
}

// VectorStore is a similarity index over concept embeddings. When provided
// via WithVectorStore, replaces the built-in Qdrant index and its pgvector
// fallback. Implementations must scope every operation to tenantID.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, tenantID, id string, vector []float32, name string) error
	Delete(ctx context.Context, tenantID string, ids []string) error
	Search(ctx context.Context, tenantID string, vector []float32, k int, threshold float64) ([]VectorHit, error)
	Healthy(ctx context.Context) error
}
