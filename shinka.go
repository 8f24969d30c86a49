// Package shinka is the public API for embedding the shinka hybrid gateway.
//
// Consumers import this package to construct and extend the gateway without
// forking it:
//
//	app, err := shinka.New(
//		shinka.WithLogger(logger),
//		shinka.WithEmbeddingProvider(myEmbedder),
//	)
//	if err != nil { ... }
//	err = app.Run(ctx)
//
// The import graph enforces a strict no-cycle rule: shinka (root) imports
// internal/*, but internal/* never imports shinka (root). Public types
// (Intent, Rows, VectorHit) are standalone structs with no internal imports;
// the adapters live here because this is the only file that sees both sides
// of the boundary.
package shinka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/shinka-ai/shinka/internal/auth"
	"github.com/shinka-ai/shinka/internal/cache"
	"github.com/shinka-ai/shinka/internal/config"
	"github.com/shinka-ai/shinka/internal/mcp"
	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/quota"
	"github.com/shinka-ai/shinka/internal/ratelimit"
	"github.com/shinka-ai/shinka/internal/relational"
	"github.com/shinka-ai/shinka/internal/search"
	"github.com/shinka-ai/shinka/internal/server"
	"github.com/shinka-ai/shinka/internal/service/concepts"
	"github.com/shinka-ai/shinka/internal/service/embedding"
	"github.com/shinka-ai/shinka/internal/service/evolution"
	"github.com/shinka-ai/shinka/internal/service/intent"
	"github.com/shinka-ai/shinka/internal/service/querylog"
	"github.com/shinka-ai/shinka/internal/service/router"
	"github.com/shinka-ai/shinka/internal/storage"
	syncsvc "github.com/shinka-ai/shinka/internal/sync"
	"github.com/shinka-ai/shinka/internal/telemetry"
	"github.com/shinka-ai/shinka/migrations"
)

// App is the shinka gateway lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	logs         *querylog.Buffer
	syncer       *syncsvc.Synchronizer
	tracker      *evolution.Tracker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	source       relational.Store
	ownSource    bool // false when the store came from WithRelationalStore
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the gateway. It connects to the state database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.relationalURL != "" {
		cfg.RelationalURL = o.relationalURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.cacheSize != 0 {
		cfg.CacheSize = o.cacheSize
	}
	if o.cacheTTL != 0 {
		cfg.CacheTTL = o.cacheTTL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shinka starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx(opts), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to the gateway state database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then any extra filesystems.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'concepts')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'concepts' does not exist after migration — check that the pgvector extension is installed")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Create embedding provider — external override takes priority over
	// auto-detect. The override rides the same retry ladder as the built-ins.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embedding.NewRetrying(o.embeddingProvider)
	} else {
		embedder, err = embedding.Select(context.Background(), embedding.Options{
			Kind:        cfg.EmbeddingProvider,
			OpenAIKey:   cfg.OpenAIAPIKey,
			OpenAIModel: cfg.EmbeddingModel,
			OllamaURL:   cfg.OllamaURL,
			OllamaModel: cfg.OllamaModel,
			Dimensions:  cfg.EmbeddingDimensions,
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("embedding: %w", err)
		}
	}

	// Vector index: external override, or Qdrant with pgvector fallback.
	var vectors search.VectorStore
	var qdrantIndex *search.QdrantIndex
	if o.vectorStore != nil {
		vectors = &vectorStoreAdapter{v: o.vectorStore}
		if err := vectors.EnsureCollection(context.Background()); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("vector store: %w", err)
		}
	} else {
		if cfg.QdrantURL != "" {
			var idxErr error
			qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
				URL:        cfg.QdrantURL,
				APIKey:     cfg.QdrantAPIKey,
				Collection: cfg.QdrantCollection,
				Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			}, logger)
			if idxErr != nil {
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("qdrant: %w", idxErr)
			}
			if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
				_ = qdrantIndex.Close()
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("qdrant ensure collection: %w", err)
			}
			logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
		} else {
			logger.Info("qdrant: disabled (no QDRANT_URL), semantic search on pgvector fallback")
		}
		vectors = search.NewIndex(qdrantIndex, db, logger)
	}

	// Fronted relational engine: external override, separate Postgres,
	// embedded SQLite, or the gateway's own database.
	var source relational.Store
	ownSource := true
	switch {
	case o.relationalStore != nil:
		source = &relationalStoreAdapter{s: o.relationalStore}
		ownSource = false
		logger.Info("relational: external store")
	case cfg.SQLitePath != "":
		source, err = relational.NewSQLite(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("relational: embedded sqlite", "path", cfg.SQLitePath)
	case cfg.RelationalURL != "":
		source, err = relational.NewPostgres(context.Background(), cfg.RelationalURL, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("relational: %w", err)
		}
		logger.Info("relational: fronting external postgres")
	default:
		source = relational.NewPostgresFromPool(db.Pool(), logger)
		logger.Info("relational: fronting the gateway database")
	}

	// Intent analyzer with the optional LLM tier.
	var llm intent.LLMProvider
	if o.intentProvider != nil {
		llm = &intentProviderAdapter{p: o.intentProvider}
	} else if cfg.LLMIntentURL != "" {
		llm = intent.NewOllamaProvider(cfg.LLMIntentURL, cfg.LLMIntentModel)
		logger.Info("intent: llm tier enabled", "model", cfg.LLMIntentModel)
	}
	analyzer := intent.New(llm, cfg.LLMIntentMargin, cfg.LLMIntentTimeout, logger)

	// Quota gate over an in-process token bucket.
	gate := quota.New(db, ratelimit.NewMemoryLimiter(), logger)

	// Result cache.
	results, err := cache.New(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		source.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("cache: %w", err)
	}
	if o.clock != nil {
		results.SetClock(o.clock)
	}

	// Concept store, evolution tracker, query log buffer.
	conceptSvc := concepts.New(db, vectors, embedder, logger)

	tracker, err := evolution.New(context.Background(), db, logger)
	if err != nil {
		source.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("evolution: %w", err)
	}

	logs := querylog.NewBuffer(db, logger, cfg.QueryLogBufferSize, cfg.QueryLogFlushTimeout)

	// Query router.
	rtr := router.New(source, conceptSvc, analyzer, gate, results, logs, tracker, router.Config{
		SQLTimeout:      cfg.RelationalDeadline,
		SemanticTimeout: cfg.SemanticDeadline,
	}, logger)

	// Bidirectional synchronizer. With no mapping rules configured it
	// ticks as a no-op.
	syncer := syncsvc.New(db, source, vectors, embedder, syncsvc.Config{
		Interval:      cfg.SyncInterval,
		MaxBatchSize:  cfg.SyncBatchSize,
		BatchDeadline: cfg.SyncDeadline,
	}, logger)

	// MCP server.
	mcpSrv := mcp.New(mcp.Config{
		Tenants:  db,
		Queries:  rtr,
		Concepts: conceptSvc,
		Tracker:  tracker,
		Sync:     syncer,
		Quota:    gate,
		Logger:   logger,
		Version:  version,
	})

	// HTTP server.
	srv := server.New(server.Config{
		Tenants:             db,
		JWTMgr:              jwtMgr,
		Queries:             rtr,
		Concepts:            conceptSvc,
		Tracker:             tracker,
		Quota:               gate,
		Logs:                logs,
		Cache:               results,
		Logger:              logger,
		Sync:                syncer,
		MCPServer:           mcpSrv.MCPServer(),
		Metadata:            db,
		Vector:              vectors,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed the admin tenant.
	if err := seedAdmin(context.Background(), db, cfg.AdminAPIKey, logger); err != nil {
		source.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		logs:         logs,
		syncer:       syncer,
		tracker:      tracker,
		qdrantIndex:  qdrantIndex,
		source:       source,
		ownSource:    ownSource,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.tracker.Start()
	a.logs.Start(ctx)
	a.syncer.Start(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) flush the query log buffer,
// (3) let a running sync pass finish and stop the evolution tracker.
// It then closes the fronted engine, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shinka shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: query log drain.
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.logs.Drain(drainCtx)
	drainCancel()

	// Phase 3: sync and tracker.
	syncCtx, syncCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.syncer.Drain(syncCtx)
	a.tracker.Stop(syncCtx)
	syncCancel()

	// Cleanup.
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.ownSource {
		a.source.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("shinka stopped")
	return nil
}

// seedAdmin provisions the bootstrap admin tenant on first start. A zero
// limits envelope means unmetered.
func seedAdmin(ctx context.Context, db *storage.DB, apiKey string, logger *slog.Logger) error {
	if apiKey == "" {
		logger.Warn("admin seed skipped (no SHINKA_ADMIN_API_KEY)")
		return nil
	}
	if _, err := db.GetTenant(ctx, "admin"); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("hash admin key: %w", err)
	}
	if _, err := db.CreateTenant(ctx, model.Tenant{
		ID:         "admin",
		Name:       "admin",
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}); err != nil {
		return err
	}
	logger.Info("admin tenant seeded")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// intentProviderAdapter wraps a shinka.LLMIntentProvider to satisfy
// intent.LLMProvider. It converts the public Intent to the internal model
// at the boundary.
type intentProviderAdapter struct {
	p LLMIntentProvider
}

func (a *intentProviderAdapter) Classify(ctx context.Context, query string) (model.Intent, error) {
	in, err := a.p.Classify(ctx, query)
	if err != nil {
		return model.Intent{}, err
	}
	return model.Intent{
		Decision:    model.Decision(in.Decision),
		Confidence:  in.Confidence,
		Source:      model.IntentSourceLLM,
		Explanation: in.Explanation,
	}, nil
}

// vectorStoreAdapter wraps a shinka.VectorStore to satisfy search.VectorStore.
type vectorStoreAdapter struct {
	v VectorStore
}

func (a *vectorStoreAdapter) EnsureCollection(ctx context.Context) error {
	return a.v.EnsureCollection(ctx)
}

func (a *vectorStoreAdapter) Upsert(ctx context.Context, tenantID, id string, vector []float32, name string) error {
	return a.v.Upsert(ctx, tenantID, id, vector, name)
}

func (a *vectorStoreAdapter) Delete(ctx context.Context, tenantID string, ids []string) error {
	return a.v.Delete(ctx, tenantID, ids)
}

func (a *vectorStoreAdapter) Search(ctx context.Context, tenantID string, vector []float32, k int, threshold float64) ([]search.Hit, error) {
	hits, err := a.v.Search(ctx, tenantID, vector, k, threshold)
	if err != nil {
		return nil, err
	}
	out := make([]search.Hit, len(hits))
	for i, h := range hits {
		out[i] = search.Hit{ID: h.ID, Score: float64(h.Score)}
	}
	return out, nil
}

func (a *vectorStoreAdapter) Healthy(ctx context.Context) error {
	return a.v.Healthy(ctx)
}

// relationalStoreAdapter wraps a shinka.RelationalStore to satisfy
// relational.Store. Converts the public Rows type and re-wraps the
// transactional executor in both directions.
type relationalStoreAdapter struct {
	s RelationalStore
}

func (a *relationalStoreAdapter) Execute(ctx context.Context, query string, params ...any) (relational.Rows, int64, error) {
	rows, affected, err := a.s.Execute(ctx, query, params...)
	return toInternalRows(rows), affected, err
}

func (a *relationalStoreAdapter) Transaction(ctx context.Context, fn func(ctx context.Context, tx relational.Executor) error) error {
	return a.s.Transaction(ctx, func(ctx context.Context, tx RelationalExecutor) error {
		return fn(ctx, &relationalExecutorAdapter{e: tx})
	})
}

func (a *relationalStoreAdapter) Now(ctx context.Context) (time.Time, error) {
	return a.s.Now(ctx)
}

func (a *relationalStoreAdapter) Ping(ctx context.Context) error {
	return a.s.Ping(ctx)
}

func (a *relationalStoreAdapter) Close() {
	a.s.Close()
}

type relationalExecutorAdapter struct {
	e RelationalExecutor
}

func (a *relationalExecutorAdapter) Execute(ctx context.Context, query string, params ...any) (relational.Rows, int64, error) {
	rows, affected, err := a.e.Execute(ctx, query, params...)
	return toInternalRows(rows), affected, err
}

func toInternalRows(r Rows) relational.Rows {
	return relational.Rows{Columns: r.Columns, Rows: r.Rows, PrimaryKey: r.PrimaryKey}
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// ctx is a no-op helper so that New(opts ...) can pass a background context
// to telemetry.Init without adding a context parameter to the public API.
// The returned context is never cancelled by this function.
func ctx(_ []Option) context.Context { return context.Background() }
