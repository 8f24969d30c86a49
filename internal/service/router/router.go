// Package router executes queries end to end: admission, cache lookup,
// intent classification, backend dispatch, merge, and the bookkeeping
// around every reply (audit log, evolution observation).
//
// The hybrid path runs both backends concurrently with independent
// deadlines; one backend failing never cancels the other, and a partial
// result is served degraded rather than dropped.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/shinka-ai/shinka/internal/cache"
	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/quota"
	"github.com/shinka-ai/shinka/internal/relational"
	"github.com/shinka-ai/shinka/internal/telemetry"
)

// Default per-branch deadlines. The hybrid path applies both, each on its
// own child context.
const (
	DefaultSQLTimeout      = 5 * time.Second
	DefaultSemanticTimeout = 2 * time.Second
)

// ConceptSearcher is the semantic branch. *concepts.Service satisfies it.
type ConceptSearcher interface {
	SemanticSearch(ctx context.Context, tenantID string, req model.SearchConceptsRequest) ([]model.ConceptSearchResult, error)
}

// Classifier produces the routing intent. *intent.Analyzer satisfies it.
type Classifier interface {
	Classify(ctx context.Context, query string, conceptRatio float64) (model.Intent, error)
}

// Admitter gates execution against tenant quotas. *quota.Gate satisfies it.
type Admitter interface {
	AdmitFor(ctx context.Context, tenant model.Tenant, resource model.Resource) (quota.Decision, error)
}

// Tracker receives one observation per executed query and publishes the
// evolution bias. *evolution.Tracker satisfies it.
type Tracker interface {
	Observe(ctx context.Context, o model.Observation)
	ConceptRatio() float64
}

// LogAppender receives the per-query audit record. *querylog.Buffer
// satisfies it; Append must be cheap and non-blocking.
type LogAppender interface {
	Append(l model.QueryLog)
}

// Router is the query execution pipeline.
type Router struct {
	relational relational.Executor
	concepts   ConceptSearcher
	intents    Classifier
	gate       Admitter
	cache      *cache.ResultCache
	logs       LogAppender
	tracker    Tracker
	logger     *slog.Logger

	group           singleflight.Group
	sqlTimeout      time.Duration
	semanticTimeout time.Duration

	queryDuration metric.Float64Histogram
	degradedCount metric.Int64Counter
	deniedCount   metric.Int64Counter
}

// Config tunes the router. Zero values take the package defaults.
type Config struct {
	SQLTimeout      time.Duration
	SemanticTimeout time.Duration
}

// New creates a router over the given backends.
func New(rel relational.Executor, con ConceptSearcher, cls Classifier, gate Admitter,
	results *cache.ResultCache, logs LogAppender, tracker Tracker, cfg Config, logger *slog.Logger) *Router {

	if cfg.SQLTimeout <= 0 {
		cfg.SQLTimeout = DefaultSQLTimeout
	}
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = DefaultSemanticTimeout
	}

	meter := telemetry.Meter("shinka/router")
	queryDuration, _ := meter.Float64Histogram("shinka.router.query_duration",
		metric.WithDescription("End to end query execution time (ms)"),
		metric.WithUnit("ms"),
	)
	degradedCount, _ := meter.Int64Counter("shinka.router.degraded",
		metric.WithDescription("Hybrid queries answered from one backend after the other failed"),
	)
	deniedCount, _ := meter.Int64Counter("shinka.router.quota_denied",
		metric.WithDescription("Queries rejected by quota admission"),
	)

	return &Router{
		relational:      rel,
		concepts:        con,
		intents:         cls,
		gate:            gate,
		cache:           results,
		logs:            logs,
		tracker:         tracker,
		logger:          logger,
		sqlTimeout:      cfg.SQLTimeout,
		semanticTimeout: cfg.SemanticTimeout,
		queryDuration:   queryDuration,
		degradedCount:   degradedCount,
		deniedCount:     deniedCount,
	}
}

// Fingerprint identifies a query execution for caching and coalescing.
// Normalization lowercases the query and collapses whitespace so trivially
// reformatted queries share a cache entry.
func Fingerprint(tenantID, query string, opts model.QueryOptions) string {
	h := sha256.New()
	io.WriteString(h, tenantID)
	h.Write([]byte{0})
	io.WriteString(h, normalizeQuery(query))
	h.Write([]byte{0})
	fmt.Fprintf(h, "k=%d;threshold=%g;force=%s", opts.K, opts.Threshold, opts.Force)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Execute runs one query for a tenant. Exactly one audit log is emitted
// before the reply returns, on every outcome including quota denial and
// validation failure.
func (r *Router) Execute(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions) (model.Result, model.RouteInfo, error) {
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		info := model.RouteInfo{}
		r.emitLog(tenant.ID, query, info, model.Result{}, model.ErrEmptyQuery)
		return model.Result{}, info, model.ErrEmptyQuery
	}

	fp := Fingerprint(tenant.ID, query, opts)
	info := model.RouteInfo{Fingerprint: fp}

	if err := r.admit(ctx, tenant); err != nil {
		r.deniedCount.Add(ctx, 1)
		r.emitLog(tenant.ID, query, info, model.Result{}, err)
		return model.Result{}, info, err
	}

	if !opts.NoCache {
		if result, ok := r.cache.Get(ctx, cache.Key(tenant.ID, fp)); ok {
			info.Cached = true
			r.observe(ctx, info, result, false)
			r.emitLog(tenant.ID, query, info, result, nil)
			r.queryDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
			return result, info, nil
		}
	}

	// Concurrent misses on the same fingerprint share one execution.
	v, err, _ := r.group.Do(tenant.ID+"/"+fp, func() (any, error) {
		return r.route(ctx, tenant, query, opts, fp)
	})
	out := v.(execOutcome)
	info = out.info

	if err == nil && !info.Degraded && out.result.Count > 0 && !opts.NoCache {
		r.cache.Put(cache.Key(tenant.ID, fp), out.result)
	}
	if info.Degraded {
		r.degradedCount.Add(ctx, 1)
	}

	if info.Intent.Decision != "" {
		r.observe(ctx, info, out.result, out.mergeHit)
	}
	r.emitLog(tenant.ID, query, info, out.result, err)
	r.queryDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	return out.result, info, err
}

// Explain classifies a query without executing it: admission, fingerprint,
// cache presence, and the intent verdict.
func (r *Router) Explain(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions) (model.RouteInfo, error) {
	if strings.TrimSpace(query) == "" {
		return model.RouteInfo{}, model.ErrEmptyQuery
	}

	fp := Fingerprint(tenant.ID, query, opts)
	info := model.RouteInfo{Fingerprint: fp}

	if err := r.admit(ctx, tenant); err != nil {
		return info, err
	}

	if !opts.NoCache {
		_, info.Cached = r.cache.Get(ctx, cache.Key(tenant.ID, fp))
	}

	intent, err := r.classify(ctx, query, opts)
	if err != nil {
		return info, err
	}
	info.Intent = intent
	return info, nil
}

func (r *Router) admit(ctx context.Context, tenant model.Tenant) error {
	for _, resource := range []model.Resource{model.ResourceQueriesPerMinute, model.ResourceQueriesPerMonth} {
		if _, err := r.gate.AdmitFor(ctx, tenant, resource); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) classify(ctx context.Context, query string, opts model.QueryOptions) (model.Intent, error) {
	if opts.Force != "" {
		if !opts.Force.Valid() {
			return model.Intent{}, fmt.Errorf("%w: unknown decision %q", model.ErrInvalidOptions, opts.Force)
		}
		return model.Intent{
			Decision:    opts.Force,
			Confidence:  1.0,
			Source:      model.IntentSourceRules,
			Explanation: "forced by request",
		}, nil
	}
	return r.intents.Classify(ctx, query, r.tracker.ConceptRatio())
}

// execOutcome is the shared result of one coalesced execution.
type execOutcome struct {
	result   model.Result
	info     model.RouteInfo
	mergeHit bool
}

func (r *Router) route(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions, fp string) (execOutcome, error) {
	info := model.RouteInfo{Fingerprint: fp}

	intent, err := r.classify(ctx, query, opts)
	if err != nil {
		return execOutcome{info: info}, err
	}
	info.Intent = intent

	switch intent.Decision {
	case model.DecisionSQL:
		rows, ms, err := r.runSQL(ctx, query)
		info.RelationalMS = ms
		if err != nil {
			return execOutcome{info: info}, err
		}
		return execOutcome{result: buildResult(rowItems(rows)), info: info}, nil

	case model.DecisionSemantic:
		hits, ms, err := r.runSemantic(ctx, tenant.ID, query, opts)
		info.SemanticMS = ms
		if err != nil {
			return execOutcome{info: info}, err
		}
		return execOutcome{result: buildResult(conceptItems(hits)), info: info}, nil

	default:
		return r.routeHybrid(ctx, tenant, query, opts, info)
	}
}

// routeHybrid runs both backends concurrently. Each branch gets its own
// deadline derived from the shared parent, so one branch failing or timing
// out never cancels the sibling.
func (r *Router) routeHybrid(ctx context.Context, tenant model.Tenant, query string, opts model.QueryOptions, info model.RouteInfo) (execOutcome, error) {
	var (
		wg sync.WaitGroup

		rows   relational.Rows
		relMS  int64
		relErr error

		hits   []model.ConceptSearchResult
		semMS  int64
		semErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		rows, relMS, relErr = r.runSQL(ctx, query)
	}()
	go func() {
		defer wg.Done()
		hits, semMS, semErr = r.runSemantic(ctx, tenant.ID, query, opts)
	}()
	wg.Wait()

	info.RelationalMS = relMS
	info.SemanticMS = semMS

	switch {
	case relErr == nil && semErr == nil:
		items := append(rowItems(rows), conceptItems(hits)...)
		return execOutcome{
			result:   buildResult(items),
			info:     info,
			mergeHit: len(rows.Rows) > 0 && len(hits) > 0,
		}, nil

	case relErr != nil && semErr != nil:
		return execOutcome{info: info},
			fmt.Errorf("%w; %s also failed: %v", relErr, model.LayerVector, semErr)

	case relErr != nil && len(hits) > 0:
		info.Degraded = true
		info.PartialError = fmt.Sprintf("%s: %v", model.LayerRelational, relErr)
		r.logger.Warn("router: hybrid degraded, relational branch failed",
			"tenant_id", tenant.ID, "error", relErr)
		return execOutcome{result: buildResult(conceptItems(hits)), info: info}, nil

	case semErr != nil && len(rows.Rows) > 0:
		info.Degraded = true
		info.PartialError = fmt.Sprintf("%s: %v", model.LayerVector, semErr)
		r.logger.Warn("router: hybrid degraded, semantic branch failed",
			"tenant_id", tenant.ID, "error", semErr)
		return execOutcome{result: buildResult(rowItems(rows)), info: info}, nil

	default:
		// One branch failed and the survivor came back empty: an empty
		// degraded reply would hide the failure, so surface it.
		if relErr != nil {
			return execOutcome{info: info}, relErr
		}
		return execOutcome{info: info}, semErr
	}
}

func (r *Router) runSQL(ctx context.Context, query string) (relational.Rows, int64, error) {
	sqlCtx, cancel := context.WithTimeout(ctx, r.sqlTimeout)
	defer cancel()

	start := time.Now()
	rows, _, err := r.relational.Execute(sqlCtx, query)
	ms := time.Since(start).Milliseconds()
	if err != nil {
		return relational.Rows{}, ms, &model.UpstreamError{Layer: model.LayerRelational, Err: err}
	}
	return rows, ms, nil
}

func (r *Router) runSemantic(ctx context.Context, tenantID, query string, opts model.QueryOptions) ([]model.ConceptSearchResult, int64, error) {
	semCtx, cancel := context.WithTimeout(ctx, r.semanticTimeout)
	defer cancel()

	start := time.Now()
	hits, err := r.concepts.SemanticSearch(semCtx, tenantID, model.SearchConceptsRequest{
		Query:     query,
		K:         opts.K,
		Threshold: opts.Threshold,
	})
	return hits, time.Since(start).Milliseconds(), err
}

// rowItems converts relational rows to result items. Rows carry score 1.0;
// the dedup key is the primary key value when the hint names one, else the
// row position.
func rowItems(rows relational.Rows) []model.ResultItem {
	items := make([]model.ResultItem, 0, len(rows.Rows))
	for i, row := range rows.Rows {
		key := fmt.Sprintf("%s/#%d", model.SourceRelational, i)
		if rows.PrimaryKey != "" {
			if v, ok := row[rows.PrimaryKey]; ok && v != nil {
				key = fmt.Sprintf("%s/%v", model.SourceRelational, v)
			}
		}
		items = append(items, model.ResultItem{
			Key:    key,
			Source: model.SourceRelational,
			Score:  1.0,
			Row:    row,
		})
	}
	return items
}

func conceptItems(hits []model.ConceptSearchResult) []model.ResultItem {
	items := make([]model.ResultItem, 0, len(hits))
	for i := range hits {
		c := hits[i].Concept
		items = append(items, model.ResultItem{
			Key:     model.SourceConcept + "/" + c.ID,
			Source:  model.SourceConcept,
			Score:   hits[i].Similarity,
			Concept: &c,
		})
	}
	return items
}

// buildResult dedups by key (first occurrence wins) and stable-sorts by
// score descending, so equal scores keep their source order.
func buildResult(items []model.ResultItem) model.Result {
	seen := make(map[string]struct{}, len(items))
	merged := items[:0]
	for _, it := range items {
		if _, dup := seen[it.Key]; dup {
			continue
		}
		seen[it.Key] = struct{}{}
		merged = append(merged, it)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	return model.Result{Items: merged, Count: len(merged)}
}

func (r *Router) observe(ctx context.Context, info model.RouteInfo, result model.Result, mergeHit bool) {
	r.tracker.Observe(ctx, model.Observation{
		Decision:     info.Intent.Decision,
		Confidence:   info.Intent.Confidence,
		RelationalMS: info.RelationalMS,
		SemanticMS:   info.SemanticMS,
		ResultCount:  result.Count,
		CacheHit:     info.Cached,
		MergeHit:     mergeHit,
	})
}

func (r *Router) emitLog(tenantID, query string, info model.RouteInfo, result model.Result, err error) {
	r.logs.Append(model.QueryLog{
		TenantID:     tenantID,
		Query:        query,
		Fingerprint:  info.Fingerprint,
		Decision:     info.Intent.Decision,
		Confidence:   info.Intent.Confidence,
		RelationalMS: info.RelationalMS,
		SemanticMS:   info.SemanticMS,
		ResultCount:  result.Count,
		Cached:       info.Cached,
		Degraded:     info.Degraded,
		ErrorCode:    model.CodeForError(err),
	})
}
