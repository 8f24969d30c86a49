// Package quota admits requests against per-tenant resource envelopes.
//
// Short windows (queries per minute, API calls per second) are served by
// in-memory token buckets. Monthly windows are fixed UTC calendar months
// persisted in Postgres, with check and increment folded into a single
// statement so concurrent admits never overshoot the limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/ratelimit"
	"github.com/shinka-ai/shinka/internal/storage"
)

// Store is the persistence the gate needs. *storage.DB satisfies it.
type Store interface {
	GetTenant(ctx context.Context, id string) (model.Tenant, error)
	IncrementMonthlyUsage(ctx context.Context, tenantID string, resource model.Resource, period string, limit int64) (int64, bool, error)
	GetMonthlyUsage(ctx context.Context, tenantID, period string) (map[model.Resource]int64, error)
	GetUsageAlerts(ctx context.Context, tenantID, period string) (map[model.Resource][2]bool, error)
	MarkUsageAlert(ctx context.Context, tenantID string, resource model.Resource, period string, critical bool) (bool, error)
	CountConcepts(ctx context.Context, tenantID string) (int64, error)
	ConceptStorageBytes(ctx context.Context, tenantID string) (int64, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	OK      bool      `json:"ok"`
	Used    int64     `json:"used,omitempty"`
	Limit   int64     `json:"limit,omitempty"`
	ResetAt time.Time `json:"reset_at,omitzero"`
}

// Gate enforces tenant quotas.
type Gate struct {
	store   Store
	buckets ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a gate backed by store. buckets serves the sub-minute
// windows; pass ratelimit.NoopLimiter to disable them.
func New(store Store, buckets ratelimit.Limiter, logger *slog.Logger) *Gate {
	return &Gate{
		store:   store,
		buckets: buckets,
		logger:  logger,
		now:     time.Now,
	}
}

// PeriodFormat is the usage_counters period key layout, one UTC calendar
// month per window.
const PeriodFormat = "2006-01"

// Admit checks and consumes one unit of resource for the tenant. A denied
// admission returns Decision.OK=false together with a QuotaExceededError
// carrying when the window resets. Unknown tenants map to ErrUnknownTenant.
func (g *Gate) Admit(ctx context.Context, tenantID string, resource model.Resource) (Decision, error) {
	tenant, err := g.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, fmt.Errorf("%w: %s", model.ErrUnknownTenant, tenantID)
		}
		return Decision{}, err
	}
	return g.AdmitFor(ctx, tenant, resource)
}

// AdmitFor is Admit for a caller that already resolved the tenant, saving
// the lookup on the hot path.
func (g *Gate) AdmitFor(ctx context.Context, tenant model.Tenant, resource model.Resource) (Decision, error) {
	switch resource {
	case model.ResourceQueriesPerMinute:
		return g.admitBucket(ctx, tenant, resource, time.Minute)
	case model.ResourceAPICallsPerSecond:
		return g.admitBucket(ctx, tenant, resource, time.Second)
	case model.ResourceQueriesPerMonth, model.ResourceAPICallsPerMonth:
		return g.admitMonthly(ctx, tenant, resource)
	default:
		return Decision{}, fmt.Errorf("quota: resource %q is not admittable", resource)
	}
}

// admitBucket serves the token bucket windows. The refill rate spreads the
// window limit evenly, the burst equals the limit, so sustained traffic at
// the limit passes and bursts above it drain the bucket.
func (g *Gate) admitBucket(ctx context.Context, tenant model.Tenant, resource model.Resource, window time.Duration) (Decision, error) {
	limit := tenant.Limits.Limit(resource)
	if limit <= 0 {
		return Decision{OK: true}, nil
	}

	rate := float64(limit) / window.Seconds()
	key := tenant.ID + ":" + string(resource)

	ok, retryAfter, err := g.buckets.Allow(ctx, key, rate, limit)
	if err != nil {
		// Limiter malfunction fails open rather than blocking traffic.
		g.logger.Warn("quota: limiter error, failing open",
			"tenant_id", tenant.ID, "resource", resource, "error", err)
		return Decision{OK: true, Limit: limit}, nil
	}
	if !ok {
		resetAt := g.now().UTC().Add(retryAfter)
		return Decision{OK: false, Limit: limit, ResetAt: resetAt},
			&model.QuotaExceededError{Resource: resource, ResetAt: resetAt}
	}
	return Decision{OK: true, Limit: limit}, nil
}

func (g *Gate) admitMonthly(ctx context.Context, tenant model.Tenant, resource model.Resource) (Decision, error) {
	limit := tenant.Limits.Limit(resource)
	period := g.now().UTC().Format(PeriodFormat)

	used, ok, err := g.store.IncrementMonthlyUsage(ctx, tenant.ID, resource, period, limit)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		resetAt := nextMonth(g.now().UTC())
		return Decision{OK: false, Used: used, Limit: limit, ResetAt: resetAt},
			&model.QuotaExceededError{Resource: resource, ResetAt: resetAt}
	}

	if limit > 0 {
		g.checkAlerts(ctx, tenant.ID, resource, period, used, limit)
	}
	return Decision{OK: true, Used: used, Limit: limit, ResetAt: nextMonth(g.now().UTC())}, nil
}

// checkAlerts warns once per period when usage crosses 80% and again at 95%.
func (g *Gate) checkAlerts(ctx context.Context, tenantID string, resource model.Resource, period string, used, limit int64) {
	pct := float64(used) / float64(limit)
	if pct < 0.80 {
		return
	}
	critical := pct >= 0.95

	first, err := g.store.MarkUsageAlert(ctx, tenantID, resource, period, critical)
	if err != nil {
		g.logger.Warn("quota: mark usage alert", "tenant_id", tenantID, "resource", resource, "error", err)
		return
	}
	if !first {
		return
	}
	threshold := 80
	if critical {
		threshold = 95
	}
	g.logger.Warn("quota: usage threshold crossed",
		"tenant_id", tenantID,
		"resource", resource,
		"period", period,
		"threshold_pct", threshold,
		"used", used,
		"limit", limit,
	)
}

// CheckCapacity verifies that adding delta units of a capacity resource
// (concepts, storage bytes) stays within the envelope, without consuming
// anything. Capacity limits have no window, so ResetAt stays zero.
func (g *Gate) CheckCapacity(ctx context.Context, tenantID string, resource model.Resource, delta int64) (Decision, error) {
	tenant, err := g.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, fmt.Errorf("%w: %s", model.ErrUnknownTenant, tenantID)
		}
		return Decision{}, err
	}

	limit := tenant.Limits.Limit(resource)
	if limit <= 0 {
		return Decision{OK: true}, nil
	}

	var current int64
	switch resource {
	case model.ResourceConcepts:
		current, err = g.store.CountConcepts(ctx, tenantID)
	case model.ResourceStorageBytes:
		current, err = g.store.ConceptStorageBytes(ctx, tenantID)
	default:
		return Decision{}, fmt.Errorf("quota: resource %q is not a capacity resource", resource)
	}
	if err != nil {
		return Decision{}, err
	}

	if current+delta > limit {
		return Decision{OK: false, Used: current, Limit: limit},
			&model.QuotaExceededError{Resource: resource}
	}
	return Decision{OK: true, Used: current, Limit: limit}, nil
}

// Usage reports current-period consumption and alert flags for every
// limited resource, plus the capacity resources.
func (g *Gate) Usage(ctx context.Context, tenantID string) ([]model.UsageEntry, error) {
	tenant, err := g.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownTenant, tenantID)
		}
		return nil, err
	}

	period := g.now().UTC().Format(PeriodFormat)
	counters, err := g.store.GetMonthlyUsage(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}
	alerts, err := g.store.GetUsageAlerts(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}

	entries := make([]model.UsageEntry, 0, 4)
	for _, r := range []model.Resource{model.ResourceQueriesPerMonth, model.ResourceAPICallsPerMonth} {
		e := model.UsageEntry{
			Resource: r,
			Period:   period,
			Used:     counters[r],
			Limit:    tenant.Limits.Limit(r),
		}
		if flags, ok := alerts[r]; ok {
			e.Warning, e.Critical = flags[0], flags[1]
		}
		if e.Limit > 0 {
			e.Percent = float64(e.Used) / float64(e.Limit) * 100
		}
		entries = append(entries, e)
	}

	conceptCount, err := g.store.CountConcepts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	storageBytes, err := g.store.ConceptStorageBytes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, cap := range []struct {
		resource model.Resource
		used     int64
	}{
		{model.ResourceConcepts, conceptCount},
		{model.ResourceStorageBytes, storageBytes},
	} {
		e := model.UsageEntry{
			Resource: cap.resource,
			Used:     cap.used,
			Limit:    tenant.Limits.Limit(cap.resource),
		}
		if e.Limit > 0 {
			e.Percent = float64(e.Used) / float64(e.Limit) * 100
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MaxPhase returns the evolution phase ceiling for a tenant. Zero means no
// ceiling.
func (g *Gate) MaxPhase(ctx context.Context, tenantID string) (int, error) {
	tenant, err := g.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", model.ErrUnknownTenant, tenantID)
		}
		return 0, err
	}
	return tenant.Limits.MaxPhase, nil
}

// nextMonth returns the first instant of the month after t, in UTC.
func nextMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
