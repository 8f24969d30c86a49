package quota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/ratelimit"
	"github.com/shinka-ai/shinka/internal/storage"
)

type fakeStore struct {
	tenant model.Tenant

	counters map[string]int64 // resource|period -> used
	alerts   map[string][2]bool

	conceptCount int64
	storageBytes int64

	alertCalls []struct {
		resource model.Resource
		critical bool
	}
}

func newFakeStore(limits model.QuotaLimits) *fakeStore {
	return &fakeStore{
		tenant: model.Tenant{
			ID:     "acme",
			Name:   "Acme",
			Role:   model.RoleMember,
			Limits: limits,
		},
		counters: make(map[string]int64),
		alerts:   make(map[string][2]bool),
	}
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (model.Tenant, error) {
	if id != f.tenant.ID {
		return model.Tenant{}, fmt.Errorf("%w: tenant %s", storage.ErrNotFound, id)
	}
	return f.tenant, nil
}

func (f *fakeStore) IncrementMonthlyUsage(_ context.Context, _ string, resource model.Resource, period string, limit int64) (int64, bool, error) {
	key := string(resource) + "|" + period
	used := f.counters[key]
	if limit > 0 && used >= limit {
		return used, false, nil
	}
	f.counters[key] = used + 1
	return used + 1, true, nil
}

func (f *fakeStore) GetMonthlyUsage(_ context.Context, _, period string) (map[model.Resource]int64, error) {
	out := make(map[model.Resource]int64)
	for _, r := range []model.Resource{model.ResourceQueriesPerMonth, model.ResourceAPICallsPerMonth} {
		if used, ok := f.counters[string(r)+"|"+period]; ok {
			out[r] = used
		}
	}
	return out, nil
}

func (f *fakeStore) GetUsageAlerts(_ context.Context, _, period string) (map[model.Resource][2]bool, error) {
	out := make(map[model.Resource][2]bool)
	for _, r := range []model.Resource{model.ResourceQueriesPerMonth, model.ResourceAPICallsPerMonth} {
		if flags, ok := f.alerts[string(r)+"|"+period]; ok {
			out[r] = flags
		}
	}
	return out, nil
}

func (f *fakeStore) MarkUsageAlert(_ context.Context, _ string, resource model.Resource, period string, critical bool) (bool, error) {
	key := string(resource) + "|" + period
	flags := f.alerts[key]
	idx := 0
	if critical {
		idx = 1
	}
	if flags[idx] {
		return false, nil
	}
	flags[idx] = true
	f.alerts[key] = flags
	f.alertCalls = append(f.alertCalls, struct {
		resource model.Resource
		critical bool
	}{resource, critical})
	return true, nil
}

func (f *fakeStore) CountConcepts(context.Context, string) (int64, error) {
	return f.conceptCount, nil
}

func (f *fakeStore) ConceptStorageBytes(context.Context, string) (int64, error) {
	return f.storageBytes, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T, store Store) *Gate {
	t.Helper()
	limiter := ratelimit.NewMemoryLimiter()
	t.Cleanup(func() { _ = limiter.Close() })
	return New(store, limiter, testLogger())
}

func TestAdmitUnknownTenant(t *testing.T) {
	g := newTestGate(t, newFakeStore(model.QuotaLimits{}))

	_, err := g.Admit(context.Background(), "ghost", model.ResourceQueriesPerMinute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownTenant))
}

func TestAdmitBucketDeniedAtBurst(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{QueriesPerMinute: 2})
	g := newTestGate(t, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMinute)
		require.NoError(t, err, "admit %d", i)
		assert.True(t, d.OK)
	}

	d, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMinute)
	require.Error(t, err)
	assert.False(t, d.OK)

	var qe *model.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, model.ResourceQueriesPerMinute, qe.Resource)
	assert.True(t, qe.ResetAt.After(time.Now().Add(-time.Second)))
}

func TestAdmitBucketUnlimited(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{}) // zero limits everywhere
	g := newTestGate(t, store)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMinute)
		require.NoError(t, err)
		assert.True(t, d.OK)
	}
}

func TestAdmitMonthlyDenied(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{QueriesPerMonth: 3})
	g := newTestGate(t, store)
	g.now = func() time.Time { return time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMonth)
		require.NoError(t, err, "admit %d", i)
		assert.True(t, d.OK)
		assert.Equal(t, int64(i+1), d.Used)
	}

	d, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMonth)
	require.Error(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, int64(3), d.Used)

	var qe *model.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), qe.ResetAt,
		"monthly window resets at the first instant of the next UTC month")
}

func TestAdmitMonthlyCounterUntouchedOnDeny(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{QueriesPerMonth: 1})
	g := newTestGate(t, store)
	ctx := context.Background()

	_, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMonth)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMonth)
		require.Error(t, err)
		assert.Equal(t, int64(1), d.Used, "denied admits must not inflate the counter")
	}
}

func TestAdmitMonthlyAlertThresholds(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{QueriesPerMonth: 10})
	g := newTestGate(t, store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMonth)
		require.NoError(t, err)
	}

	// 8/10 crosses 80%, 10/10 crosses 95%; each fires exactly once.
	require.Len(t, store.alertCalls, 2)
	assert.False(t, store.alertCalls[0].critical)
	assert.True(t, store.alertCalls[1].critical)
}

func TestCheckCapacityConcepts(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{MaxConcepts: 10})
	store.conceptCount = 9
	g := newTestGate(t, store)
	ctx := context.Background()

	d, err := g.CheckCapacity(ctx, "acme", model.ResourceConcepts, 1)
	require.NoError(t, err)
	assert.True(t, d.OK)

	d, err = g.CheckCapacity(ctx, "acme", model.ResourceConcepts, 2)
	require.Error(t, err)
	assert.False(t, d.OK)

	var qe *model.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, model.ResourceConcepts, qe.Resource)
}

func TestCheckCapacityUnlimited(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{})
	store.storageBytes = 1 << 40
	g := newTestGate(t, store)

	d, err := g.CheckCapacity(context.Background(), "acme", model.ResourceStorageBytes, 1<<30)
	require.NoError(t, err)
	assert.True(t, d.OK)
}

func TestUsageReport(t *testing.T) {
	store := newFakeStore(model.QuotaLimits{QueriesPerMonth: 10, MaxConcepts: 100})
	store.conceptCount = 25
	g := newTestGate(t, store)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := g.Admit(ctx, "acme", model.ResourceQueriesPerMonth)
		require.NoError(t, err)
	}

	entries, err := g.Usage(ctx, "acme")
	require.NoError(t, err)

	byResource := make(map[model.Resource]model.UsageEntry)
	for _, e := range entries {
		byResource[e.Resource] = e
	}

	q := byResource[model.ResourceQueriesPerMonth]
	assert.Equal(t, int64(9), q.Used)
	assert.Equal(t, int64(10), q.Limit)
	assert.InDelta(t, 90.0, q.Percent, 0.01)
	assert.True(t, q.Warning, "80% alert should be flagged")
	assert.False(t, q.Critical)

	c := byResource[model.ResourceConcepts]
	assert.Equal(t, int64(25), c.Used)
	assert.InDelta(t, 25.0, c.Percent, 0.01)
}

func TestNextMonthYearRollover(t *testing.T) {
	got := nextMonth(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}
