package quota

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuotaConfig() *config.QuotaConfig {
	return &config.QuotaConfig{
		TierCacheTTL:    time.Minute,
		MaxWriteRetries: 3,
		Tiers: map[string]config.TierLimits{
			"free":         {TokenLimit: 50000, PapersLimit: 2},
			"student_lite": {TokenLimit: 250000, PackageScoped: true},
			"student":      {TokenLimit: 1000000, PackageScoped: true},
			"pro":          {},
		},
	}
}

type denials struct {
	mu      sync.Mutex
	reasons []string
}

func (d *denials) RecordQuotaDenial(reason string) {
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}

func newTestLedger(t *testing.T, sub storage.Record) (*Ledger, *storage.Manager, *denials) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := storage.NewManagerWithStore(storage.NewMemoryStorage(), log)
	RegisterProcedures(store)
	if sub != nil {
		_, err := store.Insert(context.Background(), storage.TableSubscriptions, sub)
		require.NoError(t, err)
	}

	cfg := testQuotaConfig()
	rec := &denials{}
	return NewLedger("u1", store, NewCatalog(store, cfg, log), cfg, rec, log), store, rec
}

func freeSubscription() storage.Record {
	return storage.Record{
		"id":                    "u1",
		"user_id":               "u1",
		"tier":                  "free",
		"tokens_used":           0,
		"papers_accessed_count": 0,
		"accessed_paper_ids":    []string{},
		"version":               1,
	}
}

func TestFreeTierScenarios(t *testing.T) {
	ctx := context.Background()
	ledger, _, rec := newTestLedger(t, freeSubscription())

	// A: first paper
	d, err := ledger.CheckAccess(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	snap := ledger.Snapshot()
	assert.Equal(t, int64(1), snap.PapersAccessedCount)
	assert.Equal(t, []string{"P1"}, snap.AccessedPaperIDs)
	assert.Equal(t, int64(1), d.Remaining.Papers)
	assert.Equal(t, int64(50000), d.Remaining.Tokens)

	// B: second paper
	d, err = ledger.CheckAccess(ctx, "P2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), ledger.Snapshot().PapersAccessedCount)

	// C: third paper is over the limit
	d, err = ledger.CheckAccess(ctx, "P3")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.ReasonPaperLimit, d.Reason)
	assert.Equal(t, int64(0), d.Remaining.Papers)

	// D: an accessed paper stays open
	d, err = ledger.CheckAccess(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	snap = ledger.Snapshot()
	assert.Equal(t, int64(2), snap.PapersAccessedCount)
	assert.Equal(t, []string{"P1", "P2"}, snap.AccessedPaperIDs)

	assert.Equal(t, []string{"paper_limit"}, rec.reasons)
}

func TestTokenLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("used equal to limit is denied", func(t *testing.T) {
		sub := freeSubscription()
		sub["tokens_used"] = 50000
		ledger, _, _ := newTestLedger(t, sub)

		d, err := ledger.CheckAccess(ctx, "P1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, models.ReasonTokenLimit, d.Reason)
		assert.Equal(t, int64(0), d.Remaining.Tokens)
		assert.True(t, ledger.Locked())
		assert.Equal(t, int64(0), ledger.Snapshot().PapersAccessedCount)
	})

	t.Run("one below limit is allowed", func(t *testing.T) {
		sub := freeSubscription()
		sub["tokens_used"] = 49999
		ledger, _, _ := newTestLedger(t, sub)

		d, err := ledger.CheckAccess(ctx, "P1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Remaining.Tokens)
	})

	t.Run("token limit wins over paper limit", func(t *testing.T) {
		sub := freeSubscription()
		sub["tokens_used"] = 60000
		sub["papers_accessed_count"] = 2
		sub["accessed_paper_ids"] = []string{"A", "B"}
		ledger, _, _ := newTestLedger(t, sub)

		d, err := ledger.CheckAccess(ctx, "P9")
		require.NoError(t, err)
		assert.Equal(t, models.ReasonTokenLimit, d.Reason)
	})

	t.Run("add tokens then refresh locks", func(t *testing.T) {
		sub := freeSubscription()
		sub["tokens_used"] = 49000
		ledger, _, _ := newTestLedger(t, sub)
		_, err := ledger.Load(ctx)
		require.NoError(t, err)
		assert.False(t, ledger.Locked())

		require.NoError(t, ledger.AddTokens(ctx, 1000))
		require.NoError(t, ledger.Refresh(ctx))
		assert.True(t, ledger.Locked())
		assert.Equal(t, int64(50000), ledger.Snapshot().TokensUsed)
	})
}

func TestPackageRestriction(t *testing.T) {
	ctx := context.Background()
	sub := storage.Record{
		"id":          "u1",
		"user_id":     "u1",
		"tier":        "student",
		"tokens_used": 0,
		"grade_id":    "g10",
		"subject_ids": []string{"math", "physics"},
		"version":     1,
	}
	ledger, store, rec := newTestLedger(t, sub)

	for _, p := range []storage.Record{
		{"id": "in", "grade_id": "g10", "subject_id": "math"},
		{"id": "wrong-subject", "grade_id": "g10", "subject_id": "history"},
		{"id": "wrong-grade", "grade_id": "g11", "subject_id": "math"},
	} {
		_, err := store.Insert(ctx, storage.TablePapers, p)
		require.NoError(t, err)
	}

	d, err := ledger.CheckAccess(ctx, "in")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.Unbounded, d.Remaining.Papers)
	assert.Empty(t, ledger.Snapshot().AccessedPaperIDs)

	for _, id := range []string{"wrong-subject", "wrong-grade", "missing"} {
		d, err := ledger.CheckAccess(ctx, id)
		require.NoError(t, err)
		assert.False(t, d.Allowed, id)
		assert.Equal(t, models.ReasonPackageRestriction, d.Reason, id)
	}
	assert.Len(t, rec.reasons, 3)
}

func TestProTierUnbounded(t *testing.T) {
	sub := freeSubscription()
	sub["tier"] = "pro"
	sub["tokens_used"] = 10000000
	ledger, _, _ := newTestLedger(t, sub)

	d, err := ledger.CheckAccess(context.Background(), "P1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.Remaining{Tokens: -1, Papers: -1}, d.Remaining)
	assert.False(t, ledger.Locked())
}

func TestMissingSubscriptionStartsFree(t *testing.T) {
	ctx := context.Background()
	ledger, store, _ := newTestLedger(t, nil)

	d, err := ledger.CheckAccess(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, err := store.QueryOne(ctx, storage.TableSubscriptions, storage.Filters{"user_id": "u1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "free", rec.String("tier"))
	assert.Equal(t, []string{"P1"}, rec.Strings("accessed_paper_ids"))
}

// racingStore bumps the subscription version once before the first update lands
type racingStore struct {
	*storage.Manager
	once sync.Once
}

func (r *racingStore) Update(ctx context.Context, table string, filters storage.Filters, patch storage.Record) (int, error) {
	r.once.Do(func() {
		rec, _ := r.Manager.QueryOne(ctx, table, storage.Filters{"user_id": "u1"})
		v, _ := rec.Int("version")
		_, _ = r.Manager.Update(ctx, table, storage.Filters{"user_id": "u1"}, storage.Record{
			"version":               v + 1,
			"papers_accessed_count": 1,
			"accessed_paper_ids":    []string{"OTHER"},
		})
	})
	return r.Manager.Update(ctx, table, filters, patch)
}

func TestCheckAccessRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)

	manager := storage.NewManagerWithStore(storage.NewMemoryStorage(), log)
	_, err := manager.Insert(ctx, storage.TableSubscriptions, freeSubscription())
	require.NoError(t, err)

	store := &racingStore{Manager: manager}
	cfg := testQuotaConfig()
	ledger := NewLedger("u1", store, NewCatalog(store, cfg, log), cfg, nil, log)

	d, err := ledger.CheckAccess(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, err := manager.QueryOne(ctx, storage.TableSubscriptions, storage.Filters{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"OTHER", "P1"}, rec.Strings("accessed_paper_ids"))
	count, _ := rec.Int("papers_accessed_count")
	assert.Equal(t, int64(2), count)
}

func TestCatalogOverrides(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := storage.NewManagerWithStore(storage.NewMemoryStorage(), log)

	_, err := store.Insert(ctx, storage.TableTiers, storage.Record{"name": "free", "papers_limit": 5})
	require.NoError(t, err)

	catalog := NewCatalog(store, testQuotaConfig(), log)
	limits, err := catalog.Limits(ctx, models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, Limits{TokenLimit: 50000, PapersLimit: 5}, limits)

	limits, err = catalog.Limits(ctx, models.TierStudent)
	require.NoError(t, err)
	assert.True(t, limits.PackageScoped)
	assert.Equal(t, models.Unbounded, limits.PapersLimit)

	_, err = catalog.Limits(ctx, models.Tier("platinum"))
	assert.Error(t, err)
}
