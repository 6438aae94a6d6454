package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/exam-tutor-go/internal/models"
	"github.com/exam-tutor-go/internal/services/storage"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Limits are the effective limits of a tier. Unbounded limits are models.Unbounded.
type Limits struct {
	TokenLimit    int64 `json:"tokenLimit"`
	PapersLimit   int64 `json:"papersLimit"`
	PackageScoped bool  `json:"packageScoped"`
}

// Catalog resolves tier limits from configured defaults and admin overrides in the store
type Catalog struct {
	store    storage.Store
	defaults map[models.Tier]Limits
	cache    *cache.Cache
	logger   *logrus.Logger
}

// NewCatalog creates a tier catalog
func NewCatalog(store storage.Store, cfg *config.QuotaConfig, logger *logrus.Logger) *Catalog {
	ttl := cfg.TierCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	defaults := make(map[models.Tier]Limits, len(cfg.Tiers))
	for name, tl := range cfg.Tiers {
		defaults[models.Tier(name)] = Limits{
			TokenLimit:    bounded(tl.TokenLimit),
			PapersLimit:   bounded(tl.PapersLimit),
			PackageScoped: tl.PackageScoped,
		}
	}

	return &Catalog{
		store:    store,
		defaults: defaults,
		cache:    cache.New(ttl, 2*ttl),
		logger:   logger,
	}
}

func bounded(limit int64) int64 {
	if limit <= 0 {
		return models.Unbounded
	}
	return limit
}

// Limits returns the limits for tier. Store errors fall back to the configured defaults.
func (c *Catalog) Limits(ctx context.Context, tier models.Tier) (Limits, error) {
	if val, found := c.cache.Get(string(tier)); found {
		return val.(Limits), nil
	}

	base, known := c.defaults[tier]
	if !known && !tier.Valid() {
		return Limits{}, fmt.Errorf("unknown tier: %s", tier)
	}
	if !known {
		// A valid tier missing from config gets no limits
		base = Limits{TokenLimit: models.Unbounded, PapersLimit: models.Unbounded}
	}

	override, err := c.store.QueryOne(ctx, storage.TableTiers, storage.Filters{"name": string(tier)})
	if err != nil {
		c.logger.WithError(err).WithField("tier", tier).Warn("Failed to load tier overrides, using defaults")
		return base, nil
	}

	limits := applyOverride(base, override)
	c.cache.Set(string(tier), limits, cache.DefaultExpiration)
	return limits, nil
}

func applyOverride(base Limits, rec storage.Record) Limits {
	if rec == nil {
		return base
	}
	if v, ok := rec.Int("token_limit"); ok {
		base.TokenLimit = bounded(v)
	}
	if v, ok := rec.Int("papers_limit"); ok {
		base.PapersLimit = bounded(v)
	}
	if _, ok := rec["package_scoped"]; ok {
		base.PackageScoped = rec.Bool("package_scoped")
	}
	return base
}

// Invalidate drops cached limits so the next lookup reads the store
func (c *Catalog) Invalidate() {
	c.cache.Flush()
	c.logger.Debug("Tier catalog invalidated")
}
