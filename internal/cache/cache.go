// Package cache provides the shared price-table cache backed by Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// DefaultPriceTTL bounds how long a cached price table is served.
const DefaultPriceTTL = 5 * time.Minute

const priceVersionKey = "prices:version"

// New creates a cache based on configuration.
// The "none" type (or an empty one) returns a nil cache, which disables caching.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "redis":
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// PriceCache decorates a fuel price store with a shared cache.
// Reads go through the cache; every price write bumps a version stamp so that
// all instances stop serving the older tables at once.
type PriceCache struct {
	store domain.FuelPriceStore
	cache domain.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewPriceCache wraps store. A nil cache makes every call go to the store.
func NewPriceCache(store domain.FuelPriceStore, cache domain.Cache, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &PriceCache{store: store, cache: cache, ttl: ttl, now: time.Now}
}

var _ domain.FuelPriceStore = (*PriceCache)(nil)

// CurrentPrices returns the current price table.
func (c *PriceCache) CurrentPrices(ctx context.Context) (domain.PriceTable, error) {
	return c.load(ctx, "current", func() (domain.PriceTable, error) {
		return c.store.CurrentPrices(ctx)
	})
}

// PricesAt returns the prices effective at the given date.
func (c *PriceCache) PricesAt(ctx context.Context, at time.Time) (domain.PriceTable, error) {
	return c.load(ctx, "at:"+at.UTC().Format(time.RFC3339), func() (domain.PriceTable, error) {
		return c.store.PricesAt(ctx, at)
	})
}

// SaveFuelPrice writes through to the store and invalidates every cached table.
func (c *PriceCache) SaveFuelPrice(ctx context.Context, p *domain.FuelPrice) error {
	if err := c.store.SaveFuelPrice(ctx, p); err != nil {
		return err
	}
	if c.cache == nil {
		return nil
	}

	stamp := strconv.FormatInt(c.now().UnixNano(), 10)
	if err := c.cache.Set(ctx, priceVersionKey, []byte(stamp), 0); err != nil {
		// Stale tables expire with the ttl.
		slog.Warn("price cache invalidation failed", "error", err)
	}
	return nil
}

func (c *PriceCache) load(ctx context.Context, name string, fetch func() (domain.PriceTable, error)) (domain.PriceTable, error) {
	if c.cache == nil {
		return fetch()
	}

	key, err := c.key(ctx, name)
	if err != nil {
		slog.Warn("price cache unavailable", "error", err)
		return fetch()
	}

	if data, err := c.cache.Get(ctx, key); err != nil {
		slog.Warn("price cache read failed", "key", key, "error", err)
	} else if data != nil {
		var table domain.PriceTable
		if err := json.Unmarshal(data, &table); err == nil {
			return table, nil
		}
		slog.Warn("price cache entry corrupted", "key", key)
	}

	table, err := fetch()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(table); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			slog.Warn("price cache write failed", "key", key, "error", err)
		}
	}
	return table, nil
}

func (c *PriceCache) key(ctx context.Context, name string) (string, error) {
	version, err := c.cache.Get(ctx, priceVersionKey)
	if err != nil {
		return "", err
	}
	v := "0"
	if version != nil {
		v = string(version)
	}
	return "prices:" + v + ":" + name, nil
}

// cachedRepository serves fuel prices from a PriceCache and everything else
// from the wrapped repository.
type cachedRepository struct {
	domain.Repository
	prices *PriceCache
}

// WithPrices returns repo with its price lookups and writes routed through prices.
func WithPrices(repo domain.Repository, prices *PriceCache) domain.Repository {
	return &cachedRepository{Repository: repo, prices: prices}
}

func (r *cachedRepository) CurrentPrices(ctx context.Context) (domain.PriceTable, error) {
	return r.prices.CurrentPrices(ctx)
}

func (r *cachedRepository) PricesAt(ctx context.Context, at time.Time) (domain.PriceTable, error) {
	return r.prices.PricesAt(ctx, at)
}

func (r *cachedRepository) SaveFuelPrice(ctx context.Context, p *domain.FuelPrice) error {
	return r.prices.SaveFuelPrice(ctx, p)
}
