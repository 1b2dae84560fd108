// Package pricing resolves the per-minute rate of a call.
package pricing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/pricing")

// Store read access to pricing tiers.
type Store interface {
	FindExpertPricing(ctx context.Context, expertID string) ([]models.PricingTier, error)
	FindCategoryPricing(ctx context.Context, category string) ([]models.PricingTier, error)
}

// RateCache optional cache of resolved rates.
type RateCache interface {
	Get(ctx context.Context, key string) (models.Rate, bool)
	Set(ctx context.Context, key string, rate models.Rate)
}

// Request inputs of a rate resolution.
type Request struct {
	ExpertID string
	Category string
	Currency models.Currency
}

func (r Request) cacheKey() string {
	return fmt.Sprintf("rate:%s:%s:%s", r.ExpertID, r.Category, r.Currency)
}

// Resolver resolves rates from expert pricing, then category pricing, then fallback defaults.
type Resolver struct {
	store Store
	cache RateCache

	mu       sync.RWMutex
	defaults Defaults
}

// NewResolver creates a Resolver. The cache may be nil.
func NewResolver(store Store, cache RateCache, defaults Defaults) *Resolver {
	return &Resolver{
		store:    store,
		cache:    cache,
		defaults: defaults.withFallbacks(),
	}
}

// SetDefaults replaces the fallback rates.
func (r *Resolver) SetDefaults(d Defaults) {
	r.mu.Lock()
	r.defaults = d.withFallbacks()
	r.mu.Unlock()
}

// Defaults returns the current fallback rates.
func (r *Resolver) Defaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaults
}

// Resolve returns the per-minute rate of a call. It never fails: any lookup
// error falls through to the next tier and the fallback rate is always available.
func (r *Resolver) Resolve(ctx context.Context, req Request) models.Rate {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pricing.Resolver.Resolve")
	defer span.Finish()

	if req.Currency == "" {
		req.Currency = models.CurrencyUSD
	}

	if r.cache != nil {
		if rate, ok := r.cache.Get(ctx, req.cacheKey()); ok {
			span.LogFields(tracelog.String("source", "cache"))
			return rate
		}
	}

	// Fallbacks are not cached so a recovered store or reloaded defaults apply at once.
	rate, ok := r.fromStore(ctx, req)
	if !ok {
		rate = r.fallback(req.Currency)
	} else if r.cache != nil {
		r.cache.Set(ctx, req.cacheKey(), rate)
	}

	span.LogFields(tracelog.String("source", rate.Source), tracelog.Float64("perMinute", rate.PerMinute))
	return rate
}

func (r *Resolver) fromStore(ctx context.Context, req Request) (models.Rate, bool) {
	if r.store == nil {
		return models.Rate{}, false
	}

	if req.ExpertID != "" {
		tiers, err := r.store.FindExpertPricing(ctx, req.ExpertID)
		if err != nil {
			log.Warn("failed to find expert pricing", zap.String("expertId", req.ExpertID), zap.Error(err))
		} else if perMinute, ok := PerMinute(tiers, req.Currency); ok {
			return models.Rate{PerMinute: perMinute, Currency: req.Currency, Source: models.ScopeExpert}, true
		}
	}

	if req.Category != "" {
		tiers, err := r.store.FindCategoryPricing(ctx, req.Category)
		if err != nil {
			log.Warn("failed to find category pricing", zap.String("category", req.Category), zap.Error(err))
		} else if perMinute, ok := PerMinute(tiers, req.Currency); ok {
			return models.Rate{PerMinute: perMinute, Currency: req.Currency, Source: models.ScopeCategory}, true
		}
	}

	return models.Rate{}, false
}

func (r *Resolver) fallback(c models.Currency) models.Rate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return models.Rate{
		PerMinute: r.defaults.rate(c),
		Currency:  c,
		Source:    models.ScopeFallback,
	}
}

// PerMinute derives a per-minute rate from the shortest tier priced in the currency.
func PerMinute(tiers []models.PricingTier, c models.Currency) (float64, bool) {
	priced := make([]models.PricingTier, 0, len(tiers))
	for _, t := range tiers {
		if t.DurationMinutes > 0 && t.Price(c) > 0 {
			priced = append(priced, t)
		}
	}
	if len(priced) == 0 {
		return 0, false
	}

	sort.Slice(priced, func(i, j int) bool {
		return priced[i].DurationMinutes < priced[j].DurationMinutes
	})

	best := priced[0]
	return roundRate(best.Price(c) / float64(best.DurationMinutes)), true
}
