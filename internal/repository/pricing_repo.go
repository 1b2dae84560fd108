package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
)

// PricingRepository read access to expert and category pricing tiers.
type PricingRepository interface {
	FindExpertPricing(ctx context.Context, expertID string) ([]models.PricingTier, error)
	FindCategoryPricing(ctx context.Context, category string) ([]models.PricingTier, error)
}

// NewPricingRepository creates a new SQL PricingRepository.
func NewPricingRepository(db *sql.DB) PricingRepository {
	return &pricingRepo{
		db: db,
	}
}

type pricingRepo struct {
	db *sql.DB
}

const findExpertPricingQuery = `
	SELECT
		expert_id,
		duration_minutes,
		price_inr,
		price_usd
	FROM expert_pricing
	WHERE
		expert_id = ?
	ORDER BY duration_minutes`

func (r *pricingRepo) FindExpertPricing(ctx context.Context, expertID string) ([]models.PricingTier, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pricing_repo_find_expert_pricing")
	defer span.Finish()

	tiers, err := r.findTiers(ctx, models.ScopeExpert, findExpertPricingQuery, expertID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return tiers, nil
}

const findCategoryPricingQuery = `
	SELECT
		category,
		duration_minutes,
		price_inr,
		price_usd
	FROM category_pricing
	WHERE
		category = ?
	ORDER BY duration_minutes`

func (r *pricingRepo) FindCategoryPricing(ctx context.Context, category string) ([]models.PricingTier, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pricing_repo_find_category_pricing")
	defer span.Finish()

	tiers, err := r.findTiers(ctx, models.ScopeCategory, findCategoryPricingQuery, category)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return tiers, nil
}

func (r *pricingRepo) findTiers(ctx context.Context, scope, query, key string) ([]models.PricingTier, error) {
	rows, err := r.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query for %s pricing %w", scope, err)
	}
	defer rows.Close()

	tiers := make([]models.PricingTier, 0)
	for rows.Next() {
		t := models.PricingTier{Scope: scope}
		err := rows.Scan(&t.Key, &t.DurationMinutes, &t.PriceINR, &t.PriceUSD)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s pricing tier %w", scope, err)
		}
		tiers = append(tiers, t)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate over %s pricing %w", scope, err)
	}

	return tiers, nil
}

const insertExpertPricingQuery = `
	INSERT INTO expert_pricing(
			expert_id,
			duration_minutes,
			price_inr,
			price_usd
		)
	VALUES
		(?, ?, ?, ?)`

const insertCategoryPricingQuery = `
	INSERT INTO category_pricing(
			category,
			duration_minutes,
			price_inr,
			price_usd
		)
	VALUES
		(?, ?, ?, ?)`

// SavePricingTier stores a pricing tier in the table of its scope.
func SavePricingTier(ctx context.Context, db *sql.DB, t models.PricingTier) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "pricing_repo_save_tier")
	defer span.Finish()

	var query string
	switch t.Scope {
	case models.ScopeExpert:
		query = insertExpertPricingQuery
	case models.ScopeCategory:
		query = insertCategoryPricingQuery
	default:
		err := fmt.Errorf("pricing tiers of scope %s are not stored", t.Scope)
		span.LogFields(tracelog.Error(err))
		return err
	}

	_, err := db.ExecContext(ctx, query, t.Key, t.DurationMinutes, t.PriceINR, t.PriceUSD)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}
