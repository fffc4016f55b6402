package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// SaveFuelPrice records a price effective from p.EffectiveFrom.
// A zero EffectiveFrom means now. Saving the same (fuel, date) again replaces the price.
func (r *SQLRepository) SaveFuelPrice(ctx context.Context, p *domain.FuelPrice) error {
	if p == nil || !p.FuelType.Valid() {
		return fmt.Errorf("%w: unknown fuel type", ErrInvalidInput)
	}
	if p.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if p.EffectiveFrom.IsZero() {
		p.EffectiveFrom = now
	}

	query := `
		INSERT INTO fuel_prices (fuel_type, effective_from, price, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fuel_type, effective_from) DO UPDATE SET price = excluded.price
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(p.FuelType), p.EffectiveFrom.UTC(), p.Price, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save fuel price: %w", err)
	}
	return nil
}

// CurrentPrices returns the latest price already in effect for each fuel type.
func (r *SQLRepository) CurrentPrices(ctx context.Context) (domain.PriceTable, error) {
	return r.pricesEffectiveAt(ctx, time.Now())
}

// PricesAt returns the prices in effect at the given date. Fuel types with no price
// at that date fall back to their current price.
func (r *SQLRepository) PricesAt(ctx context.Context, at time.Time) (domain.PriceTable, error) {
	table, err := r.pricesEffectiveAt(ctx, at)
	if err != nil {
		return nil, err
	}

	current, err := r.CurrentPrices(ctx)
	if err != nil {
		return nil, err
	}
	for fuel, price := range current {
		if _, ok := table[fuel]; !ok {
			table[fuel] = price
		}
	}
	return table, nil
}

func (r *SQLRepository) pricesEffectiveAt(ctx context.Context, at time.Time) (domain.PriceTable, error) {
	query := `
		SELECT fuel_type, price
		FROM fuel_prices
		WHERE effective_from <= ?
		ORDER BY fuel_type, effective_from DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), at.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query fuel prices: %w", err)
	}
	defer rows.Close()

	table := make(domain.PriceTable)
	for rows.Next() {
		var fuel string
		var price float64
		if err := rows.Scan(&fuel, &price); err != nil {
			return nil, err
		}
		// Rows are ordered newest first within a fuel type
		if _, ok := table[domain.FuelType(fuel)]; !ok {
			table[domain.FuelType(fuel)] = price
		}
	}

	return table, rows.Err()
}
