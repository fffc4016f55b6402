package consumption

import (
	"context"
	"fmt"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// DefaultWindow is the number of recent closed vouchers considered for a baseline.
const DefaultWindow = 20

// BaselineBuilder assembles the recent consumption history of a vehicle.
// It keeps no state between calls.
type BaselineBuilder struct {
	history   domain.VoucherHistory
	prices    domain.PriceLookup
	estimator *Estimator
	window    int
}

// NewBaselineBuilder creates a builder over the given history and price sources.
func NewBaselineBuilder(history domain.VoucherHistory, prices domain.PriceLookup, estimator *Estimator, window int) *BaselineBuilder {
	if window <= 0 {
		window = DefaultWindow
	}
	if estimator == nil {
		estimator = NewEstimator(DefaultMinDistance)
	}
	return &BaselineBuilder{
		history:   history,
		prices:    prices,
		estimator: estimator,
		window:    window,
	}
}

// Build returns consumption values for the vehicle's closed vouchers, most recent first,
// excluding excludeID and capped at the window size. Prices are read once and applied
// to the whole batch.
func (b *BaselineBuilder) Build(ctx context.Context, vehicleID, excludeID string) ([]float64, error) {
	vouchers, err := b.history.ListClosedHistory(ctx, domain.HistoryQuery{
		VehicleID:   vehicleID,
		ExcludeID:   excludeID,
		MinDistance: b.estimator.MinDistance,
		Limit:       b.window,
	})
	if err != nil {
		return nil, fmt.Errorf("load voucher history: %w", err)
	}
	if len(vouchers) == 0 {
		return nil, nil
	}

	prices, err := b.prices.CurrentPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fuel prices: %w", err)
	}

	values := make([]float64, 0, len(vouchers))
	for _, v := range vouchers {
		if v.ID == excludeID {
			continue
		}
		c, ok := b.estimator.Estimate(v, prices)
		if !ok {
			continue
		}
		values = append(values, c)
		if len(values) == b.window {
			break
		}
	}

	return values, nil
}
