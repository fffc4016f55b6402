// Package consumption estimates fuel consumption and scores it against a vehicle's history.
package consumption

import (
	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// DefaultMinDistance filters out short trips whose consumption is mostly noise.
const DefaultMinDistance = 10.0

// Estimator converts a closed voucher into liters per 100 distance units.
type Estimator struct {
	MinDistance float64
}

// NewEstimator creates an estimator; a non-positive minDistance uses the default.
func NewEstimator(minDistance float64) *Estimator {
	if minDistance <= 0 {
		minDistance = DefaultMinDistance
	}
	return &Estimator{MinDistance: minDistance}
}

// Estimate returns the consumption of v in L/100, or false when it is not computable:
// the voucher is not closed, the distance is below the minimum, the amount is not
// positive, or no usable price exists for the fuel type.
func (e *Estimator) Estimate(v *domain.Voucher, prices domain.PriceTable) (float64, bool) {
	if v.Phase() != domain.PhaseClosed {
		return 0, false
	}

	distance, ok := v.EffectiveDistance()
	if !ok || distance < e.MinDistance {
		return 0, false
	}
	if v.Amount <= 0 {
		return 0, false
	}

	price, ok := prices.Price(v.FuelType)
	if !ok {
		return 0, false
	}

	liters := v.Amount / price
	if liters <= 0 {
		return 0, false
	}

	return 100 * liters / distance, true
}
