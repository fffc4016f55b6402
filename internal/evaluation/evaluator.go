// Package evaluation runs the anomaly pipeline for a voucher: rule checks,
// consumption analysis and reconciliation of the anomaly store.
package evaluation

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/fuelwatch/internal/consumption"
	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// Risk scores of the consumption pipeline checks.
const (
	InvalidRiskScore  = 85
	MismatchRiskScore = 30

	// MismatchTolerance is the largest accepted gap between the stored distance
	// and the odometer difference.
	MismatchTolerance = 1.0
)

// Outcome is the result of the consumption pipeline on one voucher.
type Outcome struct {
	Candidates   []domain.Candidate
	Consumption  float64
	Computable   bool
	BaselineSize int
}

// Evaluator runs the consumption pipeline of a closed voucher.
type Evaluator struct {
	prices    domain.PriceLookup
	estimator *consumption.Estimator
	baseline  *consumption.BaselineBuilder
	scorer    *consumption.Scorer
}

// NewEvaluator creates an evaluator reading history and prices from the given stores.
func NewEvaluator(history domain.VoucherHistory, prices domain.PriceLookup, cfg domain.DetectionConfig) *Evaluator {
	estimator := consumption.NewEstimator(cfg.MinDistance)
	return &Evaluator{
		prices:    prices,
		estimator: estimator,
		baseline:  consumption.NewBaselineBuilder(history, prices, estimator, cfg.BaselineWindow),
		scorer:    consumption.NewScorer(cfg.MinSamples),
	}
}

// EvaluateClosedVoucher returns the statistically derived findings of v.
// Vouchers that are not closed yield no finding.
func (e *Evaluator) EvaluateClosedVoucher(ctx context.Context, v *domain.Voucher) ([]domain.Candidate, error) {
	out, err := e.Evaluate(ctx, v)
	if err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

// Evaluate is EvaluateClosedVoucher with the intermediate numbers.
func (e *Evaluator) Evaluate(ctx context.Context, v *domain.Voucher) (*Outcome, error) {
	out := &Outcome{}
	if v == nil || v.Phase() != domain.PhaseClosed {
		return out, nil
	}

	start, end := *v.OdometerStart, *v.OdometerEnd
	if end < start {
		out.Candidates = append(out.Candidates, domain.Candidate{
			Type:      domain.AnomalyInvalidOdometer,
			Severity:  domain.SeverityHigh,
			RiskScore: InvalidRiskScore,
			Detail:    fmt.Sprintf("kilometrage de fin %.0f inferieur au kilometrage de depart %.0f", end, start),
		})
		return out, nil
	}

	distance := end - start
	if distance <= 0 {
		out.Candidates = append(out.Candidates, domain.Candidate{
			Type:      domain.AnomalyInvalidDistance,
			Severity:  domain.SeverityHigh,
			RiskScore: InvalidRiskScore,
			Detail:    fmt.Sprintf("distance %.0f nulle ou negative", distance),
		})
		return out, nil
	}

	if v.Distance != nil && math.Abs(*v.Distance-distance) > MismatchTolerance {
		out.Candidates = append(out.Candidates, domain.Candidate{
			Type:      domain.AnomalyDistanceMismatch,
			Severity:  domain.SeverityLow,
			RiskScore: MismatchRiskScore,
			Detail:    fmt.Sprintf("distance saisie %.0f differente des compteurs (%.0f)", *v.Distance, distance),
		})
	}

	prices, err := e.prices.PricesAt(ctx, v.IssuedOn)
	if err != nil {
		return nil, fmt.Errorf("load fuel prices: %w", err)
	}

	x, ok := e.estimator.Estimate(v, prices)
	if !ok {
		return out, nil
	}
	out.Consumption = x
	out.Computable = true

	baseline, err := e.baseline.Build(ctx, v.VehicleID, v.ID)
	if err != nil {
		return nil, err
	}
	out.BaselineSize = len(baseline)

	if c, ok := e.scorer.Score(x, baseline).Candidate(); ok {
		out.Candidates = append(out.Candidates, c)
	}

	return out, nil
}
