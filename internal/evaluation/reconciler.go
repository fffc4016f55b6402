package evaluation

import (
	"context"
	"fmt"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// Reconciler keeps the anomaly store in line with the current findings of a voucher.
type Reconciler struct {
	store     domain.AnomalyStore
	evaluator *Evaluator
}

// NewReconciler creates a reconciler.
func NewReconciler(store domain.AnomalyStore, evaluator *Evaluator) *Reconciler {
	return &Reconciler{store: store, evaluator: evaluator}
}

// ReconcileClosedVoucherAnomalies re-derives the statistical anomalies of v and
// replaces the stored ones in a single transaction. Derived anomalies that no
// longer hold are removed, including when v is no longer closed.
func (r *Reconciler) ReconcileClosedVoucherAnomalies(ctx context.Context, v *domain.Voucher) error {
	_, findings, err := r.derive(ctx, v)
	if err != nil {
		return err
	}

	if err := r.store.ReplaceDerivedAnomalies(ctx, v.ID, domain.DerivedTypes, findings); err != nil {
		return fmt.Errorf("replace derived anomalies of %s: %w", v.ID, err)
	}
	return nil
}

// Reconcile derives the statistical findings of v, then stores them together with
// the rule findings in one transaction. Rule findings are upserted and never
// removed by later evaluations. Nothing is written when derivation fails.
func (r *Reconciler) Reconcile(ctx context.Context, v *domain.Voucher, ruleFindings []domain.Anomaly) (*Outcome, error) {
	out, findings, err := r.derive(ctx, v)
	if err != nil {
		return nil, err
	}

	if err := r.store.SaveVoucherFindings(ctx, v.ID, ruleFindings, findings); err != nil {
		return nil, fmt.Errorf("save findings of %s: %w", v.ID, err)
	}
	return out, nil
}

func (r *Reconciler) derive(ctx context.Context, v *domain.Voucher) (*Outcome, []domain.Anomaly, error) {
	out, err := r.evaluator.Evaluate(ctx, v)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate voucher %s: %w", v.ID, err)
	}

	findings := make([]domain.Anomaly, 0, len(out.Candidates))
	for _, c := range out.Candidates {
		findings = append(findings, domain.NewAnomaly(v.ID, c))
	}
	return out, findings, nil
}
