package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/repository"
	"github.com/opensource-finance/fuelwatch/internal/rules"
	"github.com/opensource-finance/fuelwatch/internal/scope"
)

// EngineVersion is reported in evaluation metadata.
const EngineVersion = "fuelwatch-1.0"

// ErrVoucherNotFound is returned when the voucher to evaluate does not exist.
var ErrVoucherNotFound = errors.New("voucher not found")

var tracer = otel.Tracer("fuelwatch-evaluation")

// Store is the subset of the repository the processor needs.
type Store interface {
	scope.Store
	domain.VoucherHistory
	domain.PriceLookup
	domain.AnomalyStore

	GetVoucher(ctx context.Context, id string) (*domain.Voucher, error)
}

// Processor composes scope loading, rule checks and consumption reconciliation
// into one evaluation of a voucher.
type Processor struct {
	store      Store
	engine     *rules.Engine
	loader     *scope.Loader
	reconciler *Reconciler

	pollInterval time.Duration
	pollTimeout  time.Duration
	waitPrevious bool
}

// NewProcessor wires a processor over store. now is the clock of the frequency
// window; nil uses time.Now.
func NewProcessor(store Store, engine *rules.Engine, cfg domain.DetectionConfig, now func() time.Time) *Processor {
	defaults := domain.DefaultDetectionConfig()
	if cfg.PreviousPollInterval <= 0 {
		cfg.PreviousPollInterval = defaults.PreviousPollInterval
	}
	if cfg.PreviousPollTimeout <= 0 {
		cfg.PreviousPollTimeout = defaults.PreviousPollTimeout
	}

	return &Processor{
		store:        store,
		engine:       engine,
		loader:       scope.NewLoader(store, cfg.FrequencyWindow, now),
		reconciler:   NewReconciler(store, NewEvaluator(store, store, cfg)),
		pollInterval: cfg.PreviousPollInterval,
		pollTimeout:  cfg.PreviousPollTimeout,
	}
}

// WaitingForPrevious returns a processor over the same stores that, after a voucher
// is closed, polls an IN_USE previous voucher until it is closed too or the poll
// timeout expires. The bus worker uses it, since the write closing the previous
// voucher may still be in flight. p itself only refreshes a previous voucher that
// is already closed.
func (p *Processor) WaitingForPrevious() *Processor {
	w := *p
	w.waitPrevious = true
	return &w
}

// Process evaluates the voucher: rule findings are upserted and derived findings
// reconciled in one store transaction, then, when the voucher is closed, the
// previous voucher of the vehicle is refreshed. On error the anomalies of the
// voucher are left as they were. The returned evaluation lists every anomaly
// stored for the voucher.
func (p *Processor) Process(ctx context.Context, voucherID string) (*domain.Evaluation, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "evaluation.Process",
		trace.WithAttributes(attribute.String("voucher.id", voucherID)),
	)
	defer span.End()

	v, err := p.store.GetVoucher(ctx, voucherID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVoucherNotFound, voucherID)
	}
	if err != nil {
		return p.fail(span, fmt.Errorf("load voucher: %w", err))
	}

	phase := v.Phase()
	span.SetAttributes(
		attribute.String("voucher.phase", string(phase)),
		attribute.String("vehicle.id", v.VehicleID),
	)

	eval := &domain.Evaluation{
		ID:        uuid.New().String(),
		VoucherID: v.ID,
		Phase:     phase,
		Metadata: domain.EvaluationMetadata{
			EngineVersion: EngineVersion,
		},
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		eval.Metadata.TraceID = sc.TraceID().String()
	}

	// Rule checks
	rulesStart := time.Now()
	sc, findings, err := p.checkRules(ctx, v)
	if err != nil {
		return p.fail(span, err)
	}
	eval.Metadata.RulesMs = time.Since(rulesStart).Milliseconds()

	// Consumption pipeline, stored with the rule findings
	consumptionStart := time.Now()
	cctx, cspan := tracer.Start(ctx, "evaluation.Consumption")
	out, err := p.reconciler.Reconcile(cctx, v, findings)
	cspan.End()
	if err != nil {
		return p.fail(span, err)
	}
	eval.Metadata.ConsumptionMs = time.Since(consumptionStart).Milliseconds()
	eval.Metadata.BaselineSize = out.BaselineSize

	if phase == domain.PhaseClosed {
		if prev := previousVoucher(v, sc.Others); prev != nil {
			eval.Metadata.PreviousVoucher = prev.ID
			eval.Metadata.PreviousRefreshed = p.refreshPrevious(ctx, prev.ID)
		}
	}

	anomalies, err := p.store.ListAnomalies(ctx, domain.AnomalyFilter{VoucherID: v.ID})
	if err != nil {
		return p.fail(span, fmt.Errorf("list anomalies: %w", err))
	}

	eval.Anomalies = anomalies
	eval.Status = domain.StatusClean
	for _, a := range anomalies {
		if a.RiskScore > eval.RiskScore {
			eval.RiskScore = a.RiskScore
		}
	}
	if len(anomalies) > 0 {
		eval.Status = domain.StatusFlagged
	}
	eval.Timestamp = time.Now().UTC()
	eval.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String("evaluation.status", eval.Status),
		attribute.Int("evaluation.risk_score", eval.RiskScore),
		attribute.Int("evaluation.anomalies", len(anomalies)),
	)

	return eval, nil
}

// checkRules runs the rule engine over the voucher's scope. Findings are returned,
// not stored.
func (p *Processor) checkRules(ctx context.Context, v *domain.Voucher) (*scope.Scope, []domain.Anomaly, error) {
	ctx, span := tracer.Start(ctx, "evaluation.Rules")
	defer span.End()

	sc, err := p.loader.Load(ctx, v)
	if err != nil {
		return nil, nil, fmt.Errorf("load scope: %w", err)
	}

	findings := p.engine.DetectAnomalies(v, sc.Others, sc.Drivers, sc.Vehicles)

	custom := 0
	for _, f := range findings {
		if f.Type.IsCustom() {
			custom++
		}
	}
	span.SetAttributes(
		attribute.Int("rules.findings", len(findings)),
		attribute.Int("rules.custom_findings", custom),
	)
	return sc, findings, nil
}

// refreshPrevious reconciles the derived anomalies of the previous voucher once it
// is closed. Without waitPrevious only an already closed voucher is refreshed;
// with it an IN_USE voucher is polled until closed, bounded by the poll timeout.
// It reports whether the refresh ran. Failures are logged and never fail the
// current evaluation.
func (p *Processor) refreshPrevious(ctx context.Context, id string) bool {
	ctx, span := tracer.Start(ctx, "evaluation.RefreshPrevious",
		trace.WithAttributes(attribute.String("voucher.id", id)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		prev, err := p.store.GetVoucher(ctx, id)
		if err != nil {
			slog.Warn("previous voucher refresh failed", "voucher_id", id, "error", err)
			return false
		}
		if prev.Phase() == domain.PhaseClosed {
			if err := p.reconciler.ReconcileClosedVoucherAnomalies(ctx, prev); err != nil {
				slog.Warn("previous voucher reconcile failed", "voucher_id", id, "error", err)
				return false
			}
			return true
		}
		if !p.waitPrevious || prev.Phase() != domain.PhaseInUse {
			return false
		}

		select {
		case <-ctx.Done():
			slog.Debug("previous voucher not closed in time",
				"voucher_id", id,
				"timeout", p.pollTimeout.String(),
			)
			return false
		case <-ticker.C:
		}
	}
}

// previousVoucher returns the voucher of the same vehicle that directly precedes v
// in (date, number) order, whatever its phase.
func previousVoucher(v *domain.Voucher, others []*domain.Voucher) *domain.Voucher {
	var prev *domain.Voucher
	for _, o := range others {
		if o.ID == v.ID || o.VehicleID != v.VehicleID || !rules.Before(o, v) {
			continue
		}
		if prev == nil || rules.Before(prev, o) {
			prev = o
		}
	}
	return prev
}

func (p *Processor) fail(span trace.Span, err error) (*domain.Evaluation, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}
