package evaluation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/repository"
	"github.com/opensource-finance/fuelwatch/internal/rules"
)

var (
	clockNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	dayOne   = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	repo *repository.SQLRepository
	proc *Processor
	ctx  context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "evaluation-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	require.NoError(t, repo.SaveVehicle(ctx, &domain.Vehicle{ID: "veh-1", Plate: "AA-100-AA", DefaultFuelType: domain.FuelGasoil}))
	require.NoError(t, repo.SaveDriver(ctx, &domain.Driver{ID: "drv-1", Name: "Awa"}))
	require.NoError(t, repo.SaveFuelPrice(ctx, &domain.FuelPrice{
		FuelType: domain.FuelGasoil, Price: 2.0, EffectiveFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	cfg := domain.DefaultDetectionConfig()
	cfg.PreviousPollInterval = 10 * time.Millisecond
	cfg.PreviousPollTimeout = 300 * time.Millisecond

	clock := func() time.Time { return clockNow }
	engine, err := rules.NewEngine(cfg, clock, 4)
	require.NoError(t, err)

	return &fixture{
		repo: repo,
		proc: NewProcessor(repo, engine, cfg, clock),
		ctx:  ctx,
	}
}

func ptr(f float64) *float64 { return &f }

// seedHistory stores closed vouchers of 500 km each, one per day, whose consumption
// at 2.0 per liter equals the given values.
func (f *fixture) seedHistory(t *testing.T, values ...float64) (odometer float64) {
	t.Helper()
	odometer = 1000
	for i, c := range values {
		v := &domain.Voucher{
			ID:            fmt.Sprintf("h-%02d", i),
			Number:        fmt.Sprintf("H-%02d", i),
			IssuedOn:      dayOne.AddDate(0, 0, i),
			FuelType:      domain.FuelGasoil,
			Amount:        c * 10, // c L/100 over 500 km = 5c liters at 2.0
			DriverID:      "drv-1",
			VehicleID:     "veh-1",
			OdometerStart: ptr(odometer),
			OdometerEnd:   ptr(odometer + 500),
		}
		require.NoError(t, f.repo.SaveVoucher(f.ctx, v))
		odometer += 500
	}
	return odometer
}

func (f *fixture) save(t *testing.T, v *domain.Voucher) {
	t.Helper()
	if v.FuelType == "" {
		v.FuelType = domain.FuelGasoil
	}
	v.DriverID, v.VehicleID = "drv-1", "veh-1"
	require.NoError(t, f.repo.SaveVoucher(f.ctx, v))
}

func anomalyTypes(anomalies []domain.Anomaly) []domain.AnomalyType {
	out := make([]domain.AnomalyType, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, a.Type)
	}
	return out
}

func TestProcessConsumptionScenario(t *testing.T) {
	f := newFixture(t)
	odometer := f.seedHistory(t, 6.0, 6.2, 5.8, 6.1, 6.0, 5.9)

	f.save(t, &domain.Voucher{
		ID: "cur", Number: "B-100", IssuedOn: dayOne.AddDate(0, 0, 10), Amount: 95,
		OdometerStart: ptr(odometer), OdometerEnd: ptr(odometer + 500),
	})

	eval, err := f.proc.Process(f.ctx, "cur")
	require.NoError(t, err)

	assert.Equal(t, domain.PhaseClosed, eval.Phase)
	assert.Equal(t, domain.StatusFlagged, eval.Status)
	assert.Equal(t, 90, eval.RiskScore)
	assert.Equal(t, 6, eval.Metadata.BaselineSize)
	require.Equal(t, []domain.AnomalyType{domain.AnomalyConsumption}, anomalyTypes(eval.Anomalies))

	a := eval.Anomalies[0]
	assert.Equal(t, domain.SeverityHigh, a.Severity)
	assert.Equal(t, domain.StatusToVerify, a.Status)
	assert.Contains(t, a.Detail, "9.50 L/100")

	assert.Equal(t, "h-05", eval.Metadata.PreviousVoucher)
	assert.True(t, eval.Metadata.PreviousRefreshed)
	assert.Equal(t, EngineVersion, eval.Metadata.EngineVersion)

	t.Run("idempotent", func(t *testing.T) {
		again, err := f.proc.Process(f.ctx, "cur")
		require.NoError(t, err)
		require.Len(t, again.Anomalies, 1)
		assert.Equal(t, a.ID, again.Anomalies[0].ID)
	})

	t.Run("review kept on re-evaluation", func(t *testing.T) {
		require.NoError(t, f.repo.UpdateAnomalyReview(f.ctx, a.ID, domain.StatusInProgress, "appel chauffeur"))
		again, err := f.proc.Process(f.ctx, "cur")
		require.NoError(t, err)
		require.Len(t, again.Anomalies, 1)
		assert.Equal(t, domain.StatusInProgress, again.Anomalies[0].Status)
		assert.Equal(t, "appel chauffeur", again.Anomalies[0].Comment)
	})

	t.Run("cleared when back to normal", func(t *testing.T) {
		v, err := f.repo.GetVoucher(f.ctx, "cur")
		require.NoError(t, err)
		v.Amount = 60
		require.NoError(t, f.repo.SaveVoucher(f.ctx, v))

		again, err := f.proc.Process(f.ctx, "cur")
		require.NoError(t, err)
		assert.Empty(t, again.Anomalies)
		assert.Equal(t, domain.StatusClean, again.Status)
		assert.Zero(t, again.RiskScore)
	})
}

func TestProcessColdStart(t *testing.T) {
	f := newFixture(t)
	odometer := f.seedHistory(t, 6.0, 6.1, 5.9, 6.0)

	f.save(t, &domain.Voucher{
		ID: "cur", Number: "B-100", IssuedOn: dayOne.AddDate(0, 0, 10), Amount: 500,
		OdometerStart: ptr(odometer), OdometerEnd: ptr(odometer + 500),
	})

	eval, err := f.proc.Process(f.ctx, "cur")
	require.NoError(t, err)
	assert.Equal(t, 4, eval.Metadata.BaselineSize)
	assert.Empty(t, eval.Anomalies)
}

func TestProcessInvalidOdometers(t *testing.T) {
	tests := []struct {
		name       string
		start, end float64
		want       domain.AnomalyType
	}{
		{name: "end below start", start: 5000, end: 4900, want: domain.AnomalyInvalidOdometer},
		{name: "zero distance", start: 5000, end: 5000, want: domain.AnomalyInvalidDistance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedHistory(t, 6.0, 6.2, 5.8, 6.1, 6.0, 5.9)

			f.save(t, &domain.Voucher{
				ID: "cur", Number: "B-100", IssuedOn: dayOne.AddDate(0, 0, 10), Amount: 400,
				OdometerStart: ptr(tt.start), OdometerEnd: ptr(tt.end),
			})

			eval, err := f.proc.Process(f.ctx, "cur")
			require.NoError(t, err)
			require.Equal(t, []domain.AnomalyType{tt.want}, anomalyTypes(eval.Anomalies))
			assert.Equal(t, 85, eval.RiskScore)
			assert.Zero(t, eval.Metadata.BaselineSize)
		})
	}
}

func TestProcessRuleFindings(t *testing.T) {
	f := newFixture(t)
	odometer := f.seedHistory(t, 6.0, 6.2, 5.8, 6.1, 6.0, 5.9)

	f.save(t, &domain.Voucher{ID: "first", Number: "B-200", IssuedOn: dayOne.AddDate(0, 0, 20)})
	f.save(t, &domain.Voucher{
		ID: "dup", Number: "B-200", IssuedOn: dayOne.AddDate(0, 0, 21), Amount: 60,
		OdometerStart: ptr(odometer - 300), OdometerEnd: ptr(odometer + 200),
	})

	eval, err := f.proc.Process(f.ctx, "dup")
	require.NoError(t, err)

	types := anomalyTypes(eval.Anomalies)
	assert.Contains(t, types, domain.AnomalyDuplicateNumber)
	assert.Contains(t, types, domain.AnomalyOdometerRegression)
	assert.Equal(t, 90, eval.RiskScore)

	// Rule findings are not removed when the condition disappears
	v, err := f.repo.GetVoucher(f.ctx, "dup")
	require.NoError(t, err)
	v.Number = "B-201"
	require.NoError(t, f.repo.SaveVoucher(f.ctx, v))

	again, err := f.proc.Process(f.ctx, "dup")
	require.NoError(t, err)
	assert.Contains(t, anomalyTypes(again.Anomalies), domain.AnomalyDuplicateNumber)
	assert.Len(t, again.Anomalies, len(eval.Anomalies))
}

func TestProcessFrequency(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.save(t, &domain.Voucher{
			ID: fmt.Sprintf("s-%d", i), Number: fmt.Sprintf("S-%d", i),
			IssuedOn: clockNow.Add(-time.Duration(i+1) * time.Hour), Amount: 20,
		})
	}
	f.save(t, &domain.Voucher{ID: "sixth", Number: "S-6", IssuedOn: clockNow, Amount: 20})

	eval, err := f.proc.Process(f.ctx, "sixth")
	require.NoError(t, err)
	require.Equal(t, []domain.AnomalyType{domain.AnomalyAbnormalFrequency}, anomalyTypes(eval.Anomalies))
	assert.Equal(t, domain.PhaseIssued, eval.Phase)
	assert.Equal(t, 55, eval.RiskScore)
}

func TestProcessPreviousRefresh(t *testing.T) {
	// closeAfter stores two vouchers of veh-1: prev in the given state and cur closed after it.
	closeAfter := func(t *testing.T, f *fixture, prev *domain.Voucher) {
		t.Helper()
		prev.ID, prev.Number, prev.IssuedOn, prev.Amount = "prev", "B-1", dayOne, 60
		f.save(t, prev)
		f.save(t, &domain.Voucher{
			ID: "cur", Number: "B-2", IssuedOn: dayOne.AddDate(0, 0, 1), Amount: 60,
			OdometerStart: ptr(1500), OdometerEnd: ptr(2000),
		})
	}

	t.Run("previous closes while polling", func(t *testing.T) {
		f := newFixture(t)
		closeAfter(t, f, &domain.Voucher{OdometerStart: ptr(1000)})

		closed := make(chan error, 1)
		go func() {
			time.Sleep(40 * time.Millisecond)
			prev, err := f.repo.GetVoucher(f.ctx, "prev")
			if err != nil {
				closed <- err
				return
			}
			prev.OdometerEnd = ptr(1500)
			closed <- f.repo.SaveVoucher(f.ctx, prev)
		}()

		eval, err := f.proc.WaitingForPrevious().Process(f.ctx, "cur")
		require.NoError(t, err)
		require.NoError(t, <-closed)
		assert.Equal(t, "prev", eval.Metadata.PreviousVoucher)
		assert.True(t, eval.Metadata.PreviousRefreshed)
	})

	t.Run("in-use previous bounded by the poll timeout", func(t *testing.T) {
		f := newFixture(t)
		closeAfter(t, f, &domain.Voucher{OdometerStart: ptr(1000)})

		start := time.Now()
		eval, err := f.proc.WaitingForPrevious().Process(f.ctx, "cur")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
		assert.False(t, eval.Metadata.PreviousRefreshed)
	})

	t.Run("issued previous is not polled", func(t *testing.T) {
		f := newFixture(t)
		closeAfter(t, f, &domain.Voucher{})

		start := time.Now()
		eval, err := f.proc.WaitingForPrevious().Process(f.ctx, "cur")
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
		assert.Equal(t, "prev", eval.Metadata.PreviousVoucher)
		assert.False(t, eval.Metadata.PreviousRefreshed)
	})

	t.Run("open previous does not delay the evaluation", func(t *testing.T) {
		f := newFixture(t)
		closeAfter(t, f, &domain.Voucher{OdometerStart: ptr(1000)})

		start := time.Now()
		eval, err := f.proc.Process(f.ctx, "cur")
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
		assert.Equal(t, "prev", eval.Metadata.PreviousVoucher)
		assert.False(t, eval.Metadata.PreviousRefreshed)
	})
}

// brokenPrices fails every dated price lookup.
type brokenPrices struct {
	*repository.SQLRepository
}

func (brokenPrices) PricesAt(context.Context, time.Time) (domain.PriceTable, error) {
	return nil, errors.New("price store down")
}

func TestProcessFailureLeavesAnomaliesUntouched(t *testing.T) {
	f := newFixture(t)
	f.save(t, &domain.Voucher{ID: "a", Number: "DUP", IssuedOn: dayOne, Amount: 60})
	f.save(t, &domain.Voucher{
		ID: "b", Number: "DUP", IssuedOn: dayOne.AddDate(0, 0, 1), Amount: 60,
		OdometerStart: ptr(1000), OdometerEnd: ptr(1500),
	})

	cfg := domain.DefaultDetectionConfig()
	clock := func() time.Time { return clockNow }
	engine, err := rules.NewEngine(cfg, clock, 4)
	require.NoError(t, err)
	proc := NewProcessor(brokenPrices{f.repo}, engine, cfg, clock)

	_, err = proc.Process(f.ctx, "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price store down")

	stored, err := f.repo.ListAnomalies(f.ctx, domain.AnomalyFilter{VoucherID: "b"})
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Once prices are back the same evaluation stores the duplicate.
	eval, err := f.proc.Process(f.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []domain.AnomalyType{domain.AnomalyDuplicateNumber}, anomalyTypes(eval.Anomalies))
}

func TestProcessNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.proc.Process(f.ctx, "missing")
	assert.True(t, errors.Is(err, ErrVoucherNotFound))
}
