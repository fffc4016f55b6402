package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// Risk scores of the built-in rules.
const (
	DuplicateRiskScore  = 90
	RegressionRiskScore = 85
	ExcessiveRiskScore  = 60
	FrequencyRiskScore  = 55
	FuelRiskScore       = 50
)

// DetectAnomalies runs the phase-gated rules on v. others holds the vouchers in
// scope (same number, same vehicle, same driver); v itself may appear in it and is
// ignored. drivers and vehicles are optional and only enrich the details.
// It performs no I/O.
func (e *Engine) DetectAnomalies(v *domain.Voucher, others []*domain.Voucher, drivers []*domain.Driver, vehicles []*domain.Vehicle) []domain.Anomaly {
	if v == nil {
		return nil
	}

	peers := make([]*domain.Voucher, 0, len(others))
	for _, o := range others {
		if o != nil && o.ID != v.ID {
			peers = append(peers, o)
		}
	}

	var vehicle *domain.Vehicle
	for _, veh := range vehicles {
		if veh != nil && veh.ID == v.VehicleID {
			vehicle = veh
			break
		}
	}
	var driver *domain.Driver
	for _, d := range drivers {
		if d != nil && d.ID == v.DriverID {
			driver = d
			break
		}
	}

	var found []domain.Candidate

	// All phases
	if c, ok := duplicateNumber(v, peers); ok {
		found = append(found, c)
	}
	if c, ok := fuelMismatch(v, vehicle); ok {
		found = append(found, c)
	}
	if c, ok := e.abnormalFrequency(v, peers, driver); ok {
		found = append(found, c)
	}

	if v.Phase() == domain.PhaseClosed {
		if c, ok := odometerRegression(v, peers); ok {
			found = append(found, c)
		}
		if c, ok := e.excessiveDistance(v); ok {
			found = append(found, c)
		}
	}

	anomalies := make([]domain.Anomaly, 0, len(found))
	for _, c := range found {
		anomalies = append(anomalies, domain.NewAnomaly(v.ID, c))
	}

	return append(anomalies, e.evaluateCustom(v)...)
}

func duplicateNumber(v *domain.Voucher, peers []*domain.Voucher) (domain.Candidate, bool) {
	if v.Number == "" {
		return domain.Candidate{}, false
	}
	count := 0
	for _, o := range peers {
		if o.Number == v.Number {
			count++
		}
	}
	if count == 0 {
		return domain.Candidate{}, false
	}
	return domain.Candidate{
		Type:      domain.AnomalyDuplicateNumber,
		Severity:  domain.SeverityCritical,
		RiskScore: DuplicateRiskScore,
		Detail:    fmt.Sprintf("numero %s deja utilise par %d autre(s) bon(s)", v.Number, count),
	}, true
}

func fuelMismatch(v *domain.Voucher, vehicle *domain.Vehicle) (domain.Candidate, bool) {
	if vehicle == nil || vehicle.DefaultFuelType == "" || v.FuelType == "" {
		return domain.Candidate{}, false
	}
	if v.FuelType == vehicle.DefaultFuelType {
		return domain.Candidate{}, false
	}
	return domain.Candidate{
		Type:      domain.AnomalyFuelMismatch,
		Severity:  domain.SeverityMedium,
		RiskScore: FuelRiskScore,
		Detail: fmt.Sprintf("carburant %s different du carburant %s du vehicule %s",
			v.FuelType, vehicle.DefaultFuelType, vehicle.Plate),
	}, true
}

// abnormalFrequency counts the driver's other vouchers dated within the frequency
// window around now.
func (e *Engine) abnormalFrequency(v *domain.Voucher, peers []*domain.Voucher, driver *domain.Driver) (domain.Candidate, bool) {
	if v.DriverID == "" {
		return domain.Candidate{}, false
	}
	now := e.now()
	window := e.cfg.FrequencyWindow

	count := 0
	for _, o := range peers {
		if o.DriverID != v.DriverID {
			continue
		}
		if absDuration(now.Sub(o.IssuedOn)) <= window {
			count++
		}
	}
	if count < e.cfg.FrequencyThreshold {
		return domain.Candidate{}, false
	}

	who := v.DriverID
	if driver != nil && driver.Name != "" {
		who = driver.Name
	}
	return domain.Candidate{
		Type:      domain.AnomalyAbnormalFrequency,
		Severity:  domain.SeverityMedium,
		RiskScore: FrequencyRiskScore,
		Detail:    fmt.Sprintf("%s a %d autre(s) bon(s) sur les dernieres %s", who, count, window),
	}, true
}

// odometerRegression compares v with the most recent closed voucher of the same
// vehicle that precedes it in (date, number) order.
func odometerRegression(v *domain.Voucher, peers []*domain.Voucher) (domain.Candidate, bool) {
	prev := PreviousClosed(v, peers)
	if prev == nil {
		return domain.Candidate{}, false
	}
	start, end := *v.OdometerStart, *prev.OdometerEnd
	if start >= end {
		return domain.Candidate{}, false
	}
	return domain.Candidate{
		Type:      domain.AnomalyOdometerRegression,
		Severity:  domain.SeverityHigh,
		RiskScore: RegressionRiskScore,
		Detail: fmt.Sprintf("kilometrage de depart %.0f inferieur au kilometrage de fin %.0f du bon %s (regression de %.0f)",
			start, end, prev.Number, end-start),
	}, true
}

func (e *Engine) excessiveDistance(v *domain.Voucher) (domain.Candidate, bool) {
	d, ok := v.EffectiveDistance()
	if !ok || d <= e.cfg.ExcessiveDistance {
		return domain.Candidate{}, false
	}
	return domain.Candidate{
		Type:      domain.AnomalyExcessiveDistance,
		Severity:  domain.SeverityMedium,
		RiskScore: ExcessiveRiskScore,
		Detail:    fmt.Sprintf("distance %.0f superieure au seuil de %.0f", d, e.cfg.ExcessiveDistance),
	}, true
}

// PreviousClosed returns the most recent closed voucher of v's vehicle ordered
// strictly before v by (date, number), or nil.
func PreviousClosed(v *domain.Voucher, candidates []*domain.Voucher) *domain.Voucher {
	var prior []*domain.Voucher
	for _, o := range candidates {
		if o == nil || o.ID == v.ID || o.VehicleID != v.VehicleID {
			continue
		}
		if o.Phase() != domain.PhaseClosed {
			continue
		}
		if Before(o, v) {
			prior = append(prior, o)
		}
	}
	if len(prior) == 0 {
		return nil
	}
	sort.Slice(prior, func(i, j int) bool { return Before(prior[j], prior[i]) })
	return prior[0]
}

// Before reports whether a precedes b in (date, number) order.
func Before(a, b *domain.Voucher) bool {
	if !a.IssuedOn.Equal(b.IssuedOn) {
		return a.IssuedOn.Before(b.IssuedOn)
	}
	return a.Number < b.Number
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
