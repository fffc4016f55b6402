package consumption

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// Scoring constants of the robust z-score.
const (
	// MADScale makes the MAD comparable to a standard deviation under normality.
	MADScale = 0.6745

	// Epsilon floors the MAD so a zero-spread baseline still yields a finite z.
	Epsilon = 1e-6

	HighThreshold   = 4.5
	MediumThreshold = 3.0

	HighRiskScore   = 90
	MediumRiskScore = 70

	// DefaultMinSamples is the cold-start guard: smaller baselines never flag.
	DefaultMinSamples = 5
)

// Class is the outcome of scoring a consumption value.
type Class string

const (
	ClassNone   Class = "none"
	ClassMedium Class = "medium"
	ClassHigh   Class = "high"
)

// Result carries the classification and the numbers behind it.
type Result struct {
	Class  Class
	Detail domain.ScoreDetail
}

// Scorer classifies a consumption value against a baseline using median and MAD.
type Scorer struct {
	MinSamples int
}

// NewScorer creates a scorer; a non-positive minSamples uses the default.
func NewScorer(minSamples int) *Scorer {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Scorer{MinSamples: minSamples}
}

// Score computes the robust z-score of x against baseline.
// The MAD is computed over the baseline only, never including x.
func (s *Scorer) Score(x float64, baseline []float64) Result {
	res := Result{
		Class:  ClassNone,
		Detail: domain.ScoreDetail{Value: x, SampleSize: len(baseline)},
	}
	if len(baseline) < s.MinSamples {
		return res
	}

	m, err := stats.Median(baseline)
	if err != nil {
		return res
	}
	mad, err := stats.MedianAbsoluteDeviationPopulation(baseline)
	if err != nil {
		return res
	}

	z := MADScale * (x - m) / math.Max(mad, Epsilon)

	res.Detail.Median = m
	res.Detail.MAD = mad
	res.Detail.Z = z

	switch abs := math.Abs(z); {
	case abs >= HighThreshold:
		res.Class = ClassHigh
	case abs >= MediumThreshold:
		res.Class = ClassMedium
	}
	return res
}

// Candidate converts a non-none result into an anomaly candidate.
func (r Result) Candidate() (domain.Candidate, bool) {
	var (
		severity domain.Severity
		risk     int
	)
	switch r.Class {
	case ClassHigh:
		severity, risk = domain.SeverityHigh, HighRiskScore
	case ClassMedium:
		severity, risk = domain.SeverityMedium, MediumRiskScore
	default:
		return domain.Candidate{}, false
	}

	detail := r.Detail
	return domain.Candidate{
		Type:      domain.AnomalyConsumption,
		Severity:  severity,
		RiskScore: risk,
		Detail: fmt.Sprintf("consommation %.2f L/100 (mediane %.2f, MAD %.3f, z=%.1f, n=%d)",
			detail.Value, detail.Median, detail.MAD, detail.Z, detail.SampleSize),
		Score: &detail,
	}, true
}
