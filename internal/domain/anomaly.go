package domain

import (
	"strings"
	"time"
)

// AnomalyType identifies the condition an anomaly reports.
type AnomalyType string

const (
	AnomalyDuplicateNumber    AnomalyType = "numero_duplique"
	AnomalyOdometerRegression AnomalyType = "regression_kilometrage"
	AnomalyExcessiveDistance  AnomalyType = "distance_excessive"
	AnomalyInvalidDistance    AnomalyType = "distance_invalide"
	AnomalyInvalidOdometer    AnomalyType = "kilometrage_invalide"
	AnomalyAbnormalFrequency  AnomalyType = "frequence_anormale"
	AnomalyConsumption        AnomalyType = "consommation_anormale"
	AnomalyFuelMismatch       AnomalyType = "carburant_incoherent"
	AnomalyDistanceMismatch   AnomalyType = "incoherence_distance"
)

// CustomRulePrefix prefixes the anomaly type of operator-defined rules.
const CustomRulePrefix = "regle:"

// CustomRuleType returns the anomaly type emitted by an operator-defined rule.
func CustomRuleType(ruleID string) AnomalyType {
	return AnomalyType(CustomRulePrefix + ruleID)
}

// DerivedTypes are re-derived on every evaluation of a closed voucher.
// The reconciler removes them when the condition no longer holds.
var DerivedTypes = []AnomalyType{
	AnomalyConsumption,
	AnomalyInvalidDistance,
	AnomalyInvalidOdometer,
	AnomalyDistanceMismatch,
}

// IsDerived reports whether anomalies of type t are cleaned up on re-evaluation.
func (t AnomalyType) IsDerived() bool {
	for _, d := range DerivedTypes {
		if d == t {
			return true
		}
	}
	return false
}

// IsCustom reports whether t was emitted by an operator-defined rule.
func (t AnomalyType) IsCustom() bool {
	return strings.HasPrefix(string(t), CustomRulePrefix)
}

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "faible"
	SeverityMedium   Severity = "moyenne"
	SeverityHigh     Severity = "elevee"
	SeverityCritical Severity = "critique"
)

// Rank returns the ordinal of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ReviewStatus is the human review workflow state of an anomaly.
type ReviewStatus string

const (
	StatusToVerify   ReviewStatus = "a_verifier"
	StatusInProgress ReviewStatus = "en_cours"
	StatusJustified  ReviewStatus = "justifiee"
	StatusFraud      ReviewStatus = "fraude"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case StatusToVerify, StatusInProgress, StatusJustified, StatusFraud:
		return true
	}
	return false
}

// Candidate is a finding before it is persisted.
type Candidate struct {
	Type      AnomalyType  `json:"type"`
	Severity  Severity     `json:"severity"`
	RiskScore int          `json:"riskScore"`
	Detail    string       `json:"detail"`
	Score     *ScoreDetail `json:"score,omitempty"`
}

// ScoreDetail holds the numbers that justify a consumption finding.
type ScoreDetail struct {
	Value      float64 `json:"value"`
	Median     float64 `json:"median"`
	MAD        float64 `json:"mad"`
	Z          float64 `json:"z"`
	SampleSize int     `json:"sampleSize"`
}

// Anomaly is a persisted finding keyed by (VoucherID, Type).
type Anomaly struct {
	ID        string       `json:"id"`
	VoucherID string       `json:"voucherId"`
	Type      AnomalyType  `json:"type"`
	Severity  Severity     `json:"severity"`
	RiskScore int          `json:"riskScore"`
	Detail    string       `json:"detail"`
	Status    ReviewStatus `json:"status"`
	Comment   string       `json:"comment,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NewAnomaly builds an unreviewed anomaly for a voucher from a candidate.
func NewAnomaly(voucherID string, c Candidate) Anomaly {
	return Anomaly{
		VoucherID: voucherID,
		Type:      c.Type,
		Severity:  c.Severity,
		RiskScore: c.RiskScore,
		Detail:    c.Detail,
		Status:    StatusToVerify,
	}
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	VoucherID string
	Status    ReviewStatus
	Limit     int
}
