package domain

import (
	"time"
)

// Evaluation is the outcome of running the anomaly pipeline on one voucher.
type Evaluation struct {
	ID        string    `json:"id"`
	VoucherID string    `json:"voucherId"`
	Phase     Phase     `json:"phase"`
	Status    string    `json:"status"` // "FLAGGED" or "CLEAN"
	RiskScore int       `json:"riskScore"`
	Timestamp time.Time `json:"timestamp"`

	// Every anomaly stored for the voucher after this run.
	Anomalies []Anomaly `json:"anomalies"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID           string `json:"traceId,omitempty"`
	RulesMs           int64  `json:"rulesMs"`
	ConsumptionMs     int64  `json:"consumptionMs"`
	TotalMs           int64  `json:"totalMs"`
	BaselineSize      int    `json:"baselineSize"`
	PreviousVoucher   string `json:"previousVoucher,omitempty"`
	PreviousRefreshed bool   `json:"previousRefreshed"`
	EngineVersion     string `json:"engineVersion"`
}

// Evaluation status constants
const (
	StatusFlagged = "FLAGGED"
	StatusClean   = "CLEAN"
)

// Reasons returns the detail strings of the evaluation's anomalies.
func (e *Evaluation) Reasons() []string {
	var reasons []string
	for _, a := range e.Anomalies {
		if a.Detail != "" {
			reasons = append(reasons, a.Detail)
		}
	}
	return reasons
}
