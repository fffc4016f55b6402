package domain

import "time"

// RuleConfig defines an operator-defined voucher rule.
// The CEL expression must return a bool; true emits an anomaly of type "regle:<ID>".
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	Severity  Severity `json:"severity"`
	RiskScore int      `json:"riskScore"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
