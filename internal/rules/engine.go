// Package rules provides the phase-gated voucher rule checks and the
// CEL-Go engine for operator-defined rules.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// Clock returns the current time. Frequency checks are relative to it.
type Clock func() time.Time

// Engine runs the built-in voucher rules and the loaded custom rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	cfg           domain.DetectionConfig
	now           Clock
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a rule engine. A nil clock uses time.Now.
func NewEngine(cfg domain.DetectionConfig, now Clock, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if now == nil {
		now = time.Now
	}
	defaults := domain.DefaultDetectionConfig()
	if cfg.ExcessiveDistance <= 0 {
		cfg.ExcessiveDistance = defaults.ExcessiveDistance
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = defaults.FrequencyWindow
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = defaults.FrequencyThreshold
	}

	// Create CEL environment with voucher variables
	env, err := cel.NewEnv(
		cel.Variable("voucher", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("distance", cel.DoubleType),
		cel.Variable("fuel_type", cel.StringType),
		cel.Variable("phase", cel.StringType),
		cel.Variable("driver_id", cel.StringType),
		cel.Variable("vehicle_id", cel.StringType),
		cel.Variable("odometer_start", cel.DoubleType),
		cel.Variable("odometer_end", cel.DoubleType),
		cel.Variable("has_odometer_start", cel.BoolType),
		cel.Variable("has_odometer_end", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		cfg:           cfg,
		now:           now,
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateCustom runs every loaded rule against the voucher in parallel.
// Rules that fail to evaluate are logged and produce no anomaly.
func (e *Engine) evaluateCustom(v *domain.Voucher) []domain.Anomaly {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := activationFor(v)

	hits := make([]bool, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				slog.Warn("custom rule evaluation failed",
					"rule_id", r.Config.ID,
					"voucher_id", v.ID,
					"error", err,
				)
				return
			}
			b, ok := out.(types.Bool)
			hits[idx] = ok && bool(b)
		}(i, rule)
	}

	wg.Wait()

	var anomalies []domain.Anomaly
	for i, rule := range rules {
		if !hits[i] {
			continue
		}
		cfg := rule.Config
		detail := cfg.Name
		if cfg.Description != "" {
			detail = fmt.Sprintf("%s: %s", cfg.Name, cfg.Description)
		}
		anomalies = append(anomalies, domain.NewAnomaly(v.ID, domain.Candidate{
			Type:      domain.CustomRuleType(cfg.ID),
			Severity:  cfg.Severity,
			RiskScore: cfg.RiskScore,
			Detail:    detail,
		}))
	}
	return anomalies
}

// activationFor exposes the voucher fields to CEL. Absent odometers read as 0
// and are distinguished by the has_* flags.
func activationFor(v *domain.Voucher) map[string]any {
	var start, end, distance float64
	if v.OdometerStart != nil {
		start = *v.OdometerStart
	}
	if v.OdometerEnd != nil {
		end = *v.OdometerEnd
	}
	if d, ok := v.EffectiveDistance(); ok {
		distance = d
	}

	return map[string]any{
		"voucher": map[string]any{
			"id":         v.ID,
			"number":     v.Number,
			"issued_on":  v.IssuedOn.Format(time.RFC3339),
			"notes":      v.Notes,
			"fuel_type":  string(v.FuelType),
			"amount":     v.Amount,
			"driver_id":  v.DriverID,
			"vehicle_id": v.VehicleID,
		},
		"amount":             v.Amount,
		"distance":           distance,
		"fuel_type":          string(v.FuelType),
		"phase":              string(v.Phase()),
		"driver_id":          v.DriverID,
		"vehicle_id":         v.VehicleID,
		"odometer_start":     start,
		"odometer_end":       end,
		"has_odometer_start": v.OdometerStart != nil,
		"has_odometer_end":   v.OdometerEnd != nil,
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if !cfg.Severity.Valid() {
		return nil, fmt.Errorf("rule %s: unknown severity %q", cfg.ID, cfg.Severity)
	}
	if cfg.RiskScore < 0 || cfg.RiskScore > 100 {
		return nil, fmt.Errorf("rule %s: risk score must be within 0..100, got %d", cfg.ID, cfg.RiskScore)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if outputType := ast.OutputType(); outputType != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
