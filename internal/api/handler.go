package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
	"github.com/opensource-finance/fuelwatch/internal/repository"
	"github.com/opensource-finance/fuelwatch/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	processor *evaluation.Processor
	version   string
	mode      domain.EvaluationMode
}

// NewHandler creates a new API handler. repo should already route price
// reads through the shared cache when one is configured.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, processor *evaluation.Processor, version string, mode domain.EvaluationMode) *Handler {
	if mode == "" {
		mode = domain.ModeSync
	}
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    engine,
		processor: processor,
		version:   version,
		mode:      mode,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
		"mode":    string(h.mode),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "repository not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// FLEET HANDLERS
// ============================================================================

// CreateVehicle handles POST /vehicles.
func (h *Handler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	var v domain.Vehicle
	if !decodeJSON(w, r, &v) {
		return
	}

	if strings.TrimSpace(v.Plate) == "" {
		writeError(w, http.StatusBadRequest, "plate is required")
		return
	}
	if !v.DefaultFuelType.Valid() {
		writeError(w, http.StatusBadRequest, "defaultFuelType must be one of essence, gasoil, gpl")
		return
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}

	if err := h.repo.SaveVehicle(r.Context(), &v); err != nil {
		slog.Error("failed to save vehicle", "vehicle_id", v.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save vehicle")
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

// GetVehicle handles GET /vehicles/{id}.
func (h *Handler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.GetVehicle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "vehicle")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CreateDriver handles POST /drivers.
func (h *Handler) CreateDriver(w http.ResponseWriter, r *http.Request) {
	var d domain.Driver
	if !decodeJSON(w, r, &d) {
		return
	}

	if strings.TrimSpace(d.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	if err := h.repo.SaveDriver(r.Context(), &d); err != nil {
		slog.Error("failed to save driver", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save driver")
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

// GetDriver handles GET /drivers/{id}.
func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.GetDriver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "driver")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ============================================================================
// FUEL PRICE HANDLERS
// ============================================================================

// FuelPriceRequest is the request body for PUT /fuel-prices/{fuelType}.
type FuelPriceRequest struct {
	Price         float64    `json:"price"`
	EffectiveFrom *time.Time `json:"effectiveFrom,omitempty"`
}

// SetFuelPrice handles PUT /fuel-prices/{fuelType}.
func (h *Handler) SetFuelPrice(w http.ResponseWriter, r *http.Request) {
	fuelType := domain.FuelType(chi.URLParam(r, "fuelType"))
	if !fuelType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown fuel type")
		return
	}

	var req FuelPriceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	p := &domain.FuelPrice{FuelType: fuelType, Price: req.Price}
	if req.EffectiveFrom != nil {
		p.EffectiveFrom = *req.EffectiveFrom
	}

	if err := h.repo.SaveFuelPrice(r.Context(), p); err != nil {
		slog.Error("failed to save fuel price", "fuel_type", fuelType, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save fuel price")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// GetFuelPrices handles GET /fuel-prices. With ?at=<RFC3339 or YYYY-MM-DD> it
// returns the prices effective at that date instead of the current ones.
func (h *Handler) GetFuelPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		table domain.PriceTable
		err   error
	)
	if at := r.URL.Query().Get("at"); at != "" {
		t, perr := parseDate(at)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp or a YYYY-MM-DD date")
			return
		}
		table, err = h.repo.PricesAt(ctx, t)
	} else {
		table, err = h.repo.CurrentPrices(ctx)
	}
	if err != nil {
		slog.Error("failed to load fuel prices", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load fuel prices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"prices": table,
	})
}

// ============================================================================
// RULE HANDLERS
// ============================================================================

// ListRules returns the custom rules currently loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Severity    domain.Severity `json:"severity"`
	RiskScore   int             `json:"riskScore"`
	Enabled     bool            `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload it into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Severity:    req.Severity,
		RiskScore:   req.RiskScore,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), ruleConfig); err != nil {
		slog.Error("failed to save rule config", "rule_id", ruleConfig.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule created", "rule_id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all enabled rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps repository errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("store operation failed", "entity", what, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
