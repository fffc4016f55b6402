package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
	"github.com/opensource-finance/fuelwatch/internal/repository"
)

// VoucherRequest is the request body of POST /vouchers and PUT /vouchers/{id}.
// IssuedOn accepts an RFC 3339 timestamp or a YYYY-MM-DD date; empty means now.
type VoucherRequest struct {
	ID            string          `json:"id,omitempty"`
	Number        string          `json:"number"`
	IssuedOn      string          `json:"issuedOn,omitempty"`
	FuelType      domain.FuelType `json:"fuelType"`
	Amount        float64         `json:"amount"`
	DriverID      string          `json:"driverId"`
	VehicleID     string          `json:"vehicleId"`
	OdometerStart *float64        `json:"odometerStart,omitempty"`
	OdometerEnd   *float64        `json:"odometerEnd,omitempty"`
	Distance      *float64        `json:"distance,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// VoucherResponse is a voucher with its derived lifecycle phase.
type VoucherResponse struct {
	*domain.Voucher
	Phase domain.Phase `json:"phase"`
}

// VoucherWriteResponse is returned by voucher writes. Evaluation is set in sync
// mode when the evaluation succeeded; Queued is set in async mode.
type VoucherWriteResponse struct {
	Voucher    VoucherResponse    `json:"voucher"`
	Evaluation *domain.Evaluation `json:"evaluation,omitempty"`
	Queued     bool               `json:"queued,omitempty"`
}

// EvaluationResponse is the response of POST /vouchers/{id}/evaluate.
type EvaluationResponse struct {
	*domain.Evaluation
	Version string `json:"version"`
}

func newVoucherResponse(v *domain.Voucher) VoucherResponse {
	return VoucherResponse{Voucher: v, Phase: v.Phase()}
}

// CreateVoucher handles POST /vouchers.
func (h *Handler) CreateVoucher(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VoucherRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	v, err := h.buildVoucher(ctx, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	} else if _, err := h.repo.GetVoucher(ctx, v.ID); err == nil {
		writeError(w, http.StatusConflict, "voucher already exists")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeStoreError(w, err, "voucher")
		return
	}

	if err := h.repo.SaveVoucher(ctx, v); err != nil {
		writeStoreError(w, err, "voucher")
		return
	}

	writeJSON(w, http.StatusCreated, h.afterWrite(ctx, v))
}

// UpdateVoucher handles PUT /vouchers/{id}. The body replaces the stored voucher.
func (h *Handler) UpdateVoucher(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	existing, err := h.repo.GetVoucher(ctx, id)
	if err != nil {
		writeStoreError(w, err, "voucher")
		return
	}

	var req VoucherRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, "id in body does not match the path")
		return
	}
	req.ID = id

	v, err := h.buildVoucher(ctx, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v.CreatedAt = existing.CreatedAt

	if err := h.repo.SaveVoucher(ctx, v); err != nil {
		writeStoreError(w, err, "voucher")
		return
	}

	writeJSON(w, http.StatusOK, h.afterWrite(ctx, v))
}

// GetVoucher handles GET /vouchers/{id}.
func (h *Handler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.GetVoucher(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "voucher")
		return
	}
	writeJSON(w, http.StatusOK, newVoucherResponse(v))
}

// EvaluateVoucher handles POST /vouchers/{id}/evaluate.
func (h *Handler) EvaluateVoucher(w http.ResponseWriter, r *http.Request) {
	eval, err := h.processor.Process(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, evaluation.ErrVoucherNotFound) {
		writeError(w, http.StatusNotFound, "voucher not found")
		return
	}
	if err != nil {
		slog.Error("evaluation failed", "voucher_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, EvaluationResponse{Evaluation: eval, Version: h.version})
}

// buildVoucher validates req and turns it into a voucher.
func (h *Handler) buildVoucher(ctx context.Context, req *VoucherRequest) (*domain.Voucher, error) {
	number := strings.TrimSpace(req.Number)
	if number == "" {
		return nil, fmt.Errorf("number is required")
	}
	if !req.FuelType.Valid() {
		return nil, fmt.Errorf("fuelType must be one of essence, gasoil, gpl")
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	if req.OdometerEnd != nil && req.OdometerStart == nil {
		return nil, fmt.Errorf("odometerEnd requires odometerStart")
	}
	if req.DriverID == "" || req.VehicleID == "" {
		return nil, fmt.Errorf("driverId and vehicleId are required")
	}

	if _, err := h.repo.GetDriver(ctx, req.DriverID); err != nil {
		return nil, fmt.Errorf("unknown driver %s", req.DriverID)
	}
	if _, err := h.repo.GetVehicle(ctx, req.VehicleID); err != nil {
		return nil, fmt.Errorf("unknown vehicle %s", req.VehicleID)
	}

	issuedOn := time.Now().UTC()
	if req.IssuedOn != "" {
		t, err := parseDate(req.IssuedOn)
		if err != nil {
			return nil, fmt.Errorf("issuedOn must be an RFC 3339 timestamp or a YYYY-MM-DD date")
		}
		issuedOn = t
	}

	return &domain.Voucher{
		ID:            req.ID,
		Number:        number,
		IssuedOn:      issuedOn,
		FuelType:      req.FuelType,
		Amount:        req.Amount,
		DriverID:      req.DriverID,
		VehicleID:     req.VehicleID,
		OdometerStart: req.OdometerStart,
		OdometerEnd:   req.OdometerEnd,
		Distance:      req.Distance,
		Notes:         req.Notes,
	}, nil
}

// afterWrite hands the written voucher to the evaluation pipeline. Failures are
// logged and never fail the write.
func (h *Handler) afterWrite(ctx context.Context, v *domain.Voucher) VoucherWriteResponse {
	resp := VoucherWriteResponse{Voucher: newVoucherResponse(v)}

	if h.mode == domain.ModeAsync && h.bus != nil {
		payload, err := json.Marshal(domain.VoucherWrittenEvent{
			VoucherID: v.ID,
			TraceID:   GetTraceID(ctx),
		})
		if err == nil {
			err = h.bus.Publish(ctx, domain.TopicVoucherWritten, payload)
		}
		if err != nil {
			slog.Error("failed to publish voucher event", "voucher_id", v.ID, "error", err)
			return resp
		}
		resp.Queued = true
		return resp
	}

	eval, err := h.processor.Process(ctx, v.ID)
	if err != nil {
		slog.Error("voucher evaluation failed",
			"voucher_id", v.ID,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		return resp
	}
	resp.Evaluation = eval
	return resp
}

// ============================================================================
// ANOMALY HANDLERS
// ============================================================================

// ListVoucherAnomalies handles GET /vouchers/{id}/anomalies.
func (h *Handler) ListVoucherAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.repo.GetVoucher(ctx, id); err != nil {
		writeStoreError(w, err, "voucher")
		return
	}

	anomalies, err := h.repo.ListAnomalies(ctx, domain.AnomalyFilter{VoucherID: id})
	if err != nil {
		writeStoreError(w, err, "anomaly")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// ListAnomalies handles GET /anomalies?status=&limit=, the review queue.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.AnomalyFilter{Status: domain.ReviewStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	anomalies, err := h.repo.ListAnomalies(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, "anomaly")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// ReviewRequest is the request body of PATCH /anomalies/{id}.
type ReviewRequest struct {
	Status  domain.ReviewStatus `json:"status"`
	Comment string              `json:"comment"`
}

// ReviewAnomaly handles PATCH /anomalies/{id}.
func (h *Handler) ReviewAnomaly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req ReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of a_verifier, en_cours, justifiee, fraude")
		return
	}

	if err := h.repo.UpdateAnomalyReview(ctx, id, req.Status, req.Comment); err != nil {
		writeStoreError(w, err, "anomaly")
		return
	}

	a, err := h.repo.GetAnomaly(ctx, id)
	if err != nil {
		writeStoreError(w, err, "anomaly")
		return
	}

	slog.Info("anomaly reviewed", "anomaly_id", id, "status", req.Status)
	writeJSON(w, http.StatusOK, a)
}
