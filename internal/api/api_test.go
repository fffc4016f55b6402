package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/bus"
	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
	"github.com/opensource-finance/fuelwatch/internal/repository"
	"github.com/opensource-finance/fuelwatch/internal/rules"
)

// createTestServer creates a server over a temporary SQLite database.
func createTestServer(t *testing.T, mode domain.EvaluationMode, eventBus domain.EventBus) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	detection := domain.DefaultDetectionConfig()
	detection.PreviousPollInterval = 5 * time.Millisecond
	detection.PreviousPollTimeout = 50 * time.Millisecond

	engine, err := rules.NewEngine(detection, nil, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	processor := evaluation.NewProcessor(repo, engine, detection, nil)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, repo, nil, eventBus, engine, processor, "test-v1", mode)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func ptr(f float64) *float64 { return &f }

// seedFleet creates veh-1 (gasoil), drv-1 and a gasoil price of 2.0.
func seedFleet(t *testing.T, s *Server) {
	t.Helper()
	expectStatus(t, do(t, s, http.MethodPost, "/vehicles", domain.Vehicle{
		ID: "veh-1", Plate: "AA-100-AA", DefaultFuelType: domain.FuelGasoil,
	}), http.StatusCreated)
	expectStatus(t, do(t, s, http.MethodPost, "/drivers", domain.Driver{ID: "drv-1", Name: "Awa"}), http.StatusCreated)
	expectStatus(t, do(t, s, http.MethodPut, "/fuel-prices/gasoil", map[string]any{
		"price": 2.0, "effectiveFrom": "2020-01-01T00:00:00Z",
	}), http.StatusOK)
}

func closedVoucher(i int, consumption float64) VoucherRequest {
	start := 1000 + float64(i)*500
	return VoucherRequest{
		ID:            fmt.Sprintf("h-%02d", i),
		Number:        fmt.Sprintf("H-%02d", i),
		IssuedOn:      fmt.Sprintf("2026-03-%02d", i+1),
		FuelType:      domain.FuelGasoil,
		Amount:        consumption * 10,
		DriverID:      "drv-1",
		VehicleID:     "veh-1",
		OdometerStart: ptr(start),
		OdometerEnd:   ptr(start + 500),
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ModeSync, nil)

	rr := do(t, server, http.MethodGet, "/health", nil)
	expectStatus(t, rr, http.StatusOK)

	var health map[string]string
	decode(t, rr, &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", health["status"])
	}
	if health["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", health["version"])
	}

	expectStatus(t, do(t, server, http.MethodGet, "/ready", nil), http.StatusOK)
}

func TestFleetEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ModeSync, nil)
	seedFleet(t, server)

	t.Run("GetVehicle", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/vehicles/veh-1", nil)
		expectStatus(t, rr, http.StatusOK)

		var v domain.Vehicle
		decode(t, rr, &v)
		if v.Plate != "AA-100-AA" {
			t.Errorf("unexpected vehicle: %+v", v)
		}
	})

	t.Run("UnknownVehicle", func(t *testing.T) {
		expectStatus(t, do(t, server, http.MethodGet, "/vehicles/nope", nil), http.StatusNotFound)
	})

	t.Run("InvalidVehicle", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/vehicles", domain.Vehicle{Plate: "X", DefaultFuelType: "kerosene"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("DriverWithGeneratedID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/drivers", domain.Driver{Name: "Moussa"})
		expectStatus(t, rr, http.StatusCreated)

		var d domain.Driver
		decode(t, rr, &d)
		if d.ID == "" {
			t.Error("expected generated driver id")
		}
		expectStatus(t, do(t, server, http.MethodGet, "/drivers/"+d.ID, nil), http.StatusOK)
	})

	t.Run("FuelPrices", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/fuel-prices", nil)
		expectStatus(t, rr, http.StatusOK)

		var resp struct {
			Prices domain.PriceTable `json:"prices"`
		}
		decode(t, rr, &resp)
		if resp.Prices[domain.FuelGasoil] != 2.0 {
			t.Errorf("expected gasoil 2.0, got %v", resp.Prices)
		}

		expectStatus(t, do(t, server, http.MethodGet, "/fuel-prices?at=2024-05-01", nil), http.StatusOK)
		expectStatus(t, do(t, server, http.MethodGet, "/fuel-prices?at=yesterday", nil), http.StatusBadRequest)
		expectStatus(t, do(t, server, http.MethodPut, "/fuel-prices/gasoil", map[string]any{"price": 0}), http.StatusBadRequest)
		expectStatus(t, do(t, server, http.MethodPut, "/fuel-prices/kerosene", map[string]any{"price": 1}), http.StatusBadRequest)
	})
}

func TestVoucherValidation(t *testing.T) {
	server := createTestServer(t, domain.ModeSync, nil)
	seedFleet(t, server)

	valid := func() VoucherRequest {
		return VoucherRequest{Number: "B-1", FuelType: domain.FuelGasoil, Amount: 10, DriverID: "drv-1", VehicleID: "veh-1"}
	}

	tests := []struct {
		name   string
		mutate func(r *VoucherRequest)
	}{
		{"missing number", func(r *VoucherRequest) { r.Number = " " }},
		{"negative amount", func(r *VoucherRequest) { r.Amount = -1 }},
		{"end without start", func(r *VoucherRequest) { r.OdometerEnd = ptr(100) }},
		{"unknown driver", func(r *VoucherRequest) { r.DriverID = "ghost" }},
		{"unknown vehicle", func(r *VoucherRequest) { r.VehicleID = "ghost" }},
		{"unknown fuel", func(r *VoucherRequest) { r.FuelType = "kerosene" }},
		{"bad date", func(r *VoucherRequest) { r.IssuedOn = "01/03/2026" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			expectStatus(t, do(t, server, http.MethodPost, "/vouchers", req), http.StatusBadRequest)
		})
	}

	t.Run("ZeroAmountAccepted", func(t *testing.T) {
		req := valid()
		req.Amount = 0
		expectStatus(t, do(t, server, http.MethodPost, "/vouchers", req), http.StatusCreated)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		req := valid()
		req.ID = "fixed"
		expectStatus(t, do(t, server, http.MethodPost, "/vouchers", req), http.StatusCreated)
		expectStatus(t, do(t, server, http.MethodPost, "/vouchers", req), http.StatusConflict)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/vouchers", bytes.NewBufferString("{invalid"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		expectStatus(t, rr, http.StatusBadRequest)
	})
}

func TestVoucherLifecycle(t *testing.T) {
	server := createTestServer(t, domain.ModeSync, nil)
	seedFleet(t, server)

	for i, c := range []float64{6.0, 6.2, 5.8, 6.1, 6.0, 5.9} {
		expectStatus(t, do(t, server, http.MethodPost, "/vouchers", closedVoucher(i, c)), http.StatusCreated)
	}

	// Issued, then odometer start, then odometer end.
	req := VoucherRequest{
		ID: "cur", Number: "B-100", IssuedOn: "2026-03-11", FuelType: domain.FuelGasoil,
		Amount: 95, DriverID: "drv-1", VehicleID: "veh-1",
	}

	rr := do(t, server, http.MethodPost, "/vouchers", req)
	expectStatus(t, rr, http.StatusCreated)

	var created VoucherWriteResponse
	decode(t, rr, &created)
	if created.Voucher.Phase != domain.PhaseIssued {
		t.Errorf("expected ISSUED, got %s", created.Voucher.Phase)
	}
	if created.Evaluation == nil || created.Evaluation.Status != domain.StatusClean {
		t.Fatalf("expected clean evaluation, got %+v", created.Evaluation)
	}

	req.OdometerStart = ptr(4000)
	rr = do(t, server, http.MethodPut, "/vouchers/cur", req)
	expectStatus(t, rr, http.StatusOK)

	var inUse VoucherWriteResponse
	decode(t, rr, &inUse)
	if inUse.Voucher.Phase != domain.PhaseInUse {
		t.Errorf("expected IN_USE, got %s", inUse.Voucher.Phase)
	}

	req.OdometerEnd = ptr(4500)
	rr = do(t, server, http.MethodPut, "/vouchers/cur", req)
	expectStatus(t, rr, http.StatusOK)

	var closed VoucherWriteResponse
	decode(t, rr, &closed)
	if closed.Voucher.Phase != domain.PhaseClosed {
		t.Errorf("expected CLOSED, got %s", closed.Voucher.Phase)
	}
	if closed.Evaluation == nil {
		t.Fatal("expected evaluation on close")
	}
	if closed.Evaluation.Status != domain.StatusFlagged || closed.Evaluation.RiskScore != 90 {
		t.Errorf("expected flagged with risk 90, got %s/%d", closed.Evaluation.Status, closed.Evaluation.RiskScore)
	}
	if closed.Voucher.CreatedAt.Sub(created.Voucher.CreatedAt).Abs() > time.Second {
		t.Error("update must keep createdAt")
	}

	t.Run("GetVoucher", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/vouchers/cur", nil)
		expectStatus(t, rr, http.StatusOK)

		var v VoucherResponse
		decode(t, rr, &v)
		if v.Phase != domain.PhaseClosed || v.Number != "B-100" {
			t.Errorf("unexpected voucher: %+v", v)
		}
	})

	var anomalyID string
	t.Run("VoucherAnomalies", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/vouchers/cur/anomalies", nil)
		expectStatus(t, rr, http.StatusOK)

		var resp struct {
			Anomalies []domain.Anomaly `json:"anomalies"`
		}
		decode(t, rr, &resp)
		if len(resp.Anomalies) != 1 || resp.Anomalies[0].Type != domain.AnomalyConsumption {
			t.Fatalf("expected one consumption anomaly, got %+v", resp.Anomalies)
		}
		anomalyID = resp.Anomalies[0].ID
	})

	t.Run("ReviewQueue", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/anomalies?status=a_verifier", nil)
		expectStatus(t, rr, http.StatusOK)

		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 anomaly to verify, got %d", resp.Count)
		}

		expectStatus(t, do(t, server, http.MethodGet, "/anomalies?status=bogus", nil), http.StatusBadRequest)
	})

	t.Run("Review", func(t *testing.T) {
		rr := do(t, server, http.MethodPatch, "/anomalies/"+anomalyID, ReviewRequest{
			Status: domain.StatusJustified, Comment: "trajet en charge",
		})
		expectStatus(t, rr, http.StatusOK)

		var a domain.Anomaly
		decode(t, rr, &a)
		if a.Status != domain.StatusJustified || a.Comment != "trajet en charge" {
			t.Errorf("review not applied: %+v", a)
		}

		expectStatus(t, do(t, server, http.MethodPatch, "/anomalies/"+anomalyID, ReviewRequest{Status: "done"}), http.StatusBadRequest)
		expectStatus(t, do(t, server, http.MethodPatch, "/anomalies/missing", ReviewRequest{Status: domain.StatusFraud}), http.StatusNotFound)
	})

	t.Run("Reevaluate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/vouchers/cur/evaluate", nil)
		expectStatus(t, rr, http.StatusOK)

		var resp EvaluationResponse
		decode(t, rr, &resp)
		if len(resp.Anomalies) != 1 || resp.Anomalies[0].Status != domain.StatusJustified {
			t.Errorf("re-evaluation must keep the review, got %+v", resp.Anomalies)
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Version)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		expectStatus(t, do(t, server, http.MethodGet, "/vouchers/missing", nil), http.StatusNotFound)
		expectStatus(t, do(t, server, http.MethodPut, "/vouchers/missing", req), http.StatusNotFound)
		expectStatus(t, do(t, server, http.MethodPost, "/vouchers/missing/evaluate", nil), http.StatusNotFound)
		expectStatus(t, do(t, server, http.MethodGet, "/vouchers/missing/anomalies", nil), http.StatusNotFound)
	})
}

func TestAsyncMode(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	var mu sync.Mutex
	var events []domain.VoucherWrittenEvent
	_, err := eventBus.Subscribe(context.Background(), domain.TopicVoucherWritten, func(ctx context.Context, msg *domain.Message) error {
		var e domain.VoucherWrittenEvent
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			return err
		}
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	server := createTestServer(t, domain.ModeAsync, eventBus)
	seedFleet(t, server)

	rr := do(t, server, http.MethodPost, "/vouchers", VoucherRequest{
		ID: "v-async", Number: "B-1", FuelType: domain.FuelGasoil, Amount: 10, DriverID: "drv-1", VehicleID: "veh-1",
	})
	expectStatus(t, rr, http.StatusCreated)

	var resp VoucherWriteResponse
	decode(t, rr, &resp)
	if !resp.Queued || resp.Evaluation != nil {
		t.Errorf("expected queued write without evaluation, got %+v", resp)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].VoucherID != "v-async" {
		t.Fatalf("expected one voucher event, got %+v", events)
	}
	if events[0].TraceID == "" {
		t.Error("expected trace id on the event")
	}
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ModeSync, nil)
	seedFleet(t, server)

	t.Run("CreateInvalidRule", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID: "bad", Name: "Bad", Expression: "amount +", Severity: domain.SeverityLow, RiskScore: 10, Enabled: true,
		})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID: "big-amount", Name: "Gros montant", Expression: "amount > 500.0",
			Severity: domain.SeverityMedium, RiskScore: 40, Enabled: true,
		})
		expectStatus(t, rr, http.StatusCreated)

		// Not loaded until reload
		expectStatus(t, do(t, server, http.MethodGet, "/rules/big-amount", nil), http.StatusNotFound)

		expectStatus(t, do(t, server, http.MethodPost, "/rules/reload", nil), http.StatusOK)

		rr = do(t, server, http.MethodGet, "/rules", nil)
		expectStatus(t, rr, http.StatusOK)
		var list struct {
			Count int `json:"count"`
		}
		decode(t, rr, &list)
		if list.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", list.Count)
		}
	})

	t.Run("RuleFindsVoucher", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/vouchers", VoucherRequest{
			Number: "B-900", FuelType: domain.FuelGasoil, Amount: 800, DriverID: "drv-1", VehicleID: "veh-1",
		})
		expectStatus(t, rr, http.StatusCreated)

		var resp VoucherWriteResponse
		decode(t, rr, &resp)
		if resp.Evaluation == nil || len(resp.Evaluation.Anomalies) != 1 {
			t.Fatalf("expected one anomaly, got %+v", resp.Evaluation)
		}
		if resp.Evaluation.Anomalies[0].Type != domain.CustomRuleType("big-amount") {
			t.Errorf("unexpected anomaly type %s", resp.Evaluation.Anomalies[0].Type)
		}
	})
}

func TestRequestLogNamesResource(t *testing.T) {
	server := createTestServer(t, domain.ModeSync, nil)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	requestLog := func(path string) map[string]any {
		t.Helper()
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var entry map[string]any
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				continue
			}
			if entry["msg"] == "http request" && entry["path"] == path {
				return entry
			}
		}
		t.Fatalf("no request log for %s in %q", path, buf.String())
		return nil
	}

	expectStatus(t, do(t, server, http.MethodGet, "/vouchers/v-404", nil), http.StatusNotFound)
	entry := requestLog("/vouchers/v-404")
	if entry["voucher_id"] != "v-404" {
		t.Errorf("expected voucher_id v-404, got %v", entry["voucher_id"])
	}
	if entry["route"] != "/vouchers/{id}" {
		t.Errorf("expected route /vouchers/{id}, got %v", entry["route"])
	}

	expectStatus(t, do(t, server, http.MethodPatch, "/anomalies/a-404", ReviewRequest{Status: domain.StatusJustified}), http.StatusNotFound)
	if got := requestLog("/anomalies/a-404")["anomaly_id"]; got != "a-404" {
		t.Errorf("expected anomaly_id a-404, got %v", got)
	}

	expectStatus(t, do(t, server, http.MethodGet, "/health", nil), http.StatusOK)
	if _, ok := requestLog("/health")["route"]; ok {
		t.Error("health requests carry no resource")
	}
}
