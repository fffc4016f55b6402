package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/fuelwatch/internal/api"
	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// requiredColumns must be present in the CSV header.
var requiredColumns = []string{"number", "fuel_type", "amount", "driver_id", "vehicle_id"}

// ImportMetrics tracks import results.
type ImportMetrics struct {
	Processed        int64
	Created          int64
	Updated          int64
	Errors           int64
	Flagged          int64
	Queued           int64
	ProcessingTimeMs int64
}

var importFlags struct {
	baseURL string
	workers int
	limit   int
	verbose bool
}

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import vouchers from a CSV file",
	Long: `Post every voucher of a CSV file to a running fuelwatch server.

The header names the columns: id, number, issued_on, fuel_type, amount,
driver_id, vehicle_id, odometer_start, odometer_end, distance and notes.
Rows whose id already exists update the stored voucher.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkHealth(importFlags.baseURL); err != nil {
			return fmt.Errorf("fuelwatch not reachable at %s: %w", importFlags.baseURL, err)
		}

		file, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		vouchers, skipped, err := readVoucherCSV(file, importFlags.limit)
		if err != nil {
			return err
		}
		fmt.Printf("Loaded %d vouchers from %s (%d rows skipped)\n", len(vouchers), args[0], skipped)

		start := time.Now()
		metrics := runImport(cmd.Context(), vouchers, importFlags.baseURL, importFlags.workers, importFlags.verbose)
		printImportResults(metrics, time.Since(start))

		if metrics.Errors > 0 {
			return fmt.Errorf("%d vouchers failed to import", metrics.Errors)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFlags.baseURL, "url", "http://localhost:8080", "fuelwatch server URL")
	importCmd.Flags().IntVar(&importFlags.workers, "workers", 4, "concurrent requests")
	importCmd.Flags().IntVar(&importFlags.limit, "limit", 0, "maximum vouchers to import (0 = all)")
	importCmd.Flags().BoolVarP(&importFlags.verbose, "verbose", "v", false, "print every voucher")
	rootCmd.AddCommand(importCmd)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readVoucherCSV parses vouchers from r. Rows with unparsable numbers are
// skipped and counted.
func readVoucherCSV(r io.Reader, limit int) ([]api.VoucherRequest, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var vouchers []api.VoucherRequest
	skipped := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			skipped++
			continue
		}

		req := api.VoucherRequest{
			ID:        field(record, "id"),
			Number:    field(record, "number"),
			IssuedOn:  field(record, "issued_on"),
			FuelType:  domain.FuelType(strings.ToLower(field(record, "fuel_type"))),
			Amount:    amount,
			DriverID:  field(record, "driver_id"),
			VehicleID: field(record, "vehicle_id"),
			Notes:     field(record, "notes"),
		}

		ok := true
		for name, dst := range map[string]**float64{
			"odometer_start": &req.OdometerStart,
			"odometer_end":   &req.OdometerEnd,
			"distance":       &req.Distance,
		} {
			raw := field(record, name)
			if raw == "" {
				continue
			}
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				ok = false
				break
			}
			*dst = &n
		}
		if !ok {
			skipped++
			continue
		}

		vouchers = append(vouchers, req)

		if limit > 0 && len(vouchers) >= limit {
			break
		}
	}

	return vouchers, skipped, nil
}

func runImport(ctx context.Context, vouchers []api.VoucherRequest, baseURL string, numWorkers int, verbose bool) *ImportMetrics {
	if numWorkers < 1 {
		numWorkers = 1
	}
	metrics := &ImportMetrics{}

	work := make(chan api.VoucherRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for req := range work {
				start := time.Now()
				result, updated, err := writeVoucher(ctx, client, baseURL, req)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.Processed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR %s: %v\n", req.Number, err)
					}
					continue
				}

				if updated {
					atomic.AddInt64(&metrics.Updated, 1)
				} else {
					atomic.AddInt64(&metrics.Created, 1)
				}
				if result.Queued {
					atomic.AddInt64(&metrics.Queued, 1)
				}
				flagged := result.Evaluation != nil && result.Evaluation.Status == domain.StatusFlagged
				if flagged {
					atomic.AddInt64(&metrics.Flagged, 1)
				}

				if verbose {
					status := "ok"
					if flagged {
						status = fmt.Sprintf("FLAGGED risk=%d", result.Evaluation.RiskScore)
					}
					fmt.Printf("%-12s | %-10s | %-8s | %10.2f | %s\n",
						req.Number,
						req.VehicleID,
						result.Voucher.Phase,
						req.Amount,
						status,
					)
				}
			}
		}()
	}

	for _, v := range vouchers {
		work <- v
	}
	close(work)

	wg.Wait()

	return metrics
}

var errConflict = errors.New("voucher already exists")

// writeVoucher creates the voucher, or updates it when its id is already known.
func writeVoucher(ctx context.Context, client *http.Client, baseURL string, req api.VoucherRequest) (*api.VoucherWriteResponse, bool, error) {
	result, err := sendVoucher(ctx, client, http.MethodPost, baseURL+"/vouchers", req)
	if errors.Is(err, errConflict) && req.ID != "" {
		result, err = sendVoucher(ctx, client, http.MethodPut, baseURL+"/vouchers/"+req.ID, req)
		return result, true, err
	}
	return result, false, err
}

func sendVoucher(ctx context.Context, client *http.Client, method, url string, req api.VoucherRequest) (*api.VoucherWriteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, errConflict
	default:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result api.VoucherWriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printImportResults(m *ImportMetrics, duration time.Duration) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Printf("\n%s\n", cyan("=== Import Results ==="))
	fmt.Printf("   Processed:  %d\n", m.Processed)
	fmt.Printf("   Created:    %d\n", m.Created)
	fmt.Printf("   Updated:    %d\n", m.Updated)
	if m.Errors > 0 {
		fmt.Printf("   Errors:     %s\n", red(m.Errors))
	} else {
		fmt.Printf("   Errors:     %s\n", green(0))
	}

	if m.Queued > 0 {
		fmt.Printf("   Queued:     %d (async mode, see GET /anomalies)\n", m.Queued)
	}
	if m.Flagged > 0 {
		fmt.Printf("   Flagged:    %s\n", red(m.Flagged))
	} else {
		fmt.Printf("   Flagged:    %d\n", m.Flagged)
	}

	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Processed > 0 {
		fmt.Printf("   Avg Latency: %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.Processed))
	}
	fmt.Println()
}
