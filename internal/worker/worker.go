// Package worker evaluates vouchers asynchronously from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
)

// Processor evaluates one voucher.
type Processor interface {
	Process(ctx context.Context, voucherID string) (*domain.Evaluation, error)
}

// Worker consumes voucher-written events, evaluates the voucher and publishes
// flagged evaluations.
type Worker struct {
	bus       domain.EventBus
	processor Processor

	jobs         chan job
	subscription domain.Subscription
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc

	mu        sync.Mutex
	processed int64
	flagged   int64
	failed    int64
}

type job struct {
	event domain.VoucherWrittenEvent
	msgID string
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of vouchers evaluated concurrently.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to voucher-written events and starts the evaluation goroutines.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if w.subscription != nil {
		return fmt.Errorf("worker already started")
	}

	w.jobs = make(chan job, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicVoucherWritten, w.handleMessage)
	if err != nil {
		w.cancel()
		w.wg.Wait()
		return fmt.Errorf("subscribe %s: %w", domain.TopicVoucherWritten, err)
	}
	w.subscription = sub

	slog.Info("worker started",
		"topic", domain.TopicVoucherWritten,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// handleMessage queues the voucher for evaluation, blocking while all
// goroutines are busy.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var event domain.VoucherWrittenEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("parse voucher event %s: %w", msg.ID, err)
	}
	if event.VoucherID == "" {
		return fmt.Errorf("voucher event %s has no voucher id", msg.ID)
	}

	select {
	case w.jobs <- job{event: event, msgID: msg.ID}:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			w.evaluate(j)
		}
	}
}

func (w *Worker) evaluate(j job) {
	start := time.Now()
	traceID := j.event.TraceID
	if traceID == "" {
		traceID = j.msgID
	}

	eval, err := w.processor.Process(w.ctx, j.event.VoucherID)
	if err != nil {
		w.count(&w.failed)
		level := slog.LevelError
		if errors.Is(err, evaluation.ErrVoucherNotFound) {
			level = slog.LevelWarn
		}
		slog.Log(w.ctx, level, "voucher evaluation failed",
			"voucher_id", j.event.VoucherID,
			"trace_id", traceID,
			"error", err,
		)
		return
	}
	w.count(&w.processed)

	if eval.Status == domain.StatusFlagged {
		w.count(&w.flagged)
		payload, err := json.Marshal(eval)
		if err == nil {
			err = w.bus.Publish(w.ctx, domain.TopicAnomalyFlagged, payload)
		}
		if err != nil {
			slog.Error("failed to publish flagged evaluation",
				"voucher_id", eval.VoucherID,
				"error", err,
			)
		}
	}

	slog.Info("voucher processed",
		"voucher_id", eval.VoucherID,
		"trace_id", traceID,
		"status", eval.Status,
		"risk_score", eval.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) count(c *int64) {
	w.mu.Lock()
	*c++
	w.mu.Unlock()
}

// Stop unsubscribes and waits for in-flight evaluations to finish.
func (w *Worker) Stop() error {
	if w.subscription != nil {
		if err := w.subscription.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", w.subscription.Topic(),
				"error", err,
			)
		}
		w.subscription = nil
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats holds worker counters.
type Stats struct {
	Topic     string `json:"topic,omitempty"`
	Processed int64  `json:"processed"`
	Flagged   int64  `json:"flagged"`
	Failed    int64  `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Stats{Processed: w.processed, Flagged: w.flagged, Failed: w.failed}
	if w.subscription != nil {
		s.Topic = w.subscription.Topic()
	}
	return s
}
