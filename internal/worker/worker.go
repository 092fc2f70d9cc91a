// Package worker runs analyses requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/report"
)

// Worker consumes heron.analysis.requested and publishes the outcome to
// heron.analysis.completed or heron.analysis.failed.
type Worker struct {
	bus       domain.EventBus
	processor *report.Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants; empty serves every tenant.
	TenantIDs []string

	// WorkerCount bounds how many analyses run at once.
	WorkerCount int
}

// CompletedEvent is published when a report was stored.
type CompletedEvent struct {
	ReportID   string          `json:"reportId"`
	ConsumerID string          `json:"consumerId"`
	Summary    domain.Summary  `json:"summary"`
	RuleIDs    []int           `json:"ruleIds"`
	Changes    *domain.Changes `json:"changes,omitempty"`
	TotalMs    int64           `json:"totalMs"`
}

// FailedEvent is published when an analysis could not complete.
type FailedEvent struct {
	ReportID   string `json:"reportId,omitempty"`
	ConsumerID string `json:"consumerId,omitempty"`
	Error      string `json:"error"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor *report.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to analysis requests.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AnyTenant}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAnalysisRequested, w.dispatch)
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribe %s for tenant %s: %w", domain.TopicAnalysisRequested, tenantID, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("workers started",
		"component", "worker",
		"tenants", tenants,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// dispatch hands a message to the pool, blocking while every slot is busy.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		if err := w.Handle(w.ctx, msg); err != nil {
			slog.Error("analysis request failed",
				"component", "worker",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"error", err,
			)
		}
	}()
	return nil
}

// Handle processes one analysis request message and publishes its outcome.
func (w *Worker) Handle(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in domain.AnalyzeRequest
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		w.publishFailed(ctx, msg.TenantID, &in, err)
		return fmt.Errorf("failed to parse analysis request: %w", err)
	}

	traceID := msg.Metadata["trace_id"]
	if traceID == "" {
		traceID = msg.ID
	}

	req, err := report.RequestFromAnalyze(msg.TenantID, traceID, &in)
	if err != nil {
		w.publishFailed(ctx, msg.TenantID, &in, err)
		return err
	}

	rep, err := w.processor.Process(ctx, req)
	if err != nil {
		w.publishFailed(ctx, msg.TenantID, &in, err)
		return err
	}

	payload, err := json.Marshal(CompletedEvent{
		ReportID:   rep.ID,
		ConsumerID: rep.ConsumerID,
		Summary:    rep.Result.Summary,
		RuleIDs:    rep.Result.RuleIDs,
		Changes:    rep.Changes,
		TotalMs:    rep.Metadata.TotalMs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode completion: %w", err)
	}
	if err := w.bus.Publish(ctx, msg.TenantID, domain.TopicAnalysisCompleted, payload); err != nil {
		slog.Error("failed to publish completion",
			"component", "worker",
			"report_id", rep.ID,
			"error", err,
		)
	}

	slog.Info("analysis request processed",
		"component", "worker",
		"report_id", rep.ID,
		"tenant_id", msg.TenantID,
		"findings", rep.Result.Summary.Total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publishFailed(ctx context.Context, tenantID string, in *domain.AnalyzeRequest, cause error) {
	payload, _ := json.Marshal(FailedEvent{
		ReportID:   in.ReportID,
		ConsumerID: in.ConsumerID,
		Error:      cause.Error(),
	})
	if err := w.bus.Publish(ctx, tenantID, domain.TopicAnalysisFailed, payload); err != nil {
		slog.Error("failed to publish failure",
			"component", "worker",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for in-flight analyses.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"component", "worker",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped", "component", "worker")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
