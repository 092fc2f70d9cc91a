// Package report turns one analysis request into a persisted report.
// The processor runs the engine, applies tenant waivers, compares against
// the consumer's previous report and stores the outcome.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/history"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/quota"
	"github.com/opensource-finance/heron/internal/waiver"
)

// EngineVersion is stamped into every report's metadata.
const EngineVersion = "heron-1.0"

var tracer = otel.Tracer("heron-report")

// Options wires the processor's optional collaborators. Every field may be
// left nil: without a repository reports are neither stored nor diffed,
// without a cache every request is analyzed.
type Options struct {
	Repository domain.Repository
	Cache      domain.Cache
	Quota      *quota.Service
	Metrics    *metrics.Metrics
	ResultTTL  time.Duration
}

// Processor builds reports. Safe for concurrent use.
type Processor struct {
	engine    *engine.Engine
	waivers   *waiver.Engine
	repo      domain.Repository
	cache     domain.Cache
	quota     *quota.Service
	metrics   *metrics.Metrics
	resultTTL time.Duration
	now       func() time.Time
}

// NewProcessor creates a report processor.
func NewProcessor(eng *engine.Engine, waivers *waiver.Engine, opts Options) *Processor {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = time.Hour
	}
	return &Processor{
		engine:    eng,
		waivers:   waivers,
		repo:      opts.Repository,
		cache:     opts.Cache,
		quota:     opts.Quota,
		metrics:   opts.Metrics,
		resultTTL: opts.ResultTTL,
		now:       time.Now,
	}
}

// Request is one analysis to run.
type Request struct {
	TenantID   string
	ReportID   string // optional; generated when empty
	ConsumerID string
	TraceID    string
	AsOf       time.Time // zero means today
	Accounts   []domain.RawAccount
}

// RequestFromAnalyze converts the API and bus payload into a Request.
func RequestFromAnalyze(tenantID, traceID string, in *domain.AnalyzeRequest) (*Request, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)
	}
	req := &Request{
		TenantID:   tenantID,
		ReportID:   in.ReportID,
		ConsumerID: in.ConsumerID,
		TraceID:    traceID,
		Accounts:   in.Accounts,
	}
	if in.AsOf != "" {
		asOf, err := time.Parse(time.DateOnly, in.AsOf)
		if err != nil {
			return nil, fmt.Errorf("%w: asOf must be YYYY-MM-DD", domain.ErrInvalidInput)
		}
		req.AsOf = asOf
	}
	return req, nil
}

// Process runs one analysis end to end.
func (p *Processor) Process(ctx context.Context, req *Request) (*domain.Report, error) {
	start := p.now()

	if req == nil || req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if req.ConsumerID == "" {
		return nil, fmt.Errorf("%w: consumerId is required", domain.ErrInvalidInput)
	}

	if _, err := p.quota.Allow(ctx, req.TenantID); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			p.metrics.QuotaRejected()
		}
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "report.Process", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("consumer.id", req.ConsumerID),
		attribute.Int("accounts", len(req.Accounts)),
	))
	defer span.End()

	rep, err := p.process(ctx, req, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.AnalysisFailed()
		return nil, err
	}

	span.SetAttributes(
		attribute.String("report.id", rep.ID),
		attribute.Int("findings", rep.Result.Summary.Total),
		attribute.Bool("cache.hit", rep.Metadata.CacheHit),
	)
	return rep, nil
}

func (p *Processor) process(ctx context.Context, req *Request, start time.Time) (*domain.Report, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = start
	}
	asOf = time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	catalogVersion := p.engine.Registry().Version()
	hash, err := InputHash(req.Accounts, asOf, catalogVersion)
	if err != nil {
		return nil, err
	}

	result, cacheHit := p.cached(ctx, req.TenantID, hash)
	var analyzeMs int64
	if result == nil {
		analyzeStart := p.now()
		result, err = p.engine.AnalyzeAt(ctx, req.Accounts, asOf)
		if err != nil {
			return nil, fmt.Errorf("analysis failed: %w", err)
		}
		analyzeMs = p.now().Sub(analyzeStart).Milliseconds()
		p.store(ctx, req.TenantID, hash, result)
	}

	waivers, err := p.listWaivers(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	applied := p.waivers.Apply(waivers, result.Findings, start)

	final := *result
	final.Findings = applied.Kept
	final.Summary = engine.Summarize(applied.Kept, p.engine.Thresholds().LikelyWin)
	final.RuleIDs = engine.RuleIDs(applied.Kept)

	previous, err := p.previous(ctx, req.TenantID, req.ConsumerID)
	if err != nil {
		return nil, err
	}

	id := req.ReportID
	if id == "" {
		id = uuid.New().String()
	}

	rep := &domain.Report{
		ID:         id,
		TenantID:   req.TenantID,
		ConsumerID: req.ConsumerID,
		InputHash:  hash,
		Result:     final,
		Waived:     applied.Waived,
		Changes:    history.Diff(previous, final.Findings, applied.Waived),
		CreatedAt:  start.UTC(),
		Metadata: domain.ReportMetadata{
			TraceID:       req.TraceID,
			AnalyzeMs:     analyzeMs,
			CacheHit:      cacheHit,
			EngineVersion: EngineVersion,
		},
	}
	rep.Metadata.TotalMs = p.now().Sub(start).Milliseconds()

	if p.repo != nil {
		if err := p.repo.SaveReport(ctx, req.TenantID, rep); err != nil {
			return nil, fmt.Errorf("failed to save report: %w", err)
		}
	}

	p.metrics.ObserveAnalysis(time.Duration(analyzeMs)*time.Millisecond, final.Findings, len(applied.Waived))

	added, resolved, persisting := history.Counts(rep.Changes)
	slog.Info("report created",
		"component", "report",
		"report_id", rep.ID,
		"tenant_id", req.TenantID,
		"consumer_id", req.ConsumerID,
		"findings", final.Summary.Total,
		"waived", len(applied.Waived),
		"new", added,
		"resolved", resolved,
		"persisting", persisting,
		"resolved_rules", resolvedRules(rep.Changes),
		"cache_hit", cacheHit,
		"total_ms", rep.Metadata.TotalMs,
	)
	return rep, nil
}

func resolvedRules(c *domain.Changes) []int {
	if c == nil {
		return nil
	}
	return c.ResolvedRules
}

// cached returns a cached result. Cache failures degrade to a miss.
func (p *Processor) cached(ctx context.Context, tenantID, hash string) (*domain.AnalysisResult, bool) {
	if p.cache == nil {
		return nil, false
	}
	res, err := p.cache.GetResult(ctx, tenantID, hash)
	if err != nil {
		slog.Warn("cache lookup failed", "component", "report", "error", err)
	}
	if res == nil {
		p.metrics.CacheMiss()
		return nil, false
	}
	p.metrics.CacheHit()
	return res, true
}

func (p *Processor) store(ctx context.Context, tenantID, hash string, res *domain.AnalysisResult) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetResult(ctx, tenantID, hash, res, p.resultTTL); err != nil {
		slog.Warn("cache store failed", "component", "report", "error", err)
	}
}

func (p *Processor) listWaivers(ctx context.Context, tenantID string) ([]*domain.Waiver, error) {
	if p.repo == nil || p.waivers == nil {
		return nil, nil
	}
	ws, err := p.repo.ListWaivers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load waivers: %w", err)
	}
	return ws, nil
}

func (p *Processor) previous(ctx context.Context, tenantID, consumerID string) (*domain.Report, error) {
	if p.repo == nil {
		return nil, nil
	}
	prev, err := p.repo.LatestReport(ctx, tenantID, consumerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load previous report: %w", err)
	}
	return prev, nil
}

// InputHash identifies an analysis by its accounts, as-of date and
// catalog version. Identical inputs always hash identically.
func InputHash(accounts []domain.RawAccount, asOf time.Time, catalogVersion string) (string, error) {
	payload := struct {
		Accounts []domain.RawAccount `json:"accounts"`
		AsOf     string              `json:"asOf"`
		Catalog  string              `json:"catalog"`
	}{accounts, asOf.Format(time.DateOnly), catalogVersion}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
