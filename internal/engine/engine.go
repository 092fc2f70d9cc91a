// Package engine runs the rule catalog over a consumer's tradelines and
// ranks the resulting findings.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/grouping"
	"github.com/opensource-finance/heron/internal/normalize"
	"github.com/opensource-finance/heron/internal/rules"
)

// Options configures an Engine.
type Options struct {
	Thresholds domain.Thresholds
	MaxWorkers int
}

// Engine analyzes account sets against an immutable rule registry.
// It is safe for concurrent use.
type Engine struct {
	registry   *rules.Registry
	thresholds domain.Thresholds
	maxWorkers int
	now        func() time.Time
}

// New creates an engine over a validated registry.
func New(registry *rules.Registry, opts Options) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	return &Engine{
		registry:   registry,
		thresholds: opts.Thresholds.WithDefaults(),
		maxWorkers: opts.MaxWorkers,
		now:        time.Now,
	}
}

// Registry returns the rule registry the engine evaluates.
func (e *Engine) Registry() *rules.Registry { return e.registry }

// Thresholds returns the effective thresholds.
func (e *Engine) Thresholds() domain.Thresholds { return e.thresholds }

// Analyze evaluates accounts as of today.
func (e *Engine) Analyze(ctx context.Context, accounts []domain.RawAccount) (*domain.AnalysisResult, error) {
	return e.AnalyzeAt(ctx, accounts, e.now())
}

// AnalyzeAt evaluates accounts as of the given date. Malformed input never
// fails; the only error is context cancellation.
func (e *Engine) AnalyzeAt(ctx context.Context, accounts []domain.RawAccount, asOf time.Time) (*domain.AnalysisResult, error) {
	in := rules.NewInput(asOf, e.thresholds)
	result := &domain.AnalysisResult{
		Findings:       []domain.Finding{},
		RuleIDs:        []int{},
		AsOf:           in.AsOf,
		CatalogVersion: e.registry.Version(),
	}
	if len(accounts) == 0 {
		return result, nil
	}

	normalized := normalize.Accounts(accounts)
	groups := grouping.Group(normalized)
	result.AccountCount = len(normalized)
	result.GroupCount = len(groups)

	tasks := e.tasks(in, normalized, groups)

	// Parallel evaluation using worker pool pattern
	batches := make([][]domain.Finding, len(tasks))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, run func() []domain.Finding) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			batches[idx] = run()
		}(i, task)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []domain.Finding
	for _, b := range batches {
		all = append(all, b...)
	}
	result.Findings = Rank(all)
	result.Summary = Summarize(result.Findings, e.thresholds.LikelyWin)
	result.RuleIDs = RuleIDs(result.Findings)
	return result, nil
}

// tasks splits the run into independent units: one per account, one per
// eligible group and one per dataset rule.
func (e *Engine) tasks(in *rules.Input, accounts []*domain.NormalizedAccount, groups []*domain.AccountGroup) []func() []domain.Finding {
	singles := e.registry.ForScope(domain.ScopeSingle)
	crosses := e.registry.ForScope(domain.ScopeCrossGroup)
	datasets := e.registry.ForScope(domain.ScopeDataset)

	var tasks []func() []domain.Finding
	for _, a := range accounts {
		a := a
		tasks = append(tasks, func() []domain.Finding {
			var out []domain.Finding
			for _, r := range singles {
				out = append(out, r.EvaluateAccount(in, a)...)
			}
			return out
		})
	}
	for _, g := range grouping.Eligible(groups) {
		g := g
		tasks = append(tasks, func() []domain.Finding {
			var out []domain.Finding
			for _, r := range crosses {
				out = append(out, r.EvaluateGroup(in, g)...)
			}
			return out
		})
	}
	for _, r := range datasets {
		r := r
		tasks = append(tasks, func() []domain.Finding {
			return r.EvaluateDataset(in, accounts, groups)
		})
	}
	return tasks
}

// Rank collapses findings with the same ID and orders them by severity,
// deletion probability and rule id. Remaining ties fall back to account,
// description and ID so the order never depends on input order.
func Rank(findings []domain.Finding) []domain.Finding {
	sorted := make([]domain.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if wa, wb := a.Severity.Weight(), b.Severity.Weight(); wa != wb {
			return wa > wb
		}
		if a.DeletionProbability != b.DeletionProbability {
			return a.DeletionProbability > b.DeletionProbability
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Description != b.Description {
			return a.Description < b.Description
		}
		return a.ID < b.ID
	})

	// Sorting first keeps the surviving copy of a repeated ID independent
	// of input order.
	out := make([]domain.Finding, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, f := range sorted {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}

// Summarize counts findings by severity and those at or above the
// likely-win threshold.
func Summarize(findings []domain.Finding, likelyWin int) domain.Summary {
	if likelyWin <= 0 {
		likelyWin = domain.DefaultLikelyWinThreshold
	}
	s := domain.Summary{Total: len(findings)}
	for _, f := range findings {
		switch f.Severity {
		case domain.SeverityCritical:
			s.Critical++
		case domain.SeverityHigh:
			s.High++
		case domain.SeverityMedium:
			s.Medium++
		}
		if f.DeletionProbability >= likelyWin {
			s.LikelyWins++
		}
	}
	return s
}

// RuleIDs returns the sorted distinct rule ids that produced findings.
func RuleIDs(findings []domain.Finding) []int {
	seen := make(map[int]bool)
	ids := []int{}
	for _, f := range findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Ints(ids)
	return ids
}
