// Package quota limits how many analyses a tenant may run per window.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

const counterKey = "quota:analyses"

// Decision is the outcome of one quota check.
type Decision struct {
	Count     int64
	Limit     int
	Remaining int
	Allowed   bool
}

// Service counts analyses per tenant in fixed windows on the shared cache.
type Service struct {
	cache  domain.Cache
	limit  int
	window time.Duration
}

// NewService creates a quota service. A limit of zero or less disables it.
func NewService(cache domain.Cache, limit int, window time.Duration) *Service {
	if window <= 0 {
		window = time.Minute
	}
	return &Service{cache: cache, limit: limit, window: window}
}

// Enabled reports whether checks can reject anything.
func (s *Service) Enabled() bool {
	return s != nil && s.cache != nil && s.limit > 0
}

// Allow records one analysis for tenantID and reports whether it fits the
// quota. Rejections return domain.ErrQuotaExceeded alongside the decision.
func (s *Service) Allow(ctx context.Context, tenantID string) (Decision, error) {
	if !s.Enabled() {
		return Decision{Allowed: true}, nil
	}
	if tenantID == "" {
		return Decision{}, fmt.Errorf("tenantID is required")
	}

	n, err := s.cache.IncrementCounter(ctx, tenantID, counterKey, s.window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count analyses: %w", err)
	}

	d := Decision{
		Count:     n,
		Limit:     s.limit,
		Remaining: max(s.limit-int(n), 0),
		Allowed:   n <= int64(s.limit),
	}
	if !d.Allowed {
		return d, fmt.Errorf("%w: %d analyses in %s (limit %d)", domain.ErrQuotaExceeded, n, s.window, s.limit)
	}
	return d, nil
}
