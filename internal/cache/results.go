package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// store is the byte-level contract shared by every cache tier.
type store interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func resultKey(inputHash string) string {
	return "report:" + inputHash
}

// getResult decodes a cached analysis result. A corrupt entry reads as a miss.
func getResult(ctx context.Context, s store, tenantID, inputHash string) (*domain.AnalysisResult, error) {
	if inputHash == "" {
		return nil, fmt.Errorf("input hash is required")
	}
	data, err := s.Get(ctx, tenantID, resultKey(inputHash))
	if err != nil || data == nil {
		return nil, err
	}
	var res domain.AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, nil
	}
	return &res, nil
}

func setResult(ctx context.Context, s store, tenantID, inputHash string, res *domain.AnalysisResult, ttl time.Duration) error {
	if inputHash == "" {
		return fmt.Errorf("input hash is required")
	}
	if res == nil {
		return fmt.Errorf("result is required")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.Set(ctx, tenantID, resultKey(inputHash), data, ttl)
}
