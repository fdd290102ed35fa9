package cache

import (
	"context"
	"time"

	"posledger/backend/internal/report"
)

type InventoryReportCache interface {
	Get(ctx context.Context, key string) (*report.InventoryReport, bool, error)
	Set(ctx context.Context, key string, value *report.InventoryReport, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopInventoryReportCache struct{}

func (NoopInventoryReportCache) Get(_ context.Context, _ string) (*report.InventoryReport, bool, error) {
	return nil, false, nil
}

func (NoopInventoryReportCache) Set(_ context.Context, _ string, _ *report.InventoryReport, _ time.Duration) error {
	return nil
}

func (NoopInventoryReportCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
