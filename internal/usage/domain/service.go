package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ComputeRequest struct {
	NetworkID   snowflake.ID `json:"network_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
}

type Service interface {
	// ComputeReport accounts the period, stores the report and reports the
	// billable units to the payment processor.
	ComputeReport(ctx context.Context, req ComputeRequest) (Report, error)
	GetReport(ctx context.Context, networkID snowflake.ID, start, end time.Time) (Report, error)
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, report *Report) error
	Find(ctx context.Context, db *gorm.DB, networkID snowflake.ID, start, end time.Time) (*Report, error)
	MarkReported(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkSkipped(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// ListUnreported returns reports not yet accepted by the payment
	// processor that were computed before the given time, oldest first.
	// Skipped reports are left out.
	ListUnreported(ctx context.Context, db *gorm.DB, computedBefore time.Time, limit int) ([]Report, error)
	// ListNetworksWithoutReport returns networks billable in [start, end)
	// that have no report for exactly that period.
	ListNetworksWithoutReport(ctx context.Context, db *gorm.DB, start, end time.Time, limit int) ([]snowflake.ID, error)
}

// UsageReporter pushes a quantity to the metered subscription item.
type UsageReporter interface {
	ReportUsage(ctx context.Context, itemRef string, quantity int64, ts time.Time, idempotencyKey string) error
}

// SubscriptionItems resolves the metered item of a customer's active
// subscription. ok is false when the customer has none.
type SubscriptionItems interface {
	ActiveItemRef(ctx context.Context, customerID snowflake.ID) (itemRef string, ok bool, err error)
}

var (
	ErrInvalidPeriod  = errors.New("invalid_period")
	ErrReportNotFound = errors.New("usage_report_not_found")
)
