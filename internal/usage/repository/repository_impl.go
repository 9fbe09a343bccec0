package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert inserts the report or replaces the figures of the stored one for
// the same period. A replaced report must be reported again.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, report *domain.Report) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "network_id"}, {Name: "period_start"}, {Name: "period_end"}},
			DoUpdates: clause.Assignments(map[string]any{
				"billable_units": report.BillableUnits,
				"breakdown":      report.Breakdown,
				"computed_at":    report.ComputedAt,
				"reported_at":    nil,
				"skipped_at":     nil,
			}),
		}).
		Create(report).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, networkID snowflake.ID, start, end time.Time) (*domain.Report, error) {
	var report domain.Report
	err := db.WithContext(ctx).
		Where("network_id = ? AND period_start = ? AND period_end = ?", networkID, start, end).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

func (r *repo) MarkReported(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Report{}).
		Where("id = ?", id).
		Update("reported_at", at).Error
}

func (r *repo) MarkSkipped(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Report{}).
		Where("id = ? AND reported_at IS NULL", id).
		Update("skipped_at", at).Error
}

func (r *repo) ListUnreported(ctx context.Context, db *gorm.DB, computedBefore time.Time, limit int) ([]domain.Report, error) {
	var items []domain.Report
	err := db.WithContext(ctx).
		Where("reported_at IS NULL AND skipped_at IS NULL AND computed_at < ?", computedBefore).
		Order("computed_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ListNetworksWithoutReport skips networks created after the period and
// networks deleted before it started.
func (r *repo) ListNetworksWithoutReport(ctx context.Context, db *gorm.DB, start, end time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&networkdomain.Network{}).
		Where("created_at < ?", end).
		Where("status <> ? OR updated_at >= ?", networkdomain.StatusDeleted, start).
		Where("NOT EXISTS (SELECT 1 FROM usage_reports r WHERE r.network_id = networks.id AND r.period_start = ? AND r.period_end = ?)", start, end).
		Order("id asc").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
