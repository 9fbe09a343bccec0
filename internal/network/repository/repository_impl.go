package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/network/domain"
	dbpkg "github.com/smallbiznis/netbill/pkg/db"
	"github.com/smallbiznis/netbill/pkg/db/option"
	"github.com/smallbiznis/netbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateNetwork(ctx context.Context, db *gorm.DB, network *domain.Network) error {
	return db.WithContext(ctx).Create(network).Error
}

func (r *repo) FindNetwork(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Network, error) {
	return first[domain.Network](db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) LockNetwork(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Network, error) {
	return first[domain.Network](dbpkg.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) UpdateNetworkStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Network{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": at}).Error
}

func (r *repo) CreateMembership(ctx context.Context, db *gorm.DB, membership *domain.Membership) error {
	return db.WithContext(ctx).Create(membership).Error
}

func (r *repo) FindActiveMembership(ctx context.Context, db *gorm.DB, networkID snowflake.ID, username string) (*domain.Membership, error) {
	return first[domain.Membership](db.WithContext(ctx).
		Where("network_id = ? AND username = ? AND left_at IS NULL", networkID, username))
}

func (r *repo) ListActiveMemberships(ctx context.Context, db *gorm.DB, networkID snowflake.ID) ([]domain.Membership, error) {
	var items []domain.Membership
	err := db.WithContext(ctx).
		Where("network_id = ? AND left_at IS NULL", networkID).
		Order("id asc").
		Find(&items).Error
	return items, err
}

func (r *repo) EndMemberships(ctx context.Context, db *gorm.DB, ids []snowflake.ID, leftAt time.Time, kickedBy *string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("id IN ? AND left_at IS NULL", ids).
		Updates(map[string]any{
			"left_at":        leftAt,
			"kicked_by":      kickedBy,
			"billing_synced": false,
			"updated_at":     leftAt,
		}).Error
}

func (r *repo) ReopenMemberships(ctx context.Context, db *gorm.DB, ids []snowflake.ID, billingSynced bool, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"left_at":        nil,
			"kicked_by":      nil,
			"billing_synced": billingSynced,
			"updated_at":     at,
		}).Error
}

func (r *repo) SetBillingSynced(ctx context.Context, db *gorm.DB, ids []snowflake.ID, synced bool, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"billing_synced": synced, "updated_at": at}).Error
}

func (r *repo) ListMemberships(ctx context.Context, db *gorm.DB, networkID snowflake.ID, activeOnly bool, page pagination.Pagination) ([]*domain.Membership, error) {
	q := db.WithContext(ctx).Where("network_id = ?", networkID)
	if activeOnly {
		q = q.Where("left_at IS NULL")
	}
	var items []*domain.Membership
	err := option.ApplyPagination(page).Apply(q).Find(&items).Error
	return items, err
}

func (r *repo) ListOverlapping(ctx context.Context, db *gorm.DB, networkID snowflake.ID, start, end time.Time) ([]domain.Membership, error) {
	var items []domain.Membership
	err := db.WithContext(ctx).
		Where("network_id = ? AND joined_at < ? AND (left_at IS NULL OR left_at >= ?)", networkID, end, start).
		Order("username asc, joined_at asc").
		Find(&items).Error
	return items, err
}

func (r *repo) ListUnsynced(ctx context.Context, db *gorm.DB, limit int) ([]domain.Membership, error) {
	var items []domain.Membership
	err := db.WithContext(ctx).
		Where("billing_synced = ?", false).
		Order("updated_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) MarkSynced(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) (bool, error) {
	q := db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("id = ? AND billing_synced = ?", id, false)
	if active {
		q = q.Where("left_at IS NULL")
	} else {
		q = q.Where("left_at IS NOT NULL")
	}
	res := q.Updates(map[string]any{"billing_synced": true, "updated_at": at})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) DeferUnsynced(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("id = ? AND billing_synced = ?", id, false).
		Update("updated_at", at).Error
}

func (r *repo) HasActiveMembership(ctx context.Context, db *gorm.DB, username string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("username = ? AND left_at IS NULL", username).
		Count(&count).Error
	return count > 0, err
}

func first[T any](q *gorm.DB) (*T, error) {
	var out T
	if err := q.First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}
