package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/activity/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByNetwork(ctx context.Context, db *gorm.DB, networkID snowflake.ID, start, end time.Time) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).
		Where("network_id = ? AND occurred_at >= ? AND occurred_at < ?", networkID, start, end).
		Order("occurred_at asc, id asc").
		Find(&events).Error
	return events, err
}
