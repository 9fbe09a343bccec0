package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RecordRequest struct {
	NetworkID  snowflake.ID `json:"network_id"`
	Username   string       `json:"username"`
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type Service interface {
	// Record appends an event. Recording the same natural key twice is a no-op
	// and reports created=false.
	Record(ctx context.Context, req RecordRequest) (created bool, err error)
	// ListForPeriod returns the events of a network in [start, end) ordered by time.
	ListForPeriod(ctx context.Context, networkID snowflake.ID, start, end time.Time) ([]Event, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	ListByNetwork(ctx context.Context, db *gorm.DB, networkID snowflake.ID, start, end time.Time) ([]Event, error)
}

var (
	ErrInvalidNetwork   = errors.New("invalid_network")
	ErrInvalidUsername  = errors.New("invalid_username")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidTimestamp = errors.New("invalid_timestamp")
)
