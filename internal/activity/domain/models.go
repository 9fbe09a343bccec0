// Package domain holds the append-only activity event model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EventType string

const (
	EventTypeJoin  EventType = "JOIN"
	EventTypeLeave EventType = "LEAVE"
)

func (t EventType) Valid() bool {
	return t == EventTypeJoin || t == EventTypeLeave
}

// Event records a user entering or leaving a network. Rows are never updated;
// the natural key (network, user, type, time) makes appends idempotent.
type Event struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	NetworkID  snowflake.ID `gorm:"not null;uniqueIndex:ux_activity_events_natural,priority:1;index:ix_activity_events_period,priority:1" json:"network_id"`
	Username   string       `gorm:"type:text;not null;uniqueIndex:ux_activity_events_natural,priority:2" json:"username"`
	Type       EventType    `gorm:"type:text;not null;uniqueIndex:ux_activity_events_natural,priority:3" json:"type"`
	OccurredAt time.Time    `gorm:"not null;uniqueIndex:ux_activity_events_natural,priority:4;index:ix_activity_events_period,priority:2" json:"occurred_at"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
}

func (Event) TableName() string { return "activity_events" }
