package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusTrial     Status = "TRIAL"
	StatusSuspended Status = "SUSPENDED"
	StatusDeleted   Status = "DELETED"
)

// Network is a group of users billed under one reseller key and served by
// one signaling resource.
type Network struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID  snowflake.ID `gorm:"not null;index" json:"customer_id"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Status      Status       `gorm:"type:text;not null" json:"status"`
	BillingKey  string       `gorm:"type:text;not null;uniqueIndex" json:"billing_key"`
	SignalingID string       `gorm:"type:text;not null;uniqueIndex" json:"signaling_id"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Network) TableName() string { return "networks" }

// Joinable reports whether new members may be added.
func (n Network) Joinable() bool {
	return n.Status == StatusActive || n.Status == StatusTrial
}

// Membership is active while LeftAt is nil. BillingSynced is false while the
// billing ledger has not caught up with the membership state.
type Membership struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	NetworkID     snowflake.ID `gorm:"not null;uniqueIndex:ux_memberships_active,priority:1,where:left_at IS NULL" json:"network_id"`
	Username      string       `gorm:"type:text;not null;uniqueIndex:ux_memberships_active,priority:2" json:"username"`
	JoinedAt      time.Time    `gorm:"not null" json:"joined_at"`
	LeftAt        *time.Time   `json:"left_at,omitempty"`
	KickedBy      *string      `gorm:"type:text" json:"kicked_by,omitempty"`
	BillingSynced bool         `gorm:"not null;default:false;index" json:"billing_synced"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Membership) TableName() string { return "memberships" }

func (m Membership) Active() bool { return m.LeftAt == nil }
