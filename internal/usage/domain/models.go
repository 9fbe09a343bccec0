// Package domain contains the usage report model and the collaborators the
// report service reads from.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Report is the usage of one network over one billing period. Recomputing
// the same period replaces the row.
type Report struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	NetworkID     snowflake.ID   `gorm:"not null;uniqueIndex:ux_usage_reports_period,priority:1" json:"network_id"`
	PeriodStart   time.Time      `gorm:"not null;uniqueIndex:ux_usage_reports_period,priority:2" json:"period_start"`
	PeriodEnd     time.Time      `gorm:"not null;uniqueIndex:ux_usage_reports_period,priority:3" json:"period_end"`
	BillableUnits int64          `gorm:"not null" json:"billable_units"`
	Breakdown     datatypes.JSON `gorm:"not null" json:"breakdown"`
	ReportedAt    *time.Time     `json:"reported_at,omitempty"`
	// SkippedAt is set when the customer had no active subscription to
	// report to. Only an explicit recompute reports the period again.
	SkippedAt  *time.Time `json:"skipped_at,omitempty"`
	ComputedAt time.Time  `gorm:"not null" json:"computed_at"`
}

func (Report) TableName() string { return "usage_reports" }
