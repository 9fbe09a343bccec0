package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer owns networks and at most one active paid subscription. Its row is
// the lock target that serializes subscription sagas for the same customer.
type Customer struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Email     string       `gorm:"type:text;not null" json:"email"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }
