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

// Subscription binds a customer to the metered price in the payment
// processor. The Payment* fields are the processor's object ids.
type Subscription struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID             snowflake.ID `gorm:"not null;uniqueIndex:ux_subscriptions_live,where:status <> 'DELETED'" json:"customer_id"`
	Status                 Status       `gorm:"type:text;not null" json:"status"`
	Plan                   string       `gorm:"type:text;not null" json:"plan"`
	PaymentCustomerRef     string       `gorm:"type:text;not null" json:"payment_customer_ref"`
	PaymentCardRef         string       `gorm:"type:text;not null" json:"payment_card_ref"`
	PaymentProductRef      string       `gorm:"type:text;not null" json:"payment_product_ref"`
	PaymentPriceRef        string       `gorm:"type:text;not null" json:"payment_price_ref"`
	PaymentSubscriptionRef string       `gorm:"type:text;not null" json:"payment_subscription_ref"`
	PaymentItemRef         string       `gorm:"type:text;not null" json:"payment_item_ref"`
	CreatedAt              time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Live() bool {
	return s.Status != StatusDeleted
}
