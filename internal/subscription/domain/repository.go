package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	"gorm.io/gorm"
)

type Repository interface {
	// LockCustomer loads the customer under the row lock serializing
	// provisioning per customer. Nil when the customer does not exist.
	LockCustomer(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) (*customerdomain.Customer, error)
	FindLive(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, at time.Time) error
}
