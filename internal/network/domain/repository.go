package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository queries run on the handle they are given so callers decide the
// transaction boundary. Finders return nil, nil when nothing matches.
type Repository interface {
	CreateNetwork(ctx context.Context, db *gorm.DB, network *Network) error
	FindNetwork(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Network, error)
	LockNetwork(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Network, error)
	UpdateNetworkStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, at time.Time) error

	CreateMembership(ctx context.Context, db *gorm.DB, membership *Membership) error
	FindActiveMembership(ctx context.Context, db *gorm.DB, networkID snowflake.ID, username string) (*Membership, error)
	ListActiveMemberships(ctx context.Context, db *gorm.DB, networkID snowflake.ID) ([]Membership, error)
	EndMemberships(ctx context.Context, db *gorm.DB, ids []snowflake.ID, leftAt time.Time, kickedBy *string) error
	ReopenMemberships(ctx context.Context, db *gorm.DB, ids []snowflake.ID, billingSynced bool, at time.Time) error
	SetBillingSynced(ctx context.Context, db *gorm.DB, ids []snowflake.ID, synced bool, at time.Time) error
	ListMemberships(ctx context.Context, db *gorm.DB, networkID snowflake.ID, activeOnly bool, page pagination.Pagination) ([]*Membership, error)
	ListOverlapping(ctx context.Context, db *gorm.DB, networkID snowflake.ID, start, end time.Time) ([]Membership, error)
	// ListUnsynced returns memberships whose billing registration lags, oldest first.
	ListUnsynced(ctx context.Context, db *gorm.DB, limit int) ([]Membership, error)
	// MarkSynced flags the membership synced only if it is still unsynced and
	// still in the active/ended state the caller reconciled against.
	MarkSynced(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) (bool, error)
	// DeferUnsynced moves an unsynced membership to the back of ListUnsynced.
	DeferUnsynced(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// HasActiveMembership reports whether username is a member of any network.
	HasActiveMembership(ctx context.Context, db *gorm.DB, username string) (bool, error)
}
