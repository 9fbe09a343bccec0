package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/saga"
	"github.com/smallbiznis/netbill/pkg/db/pagination"
)

type CreateNetworkRequest struct {
	CustomerID snowflake.ID `json:"customer_id"`
	Name       string       `json:"name"`
	Trial      bool         `json:"trial"`
}

type MembershipRequest struct {
	NetworkID snowflake.ID `json:"network_id"`
	Username  string       `json:"username"`
	// KickedBy is the actor removing the user. Empty for a voluntary leave.
	KickedBy string `json:"kicked_by,omitempty"`
}

type ListMembersRequest struct {
	NetworkID  snowflake.ID
	PageToken  string
	PageSize   int
	ActiveOnly bool
}

type ListMembersResponse struct {
	pagination.PageInfo
	Members []Membership `json:"members"`
}

type Service interface {
	CreateNetwork(context.Context, CreateNetworkRequest) (Network, error)
	GetNetwork(context.Context, snowflake.ID) (Network, error)
	Join(context.Context, MembershipRequest) (Membership, error)
	Leave(context.Context, MembershipRequest) (Membership, error)
	Kick(context.Context, MembershipRequest) (Membership, error)
	Suspend(ctx context.Context, networkID snowflake.ID, suspend bool) (Network, error)
	Delete(ctx context.Context, networkID snowflake.ID) (Network, error)
	ListMembers(context.Context, ListMembersRequest) (ListMembersResponse, error)
	// MembershipsOverlapping returns memberships of networkID active at any
	// point of [start, end).
	MembershipsOverlapping(ctx context.Context, networkID snowflake.ID, start, end time.Time) ([]Membership, error)
}

var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidUsername = errors.New("invalid_username")
	ErrInvalidActor    = errors.New("invalid_actor")

	ErrNetworkNotFound   = saga.Precondition("network_not_found")
	ErrNetworkDeleted    = saga.Precondition("network_deleted")
	ErrNetworkSuspended  = saga.Precondition("network_suspended")
	ErrAlreadyJoined     = saga.Precondition("already_joined")
	ErrNotJoined         = saga.Precondition("not_joined")
	ErrInvalidTransition = saga.Precondition("invalid_transition")
)
