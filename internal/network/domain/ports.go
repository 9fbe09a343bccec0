package domain

import (
	"context"

	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
)

// BillingLedger is the telephony billing system. Calls are keyed by reseller
// key and username so repeating one is harmless.
type BillingLedger interface {
	RegisterUser(ctx context.Context, resellerKey, username string) error
	DeregisterUser(ctx context.Context, username string) error
	SuspendReseller(ctx context.Context, resellerKey string, suspend bool) error
	DeleteReseller(ctx context.Context, resellerKey string) error
}

type Signaling interface {
	NotifyUser(ctx context.Context, username, command string, params map[string]any) error
	Broadcast(ctx context.Context, resourceID, command string, params map[string]any) error
	RemoveResource(ctx context.Context, resourceID string) error
	RemoveUserFromResource(ctx context.Context, resourceID, username string) error
}

type ActivityRecorder interface {
	Record(ctx context.Context, req activitydomain.RecordRequest) (bool, error)
}

// Notifier publishes domain notifications. msgID deduplicates republishing.
type Notifier interface {
	Publish(ctx context.Context, subject string, v any, msgID string) error
}

const (
	SubjectMemberLeft   = "network.member.left"
	SubjectMemberKicked = "network.member.kicked"
)

// MemberNotification is the payload of SubjectMemberLeft and SubjectMemberKicked.
type MemberNotification struct {
	MembershipID string `json:"membership_id"`
	NetworkID    string `json:"network_id"`
	Username     string `json:"username"`
	KickedBy     string `json:"kicked_by,omitempty"`
	LeftAt       string `json:"left_at"`
}

// Signaling commands sent to users and networks.
const (
	CommandNetworkJoined    = "network_joined"
	CommandNetworkSuspended = "network_suspended"
	CommandNetworkResumed   = "network_resumed"
)
