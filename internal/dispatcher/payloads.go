package dispatcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
)

// Destinations consumed by the dispatcher. The subject alone decides the
// payload type.
const (
	DestinationJoin               = "network.join"
	DestinationLeave              = "network.leave"
	DestinationKick               = "network.kick"
	DestinationSuspend            = "network.suspend"
	DestinationDelete             = "network.delete"
	DestinationCreateSubscription = "subscription.create"
	DestinationCancelSubscription = "subscription.cancel"
	DestinationRecordActivity     = "activity.record"
	DestinationComputeUsage       = "usage.compute"
)

// Destinations lists every subject the dispatcher consumes.
func Destinations() []string {
	return []string{
		DestinationJoin,
		DestinationLeave,
		DestinationKick,
		DestinationSuspend,
		DestinationDelete,
		DestinationCreateSubscription,
		DestinationCancelSubscription,
		DestinationRecordActivity,
		DestinationComputeUsage,
	}
}

var (
	ErrUnknownDestination = errors.New("unknown_destination")
	ErrInvalidPayload     = errors.New("invalid_payload")
)

// Command is a decoded, validated message.
type Command interface {
	Destination() string
	validate() error
}

type JoinCommand struct {
	NetworkID snowflake.ID `json:"network_id"`
	Username  string       `json:"username"`
}

type LeaveCommand struct {
	NetworkID snowflake.ID `json:"network_id"`
	Username  string       `json:"username"`
}

type KickCommand struct {
	NetworkID snowflake.ID `json:"network_id"`
	Username  string       `json:"username"`
	KickedBy  string       `json:"kicked_by"`
}

type SuspendCommand struct {
	NetworkID snowflake.ID `json:"network_id"`
	Suspend   *bool        `json:"suspend"`
}

type DeleteCommand struct {
	NetworkID snowflake.ID `json:"network_id"`
}

type CreateSubscriptionCommand struct {
	CustomerID snowflake.ID `json:"customer_id"`
	CardToken  string       `json:"card_token"`
}

type CancelSubscriptionCommand struct {
	CustomerID snowflake.ID `json:"customer_id"`
}

type RecordActivityCommand struct {
	NetworkID  snowflake.ID             `json:"network_id"`
	Username   string                   `json:"username"`
	Type       activitydomain.EventType `json:"type"`
	OccurredAt time.Time                `json:"occurred_at"`
}

type ComputeUsageCommand struct {
	NetworkID   snowflake.ID `json:"network_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
}

func (JoinCommand) Destination() string               { return DestinationJoin }
func (LeaveCommand) Destination() string              { return DestinationLeave }
func (KickCommand) Destination() string               { return DestinationKick }
func (SuspendCommand) Destination() string            { return DestinationSuspend }
func (DeleteCommand) Destination() string             { return DestinationDelete }
func (CreateSubscriptionCommand) Destination() string { return DestinationCreateSubscription }
func (CancelSubscriptionCommand) Destination() string { return DestinationCancelSubscription }
func (RecordActivityCommand) Destination() string     { return DestinationRecordActivity }
func (ComputeUsageCommand) Destination() string       { return DestinationComputeUsage }

func (c JoinCommand) validate() error  { return membership(c.NetworkID, c.Username) }
func (c LeaveCommand) validate() error { return membership(c.NetworkID, c.Username) }

func (c KickCommand) validate() error {
	if err := membership(c.NetworkID, c.Username); err != nil {
		return err
	}
	return required("kicked_by", c.KickedBy)
}

func (c SuspendCommand) validate() error {
	if c.NetworkID == 0 {
		return missing("network_id")
	}
	if c.Suspend == nil {
		return missing("suspend")
	}
	return nil
}

func (c DeleteCommand) validate() error {
	if c.NetworkID == 0 {
		return missing("network_id")
	}
	return nil
}

func (c CreateSubscriptionCommand) validate() error {
	if c.CustomerID == 0 {
		return missing("customer_id")
	}
	return required("card_token", c.CardToken)
}

func (c CancelSubscriptionCommand) validate() error {
	if c.CustomerID == 0 {
		return missing("customer_id")
	}
	return nil
}

func (c RecordActivityCommand) validate() error {
	if err := membership(c.NetworkID, c.Username); err != nil {
		return err
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidPayload, c.Type)
	}
	if c.OccurredAt.IsZero() {
		return missing("occurred_at")
	}
	return nil
}

func (c ComputeUsageCommand) validate() error {
	if c.NetworkID == 0 {
		return missing("network_id")
	}
	if c.PeriodStart.IsZero() || !c.PeriodEnd.After(c.PeriodStart) {
		return fmt.Errorf("%w: period", ErrInvalidPayload)
	}
	return nil
}

// Decode resolves subject to its payload type and validates data against it.
// Unknown fields are rejected.
func Decode(subject string, data []byte) (Command, error) {
	var cmd Command
	switch subject {
	case DestinationJoin:
		cmd = &JoinCommand{}
	case DestinationLeave:
		cmd = &LeaveCommand{}
	case DestinationKick:
		cmd = &KickCommand{}
	case DestinationSuspend:
		cmd = &SuspendCommand{}
	case DestinationDelete:
		cmd = &DeleteCommand{}
	case DestinationCreateSubscription:
		cmd = &CreateSubscriptionCommand{}
	case DestinationCancelSubscription:
		cmd = &CancelSubscriptionCommand{}
	case DestinationRecordActivity:
		cmd = &RecordActivityCommand{}
	case DestinationComputeUsage:
		cmd = &ComputeUsageCommand{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, subject)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func membership(networkID snowflake.ID, username string) error {
	if networkID == 0 {
		return missing("network_id")
	}
	return required("username", username)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return missing(field)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
}
