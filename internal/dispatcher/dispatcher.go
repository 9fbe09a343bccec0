// Package dispatcher consumes at-least-once delivered commands and runs the
// saga or accounting function each one names.
package dispatcher

import (
	"context"
	"errors"
	"time"

	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/config"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/smallbiznis/netbill/internal/observability/logger"
	"github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/smallbiznis/netbill/internal/saga"
	subscriptiondomain "github.com/smallbiznis/netbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Message is the part of a delivered message the dispatcher needs.
// jetstream.Msg satisfies it.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

type Outcome string

const (
	// OutcomeAck: processed.
	OutcomeAck Outcome = "ack"
	// OutcomeDuplicate: a precondition failed, typically because an earlier
	// delivery already did the work. Acknowledged.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRetry: transient failure, redelivered.
	OutcomeRetry Outcome = "retry"
	// OutcomeTerm: the message can never succeed and is dropped.
	OutcomeTerm Outcome = "term"
)

// terminal errors are returned by service-side validation and will not change
// on redelivery.
var terminal = []error{
	ErrUnknownDestination,
	ErrInvalidPayload,
	customerdomain.ErrNotFound,
	networkdomain.ErrInvalidUsername,
	networkdomain.ErrInvalidActor,
	activitydomain.ErrInvalidNetwork,
	activitydomain.ErrInvalidUsername,
	activitydomain.ErrInvalidEventType,
	activitydomain.ErrInvalidTimestamp,
	subscriptiondomain.ErrInvalidCardToken,
	usagedomain.ErrInvalidPeriod,
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Config        config.Config
	Networks      networkdomain.Service
	Subscriptions subscriptiondomain.Service
	Activity      activitydomain.Service
	Usage         usagedomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	log           *zap.Logger
	runTimeout    time.Duration
	networks      networkdomain.Service
	subscriptions subscriptiondomain.Service
	activity      activitydomain.Service
	usage         usagedomain.Service
	metrics       *metrics.Metrics
}

func New(p Params) *Dispatcher {
	timeout := p.Config.Dispatcher.RunTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Dispatcher{
		log:           p.Log.Named("dispatcher"),
		runTimeout:    timeout,
		networks:      p.Networks,
		subscriptions: p.Subscriptions,
		activity:      p.Activity,
		usage:         p.Usage,
		metrics:       p.Metrics,
	}
}

// Handle processes one message and settles it. The message is acknowledged
// only once its saga reached a terminal state.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) Outcome {
	start := time.Now()
	subject := msg.Subject()
	log := logger.WithContext(ctx, d.log).With(zap.String("destination", subject))

	outcome := d.process(ctx, log, msg)

	var err error
	switch outcome {
	case OutcomeAck, OutcomeDuplicate:
		err = msg.Ack()
	case OutcomeRetry:
		err = msg.Nak()
	case OutcomeTerm:
		err = msg.Term()
	}
	if err != nil {
		log.Error("settle message failed", zap.String("outcome", string(outcome)), zap.Error(err))
	}

	d.metrics.RecordDispatch(ctx, subject, string(outcome), time.Since(start))
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, log *zap.Logger, msg Message) Outcome {
	cmd, err := Decode(msg.Subject(), msg.Data())
	if err != nil {
		log.Warn("dropping undecodable message", zap.Error(err))
		return OutcomeTerm
	}

	ctx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()

	err = d.dispatch(ctx, cmd)
	switch {
	case err == nil:
		log.Debug("message processed")
		return OutcomeAck
	case errors.Is(err, saga.ErrPrecondition):
		code, _ := saga.PreconditionCode(err)
		log.Info("precondition not met, acknowledging", zap.String("code", code))
		return OutcomeDuplicate
	case isTerminal(err):
		log.Warn("dropping message rejected by service", zap.Error(err))
		return OutcomeTerm
	default:
		log.Error("message failed, requesting redelivery", zap.Error(err))
		return OutcomeRetry
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case *JoinCommand:
		_, err := d.networks.Join(ctx, networkdomain.MembershipRequest{NetworkID: c.NetworkID, Username: c.Username})
		return err
	case *LeaveCommand:
		_, err := d.networks.Leave(ctx, networkdomain.MembershipRequest{NetworkID: c.NetworkID, Username: c.Username})
		return err
	case *KickCommand:
		_, err := d.networks.Kick(ctx, networkdomain.MembershipRequest{NetworkID: c.NetworkID, Username: c.Username, KickedBy: c.KickedBy})
		return err
	case *SuspendCommand:
		_, err := d.networks.Suspend(ctx, c.NetworkID, *c.Suspend)
		return err
	case *DeleteCommand:
		_, err := d.networks.Delete(ctx, c.NetworkID)
		return err
	case *CreateSubscriptionCommand:
		_, err := d.subscriptions.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{CustomerID: c.CustomerID, CardToken: c.CardToken})
		return err
	case *CancelSubscriptionCommand:
		_, err := d.subscriptions.Cancel(ctx, c.CustomerID)
		return err
	case *RecordActivityCommand:
		_, err := d.activity.Record(ctx, activitydomain.RecordRequest{
			NetworkID:  c.NetworkID,
			Username:   c.Username,
			Type:       c.Type,
			OccurredAt: c.OccurredAt,
		})
		return err
	case *ComputeUsageCommand:
		_, err := d.usage.ComputeReport(ctx, usagedomain.ComputeRequest{
			NetworkID:   c.NetworkID,
			PeriodStart: c.PeriodStart,
			PeriodEnd:   c.PeriodEnd,
		})
		return err
	default:
		return ErrUnknownDestination
	}
}

func isTerminal(err error) bool {
	for _, target := range terminal {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// withMessageID tags ctx with the broker message id for log correlation.
func withMessageID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return obscontext.WithMessageID(ctx, id)
}
