package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	activityrepo "github.com/smallbiznis/netbill/internal/activity/repository"
	activityservice "github.com/smallbiznis/netbill/internal/activity/service"
	"github.com/smallbiznis/netbill/internal/clock"
	"github.com/smallbiznis/netbill/internal/config"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	customerservice "github.com/smallbiznis/netbill/internal/customer/service"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	networkrepo "github.com/smallbiznis/netbill/internal/network/repository"
	networkservice "github.com/smallbiznis/netbill/internal/network/service"
	"github.com/smallbiznis/netbill/internal/saga"
	subscriptiondomain "github.com/smallbiznis/netbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	"github.com/smallbiznis/netbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMessage struct {
	subject string
	data    []byte
	settled []string
}

func (m *fakeMessage) Subject() string { return m.subject }
func (m *fakeMessage) Data() []byte    { return m.data }
func (m *fakeMessage) Ack() error      { m.settled = append(m.settled, "ack"); return nil }
func (m *fakeMessage) Nak() error      { m.settled = append(m.settled, "nak"); return nil }
func (m *fakeMessage) Term() error     { m.settled = append(m.settled, "term"); return nil }

func message(subject, body string) *fakeMessage {
	return &fakeMessage{subject: subject, data: []byte(body)}
}

type fakeNetworks struct {
	networkdomain.Service
	err   error
	calls []string
}

func (f *fakeNetworks) Join(_ context.Context, req networkdomain.MembershipRequest) (networkdomain.Membership, error) {
	f.calls = append(f.calls, "join:"+req.Username)
	return networkdomain.Membership{}, f.err
}

func (f *fakeNetworks) Suspend(_ context.Context, id snowflake.ID, suspend bool) (networkdomain.Network, error) {
	f.calls = append(f.calls, fmt.Sprintf("suspend:%s:%t", id, suspend))
	return networkdomain.Network{}, f.err
}

type fakeSubscriptions struct {
	subscriptiondomain.Service
	created []snowflake.ID
}

func (f *fakeSubscriptions) Create(_ context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	f.created = append(f.created, req.CustomerID)
	return subscriptiondomain.Subscription{}, nil
}

type fakeUsage struct {
	usagedomain.Service
	requests []usagedomain.ComputeRequest
}

func (f *fakeUsage) ComputeReport(_ context.Context, req usagedomain.ComputeRequest) (usagedomain.Report, error) {
	f.requests = append(f.requests, req)
	return usagedomain.Report{}, nil
}

type fakeActivity struct {
	activitydomain.Service
	err error
}

func (f *fakeActivity) Record(context.Context, activitydomain.RecordRequest) (bool, error) {
	return true, f.err
}

func newDispatcher(networks networkdomain.Service) (*Dispatcher, *fakeSubscriptions, *fakeUsage, *fakeActivity) {
	subs := &fakeSubscriptions{}
	usage := &fakeUsage{}
	activity := &fakeActivity{}
	d := New(Params{
		Log:           zap.NewNop(),
		Config:        config.Config{Dispatcher: config.DispatcherConfig{RunTimeout: time.Second}},
		Networks:      networks,
		Subscriptions: subs,
		Activity:      activity,
		Usage:         usage,
	})
	return d, subs, usage, activity
}

func TestHandleAcksOnSuccess(t *testing.T) {
	networks := &fakeNetworks{}
	d, subs, usage, _ := newDispatcher(networks)
	ctx := context.Background()

	msg := message(DestinationJoin, `{"network_id":"7","username":"bob"}`)
	assert.Equal(t, OutcomeAck, d.Handle(ctx, msg))
	assert.Equal(t, []string{"ack"}, msg.settled)
	assert.Equal(t, []string{"join:bob"}, networks.calls)

	msg = message(DestinationSuspend, `{"network_id":"7","suspend":true}`)
	assert.Equal(t, OutcomeAck, d.Handle(ctx, msg))
	assert.Equal(t, "suspend:7:true", networks.calls[1])

	msg = message(DestinationCreateSubscription, `{"customer_id":"9","card_token":"tok_visa"}`)
	assert.Equal(t, OutcomeAck, d.Handle(ctx, msg))
	assert.Equal(t, []snowflake.ID{9}, subs.created)

	msg = message(DestinationComputeUsage, `{"network_id":"7","period_start":"2024-01-01T00:00:00Z","period_end":"2024-02-01T00:00:00Z"}`)
	assert.Equal(t, OutcomeAck, d.Handle(ctx, msg))
	require.Len(t, usage.requests, 1)
	assert.Equal(t, snowflake.ID(7), usage.requests[0].NetworkID)
}

func TestHandleTerminatesBadMessages(t *testing.T) {
	networks := &fakeNetworks{}
	d, _, _, _ := newDispatcher(networks)

	for _, msg := range []*fakeMessage{
		message("network.rename", `{}`),
		message(DestinationJoin, `not json`),
		message(DestinationJoin, `{"network_id":"7"}`),
	} {
		assert.Equal(t, OutcomeTerm, d.Handle(context.Background(), msg), msg.subject)
		assert.Equal(t, []string{"term"}, msg.settled)
	}
	assert.Empty(t, networks.calls)
}

func TestHandleClassifiesErrors(t *testing.T) {
	cases := map[string]struct {
		err     error
		outcome Outcome
		settle  string
	}{
		"precondition": {networkdomain.ErrAlreadyJoined, OutcomeDuplicate, "ack"},
		"wrapped":      {fmt.Errorf("join: %w", networkdomain.ErrNotJoined), OutcomeDuplicate, "ack"},
		"validation":   {networkdomain.ErrInvalidUsername, OutcomeTerm, "term"},
		"transient":    {errors.New("connection reset"), OutcomeRetry, "nak"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d, _, _, _ := newDispatcher(&fakeNetworks{err: tc.err})
			msg := message(DestinationJoin, `{"network_id":"7","username":"bob"}`)
			assert.Equal(t, tc.outcome, d.Handle(context.Background(), msg))
			assert.Equal(t, []string{tc.settle}, msg.settled)
		})
	}
}

func TestHandleActivityErrors(t *testing.T) {
	d, _, _, activity := newDispatcher(&fakeNetworks{})
	activity.err = activitydomain.ErrInvalidTimestamp

	msg := message(DestinationRecordActivity, `{"network_id":"7","username":"bob","type":"JOIN","occurred_at":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, OutcomeTerm, d.Handle(context.Background(), msg))
}

type countingBilling struct {
	mu       sync.Mutex
	register int
}

func (b *countingBilling) RegisterUser(context.Context, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.register++
	return nil
}
func (b *countingBilling) DeregisterUser(context.Context, string) error        { return nil }
func (b *countingBilling) SuspendReseller(context.Context, string, bool) error { return nil }
func (b *countingBilling) DeleteReseller(context.Context, string) error        { return nil }

type quietSignaling struct{}

func (quietSignaling) NotifyUser(context.Context, string, string, map[string]any) error { return nil }
func (quietSignaling) Broadcast(context.Context, string, string, map[string]any) error  { return nil }
func (quietSignaling) RemoveResource(context.Context, string) error                     { return nil }
func (quietSignaling) RemoveUserFromResource(context.Context, string, string) error     { return nil }

func TestRedeliveredJoinIsNoop(t *testing.T) {
	db := dbtest.Open(t, &customerdomain.Customer{}, &networkdomain.Network{}, &networkdomain.Membership{}, &activitydomain.Event{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	ctx := context.Background()

	customers := customerservice.New(customerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	billing := &countingBilling{}
	networks := networkservice.New(networkservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Saga:      saga.New(saga.Params{Log: log, Clock: clk}),
		Repo:      networkrepo.Provide(),
		Customers: customers,
		Billing:   billing,
		Signaling: quietSignaling{},
		Activity: activityservice.New(activityservice.Params{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: activityrepo.Provide(),
		}),
	})

	customer, err := customers.Create(ctx, customerdomain.CreateCustomerRequest{Name: "Acme", Email: "ops@acme.test"})
	require.NoError(t, err)
	network, err := networks.CreateNetwork(ctx, networkdomain.CreateNetworkRequest{CustomerID: customer.ID, Name: "floor"})
	require.NoError(t, err)

	d, _, _, _ := newDispatcher(networks)
	body := fmt.Sprintf(`{"network_id":"%s","username":"bob"}`, network.ID)

	first := message(DestinationJoin, body)
	assert.Equal(t, OutcomeAck, d.Handle(ctx, first))
	second := message(DestinationJoin, body)
	assert.Equal(t, OutcomeDuplicate, d.Handle(ctx, second))
	assert.Equal(t, []string{"ack"}, second.settled)

	var rows int64
	require.NoError(t, db.Model(&networkdomain.Membership{}).Where("network_id = ?", network.ID).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
	assert.Equal(t, 1, billing.register)
}
