package service

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
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	customerservice "github.com/smallbiznis/netbill/internal/customer/service"
	"github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/network/repository"
	"github.com/smallbiznis/netbill/internal/saga"
	"github.com/smallbiznis/netbill/pkg/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errBoom = errors.New("boom")

// recorder counts calls by key and fails the ones registered in fail.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, fail: map[string]error{}}
}

func (r *recorder) hit(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key]++
	return r.fail[key]
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func (r *recorder) failOn(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[key] = err
}

type fakeBilling struct{ *recorder }

func (f fakeBilling) RegisterUser(_ context.Context, key, username string) error {
	return f.hit("register")
}

func (f fakeBilling) DeregisterUser(_ context.Context, username string) error {
	return f.hit("deregister")
}

func (f fakeBilling) SuspendReseller(_ context.Context, key string, suspend bool) error {
	return f.hit(fmt.Sprintf("suspend:%t", suspend))
}

func (f fakeBilling) DeleteReseller(_ context.Context, key string) error {
	return f.hit("delete")
}

type fakeSignaling struct{ *recorder }

func (f fakeSignaling) NotifyUser(_ context.Context, username, command string, _ map[string]any) error {
	return f.hit("notify:" + command)
}

func (f fakeSignaling) Broadcast(_ context.Context, resourceID, command string, _ map[string]any) error {
	return f.hit("broadcast:" + command)
}

func (f fakeSignaling) RemoveResource(_ context.Context, resourceID string) error {
	return f.hit("remove_resource")
}

func (f fakeSignaling) RemoveUserFromResource(_ context.Context, resourceID, username string) error {
	return f.hit("remove_user")
}

type published struct {
	subject string
	msgID   string
	payload domain.MemberNotification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakeNotifier) Publish(_ context.Context, subject string, v any, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{subject: subject, msgID: msgID, payload: v.(domain.MemberNotification)})
	return nil
}

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	svc       domain.Service
	billing   fakeBilling
	signaling fakeSignaling
	notifier  *fakeNotifier
	activity  activitydomain.Service
	customers customerdomain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&customerdomain.Customer{},
		&domain.Network{},
		&domain.Membership{},
		&activitydomain.Event{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	f := &fixture{
		db:        db,
		clock:     clk,
		billing:   fakeBilling{newRecorder()},
		signaling: fakeSignaling{newRecorder()},
		notifier:  &fakeNotifier{},
	}
	f.customers = customerservice.New(customerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	f.activity = activityservice.New(activityservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: activityrepo.Provide(),
	})
	f.svc = New(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Saga:      saga.New(saga.Params{Log: log, Clock: clk}),
		Repo:      repository.Provide(),
		Customers: f.customers,
		Billing:   f.billing,
		Signaling: f.signaling,
		Activity:  f.activity,
		Notifier:  f.notifier,
	})
	return f
}

func (f *fixture) network(t *testing.T) domain.Network {
	t.Helper()
	ctx := context.Background()
	customer, err := f.customers.Create(ctx, customerdomain.CreateCustomerRequest{Name: "Acme", Email: "ops@acme.test"})
	require.NoError(t, err)
	network, err := f.svc.CreateNetwork(ctx, domain.CreateNetworkRequest{CustomerID: customer.ID, Name: "Sales floor"})
	require.NoError(t, err)
	return network
}

func (f *fixture) activeMembership(t *testing.T, networkID snowflake.ID, username string) *domain.Membership {
	t.Helper()
	m, err := repository.Provide().FindActiveMembership(context.Background(), f.db, networkID, username)
	require.NoError(t, err)
	return m
}

func (f *fixture) events(t *testing.T, networkID snowflake.ID) []activitydomain.Event {
	t.Helper()
	events, err := f.activity.ListForPeriod(context.Background(), networkID,
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return events
}
