package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/netbill/internal/activity"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/clock"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/customer"
	"github.com/smallbiznis/netbill/internal/migration"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	networkrepo "github.com/smallbiznis/netbill/internal/network/repository"
	networkservice "github.com/smallbiznis/netbill/internal/network/service"
	"github.com/smallbiznis/netbill/internal/providers/payment"
	"github.com/smallbiznis/netbill/internal/reconcile"
	"github.com/smallbiznis/netbill/internal/saga"
	"github.com/smallbiznis/netbill/internal/scheduler"
	"github.com/smallbiznis/netbill/internal/server"
	subscriptiondomain "github.com/smallbiznis/netbill/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/netbill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/netbill/internal/subscription/service"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	usagerepo "github.com/smallbiznis/netbill/internal/usage/repository"
	usageservice "github.com/smallbiznis/netbill/internal/usage/service"
	"github.com/smallbiznis/netbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// externals stands in for the telephony ledger, the signaling server and the
// payment processor.
type externals struct {
	mu           sync.Mutex
	failRegister map[string]bool
	registered   []string
	deregistered []string
	notified     []string
	removed      []string
	reports      []reportCall
}

type reportCall struct {
	ItemRef  string
	Quantity int64
	At       time.Time
	Key      string
}

func (e *externals) RegisterUser(_ context.Context, _, username string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failRegister[username] {
		return fmt.Errorf("ledger unavailable")
	}
	e.registered = append(e.registered, username)
	return nil
}

func (e *externals) DeregisterUser(_ context.Context, username string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deregistered = append(e.deregistered, username)
	return nil
}

func (e *externals) SuspendReseller(context.Context, string, bool) error { return nil }
func (e *externals) DeleteReseller(context.Context, string) error        { return nil }

func (e *externals) NotifyUser(_ context.Context, username, command string, _ map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notified = append(e.notified, username+":"+command)
	return nil
}

func (e *externals) Broadcast(context.Context, string, string, map[string]any) error { return nil }
func (e *externals) RemoveResource(context.Context, string) error                    { return nil }

func (e *externals) RemoveUserFromResource(_ context.Context, _, username string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, username)
	return nil
}

func (e *externals) CreateCustomer(_ context.Context, in payment.CustomerInput, _ string) (string, error) {
	return "cus_" + in.CustomerID, nil
}
func (e *externals) DeleteCustomer(context.Context, string) error { return nil }
func (e *externals) CreateCard(context.Context, string, string, string) (string, error) {
	return "card_1", nil
}
func (e *externals) DeleteCard(context.Context, string, string) error { return nil }
func (e *externals) CreateProduct(context.Context, string, string, string) (string, error) {
	return "prod_1", nil
}
func (e *externals) ArchiveProduct(context.Context, string) error { return nil }
func (e *externals) CreatePrice(context.Context, string, config.PricingTable, string) (string, error) {
	return "price_1", nil
}
func (e *externals) DeactivatePrice(context.Context, string) error { return nil }
func (e *externals) CreateSubscription(context.Context, string, string, string) (payment.SubscriptionRef, error) {
	return payment.SubscriptionRef{ID: "sub_1", ItemID: "si_1"}, nil
}
func (e *externals) CancelSubscription(context.Context, string) error { return nil }

func (e *externals) ReportUsage(_ context.Context, itemRef string, quantity int64, ts time.Time, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, reportCall{ItemRef: itemRef, Quantity: quantity, At: ts, Key: key})
	return nil
}

func (e *externals) snapshot() externals {
	e.mu.Lock()
	defer e.mu.Unlock()
	return externals{
		registered:   append([]string(nil), e.registered...),
		deregistered: append([]string(nil), e.deregistered...),
		notified:     append([]string(nil), e.notified...),
		removed:      append([]string(nil), e.removed...),
		reports:      append([]reportCall(nil), e.reports...),
	}
}

type testEnv struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	ext       *externals
	baseURL   string
	reconcile *reconcile.Worker
	scheduler *scheduler.Scheduler
}

// startEnv wires the real services, repositories and HTTP server on SQLite
// with every external system faked.
func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn := dbtest.Open(t)
	require.NoError(t, migration.Migrate(conn))

	env := &testEnv{
		db:    conn,
		clock: clock.NewFakeClock(periodStart),
		ext:   &externals{failRegister: map[string]bool{}},
	}

	var srv *server.Server
	app := fx.New(
		fx.NopLogger,
		fx.Supply(zap.NewNop(), conn),
		fx.Supply(config.NewStaticPricingHolder(config.DefaultPricingTable())),
		fx.Provide(
			func() clock.Clock { return env.clock },
			func() (*snowflake.Node, error) { return snowflake.NewNode(1) },
			func() networkdomain.BillingLedger { return env.ext },
			func() networkdomain.Signaling { return env.ext },
			func() subscriptiondomain.PaymentProcessor { return env.ext },
			func() usagedomain.UsageReporter { return env.ext },
			func(s activitydomain.Service) networkdomain.ActivityRecorder { return s },
			func(s subscriptiondomain.Service) usagedomain.SubscriptionItems { return s },
			func() *gin.Engine {
				r := gin.New()
				r.Use(server.ErrorHandlingMiddleware())
				return r
			},
		),
		fx.Provide(saga.New),
		customer.Module,
		activity.Module,
		fx.Provide(networkrepo.Provide, networkservice.New),
		fx.Provide(subscriptionrepo.Provide, subscriptionservice.New),
		fx.Provide(usagerepo.Provide, usageservice.New),
		fx.Provide(reconcile.NewWorker, scheduler.New),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &env.reconcile, &env.scheduler),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))

	httpSrv := httptest.NewServer(srv.Engine())
	env.baseURL = httpSrv.URL
	t.Cleanup(func() {
		httpSrv.Close()
		_ = app.Stop(context.Background())
	})
	return env
}

func (e *testEnv) doJSON(t *testing.T, method, path string, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.baseURL+path, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeData[T any](t *testing.T, body []byte) T {
	t.Helper()
	var payload struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &payload), string(body))
	return payload.Data
}

type errorBody struct {
	Error struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

func (e *testEnv) createNetwork(t *testing.T) (customerID, networkID string) {
	t.Helper()

	status, body := e.doJSON(t, http.MethodPost, "/admin/v1/customers", map[string]any{
		"name":  "Acme",
		"email": "ops@acme.test",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	cust := decodeData[struct {
		ID string `json:"id"`
	}](t, body)

	status, body = e.doJSON(t, http.MethodPost, "/admin/v1/networks", map[string]any{
		"customer_id": cust.ID,
		"name":        "acme-office",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	nw := decodeData[struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}](t, body)
	require.Equal(t, string(networkdomain.StatusActive), nw.Status)
	return cust.ID, nw.ID
}

func TestE2E_HealthCheck(t *testing.T) {
	env := startEnv(t)

	status, body := env.doJSON(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status, string(body))
}

// A month of membership churn ends in one usage report pushed to the
// payment processor by the period-close job.
func TestE2E_MonthlyUsageIsReported(t *testing.T) {
	env := startEnv(t)
	customerID, networkID := env.createNetwork(t)

	status, body := env.doJSON(t, http.MethodPost, "/admin/v1/customers/"+customerID+"/subscription", map[string]any{
		"card_token": "tok_visa",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	members := "/admin/v1/networks/" + networkID + "/members"
	for _, name := range []string{"alice", "bob"} {
		status, body = env.doJSON(t, http.MethodPost, members, map[string]any{"username": name})
		require.Equal(t, http.StatusCreated, status, string(body))
	}

	status, body = env.doJSON(t, http.MethodPost, members, map[string]any{"username": "alice"})
	require.Equal(t, http.StatusConflict, status)
	var conflict errorBody
	require.NoError(t, json.Unmarshal(body, &conflict))
	assert.Equal(t, "already_joined", conflict.Error.Code)

	env.clock.Advance(10 * 24 * time.Hour)
	status, body = env.doJSON(t, http.MethodPost, members+"/alice/leave", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	// bob drops off for five days without leaving the network
	activityPath := "/admin/v1/networks/" + networkID + "/activity"
	status, _ = env.doJSON(t, http.MethodPost, activityPath, map[string]any{
		"username": "bob", "type": "leave", "occurred_at": "2026-03-21T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.doJSON(t, http.MethodPost, activityPath, map[string]any{
		"username": "bob", "type": "join", "occurred_at": "2026-03-26T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.doJSON(t, http.MethodPost, activityPath, map[string]any{
		"username": "bob", "type": "join", "occurred_at": "2026-03-26T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, status, "replayed event")

	status, body = env.doJSON(t, http.MethodGet, members+"?active_only=true", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	active := decodeData[struct {
		Members []struct {
			Username string `json:"username"`
		} `json:"members"`
	}](t, body)
	require.Len(t, active.Members, 1)
	assert.Equal(t, "bob", active.Members[0].Username)

	usagePath := "/admin/v1/networks/" + networkID + "/usage?start=2026-03-01&end=2026-04-01"
	status, _ = env.doJSON(t, http.MethodGet, usagePath, nil)
	require.Equal(t, http.StatusNotFound, status)

	env.clock.Advance(22 * 24 * time.Hour)
	require.NoError(t, env.scheduler.RunOnce(context.Background()))

	status, body = env.doJSON(t, http.MethodGet, usagePath, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	report := decodeData[struct {
		ID            string     `json:"id"`
		BillableUnits int64      `json:"billable_units"`
		ReportedAt    *time.Time `json:"reported_at"`
		Breakdown     []struct {
			Username   string `json:"username"`
			ActiveDays int64  `json:"active_days"`
			UnusedDays int64  `json:"unused_days"`
		} `json:"breakdown"`
	}](t, body)

	// alice: 10 days, bob: 31 days less the 5 he was away
	assert.EqualValues(t, 36, report.BillableUnits)
	require.NotNil(t, report.ReportedAt)
	require.Len(t, report.Breakdown, 2)
	assert.Equal(t, "alice", report.Breakdown[0].Username)
	assert.EqualValues(t, 10, report.Breakdown[0].ActiveDays)
	assert.EqualValues(t, 21, report.Breakdown[0].UnusedDays)
	assert.EqualValues(t, 26, report.Breakdown[1].ActiveDays)
	assert.EqualValues(t, 5, report.Breakdown[1].UnusedDays)

	calls := env.ext.snapshot()
	require.Len(t, calls.reports, 1)
	assert.Equal(t, "si_1", calls.reports[0].ItemRef)
	assert.EqualValues(t, 36, calls.reports[0].Quantity)
	assert.Equal(t, time.Date(2026, time.March, 31, 23, 59, 59, 0, time.UTC), calls.reports[0].At.UTC())
	assert.ElementsMatch(t, []string{"alice", "bob"}, calls.registered)
	assert.Equal(t, []string{"alice"}, calls.deregistered)
	assert.Equal(t, []string{"alice"}, calls.removed)

	// a second close finds nothing left to do
	require.NoError(t, env.scheduler.RunOnce(context.Background()))
	assert.Len(t, env.ext.snapshot().reports, 1)

	// recomputing on demand keeps the stored report
	status, body = env.doJSON(t, http.MethodPost, "/admin/v1/networks/"+networkID+"/usage", map[string]any{
		"start": "2026-03-01", "end": "2026-04-01",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	again := decodeData[struct {
		ID            string `json:"id"`
		BillableUnits int64  `json:"billable_units"`
	}](t, body)
	assert.Equal(t, report.ID, again.ID)
	assert.EqualValues(t, 36, again.BillableUnits)
}

// A ledger outage during join leaves the membership unsynced until the
// reconcile worker catches up.
func TestE2E_ReconcileCatchesUpAfterLedgerOutage(t *testing.T) {
	env := startEnv(t)
	_, networkID := env.createNetwork(t)

	env.ext.mu.Lock()
	env.ext.failRegister["carol"] = true
	env.ext.mu.Unlock()

	status, body := env.doJSON(t, http.MethodPost, "/admin/v1/networks/"+networkID+"/members", map[string]any{
		"username": "carol",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	m := decodeData[struct {
		BillingSynced bool `json:"billing_synced"`
	}](t, body)
	assert.False(t, m.BillingSynced)

	n, err := env.reconcile.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.ext.mu.Lock()
	delete(env.ext.failRegister, "carol")
	env.ext.mu.Unlock()

	n, err = env.reconcile.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var synced bool
	require.NoError(t, env.db.Model(&networkdomain.Membership{}).
		Select("billing_synced").
		Where("username = ?", "carol").
		Scan(&synced).Error)
	assert.True(t, synced)
	assert.Equal(t, []string{"carol"}, env.ext.snapshot().registered)
}

// Members of a deleted network are billed up to the deletion. Without a
// subscription the report is kept but never pushed.
func TestE2E_DeletedNetworkStopsAccruing(t *testing.T) {
	env := startEnv(t)
	_, networkID := env.createNetwork(t)

	status, body := env.doJSON(t, http.MethodPost, "/admin/v1/networks/"+networkID+"/members", map[string]any{
		"username": "alice",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	env.clock.Advance(5 * 24 * time.Hour)
	status, body = env.doJSON(t, http.MethodDelete, "/admin/v1/networks/"+networkID, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	env.clock.Advance(27 * 24 * time.Hour)
	require.NoError(t, env.scheduler.RunOnce(context.Background()))

	status, body = env.doJSON(t, http.MethodGet, "/admin/v1/networks/"+networkID+"/usage?start=2026-03-01&end=2026-04-01", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	report := decodeData[struct {
		BillableUnits int64      `json:"billable_units"`
		ReportedAt    *time.Time `json:"reported_at"`
		SkippedAt     *time.Time `json:"skipped_at"`
	}](t, body)
	assert.EqualValues(t, 5, report.BillableUnits)
	assert.Nil(t, report.ReportedAt)
	assert.NotNil(t, report.SkippedAt)
	assert.Empty(t, env.ext.snapshot().reports)
}

func TestE2E_UnknownNetworkIsNotFound(t *testing.T) {
	env := startEnv(t)

	status, body := env.doJSON(t, http.MethodPost, "/admin/v1/networks/42/members", map[string]any{
		"username": "dave",
	})
	require.Equal(t, http.StatusNotFound, status, string(body))
	var payload errorBody
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "network_not_found", payload.Error.Code)
}
