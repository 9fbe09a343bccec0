package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/clock"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	usagerepo "github.com/smallbiznis/netbill/internal/usage/repository"
	"github.com/smallbiznis/netbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeUsage struct {
	usagedomain.Service
	calls []usagedomain.ComputeRequest
	fail  map[snowflake.ID]error
	block bool
}

func (f *fakeUsage) ComputeReport(ctx context.Context, req usagedomain.ComputeRequest) (usagedomain.Report, error) {
	if f.block {
		<-ctx.Done()
		return usagedomain.Report{}, ctx.Err()
	}
	f.calls = append(f.calls, req)
	return usagedomain.Report{NetworkID: req.NetworkID}, f.fail[req.NetworkID]
}

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	usage *fakeUsage
	sched *Scheduler
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	f := &fixture{
		db:    dbtest.Open(t, &networkdomain.Network{}, &usagedomain.Report{}),
		node:  node,
		clock: clock.NewFakeClock(time.Date(2024, 2, 3, 8, 0, 0, 0, time.UTC)),
		usage: &fakeUsage{fail: map[snowflake.ID]error{}},
	}
	f.sched, err = New(Params{
		DB:        f.db,
		Log:       zap.NewNop(),
		Clock:     f.clock,
		UsageSvc:  f.usage,
		UsageRepo: usagerepo.Provide(),
		Config:    cfg,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) network(t *testing.T, status networkdomain.Status, created, updated time.Time) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.db.Create(&networkdomain.Network{
		ID:          id,
		CustomerID:  1,
		Name:        "net",
		Status:      status,
		BillingKey:  "net-" + id.String(),
		SignalingID: "net_" + id.Base58(),
		CreatedAt:   created,
		UpdatedAt:   updated,
	}).Error)
	return id
}

func (f *fixture) report(t *testing.T, networkID snowflake.ID, start, end, computed time.Time, reported bool) {
	t.Helper()
	r := usagedomain.Report{
		ID:          f.node.Generate(),
		NetworkID:   networkID,
		PeriodStart: start,
		PeriodEnd:   end,
		Breakdown:   datatypes.JSON(`[]`),
		ComputedAt:  computed,
	}
	if reported {
		r.ReportedAt = &computed
	}
	require.NoError(t, f.db.Create(&r).Error)
}

var (
	jan = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func TestPreviousMonth(t *testing.T) {
	start, end := previousMonth(time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), end)

	start, end = previousMonth(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, jan, end)
}

func TestCloseUsagePeriodsComputesMissingReports(t *testing.T) {
	f := setup(t, Config{})
	active := f.network(t, networkdomain.StatusActive, jan.AddDate(0, -1, 0), jan)
	deletedMidMonth := f.network(t, networkdomain.StatusDeleted, jan.AddDate(0, -1, 0), jan.AddDate(0, 0, 10))
	f.network(t, networkdomain.StatusDeleted, jan.AddDate(0, -2, 0), jan.AddDate(0, 0, -3))
	f.network(t, networkdomain.StatusActive, feb.Add(time.Hour), feb.Add(time.Hour))
	done := f.network(t, networkdomain.StatusActive, jan.AddDate(0, -1, 0), jan)
	f.report(t, done, jan, feb, feb, true)

	require.NoError(t, f.sched.CloseUsagePeriodsJob(context.Background()))

	var got []snowflake.ID
	for _, c := range f.usage.calls {
		assert.Equal(t, jan, c.PeriodStart)
		assert.Equal(t, feb, c.PeriodEnd)
		got = append(got, c.NetworkID)
	}
	assert.ElementsMatch(t, []snowflake.ID{active, deletedMidMonth}, got)
}

func TestCloseUsagePeriodsJoinsFailures(t *testing.T) {
	f := setup(t, Config{})
	bad := f.network(t, networkdomain.StatusActive, jan, jan)
	f.network(t, networkdomain.StatusActive, jan, jan)
	f.usage.fail[bad] = errors.New("processor down")

	err := f.sched.CloseUsagePeriodsJob(context.Background())
	require.Error(t, err)
	assert.Len(t, f.usage.calls, 2)
}

func TestRetryUsageReportsOnlyPicksStaleUnreported(t *testing.T) {
	f := setup(t, Config{RetryAfter: time.Hour})
	now := f.clock.Now()
	stale := f.network(t, networkdomain.StatusActive, jan, jan)
	fresh := f.network(t, networkdomain.StatusActive, jan, jan)
	reported := f.network(t, networkdomain.StatusActive, jan, jan)
	f.report(t, stale, jan, feb, now.Add(-2*time.Hour), false)
	f.report(t, fresh, jan, feb, now.Add(-time.Minute), false)
	f.report(t, reported, jan, feb, now.Add(-2*time.Hour), true)
	// no subscription to report to
	skipped := f.network(t, networkdomain.StatusActive, jan, jan)
	f.report(t, skipped, jan, feb, now.Add(-2*time.Hour), false)
	require.NoError(t, f.db.Model(&usagedomain.Report{}).Where("network_id = ?", skipped).Update("skipped_at", now.Add(-2*time.Hour)).Error)

	require.NoError(t, f.sched.RetryUsageReportsJob(context.Background()))
	require.Len(t, f.usage.calls, 1)
	assert.Equal(t, stale, f.usage.calls[0].NetworkID)
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	f := setup(t, Config{JobTimeout: 5 * time.Millisecond})
	f.network(t, networkdomain.StatusActive, jan, jan)
	f.usage.block = true

	assert.NoError(t, f.sched.RunOnce(context.Background()))
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (heldLocker) Release(context.Context, string, string) error { return nil }

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	f := setup(t, Config{})
	f.network(t, networkdomain.StatusActive, jan, jan)
	f.sched.locker = heldLocker{}

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Empty(t, f.usage.calls)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
