package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/clock"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/smallbiznis/netbill/internal/usage/accounting"
	"github.com/smallbiznis/netbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Networks      networkdomain.Service
	Activity      activitydomain.Service
	Subscriptions domain.SubscriptionItems
	Reporter      domain.UsageReporter `optional:"true"`
	Metrics       *metrics.Metrics     `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	networks      networkdomain.Service
	activity      activitydomain.Service
	subscriptions domain.SubscriptionItems
	reporter      domain.UsageReporter
	metrics       *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("usage.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		networks:      p.Networks,
		activity:      p.Activity,
		subscriptions: p.Subscriptions,
		reporter:      p.Reporter,
		metrics:       p.Metrics,
	}
}

func (s *Service) ComputeReport(ctx context.Context, req domain.ComputeRequest) (domain.Report, error) {
	period := accounting.Period{Start: req.PeriodStart.UTC(), End: req.PeriodEnd.UTC()}
	if req.PeriodStart.IsZero() || !period.Valid() {
		return domain.Report{}, domain.ErrInvalidPeriod
	}

	network, err := s.networks.GetNetwork(ctx, req.NetworkID)
	if err != nil {
		return domain.Report{}, err
	}

	events, err := s.collect(ctx, network.ID, period)
	if err != nil {
		return domain.Report{}, err
	}
	result := accounting.Compute(period, events)

	breakdown, err := json.Marshal(result.Users)
	if err != nil {
		return domain.Report{}, err
	}

	report := domain.Report{
		ID:            s.genID.Generate(),
		NetworkID:     network.ID,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		BillableUnits: result.BillableUnits,
		Breakdown:     datatypes.JSON(breakdown),
		ComputedAt:    s.clock.Now().UTC(),
	}
	if err := s.repo.Upsert(ctx, s.db, &report); err != nil {
		return domain.Report{}, err
	}
	stored, err := s.repo.Find(ctx, s.db, network.ID, period.Start, period.End)
	if err != nil {
		return domain.Report{}, err
	}
	if stored == nil {
		return domain.Report{}, domain.ErrReportNotFound
	}

	log := s.log.With(
		zap.String("network_id", network.ID.String()),
		zap.Time("period_start", period.Start),
		zap.Time("period_end", period.End),
		zap.Int64("billable_units", stored.BillableUnits),
	)

	reported, err := s.report(ctx, network, stored)
	s.metrics.RecordUsageReport(ctx, stored.BillableUnits, reported)
	if err != nil {
		log.Warn("usage reporting failed", zap.Error(err))
		return domain.Report{}, err
	}

	log.Info("usage report computed", zap.Int("users", len(result.Users)), zap.Bool("reported", reported))
	return *stored, nil
}

func (s *Service) GetReport(ctx context.Context, networkID snowflake.ID, start, end time.Time) (domain.Report, error) {
	report, err := s.repo.Find(ctx, s.db, networkID, start.UTC(), end.UTC())
	if err != nil {
		return domain.Report{}, err
	}
	if report == nil {
		return domain.Report{}, domain.ErrReportNotFound
	}
	return *report, nil
}

// collect groups the period's events by user. Members without events are
// included so that they are billed from the start of the period.
func (s *Service) collect(ctx context.Context, networkID snowflake.ID, period accounting.Period) (map[string][]accounting.Event, error) {
	events, err := s.activity.ListForPeriod(ctx, networkID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	members, err := s.networks.MembershipsOverlapping(ctx, networkID, period.Start, period.End)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string][]accounting.Event, len(members))
	for _, m := range members {
		if _, ok := byUser[m.Username]; !ok {
			byUser[m.Username] = nil
		}
	}
	for _, ev := range events {
		kind := accounting.Join
		if ev.Type == activitydomain.EventTypeLeave {
			kind = accounting.Leave
		}
		byUser[ev.Username] = append(byUser[ev.Username], accounting.Event{Kind: kind, At: ev.OccurredAt})
	}
	return byUser, nil
}

// report sets the subscription item quantity for the period. The usage is
// stamped one second before the period end so it lands inside the period.
func (s *Service) report(ctx context.Context, network networkdomain.Network, report *domain.Report) (bool, error) {
	if s.reporter == nil {
		return false, nil
	}
	itemRef, ok, err := s.subscriptions.ActiveItemRef(ctx, network.CustomerID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Info("no active subscription, usage not reported",
			zap.String("network_id", network.ID.String()),
			zap.String("customer_id", network.CustomerID.String()),
		)
		now := s.clock.Now().UTC()
		if err := s.repo.MarkSkipped(ctx, s.db, report.ID, now); err != nil {
			return false, err
		}
		report.SkippedAt = &now
		return false, nil
	}

	key := fmt.Sprintf("usage:%s:%d:%d", network.ID, report.PeriodEnd.Unix(), report.BillableUnits)
	ts := report.PeriodEnd.Add(-time.Second)
	if err := s.reporter.ReportUsage(ctx, itemRef, report.BillableUnits, ts, key); err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	if err := s.repo.MarkReported(ctx, s.db, report.ID, now); err != nil {
		return true, err
	}
	report.ReportedAt = &now
	return true, nil
}
