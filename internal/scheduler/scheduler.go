package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/netbill/internal/clock"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

const lockKey = "netbill:scheduler"

// Locker keeps replicas from running the same jobs concurrently.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	UsageSvc  usagedomain.Service
	UsageRepo usagedomain.Repository
	Locker    Locker `optional:"true"`
	Config    Config `optional:"true"`
}

// Scheduler closes billing periods: once a calendar month is over every
// network gets a usage report for it, and reports the payment processor did
// not accept are retried.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	usageSvc  usagedomain.Service
	usageRepo usagedomain.Repository
	locker    Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.UsageSvc == nil || p.UsageRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		usageSvc:  p.UsageSvc,
		usageRepo: p.UsageRepo,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, lockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("scheduler lock held elsewhere")
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(parent), lockKey, token); err != nil {
				s.log.Warn("release scheduler lock", zap.Error(err))
			}
		}()
	}

	var err error
	err = errors.Join(err, s.runJob(parent, "close_usage_periods", s.CloseUsagePeriodsJob))
	err = errors.Join(err, s.runJob(parent, "retry_usage_reports", s.RetryUsageReportsJob))
	return err
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	err := fn(ctx)
	log.Debug("job finished", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next run continues where this one stopped
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// CloseUsagePeriodsJob computes the previous calendar month for networks
// that have no report for it yet.
func (s *Scheduler) CloseUsagePeriodsJob(ctx context.Context) error {
	start, end := previousMonth(s.clock.Now())

	ids, err := s.usageRepo.ListNetworksWithoutReport(ctx, s.db, start, end, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs error
	for _, id := range ids {
		_, err := s.usageSvc.ComputeReport(ctx, usagedomain.ComputeRequest{
			NetworkID:   id,
			PeriodStart: start,
			PeriodEnd:   end,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("close usage period failed",
				zap.String("network_id", id.String()),
				zap.Time("period_start", start),
				zap.Error(err),
			)
			errs = errors.Join(errs, err)
		}
	}
	if len(ids) > 0 {
		s.log.Info("usage periods closed", zap.Int("networks", len(ids)), zap.Time("period_start", start))
	}
	return errs
}

// RetryUsageReportsJob recomputes reports the payment processor has not
// acknowledged, which also reports them again.
func (s *Scheduler) RetryUsageReportsJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.RetryAfter)
	reports, err := s.usageRepo.ListUnreported(ctx, s.db, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, r := range reports {
		_, err := s.usageSvc.ComputeReport(ctx, usagedomain.ComputeRequest{
			NetworkID:   r.NetworkID,
			PeriodStart: r.PeriodStart,
			PeriodEnd:   r.PeriodEnd,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("retry usage report failed",
				zap.String("report_id", r.ID.String()),
				zap.String("network_id", r.NetworkID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// previousMonth returns the UTC calendar month before the one containing now.
func previousMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -1, 0), end
}
