package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/clock"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/smallbiznis/netbill/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockKey     = "netbill:reconcile"
	throttleKey = "netbill:reconcile:billing"
)

const (
	actionRegister   = "register"
	actionDeregister = "deregister"
	actionDelete     = "delete_reseller"
	// the user holds another membership, so the ledger entry stays
	actionSkip = "skip"
)

// Locker guards a run so only one replica reconciles at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Throttle caps the rate of billing ledger calls.
type Throttle interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*ratelimit.Result, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     networkdomain.Repository
	Billing  networkdomain.BillingLedger
	Config   Config           `optional:"true"`
	Locker   Locker           `optional:"true"`
	Throttle Throttle         `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

// Worker retries billing ledger calls for memberships left unsynced by
// non-fatal saga steps.
type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     networkdomain.Repository
	billing  networkdomain.BillingLedger
	locker   Locker
	throttle Throttle
	metrics  *metrics.Metrics
	cfg      Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:       p.DB,
		log:      p.Log.Named("reconcile"),
		clock:    p.Clock,
		repo:     p.Repo,
		billing:  p.Billing,
		locker:   p.Locker,
		throttle: p.Throttle,
		metrics:  p.Metrics,
		cfg:      p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reconcile run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles one batch and returns how many memberships were synced.
// It is a no-op when another replica holds the lock.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, lockKey, w.cfg.LockTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			w.log.Debug("reconcile lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := w.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				w.log.Warn("release reconcile lock", zap.Error(err))
			}
		}()
		return w.processBatch(ctx, w.renewer(token))
	}

	return w.processBatch(ctx, nil)
}

var (
	errThrottled = errors.New("billing calls throttled")
	errLeaseLost = errors.New("reconcile lease lost")
)

// renewer extends the run's lease once half of it has elapsed, so a throttled
// batch keeps the lock for as long as it is making calls.
func (w *Worker) renewer(token string) func(context.Context) error {
	renewed := w.clock.Now()
	return func(ctx context.Context) error {
		now := w.clock.Now()
		if now.Sub(renewed) < w.cfg.LockTTL/2 {
			return nil
		}
		ok, err := w.locker.Extend(ctx, lockKey, token, w.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return errLeaseLost
		}
		renewed = now
		return nil
	}
}

func (w *Worker) processBatch(ctx context.Context, renew func(context.Context) error) (int, error) {
	rows, err := w.repo.ListUnsynced(ctx, w.db, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	networks := map[snowflake.ID]*networkdomain.Network{}
	synced := 0

	for _, row := range rows {
		if err := w.wait(ctx); err != nil {
			if errors.Is(err, errThrottled) {
				w.log.Debug("reconcile batch cut short by throttle", zap.Int("synced", synced))
				return synced, nil
			}
			return synced, err
		}
		if renew != nil {
			if err := renew(ctx); err != nil {
				if errors.Is(err, errLeaseLost) {
					w.log.Warn("reconcile lease lost, stopping batch", zap.Int("synced", synced))
					return synced, nil
				}
				return synced, err
			}
		}

		network, ok := networks[row.NetworkID]
		if !ok {
			network, err = w.repo.FindNetwork(ctx, w.db, row.NetworkID)
			if err != nil {
				return synced, err
			}
			networks[row.NetworkID] = network
		}
		if network == nil {
			w.log.Warn("membership references missing network",
				zap.String("membership_id", row.ID.String()),
				zap.String("network_id", row.NetworkID.String()),
			)
			if err := w.deferRow(ctx, row); err != nil {
				return synced, err
			}
			continue
		}

		action, err := w.sync(ctx, network, row)
		w.metrics.RecordReconcile(ctx, action, err == nil)
		if err != nil {
			w.log.Warn("billing sync failed",
				zap.Error(err),
				zap.String("action", action),
				zap.String("membership_id", row.ID.String()),
				zap.String("username", row.Username),
			)
			if err := w.deferRow(ctx, row); err != nil {
				return synced, err
			}
			continue
		}

		marked, err := w.repo.MarkSynced(ctx, w.db, row.ID, row.Active(), w.clock.Now().UTC())
		if err != nil {
			return synced, err
		}
		if !marked {
			// membership changed underneath us; the next run picks it up again
			continue
		}
		synced++
	}

	if synced > 0 {
		w.log.Info("reconciled memberships", zap.Int("synced", synced), zap.Int("batch", len(rows)))
	}
	return synced, nil
}

func (w *Worker) sync(ctx context.Context, network *networkdomain.Network, row networkdomain.Membership) (string, error) {
	switch {
	case row.Active():
		return actionRegister, w.billing.RegisterUser(ctx, network.BillingKey, row.Username)
	case network.Status == networkdomain.StatusDeleted:
		return actionDelete, w.billing.DeleteReseller(ctx, network.BillingKey)
	default:
		// deregistration is global to the user
		member, err := w.repo.HasActiveMembership(ctx, w.db, row.Username)
		if err != nil {
			return actionDeregister, err
		}
		if member {
			return actionSkip, nil
		}
		return actionDeregister, w.billing.DeregisterUser(ctx, row.Username)
	}
}

// deferRow rotates a failing membership behind the rest of the backlog.
func (w *Worker) deferRow(ctx context.Context, row networkdomain.Membership) error {
	return w.repo.DeferUnsynced(ctx, w.db, row.ID, w.clock.Now().UTC())
}

func (w *Worker) wait(ctx context.Context) error {
	if w.throttle == nil || w.cfg.BillingRate <= 0 || w.cfg.BillingBurst <= 0 {
		return nil
	}
	res, err := w.throttle.Allow(ctx, throttleKey, w.cfg.BillingRate, w.cfg.BillingBurst)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return errThrottled
	}
	return nil
}
