package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/saga"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Suspend toggles a network between serving and suspended. The billing ledger
// must follow the record store, so its failure reverts the status.
func (s *Service) Suspend(ctx context.Context, networkID snowflake.ID, suspend bool) (domain.Network, error) {
	var (
		network    domain.Network
		prevStatus domain.Status
	)

	command := domain.CommandNetworkResumed
	if suspend {
		command = domain.CommandNetworkSuspended
	}

	steps := []saga.Step{
		{
			Name: "db.update_status",
			Execute: func(ctx context.Context) error {
				return s.db.Transaction(func(tx *gorm.DB) error {
					n, err := s.lockNetwork(ctx, tx, networkID)
					if err != nil {
						return err
					}

					next := domain.StatusActive
					switch {
					case suspend && n.Joinable():
						next = domain.StatusSuspended
					case !suspend && n.Status == domain.StatusSuspended:
					default:
						return domain.ErrInvalidTransition
					}

					now := s.now()
					if err := s.repo.UpdateNetworkStatus(ctx, tx, n.ID, next, now); err != nil {
						return err
					}
					prevStatus = n.Status
					network = *n
					network.Status = next
					network.UpdatedAt = now
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.UpdateNetworkStatus(ctx, s.db, network.ID, prevStatus, s.now())
			},
		},
		{
			Name: "billing.suspend_reseller",
			Execute: func(ctx context.Context) error {
				return s.billing.SuspendReseller(ctx, network.BillingKey, suspend)
			},
			Compensate: func(ctx context.Context) error {
				return s.billing.SuspendReseller(ctx, network.BillingKey, !suspend)
			},
		},
		{
			Name:     "signaling.broadcast",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				return s.signaling.Broadcast(ctx, network.SignalingID, command, nil)
			},
		},
	}

	if _, err := s.saga.Run(ctx, "network.suspend", steps); err != nil {
		return domain.Network{}, err
	}

	s.log.Info("network status changed",
		zap.String("network_id", network.ID.String()),
		zap.String("from", string(prevStatus)),
		zap.String("to", string(network.Status)),
	)
	return network, nil
}

// Delete tears a network down. Every active membership ends with it; the
// signaling resource must be gone before the deletion stands, while the
// reseller removal is left to reconciliation when it fails.
func (s *Service) Delete(ctx context.Context, networkID snowflake.ID) (domain.Network, error) {
	var (
		network    domain.Network
		prevStatus domain.Status
		ended      []domain.Membership
		endedAt    time.Time
	)

	steps := []saga.Step{
		{
			Name: "db.mark_deleted",
			Execute: func(ctx context.Context) error {
				return s.db.Transaction(func(tx *gorm.DB) error {
					n, err := s.lockNetwork(ctx, tx, networkID)
					if err != nil {
						return err
					}
					active, err := s.repo.ListActiveMemberships(ctx, tx, n.ID)
					if err != nil {
						return err
					}

					now := s.now()
					if err := s.repo.EndMemberships(ctx, tx, membershipIDs(active), now, nil); err != nil {
						return err
					}
					if err := s.repo.UpdateNetworkStatus(ctx, tx, n.ID, domain.StatusDeleted, now); err != nil {
						return err
					}
					prevStatus = n.Status
					ended = active
					endedAt = now
					network = *n
					network.Status = domain.StatusDeleted
					network.UpdatedAt = now
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.db.Transaction(func(tx *gorm.DB) error {
					now := s.now()
					var synced, unsynced []snowflake.ID
					for _, m := range ended {
						if m.BillingSynced {
							synced = append(synced, m.ID)
						} else {
							unsynced = append(unsynced, m.ID)
						}
					}
					if err := s.repo.ReopenMemberships(ctx, tx, synced, true, now); err != nil {
						return err
					}
					if err := s.repo.ReopenMemberships(ctx, tx, unsynced, false, now); err != nil {
						return err
					}
					return s.repo.UpdateNetworkStatus(ctx, tx, network.ID, prevStatus, now)
				})
			},
		},
		{
			Name: "signaling.remove_resource",
			Execute: func(ctx context.Context) error {
				return s.signaling.RemoveResource(ctx, network.SignalingID)
			},
		},
		{
			// members stop accruing usage when the network goes away
			Name:     "activity.record_leave",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				var errs []error
				for _, m := range ended {
					errs = append(errs, s.recordActivity(ctx, network.ID, m.Username, activitydomain.EventTypeLeave, endedAt))
				}
				return errors.Join(errs...)
			},
		},
		{
			Name:     "billing.delete_reseller",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				if err := s.billing.DeleteReseller(ctx, network.BillingKey); err != nil {
					return err
				}
				return s.repo.SetBillingSynced(ctx, s.db, membershipIDs(ended), true, s.now())
			},
		},
	}

	if _, err := s.saga.Run(ctx, "network.delete", steps); err != nil {
		return domain.Network{}, err
	}

	s.log.Info("network deleted",
		zap.String("network_id", network.ID.String()),
		zap.Int("ended_memberships", len(ended)),
	)
	return network, nil
}

func membershipIDs(items []domain.Membership) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID)
	}
	return ids
}
