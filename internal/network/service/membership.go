package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/saga"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Join adds username to the network. Only the local insert is fatal: billing
// registration, the signaling notice and the activity event are best effort
// and billing is retried by the reconciliation worker.
func (s *Service) Join(ctx context.Context, req domain.MembershipRequest) (domain.Membership, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return domain.Membership{}, err
	}

	var (
		network    domain.Network
		membership domain.Membership
	)

	steps := []saga.Step{
		{
			Name: "db.insert_membership",
			Execute: func(ctx context.Context) error {
				return s.db.Transaction(func(tx *gorm.DB) error {
					n, err := s.lockNetwork(ctx, tx, req.NetworkID)
					if err != nil {
						return err
					}
					if n.Status == domain.StatusSuspended {
						return domain.ErrNetworkSuspended
					}

					existing, err := s.repo.FindActiveMembership(ctx, tx, n.ID, username)
					if err != nil {
						return err
					}
					if existing != nil {
						return domain.ErrAlreadyJoined
					}

					now := s.now()
					membership = domain.Membership{
						ID:        s.genID.Generate(),
						NetworkID: n.ID,
						Username:  username,
						JoinedAt:  now,
						CreatedAt: now,
						UpdatedAt: now,
					}
					network = *n
					return s.repo.CreateMembership(ctx, tx, &membership)
				})
			},
		},
		{
			Name:     "billing.register_user",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				if err := s.billing.RegisterUser(ctx, network.BillingKey, username); err != nil {
					return err
				}
				if err := s.repo.SetBillingSynced(ctx, s.db, []snowflake.ID{membership.ID}, true, s.now()); err != nil {
					return err
				}
				membership.BillingSynced = true
				return nil
			},
		},
		{
			Name:     "signaling.notify_user",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				return s.signaling.NotifyUser(ctx, username, domain.CommandNetworkJoined, map[string]any{
					"network": network.SignalingID,
				})
			},
		},
		{
			Name:     "activity.record_join",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				return s.recordActivity(ctx, network.ID, username, activitydomain.EventTypeJoin, membership.JoinedAt)
			},
		},
	}

	if _, err := s.saga.Run(ctx, "network.join", steps); err != nil {
		return domain.Membership{}, err
	}

	s.log.Info("user joined network",
		zap.String("network_id", network.ID.String()),
		zap.String("membership_id", membership.ID.String()),
		zap.Bool("billing_synced", membership.BillingSynced),
	)
	return membership, nil
}

func (s *Service) Leave(ctx context.Context, req domain.MembershipRequest) (domain.Membership, error) {
	req.KickedBy = ""
	return s.leave(ctx, req)
}

// Kick is Leave performed by another user.
func (s *Service) Kick(ctx context.Context, req domain.MembershipRequest) (domain.Membership, error) {
	if strings.TrimSpace(req.KickedBy) == "" {
		return domain.Membership{}, domain.ErrInvalidActor
	}
	return s.leave(ctx, req)
}

// leave ends the active membership. Signaling removal is fatal: a user still
// connected to the network must not appear departed in the record store, so
// its failure reopens the membership and re-registers billing.
func (s *Service) leave(ctx context.Context, req domain.MembershipRequest) (domain.Membership, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return domain.Membership{}, err
	}

	var kickedBy *string
	if actor := strings.TrimSpace(req.KickedBy); actor != "" {
		kickedBy = &actor
	}

	var (
		network      domain.Network
		membership   domain.Membership
		prevSynced   bool
		deregistered bool
		reregistered bool
		sagaName     = "network.leave"
		subject      = domain.SubjectMemberLeft
	)
	if kickedBy != nil {
		sagaName = "network.kick"
		subject = domain.SubjectMemberKicked
	}

	steps := []saga.Step{
		{
			Name: "db.end_membership",
			Execute: func(ctx context.Context) error {
				return s.db.Transaction(func(tx *gorm.DB) error {
					n, err := s.lockNetwork(ctx, tx, req.NetworkID)
					if err != nil {
						return err
					}
					m, err := s.repo.FindActiveMembership(ctx, tx, n.ID, username)
					if err != nil {
						return err
					}
					if m == nil {
						return domain.ErrNotJoined
					}

					leftAt := s.now()
					if err := s.repo.EndMemberships(ctx, tx, []snowflake.ID{m.ID}, leftAt, kickedBy); err != nil {
						return err
					}
					prevSynced = m.BillingSynced
					m.LeftAt = &leftAt
					m.KickedBy = kickedBy
					m.BillingSynced = false
					m.UpdatedAt = leftAt
					network, membership = *n, *m
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				synced := prevSynced
				if deregistered {
					synced = reregistered
				}
				return s.repo.ReopenMemberships(ctx, s.db, []snowflake.ID{membership.ID}, synced, s.now())
			},
		},
		{
			Name:     "billing.deregister_user",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				if err := s.billing.DeregisterUser(ctx, username); err != nil {
					return err
				}
				deregistered = true
				if err := s.repo.SetBillingSynced(ctx, s.db, []snowflake.ID{membership.ID}, true, s.now()); err != nil {
					s.log.Warn("mark billing synced failed", zap.String("membership_id", membership.ID.String()), zap.Error(err))
					return nil
				}
				membership.BillingSynced = true
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if err := s.billing.RegisterUser(ctx, network.BillingKey, username); err != nil {
					return err
				}
				reregistered = true
				return nil
			},
		},
		{
			Name: "signaling.remove_user",
			Execute: func(ctx context.Context) error {
				return s.signaling.RemoveUserFromResource(ctx, network.SignalingID, username)
			},
		},
		{
			Name:     "activity.record_leave",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				return s.recordActivity(ctx, network.ID, username, activitydomain.EventTypeLeave, *membership.LeftAt)
			},
		},
		{
			Name:     "notify.member_left",
			NonFatal: true,
			Execute: func(ctx context.Context) error {
				if s.notifier == nil {
					return nil
				}
				n := domain.MemberNotification{
					MembershipID: membership.ID.String(),
					NetworkID:    network.ID.String(),
					Username:     username,
					LeftAt:       membership.LeftAt.Format(time.RFC3339Nano),
				}
				if kickedBy != nil {
					n.KickedBy = *kickedBy
				}
				return s.notifier.Publish(ctx, subject, n, membership.ID.String())
			},
		},
	}

	if _, err := s.saga.Run(ctx, sagaName, steps); err != nil {
		return domain.Membership{}, err
	}

	s.log.Info("user left network",
		zap.String("network_id", network.ID.String()),
		zap.String("membership_id", membership.ID.String()),
		zap.Bool("kicked", kickedBy != nil),
	)
	return membership, nil
}
