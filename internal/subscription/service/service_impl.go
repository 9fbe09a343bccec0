package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/clock"
	"github.com/smallbiznis/netbill/internal/config"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/smallbiznis/netbill/internal/providers/payment"
	"github.com/smallbiznis/netbill/internal/saga"
	"github.com/smallbiznis/netbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Saga    *saga.Orchestrator
	Repo    domain.Repository
	Payment domain.PaymentProcessor
	Pricing *config.PricingHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	saga    *saga.Orchestrator
	repo    domain.Repository
	payment domain.PaymentProcessor
	pricing *config.PricingHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		saga:    p.Saga,
		repo:    p.Repo,
		payment: p.Payment,
		pricing: p.Pricing,
	}
}

// Create runs the provisioning saga inside one local transaction holding the
// customer row lock. Every step is fatal: a failure unwinds the processor
// objects already created and the transaction discards the local rows. When
// the saga succeeds but the transaction does not commit, the processor
// objects are unwound as well.
func (s *Service) Create(ctx context.Context, req domain.CreateSubscriptionRequest) (domain.Subscription, error) {
	token := strings.TrimSpace(req.CardToken)
	if token == "" {
		return domain.Subscription{}, domain.ErrInvalidCardToken
	}

	var (
		result  domain.Subscription
		created bool
		undo    func(error)
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		customer, err := s.repo.LockCustomer(ctx, tx, req.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrCustomerNotFound
		}

		existing, err := s.repo.FindLive(ctx, tx, req.CustomerID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = *existing
			return nil
		}

		result, undo, err = s.provision(ctx, tx, *customer, token)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if undo != nil {
			undo(err)
		}
		return domain.Subscription{}, err
	}

	if created {
		s.log.Info("subscription provisioned",
			zap.String("customer_id", result.CustomerID.String()),
			zap.String("subscription_id", result.ID.String()),
			zap.String("payment_subscription_ref", result.PaymentSubscriptionRef),
		)
	}
	return result, nil
}

// provision returns an undo func that compensates the completed saga.
func (s *Service) provision(ctx context.Context, tx *gorm.DB, customer customerdomain.Customer, token string) (domain.Subscription, func(error), error) {
	table := s.pricing.Get()
	now := s.clock.Now().UTC()
	sub := domain.Subscription{
		ID:         s.genID.Generate(),
		CustomerID: customer.ID,
		Status:     domain.StatusActive,
		Plan:       table.ProductName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	steps := []saga.Step{
		{
			Name: "payment.create_customer",
			Execute: func(ctx context.Context) (err error) {
				sub.PaymentCustomerRef, err = s.payment.CreateCustomer(ctx, payment.CustomerInput{
					Name:       customer.Name,
					Email:      customer.Email,
					CustomerID: customer.ID.String(),
				}, idempotencyKey(ctx, "customer"))
				return err
			},
			Compensate: func(ctx context.Context) error {
				return s.payment.DeleteCustomer(ctx, sub.PaymentCustomerRef)
			},
		},
		{
			Name: "payment.create_card",
			Execute: func(ctx context.Context) error {
				ref, err := s.payment.CreateCard(ctx, sub.PaymentCustomerRef, token, idempotencyKey(ctx, "card"))
				if err != nil {
					// the card may exist even though it could not be made default
					if ref != "" {
						if derr := s.payment.DeleteCard(context.WithoutCancel(ctx), sub.PaymentCustomerRef, ref); derr != nil {
							s.log.Warn("delete partially created card", zap.String("card_ref", ref), zap.Error(derr))
						}
					}
					return err
				}
				sub.PaymentCardRef = ref
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.payment.DeleteCard(ctx, sub.PaymentCustomerRef, sub.PaymentCardRef)
			},
		},
		{
			Name: "payment.create_product",
			Execute: func(ctx context.Context) (err error) {
				sub.PaymentProductRef, err = s.payment.CreateProduct(ctx,
					table.ProductName+" - "+customer.Name, customer.ID.String(), idempotencyKey(ctx, "product"))
				return err
			},
			Compensate: func(ctx context.Context) error {
				return s.payment.ArchiveProduct(ctx, sub.PaymentProductRef)
			},
		},
		{
			Name: "payment.create_price",
			Execute: func(ctx context.Context) (err error) {
				sub.PaymentPriceRef, err = s.payment.CreatePrice(ctx, sub.PaymentProductRef, table, idempotencyKey(ctx, "price"))
				return err
			},
			Compensate: func(ctx context.Context) error {
				return s.payment.DeactivatePrice(ctx, sub.PaymentPriceRef)
			},
		},
		{
			Name: "payment.create_subscription",
			Execute: func(ctx context.Context) error {
				ref, err := s.payment.CreateSubscription(ctx, sub.PaymentCustomerRef, sub.PaymentPriceRef, idempotencyKey(ctx, "subscription"))
				if err != nil {
					if ref.ID != "" {
						if cerr := s.payment.CancelSubscription(context.WithoutCancel(ctx), ref.ID); cerr != nil {
							s.log.Warn("cancel partially created subscription", zap.String("subscription_ref", ref.ID), zap.Error(cerr))
						}
					}
					return err
				}
				sub.PaymentSubscriptionRef = ref.ID
				sub.PaymentItemRef = ref.ItemID
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.payment.CancelSubscription(ctx, sub.PaymentSubscriptionRef)
			},
		},
		{
			Name: "db.insert_subscription",
			Execute: func(ctx context.Context) error {
				return s.repo.Insert(ctx, tx, &sub)
			},
		},
	}

	exec, err := s.saga.Run(ctx, "subscription.create", steps)
	if err != nil {
		return domain.Subscription{}, nil, err
	}
	undo := func(cause error) {
		s.saga.Rollback(ctx, exec, steps, cause)
	}
	return sub, undo, nil
}

// Cancel marks the live subscription deleted and cancels it in the payment
// processor; the record is restored when the processor refuses.
func (s *Service) Cancel(ctx context.Context, customerID snowflake.ID) (domain.Subscription, error) {
	var (
		sub        domain.Subscription
		prevStatus domain.Status
	)

	steps := []saga.Step{
		{
			Name: "db.mark_deleted",
			Execute: func(ctx context.Context) error {
				return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
					customer, err := s.repo.LockCustomer(ctx, tx, customerID)
					if err != nil {
						return err
					}
					if customer == nil {
						return domain.ErrCustomerNotFound
					}
					live, err := s.repo.FindLive(ctx, tx, customerID)
					if err != nil {
						return err
					}
					if live == nil {
						return domain.ErrSubscriptionNotFound
					}

					now := s.clock.Now().UTC()
					if err := s.repo.UpdateStatus(ctx, tx, live.ID, domain.StatusDeleted, now); err != nil {
						return err
					}
					prevStatus = live.Status
					sub = *live
					sub.Status = domain.StatusDeleted
					sub.UpdatedAt = now
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.UpdateStatus(ctx, s.db, sub.ID, prevStatus, s.clock.Now().UTC())
			},
		},
		{
			Name: "payment.cancel_subscription",
			Execute: func(ctx context.Context) error {
				return s.payment.CancelSubscription(ctx, sub.PaymentSubscriptionRef)
			},
		},
	}

	if _, err := s.saga.Run(ctx, "subscription.cancel", steps); err != nil {
		return domain.Subscription{}, err
	}

	s.log.Info("subscription cancelled",
		zap.String("customer_id", customerID.String()),
		zap.String("subscription_id", sub.ID.String()),
	)
	return sub, nil
}

func (s *Service) GetActive(ctx context.Context, customerID snowflake.ID) (domain.Subscription, error) {
	sub, err := s.repo.FindLive(ctx, s.db, customerID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if sub == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

func (s *Service) ActiveItemRef(ctx context.Context, customerID snowflake.ID) (string, bool, error) {
	sub, err := s.repo.FindLive(ctx, s.db, customerID)
	if err != nil || sub == nil || sub.PaymentItemRef == "" {
		return "", false, err
	}
	return sub.PaymentItemRef, true, nil
}

// idempotencyKey scopes a processor call to the running saga execution so a
// retried request inside one run cannot create a second object.
func idempotencyKey(ctx context.Context, step string) string {
	return obscontext.ExecutionIDFromContext(ctx) + ":" + step
}
