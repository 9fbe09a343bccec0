package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/providers/payment"
	"github.com/smallbiznis/netbill/internal/saga"
)

type CreateSubscriptionRequest struct {
	CustomerID snowflake.ID `json:"customer_id"`
	// CardToken is a payment-processor card token collected by the client.
	CardToken string `json:"card_token"`
}

type Service interface {
	// Create provisions the subscription in the payment processor and stores
	// it. A customer that already has a live subscription gets it back.
	Create(context.Context, CreateSubscriptionRequest) (Subscription, error)
	Cancel(ctx context.Context, customerID snowflake.ID) (Subscription, error)
	GetActive(ctx context.Context, customerID snowflake.ID) (Subscription, error)
	ActiveItemRef(ctx context.Context, customerID snowflake.ID) (string, bool, error)
}

// PaymentProcessor is the subset of the payment adapter the sagas drive.
type PaymentProcessor interface {
	CreateCustomer(ctx context.Context, in payment.CustomerInput, idempotencyKey string) (string, error)
	DeleteCustomer(ctx context.Context, customerRef string) error
	CreateCard(ctx context.Context, customerRef, token, idempotencyKey string) (string, error)
	DeleteCard(ctx context.Context, customerRef, cardRef string) error
	CreateProduct(ctx context.Context, name, customerID, idempotencyKey string) (string, error)
	ArchiveProduct(ctx context.Context, productRef string) error
	CreatePrice(ctx context.Context, productRef string, table config.PricingTable, idempotencyKey string) (string, error)
	DeactivatePrice(ctx context.Context, priceRef string) error
	CreateSubscription(ctx context.Context, customerRef, priceRef, idempotencyKey string) (payment.SubscriptionRef, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
}

var (
	ErrInvalidCardToken = errors.New("invalid_card_token")

	ErrCustomerNotFound     = saga.Precondition("customer_not_found")
	ErrSubscriptionNotFound = saga.Precondition("subscription_not_found")
)
