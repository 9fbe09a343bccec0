// Package payment adapts the Stripe API to the operations used by the
// subscription and usage sagas.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/observability/tracing"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.payment",
	fx.Provide(NewFromConfig),
)

var ErrNotConfigured = errors.New("stripe: secret key is required")

// SubscriptionRef identifies a created subscription and its metered item.
type SubscriptionRef struct {
	ID     string
	ItemID string
}

type CustomerInput struct {
	Name       string
	Email      string
	CustomerID string
}

type Stripe struct {
	api      *client.API
	currency string
	log      *zap.Logger
}

func NewFromConfig(cfg config.Config, log *zap.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.Stripe.SecretKey) == "" {
		return nil, ErrNotConfigured
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.Stripe.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.Stripe.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	return New(cfg.Stripe.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}, cfg.Stripe.Currency, log), nil
}

// New builds the adapter over explicit backends.
func New(secretKey string, backends *stripe.Backends, currency string, log *zap.Logger) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Stripe{api: api, currency: strings.ToLower(currency), log: log.Named("stripe")}
}

func (s *Stripe) CreateCustomer(ctx context.Context, in CustomerInput, idempotencyKey string) (string, error) {
	params := &stripe.CustomerParams{
		Name:  stripe.String(in.Name),
		Email: stripe.String(in.Email),
	}
	params.AddMetadata("customer_id", in.CustomerID)
	prepare(&params.Params, ctx, idempotencyKey)

	cus, err := s.api.Customers.New(params)
	if err != nil {
		return "", wrap("create customer", err)
	}
	s.log.Info("created customer", zap.String("customer_id", in.CustomerID), zap.String("ref", cus.ID))
	return cus.ID, nil
}

func (s *Stripe) DeleteCustomer(ctx context.Context, customerRef string) error {
	params := &stripe.CustomerParams{}
	prepare(&params.Params, ctx, "")
	if _, err := s.api.Customers.Del(customerRef, params); err != nil && !isMissing(err) {
		return wrap("delete customer", err)
	}
	return nil
}

// CreateCard attaches the tokenized card to the customer and makes it the default source.
func (s *Stripe) CreateCard(ctx context.Context, customerRef, token, idempotencyKey string) (string, error) {
	params := &stripe.CardParams{
		Customer: stripe.String(customerRef),
		Token:    stripe.String(token),
	}
	prepare(&params.Params, ctx, idempotencyKey)

	card, err := s.api.Cards.New(params)
	if err != nil {
		return "", wrap("create card", err)
	}

	update := &stripe.CustomerParams{DefaultSource: stripe.String(card.ID)}
	prepare(&update.Params, ctx, idempotencyKey+":default")
	if _, err := s.api.Customers.Update(customerRef, update); err != nil {
		return card.ID, wrap("set default card", err)
	}
	return card.ID, nil
}

func (s *Stripe) DeleteCard(ctx context.Context, customerRef, cardRef string) error {
	params := &stripe.CardParams{Customer: stripe.String(customerRef)}
	prepare(&params.Params, ctx, "")
	if _, err := s.api.Cards.Del(cardRef, params); err != nil && !isMissing(err) {
		return wrap("delete card", err)
	}
	return nil
}

func (s *Stripe) CreateProduct(ctx context.Context, name, customerID, idempotencyKey string) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(name)}
	params.AddMetadata("customer_id", customerID)
	prepare(&params.Params, ctx, idempotencyKey)

	prod, err := s.api.Products.New(params)
	if err != nil {
		return "", wrap("create product", err)
	}
	return prod.ID, nil
}

// ArchiveProduct deactivates the product. Products that ever had a price
// cannot be deleted, so archiving is the inverse of CreateProduct.
func (s *Stripe) ArchiveProduct(ctx context.Context, productRef string) error {
	params := &stripe.ProductParams{Active: stripe.Bool(false)}
	prepare(&params.Params, ctx, "")
	if _, err := s.api.Products.Update(productRef, params); err != nil && !isMissing(err) {
		return wrap("archive product", err)
	}
	return nil
}

// CreatePrice creates a graduated, metered price from the tier table.
// Tier amounts are major units; Stripe receives minor units.
func (s *Stripe) CreatePrice(ctx context.Context, productRef string, table config.PricingTable, idempotencyKey string) (string, error) {
	tiers := make([]*stripe.PriceTierParams, 0, len(table.Tiers))
	for _, tier := range table.Tiers {
		p := &stripe.PriceTierParams{
			UnitAmountDecimal: stripe.Float64(tier.UnitAmount.Shift(2).InexactFloat64()),
		}
		if tier.UpTo == nil {
			p.UpToInf = stripe.Bool(true)
		} else {
			p.UpTo = stripe.Int64(*tier.UpTo)
		}
		tiers = append(tiers, p)
	}

	params := &stripe.PriceParams{
		Currency:      stripe.String(s.currency),
		Product:       stripe.String(productRef),
		BillingScheme: stripe.String(string(stripe.PriceBillingSchemeTiered)),
		TiersMode:     stripe.String(string(stripe.PriceTiersModeGraduated)),
		Tiers:         tiers,
		Recurring: &stripe.PriceRecurringParams{
			Interval:  stripe.String(table.Interval),
			UsageType: stripe.String(string(stripe.PriceRecurringUsageTypeMetered)),
		},
	}
	prepare(&params.Params, ctx, idempotencyKey)

	price, err := s.api.Prices.New(params)
	if err != nil {
		return "", wrap("create price", err)
	}
	return price.ID, nil
}

func (s *Stripe) DeactivatePrice(ctx context.Context, priceRef string) error {
	params := &stripe.PriceParams{Active: stripe.Bool(false)}
	prepare(&params.Params, ctx, "")
	if _, err := s.api.Prices.Update(priceRef, params); err != nil && !isMissing(err) {
		return wrap("deactivate price", err)
	}
	return nil
}

func (s *Stripe) CreateSubscription(ctx context.Context, customerRef, priceRef, idempotencyKey string) (SubscriptionRef, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceRef)},
		},
	}
	prepare(&params.Params, ctx, idempotencyKey)

	sub, err := s.api.Subscriptions.New(params)
	if err != nil {
		return SubscriptionRef{}, wrap("create subscription", err)
	}
	ref := SubscriptionRef{ID: sub.ID}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		ref.ItemID = sub.Items.Data[0].ID
	}
	if ref.ItemID == "" {
		return ref, fmt.Errorf("stripe: subscription %s has no items", sub.ID)
	}
	return ref, nil
}

func (s *Stripe) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	prepare(&params.Params, ctx, "")
	if _, err := s.api.Subscriptions.Cancel(subscriptionRef, params); err != nil && !isMissing(err) {
		return wrap("cancel subscription", err)
	}
	return nil
}

// ReportUsage sets the quantity of itemRef at ts. Action "set" makes a
// repeated report for the same timestamp overwrite instead of accumulate.
func (s *Stripe) ReportUsage(ctx context.Context, itemRef string, quantity int64, ts time.Time, idempotencyKey string) error {
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(itemRef),
		Quantity:         stripe.Int64(quantity),
		Timestamp:        stripe.Int64(ts.Unix()),
		Action:           stripe.String(stripe.UsageRecordActionSet),
	}
	prepare(&params.Params, ctx, idempotencyKey)

	if _, err := s.api.UsageRecords.New(params); err != nil {
		return wrap("report usage", err)
	}
	return nil
}

func prepare(p *stripe.Params, ctx context.Context, idempotencyKey string) {
	p.Context = ctx
	if idempotencyKey != "" {
		p.SetIdempotencyKey(idempotencyKey)
	}
}

func isMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}

func wrap(op string, err error) error {
	return fmt.Errorf("stripe: %s: %w", op, err)
}
