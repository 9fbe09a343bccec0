package subscription

import (
	"github.com/smallbiznis/netbill/internal/providers/payment"
	"github.com/smallbiznis/netbill/internal/subscription/domain"
	"github.com/smallbiznis/netbill/internal/subscription/repository"
	"github.com/smallbiznis/netbill/internal/subscription/service"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(s *payment.Stripe) domain.PaymentProcessor { return s }),
	fx.Provide(service.New),
	fx.Provide(func(s domain.Service) usagedomain.SubscriptionItems { return s }),
)
