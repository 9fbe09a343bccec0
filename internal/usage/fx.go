package usage

import (
	"github.com/smallbiznis/netbill/internal/providers/payment"
	"github.com/smallbiznis/netbill/internal/usage/domain"
	"github.com/smallbiznis/netbill/internal/usage/repository"
	"github.com/smallbiznis/netbill/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(s *payment.Stripe) domain.UsageReporter { return s }),
	fx.Provide(service.New),
)
