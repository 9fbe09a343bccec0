package network

import (
	"context"
	"time"

	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/network/repository"
	"github.com/smallbiznis/netbill/internal/network/service"
	"github.com/smallbiznis/netbill/internal/providers/billing"
	"github.com/smallbiznis/netbill/internal/providers/signaling"
	"github.com/smallbiznis/netbill/pkg/queue"
	"go.uber.org/fx"
)

var Module = fx.Module("network.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		func(c *billing.Client) domain.BillingLedger { return c },
		func(c *signaling.Client) domain.Signaling { return c },
		func(s activitydomain.Service) domain.ActivityRecorder { return s },
		func(q *queue.Queue) domain.Notifier { return q },
	),
	fx.Provide(service.New),
	fx.Invoke(registerNotificationStream),
)

// registerNotificationStream creates the stream member notifications are
// published to. Publishing fails without one.
func registerNotificationStream(lc fx.Lifecycle, cfg config.Config, q *queue.Queue) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return q.Stream(ctx, cfg.NATS.Stream+"-notifications", "network member notifications",
				[]string{"network.member.>"}, 10*time.Minute)
		},
	})
}
