package reconcile

import (
	"context"

	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(NewConfig),
	fx.Provide(
		func(l *ratelimit.Locker) Locker { return l },
		func(b *ratelimit.TokenBucket) Throttle { return b },
	),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, cfg config.Config, worker *Worker) {
	if !cfg.Reconcile.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
