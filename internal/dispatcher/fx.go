package dispatcher

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/pkg/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatcher",
	fx.Provide(New),
	fx.Invoke(run),
)

// dedupWindow bounds how long JetStream remembers published message ids.
const dedupWindow = 2 * time.Minute

func run(lc fx.Lifecycle, cfg config.Config, q *queue.Queue, d *Dispatcher, log *zap.Logger) {
	if !cfg.Dispatcher.Enabled {
		log.Info("dispatcher disabled")
		return
	}

	var consumer jetstream.ConsumeContext
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := q.Stream(ctx, cfg.NATS.Stream, "netbill commands", Destinations(), dedupWindow); err != nil {
				return err
			}
			cc, err := q.Consume(ctx, cfg.NATS.Stream, queue.ConsumerConfig{
				Durable:    cfg.Dispatcher.Durable,
				Subjects:   Destinations(),
				MaxDeliver: cfg.Dispatcher.MaxDeliver,
				AckWait:    cfg.Dispatcher.AckWait,
			}, func(msg jetstream.Msg) {
				ctx := context.Background()
				if msg.Headers() != nil {
					ctx = withMessageID(ctx, msg.Headers().Get(nats.MsgIdHdr))
				}
				d.Handle(ctx, msg)
			})
			if err != nil {
				return err
			}
			consumer = cc
			return nil
		},
		OnStop: func(context.Context) error {
			if consumer != nil {
				consumer.Stop()
			}
			return nil
		},
	})
}
