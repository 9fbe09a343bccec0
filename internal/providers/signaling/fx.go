package signaling

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netbill/internal/clock"
	"github.com/smallbiznis/netbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.signaling",
	fx.Provide(NewRedisClient),
	fx.Provide(NewFromConfig),
)

// NewRedisClient opens the Redis connection shared by signaling and distributed locks.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func NewFromConfig(client *redis.Client, cfg config.Config, clk clock.Clock, log *zap.Logger) *Client {
	return New(client, cfg.Redis.ChannelPrefix, clk, log)
}
