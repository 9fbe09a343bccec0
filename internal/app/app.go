// Package app groups the fx modules every netbill binary is built from.
package app

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/activity"
	"github.com/smallbiznis/netbill/internal/clock"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/customer"
	"github.com/smallbiznis/netbill/internal/network"
	"github.com/smallbiznis/netbill/internal/observability"
	"github.com/smallbiznis/netbill/internal/providers/billing"
	"github.com/smallbiznis/netbill/internal/providers/payment"
	"github.com/smallbiznis/netbill/internal/providers/signaling"
	"github.com/smallbiznis/netbill/internal/ratelimit"
	"github.com/smallbiznis/netbill/internal/saga"
	"github.com/smallbiznis/netbill/internal/subscription"
	"github.com/smallbiznis/netbill/internal/usage"
	"github.com/smallbiznis/netbill/pkg/db"
	"github.com/smallbiznis/netbill/pkg/queue"
	"go.uber.org/fx"
)

// Core is the infrastructure plus the domain services. Binaries add the
// surfaces (HTTP, dispatcher, workers) they run.
var Core = fx.Options(
	// infrastructure
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	clock.Module,
	saga.Module,
	queue.Module,
	ratelimit.Module,

	// external systems
	billing.Module,
	signaling.Module,
	payment.Module,

	// domains
	customer.Module,
	activity.Module,
	network.Module,
	subscription.Module,
	usage.Module,
)

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
