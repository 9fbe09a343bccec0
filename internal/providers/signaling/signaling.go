// Package signaling sends commands to the real-time signaling service over
// Redis pub/sub channels.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netbill/internal/clock"
	"go.uber.org/zap"
)

const (
	CommandRemoveResource = "remove_resource"
	CommandRemoveUser     = "remove_user"
)

// ErrUnavailable means no signaling node was subscribed to receive a control command.
var ErrUnavailable = errors.New("signaling: no receivers")

// Publisher is the subset of *redis.Client used to deliver commands.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Envelope struct {
	Command  string         `json:"command"`
	Resource string         `json:"resource,omitempty"`
	Username string         `json:"username,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

type Client struct {
	pub    Publisher
	prefix string
	clock  clock.Clock
	log    *zap.Logger
}

func New(pub Publisher, prefix string, clk clock.Clock, log *zap.Logger) *Client {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "signaling"
	}
	return &Client{pub: pub, prefix: prefix, clock: clk, log: log.Named("signaling")}
}

// NotifyUser delivers command to the sessions of username. An offline user is not an error.
func (c *Client) NotifyUser(ctx context.Context, username, command string, params map[string]any) error {
	_, err := c.publish(ctx, c.prefix+":user:"+username, Envelope{
		Command:  command,
		Username: username,
		Params:   params,
	})
	return err
}

// Broadcast fans command out to every current member of resourceID.
func (c *Client) Broadcast(ctx context.Context, resourceID, command string, params map[string]any) error {
	_, err := c.publish(ctx, c.prefix+":resource:"+resourceID, Envelope{
		Command:  command,
		Resource: resourceID,
		Params:   params,
	})
	return err
}

// RemoveResource tears down all sessions of resourceID.
func (c *Client) RemoveResource(ctx context.Context, resourceID string) error {
	return c.control(ctx, Envelope{Command: CommandRemoveResource, Resource: resourceID})
}

// RemoveUserFromResource disconnects username from resourceID.
func (c *Client) RemoveUserFromResource(ctx context.Context, resourceID, username string) error {
	return c.control(ctx, Envelope{Command: CommandRemoveUser, Resource: resourceID, Username: username})
}

func (c *Client) control(ctx context.Context, env Envelope) error {
	receivers, err := c.publish(ctx, c.prefix+":control", env)
	if err != nil {
		return err
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %s %s", ErrUnavailable, env.Command, env.Resource)
	}
	return nil
}

func (c *Client) publish(ctx context.Context, channel string, env Envelope) (int64, error) {
	env.SentAt = c.clock.Now()
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("signaling: encode %s: %w", env.Command, err)
	}

	receivers, err := c.pub.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("signaling: publish %s: %w", env.Command, err)
	}
	c.log.Debug("command published",
		zap.String("channel", channel),
		zap.String("command", env.Command),
		zap.Int64("receivers", receivers),
	)
	return receivers, nil
}
