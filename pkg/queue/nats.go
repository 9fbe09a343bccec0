// Package queue wraps a NATS JetStream connection for at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type Queue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// ConsumerConfig describes a durable explicit-ack consumer.
type ConsumerConfig struct {
	Durable    string
	Subjects   []string
	MaxDeliver int
	AckWait    time.Duration
}

func New(url string, logger *zap.Logger) (*Queue, error) {
	q := &Queue{logger: logger.Named("queue")}

	conn, err := nats.Connect(
		url,
		nats.Name("netbill"),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(q.reconnectHandler),
		nats.DisconnectErrHandler(q.disconnectHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	q.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	q.js = js

	return q, nil
}

// Stream creates or updates a work-queue stream. duplicates is the window in
// which JetStream drops republished messages carrying the same Nats-Msg-Id.
func (q *Queue) Stream(ctx context.Context, name, description string, subjects []string, duplicates time.Duration) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: description,
		Subjects:    subjects,
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  duplicates,
	})
	if err != nil {
		return fmt.Errorf("stream %s: %w", name, err)
	}
	return nil
}

// Consume attaches handler to a durable consumer on stream. The handler owns
// acknowledgement of each message.
func (q *Queue) Consume(ctx context.Context, stream string, cfg ConsumerConfig, handler func(msg jetstream.Msg)) (jetstream.ConsumeContext, error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:        cfg.Durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: cfg.Subjects,
		MaxDeliver:     cfg.MaxDeliver,
		AckWait:        cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", cfg.Durable, err)
	}

	consumeCtx, err := consumer.Consume(handler)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}
	q.logger.Info("consuming",
		zap.String("stream", stream),
		zap.String("durable", cfg.Durable),
		zap.Strings("subjects", cfg.Subjects),
	)
	return consumeCtx, nil
}

// Produce publishes data to subject. A non-empty msgID enables server-side
// deduplication.
func (q *Queue) Produce(ctx context.Context, subject string, data []byte, msgID string) error {
	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := q.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack.Duplicate {
		q.logger.Debug("duplicate publish dropped", zap.String("subject", subject), zap.String("msg_id", msgID))
	}
	return nil
}

// Publish encodes v as JSON and produces it to subject.
func (q *Queue) Publish(ctx context.Context, subject string, v any, msgID string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return q.Produce(ctx, subject, data, msgID)
}

func (q *Queue) Close() {
	if q.conn == nil {
		return
	}
	if err := q.conn.Drain(); err != nil {
		q.logger.Warn("drain failed", zap.Error(err))
		q.conn.Close()
	}
}

func (q *Queue) reconnectHandler(nc *nats.Conn) {
	q.logger.Info("got reconnected", zap.String("url", nc.ConnectedUrl()))
}

func (q *Queue) disconnectHandler(_ *nats.Conn, err error) {
	q.logger.Error("got disconnected", zap.Error(err))
}
