package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fieldValue / fieldHeaderPrefix let a single Redis Streams entry carry both
// the opaque payload and an arbitrary header set without a second encoding
// layer — XADD only accepts flat field/value pairs.
const (
	fieldValue        = "value"
	fieldHeaderPrefix = "hdr."
)

// RedisBusConfig configures the Redis-Streams-backed Bus.
type RedisBusConfig struct {
	Addr             string
	Password         string
	DB               int
	ConsumerName     string        // this process's consumer identity within any group it joins
	BlockTimeout     time.Duration // XREADGROUP BLOCK duration per poll
	ReadCount        int64         // XREADGROUP COUNT
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
}

// DefaultRedisBusConfig sets a 1s-doubling-to-30s reconnect backoff
// window so a dead Redis instance doesn't get hammered with reconnects.
func DefaultRedisBusConfig(addr string) RedisBusConfig {
	return RedisBusConfig{
		Addr:             addr,
		BlockTimeout:     5 * time.Second,
		ReadCount:        32,
		ReconnectMinWait: time.Second,
		ReconnectMaxWait: 30 * time.Second,
	}
}

// RedisBus is the production Bus: durable, partitioned-by-stream,
// at-least-once delivery via consumer groups, with failed deliveries
// routed to a per-topic dead-letter stream and then acked.
type RedisBus struct {
	client *redis.Client
	cfg    RedisBusConfig
	log    *zap.Logger
	closed bool
}

// NewRedisBus dials Redis and verifies connectivity before returning.
func NewRedisBus(cfg RedisBusConfig, log *zap.Logger) (*RedisBus, error) {
	if cfg.ConsumerName == "" {
		return nil, fmt.Errorf("transport: RedisBusConfig.ConsumerName is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("transport: redis ping: %w", err)
	}

	return &RedisBus{client: client, cfg: cfg, log: log}, nil
}

// Send appends value plus headers to topic as a single stream entry (XADD).
// The entry becomes durable as soon as Redis acknowledges the write —
// delivery to subscribers happens independently via consumer groups.
func (b *RedisBus) Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if b.closed {
		return ErrBusClosed
	}
	fields := map[string]any{fieldValue: value, "key": key}
	for k, v := range headers {
		fields[fieldHeaderPrefix+k] = v
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: fields,
	}).Err()
}

// Subscribe joins groupID on topic (creating both the stream and the group
// if absent) and loops XREADGROUP/handler/XACK until ctx is canceled. A
// handler error routes the message to the topic's dead-letter stream —
// the original entry is acked once the handler returns nil or the
// dead-letter write succeeds, and stays pending only if that write fails.
func (b *RedisBus) Subscribe(ctx context.Context, topic, groupID string, handler Handler) error {
	if b.closed {
		return ErrBusClosed
	}
	if err := b.ensureGroup(ctx, topic, groupID); err != nil {
		return err
	}

	op := func() (struct{}, error) {
		err := b.readLoop(ctx, topic, groupID, handler)
		if err != nil && ctx.Err() == nil {
			b.log.Warn("transport: read loop error, reconnecting", zap.String("topic", topic), zap.Error(err))
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.Multiplier = 2
	if b.cfg.ReconnectMinWait > 0 {
		bo.InitialInterval = b.cfg.ReconnectMinWait
	}
	if b.cfg.ReconnectMaxWait > 0 {
		bo.MaxInterval = b.cfg.ReconnectMaxWait
	}

	for ctx.Err() == nil {
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(bo),
			backoff.WithMaxElapsedTime(0),
		)
		if err != nil && ctx.Err() == nil {
			continue
		}
		return ctx.Err()
	}
	return ctx.Err()
}

func (b *RedisBus) ensureGroup(ctx context.Context, topic, groupID string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, groupID, "$").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists — not an error for us.
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("transport: create group %s/%s: %w", topic, groupID, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// readLoop runs one XREADGROUP/dispatch/XACK cycle at a time until it hits
// an error (signaling the caller to reconnect with backoff) or ctx is done.
func (b *RedisBus) readLoop(ctx context.Context, topic, groupID string, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupID,
			Consumer: b.cfg.ConsumerName,
			Streams:  []string{topic, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}

		for _, stream := range res {
			for _, rec := range stream.Messages {
				b.dispatch(ctx, topic, groupID, rec, handler)
			}
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, topic, groupID string, rec redis.XMessage, handler Handler) {
	msg := parseRecord(topic, rec)

	if err := handler(ctx, msg); err != nil {
		b.log.Warn("transport: handler failed, routing to dead letter",
			zap.String("topic", topic), zap.String("id", rec.ID), zap.Error(err))
		if dlErr := b.sendDeadLetter(ctx, topic, msg, err); dlErr != nil {
			b.log.Error("transport: dead-letter write failed, leaving message unacked for redelivery",
				zap.String("topic", topic), zap.String("id", rec.ID), zap.Error(dlErr))
			return
		}
	}

	if err := b.client.XAck(ctx, topic, groupID, rec.ID).Err(); err != nil {
		b.log.Error("transport: ack failed", zap.String("topic", topic), zap.String("id", rec.ID), zap.Error(err))
	}
}

func (b *RedisBus) sendDeadLetter(ctx context.Context, topic string, msg Message, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = topic
	headers[HeaderOriginalPartition] = "0" // single-partition streams in this deployment
	headers[HeaderOriginalOffset] = msg.ID
	headers[HeaderError] = cause.Error()

	return b.Send(ctx, DeadLetterTopic(topic), msg.Key, msg.Value, headers)
}

func parseRecord(topic string, rec redis.XMessage) Message {
	msg := Message{Topic: topic, ID: rec.ID, Headers: make(map[string]string)}
	for field, v := range rec.Values {
		s, _ := v.(string)
		switch {
		case field == fieldValue:
			msg.Value = []byte(s)
		case field == "key":
			msg.Key = s
		case len(field) > len(fieldHeaderPrefix) && field[:len(fieldHeaderPrefix)] == fieldHeaderPrefix:
			msg.Headers[field[len(fieldHeaderPrefix):]] = s
		}
	}
	return msg
}

// Close releases the underlying connection pool. Safe to call once.
func (b *RedisBus) Close() error {
	b.closed = true
	return b.client.Close()
}

// Ping verifies connectivity to the backing Redis instance, used by the
// health checker.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b.closed {
		return ErrBusClosed
	}
	return b.client.Ping(ctx).Err()
}
