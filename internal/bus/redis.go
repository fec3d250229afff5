package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"atrium/internal/acp"
	atriumerrors "atrium/internal/errors"
	"atrium/internal/logging"
)

const (
	envelopeField = "envelope"
	readBlock     = 2 * time.Second
	readCount     = 16
	reclaimIdle   = 30 * time.Second
)

// publishRetry rides out short network blips on XAdd. Anything that survives
// these attempts surfaces to the caller, whose own requeue path takes over.
var publishRetry = atriumerrors.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    100 * time.Millisecond,
	MaxDelay:     time.Second,
	JitterFactor: 0.2,
}

// RedisBus implements Bus on Redis Streams. Each topic is a stream; each
// subscriber group is a consumer group, which yields at-least-once delivery
// with claim semantics inside a group and fan-out across groups. Unacked
// messages are reclaimed after reclaimIdle, so a crashed consumer's work is
// redelivered to a peer.
type RedisBus struct {
	client   *redis.Client
	consumer string
	logger   logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus constructs a Redis Streams bus. The consumer name must be unique
// per process (typically hostname plus pid).
func NewRedisBus(client *redis.Client, consumer string, logger logging.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		consumer: consumer,
		logger:   logging.OrNop(logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// MustRedisClient parses a Redis URL and returns a client, panicking on a bad
// URL. Connection failures surface on first use.
func MustRedisClient(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		panic(fmt.Sprintf("redis: %v", err))
	}
	return redis.NewClient(opt)
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg acp.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	err = atriumerrors.Retry(ctx, publishRetry, func(ctx context.Context) error {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]any{envelopeField: string(encoded)},
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	err := b.client.XGroupCreateMkStream(b.ctx, topic, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}

	b.wg.Add(1)
	go b.consume(topic, group, handler)
	return nil
}

func (b *RedisBus) consume(topic, group string, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.reclaim(topic, group, handler)

		streams, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			b.logger.Warn("read %s (group %s) failed: %v", topic, group, err)
			select {
			case <-time.After(time.Second):
			case <-b.ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.handleEntry(topic, group, entry, handler)
			}
		}
	}
}

// reclaim takes over messages a dead consumer left pending.
func (b *RedisBus) reclaim(topic, group string, handler Handler) {
	entries, _, err := b.client.XAutoClaim(b.ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  reclaimIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			b.logger.Debug("autoclaim %s (group %s): %v", topic, group, err)
		}
		return
	}
	for _, entry := range entries {
		b.handleEntry(topic, group, entry, handler)
	}
}

func (b *RedisBus) handleEntry(topic, group string, entry redis.XMessage, handler Handler) {
	raw, ok := entry.Values[envelopeField].(string)
	if !ok {
		b.logger.Error("entry %s on %s has no envelope field, dead-lettering", entry.ID, topic)
		b.deadLetter(topic, entry)
		b.ack(topic, group, entry.ID)
		return
	}

	msg, err := acp.Decode([]byte(raw))
	if err != nil {
		b.logger.Error("malformed envelope %s on %s: %v", entry.ID, topic, err)
		b.deadLetter(topic, entry)
		b.ack(topic, group, entry.ID)
		return
	}

	if err := handler(b.ctx, msg); err != nil {
		// Malformed or explicitly permanent failures never heal on redelivery.
		if errors.Is(err, acp.ErrMalformed) || atriumerrors.IsPermanent(err) {
			b.deadLetter(topic, entry)
			b.ack(topic, group, entry.ID)
			return
		}
		// Leave unacked so the message is redelivered after reclaimIdle.
		b.logger.Warn("handler failed on %s (group %s), leaving for redelivery: %v", topic, group, err)
		return
	}
	b.ack(topic, group, entry.ID)
}

func (b *RedisBus) deadLetter(topic string, entry redis.XMessage) {
	values := map[string]any{"source": topic}
	for k, v := range entry.Values {
		values[k] = v
	}
	if err := b.client.XAdd(b.ctx, &redis.XAddArgs{
		Stream: string(acp.ChannelDeadLetter),
		Values: values,
	}).Err(); err != nil {
		b.logger.Error("dead-letter publish failed for %s: %v", entry.ID, err)
	}
}

func (b *RedisBus) ack(topic, group, entryID string) {
	if err := b.client.XAck(b.ctx, topic, group, entryID).Err(); err != nil {
		b.logger.Warn("ack %s on %s failed: %v", entryID, topic, err)
	}
}

// Close stops all consumers and releases the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("already closed")
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
