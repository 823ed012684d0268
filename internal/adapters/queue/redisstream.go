package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/pr-ingest/internal/core"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RedisStreamConfig configures the Redis Streams queue
type RedisStreamConfig struct {
	Stream            string
	Group             string
	Consumer          string
	Workers           int
	Block             time.Duration
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
}

// RedisStreamQueue is a NotificationSource on a Redis stream consumer group.
// Nacked entries stay pending and are reclaimed after the visibility timeout.
type RedisStreamQueue struct {
	client redis.UniversalClient
	cfg    RedisStreamConfig
	logger *zap.Logger
}

// NewRedisStreamQueue creates a new RedisStreamQueue
func NewRedisStreamQueue(client redis.UniversalClient, cfg RedisStreamConfig, logger *zap.Logger) *RedisStreamQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	return &RedisStreamQueue{client: client, cfg: cfg, logger: logger}
}

// Publish appends payload to the stream
func (q *RedisStreamQueue) Publish(ctx context.Context, payload []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it does not exist
func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Receive reads new entries with worker goroutines and periodically reclaims
// entries left pending past the visibility timeout
func (q *RedisStreamQueue) Receive(ctx context.Context, handler core.Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	q.logger.Info("Listening for notifications",
		zap.String("stream", q.cfg.Stream),
		zap.String("group", q.cfg.Group),
		zap.String("consumer", q.cfg.Consumer))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", q.cfg.Consumer, i)
		g.Go(func() error {
			q.readLoop(ctx, consumer, handler)
			return nil
		})
	}
	g.Go(func() error {
		q.claimLoop(ctx, handler)
		return nil
	})

	return g.Wait()
}

func (q *RedisStreamQueue) readLoop(ctx context.Context, consumer string, handler core.Handler) {
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Error("Failed to read from stream", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.dispatch(ctx, msg, 1, handler)
			}
		}
	}
}

// ReclaimPending claims entries idle longer than the visibility timeout and
// dispatches them again
func (q *RedisStreamQueue) ReclaimPending(ctx context.Context, handler core.Handler) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Idle:   q.cfg.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to list pending entries: %w", err)
	}

	for _, p := range pending {
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer + "-reclaim",
			MinIdle:  q.cfg.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			q.logger.Error("Failed to claim pending entry", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		for _, msg := range claimed {
			q.dispatch(ctx, msg, int(p.RetryCount)+1, handler)
		}
	}
	return nil
}

func (q *RedisStreamQueue) claimLoop(ctx context.Context, handler core.Handler) {
	ticker := time.NewTicker(q.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.ReclaimPending(ctx, handler); err != nil {
				q.logger.Error("Failed to reclaim pending notifications", zap.Error(err))
			}
		}
	}
}

func (q *RedisStreamQueue) dispatch(ctx context.Context, msg redis.XMessage, attempt int, handler core.Handler) {
	data, _ := msg.Values["data"].(string)

	n := core.Notification{
		QueueMessageID:  msg.ID,
		ReceivedAt:      time.Now(),
		Payload:         []byte(data),
		DeliveryAttempt: attempt,
	}

	if handler(ctx, n) != core.Ack {
		return
	}
	if err := q.client.XAck(context.WithoutCancel(ctx), q.cfg.Stream, q.cfg.Group, msg.ID).Err(); err != nil {
		q.logger.Error("Failed to acknowledge notification", zap.String("id", msg.ID), zap.Error(err))
	}
}

// Close is a no-op; the redis client is shared and closed by its owner
func (q *RedisStreamQueue) Close() error {
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
