package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mikey/pr-ingest/internal/adapters/queue"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// QueueFactory creates notification sources based on configuration
type QueueFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewQueueFactory creates a new queue factory
func NewQueueFactory(cfg *config.Config, logger *zap.Logger) *QueueFactory {
	return &QueueFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateNotificationSource creates the queue the consumer receives from
func (f *QueueFactory) CreateNotificationSource(ctx context.Context, redisClient *redis.Client) (core.NotificationSource, error) {
	queueCfg, err := f.cfg.GetQueue()
	if err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	switch queueCfg.Type {
	case "pubsub":
		pubsubCfg := f.cfg.GetPubSub()
		if pubsubCfg.ProjectID == "" {
			return nil, fmt.Errorf("pubsub project id is required")
		}
		var opts []option.ClientOption
		if pubsubCfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(pubsubCfg.CredentialsFile))
		}
		return queue.NewPubSubSource(ctx, queue.PubSubConfig{
			ProjectID:      pubsubCfg.ProjectID,
			Subscription:   pubsubCfg.Subscription,
			Topic:          pubsubCfg.Topic,
			Workers:        queueCfg.Workers,
			MaxOutstanding: pubsubCfg.MaxOutstanding,
			AckDeadline:    queueCfg.VisibilityTimeout,
		}, f.logger, opts...)
	case "push":
		return queue.NewPushSource(f.cfg.GetPush().Token, f.logger), nil
	case "redis":
		redisCfg := f.cfg.GetRedis()
		return queue.NewRedisStreamQueue(redisClient, queue.RedisStreamConfig{
			Stream:            redisCfg.Stream,
			Group:             redisCfg.Group,
			Consumer:          consumerName(),
			Workers:           queueCfg.Workers,
			VisibilityTimeout: queueCfg.VisibilityTimeout,
		}, f.logger), nil
	case "channel":
		return queue.NewChannelQueue(queueCfg.Capacity, queueCfg.Workers, queueCfg.RedeliveryDelay, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", queueCfg.Type)
	}
}

func consumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
