package queue

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// PubSubConfig configures the Pub/Sub subscriber
type PubSubConfig struct {
	ProjectID      string
	Subscription   string
	Topic          string
	Workers        int
	MaxOutstanding int
	AckDeadline    time.Duration
}

// PubSubSource receives notifications from a Pub/Sub pull subscription
type PubSubSource struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubSource creates a new PubSubSource
func NewPubSubSource(ctx context.Context, cfg PubSubConfig, logger *zap.Logger, opts ...option.ClientOption) (*PubSubSource, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	sub := client.Subscription(cfg.Subscription)
	if cfg.Workers > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.Workers
	}
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	if cfg.AckDeadline > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.AckDeadline
	}

	source := &PubSubSource{
		client: client,
		sub:    sub,
		logger: logger,
	}
	if cfg.Topic != "" {
		source.topic = client.Topic(cfg.Topic)
	}
	return source, nil
}

// Receive dispatches messages to handler until ctx is done
func (s *PubSubSource) Receive(ctx context.Context, handler core.Handler) error {
	s.logger.Info("Listening for notifications", zap.String("subscription", s.sub.ID()))

	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		n := core.Notification{
			QueueMessageID: m.ID,
			ReceivedAt:     time.Now(),
			Payload:        m.Data,
		}
		if m.DeliveryAttempt != nil {
			n.DeliveryAttempt = *m.DeliveryAttempt
		}

		if handler(ctx, n) == core.Ack {
			m.Ack()
		} else {
			m.Nack()
		}
	})
	if err != nil {
		return fmt.Errorf("pubsub receive failed: %w", err)
	}
	return nil
}

// Publish sends payload to the configured topic
func (s *PubSubSource) Publish(ctx context.Context, payload []byte) error {
	if s.topic == nil {
		return fmt.Errorf("no pubsub topic configured")
	}
	if _, err := s.topic.Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close stops the topic and closes the client
func (s *PubSubSource) Close() error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return s.client.Close()
}
