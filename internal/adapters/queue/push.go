package queue

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
)

// PushEnvelope is the body of a Pub/Sub push delivery
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription    string `json:"subscription"`
	DeliveryAttempt int    `json:"deliveryAttempt"`
}

// PushSource receives notifications as HTTP push deliveries. A 2xx response
// acknowledges; anything else makes the queue redeliver.
type PushSource struct {
	token  string
	logger *zap.Logger

	mu      sync.RWMutex
	handler core.Handler
	ctx     context.Context
}

// NewPushSource creates a new PushSource. A non-empty token must be passed as
// the token query parameter on every delivery.
func NewPushSource(token string, logger *zap.Logger) *PushSource {
	return &PushSource{token: token, logger: logger}
}

// Register mounts the push endpoint
func (s *PushSource) Register(router fiber.Router, path string) {
	router.Post(path, s.handlePush)
}

// Receive installs handler and blocks until ctx is done
func (s *PushSource) Receive(ctx context.Context, handler core.Handler) error {
	s.mu.Lock()
	s.handler = handler
	s.ctx = ctx
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	return nil
}

// Close is a no-op; the HTTP server owns the listener
func (s *PushSource) Close() error {
	return nil
}

func (s *PushSource) handlePush(c *fiber.Ctx) error {
	if s.token != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(s.token)) != 1 {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	s.mu.RLock()
	handler, ctx := s.handler, s.ctx
	s.mu.RUnlock()
	if handler == nil {
		return c.SendStatus(fiber.StatusServiceUnavailable)
	}

	var envelope PushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		// a body that never parses would be redelivered forever
		s.logger.Warn("Dropping unparseable push delivery", zap.Error(err))
		return c.SendStatus(fiber.StatusNoContent)
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		s.logger.Warn("Dropping push delivery with invalid data",
			zap.String("queue_message_id", envelope.Message.MessageID),
			zap.Error(err))
		return c.SendStatus(fiber.StatusNoContent)
	}

	attempt := envelope.DeliveryAttempt
	if attempt == 0 {
		attempt, _ = strconv.Atoi(c.Get("X-Goog-Delivery-Attempt"))
	}

	n := core.Notification{
		QueueMessageID:  envelope.Message.MessageID,
		ReceivedAt:      time.Now(),
		Payload:         payload,
		DeliveryAttempt: attempt,
	}

	if handler(ctx, n) == core.Ack {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.SendStatus(fiber.StatusServiceUnavailable)
}
