package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when publishing to a closed queue
var ErrClosed = errors.New("queue closed")

// ChannelQueue is an in-process NotificationSource with at-least-once
// redelivery of nacked notifications
type ChannelQueue struct {
	ch              chan core.Notification
	workers         int
	redeliveryDelay time.Duration
	logger          *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewChannelQueue creates a new ChannelQueue
func NewChannelQueue(capacity, workers int, redeliveryDelay time.Duration, logger *zap.Logger) *ChannelQueue {
	if workers <= 0 {
		workers = 1
	}
	return &ChannelQueue{
		ch:              make(chan core.Notification, capacity),
		workers:         workers,
		redeliveryDelay: redeliveryDelay,
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// Publish enqueues payload as a new notification
func (q *ChannelQueue) Publish(ctx context.Context, payload []byte) error {
	return q.enqueue(ctx, core.Notification{
		QueueMessageID:  uuid.NewString(),
		ReceivedAt:      time.Now(),
		Payload:         payload,
		DeliveryAttempt: 1,
	})
}

func (q *ChannelQueue) enqueue(ctx context.Context, n core.Notification) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.ch <- n:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive runs the configured number of workers until ctx is done or the queue is closed
func (q *ChannelQueue) Receive(ctx context.Context, handler core.Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-q.done:
					return nil
				case n := <-q.ch:
					if handler(ctx, n) == core.Nack {
						q.redeliver(n)
					}
				}
			}
		})
	}

	return g.Wait()
}

func (q *ChannelQueue) redeliver(n core.Notification) {
	n.DeliveryAttempt++
	n.ReceivedAt = time.Now()

	time.AfterFunc(q.redeliveryDelay, func() {
		if err := q.enqueue(context.Background(), n); err != nil {
			q.logger.Warn("Dropping notification on redelivery",
				zap.String("queue_message_id", n.QueueMessageID),
				zap.Error(err))
		}
	})
}

// Close stops delivery; pending notifications are discarded
func (q *ChannelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
