package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/pr-ingest/internal/metrics"
	"go.uber.org/zap"
)

// BacklogPolicy selects which listed messages a notification processes
type BacklogPolicy string

const (
	// BacklogLatest processes only the newest message and drops older backlog
	BacklogLatest BacklogPolicy = "latest"
	// BacklogAll processes every listed message oldest first
	BacklogAll BacklogPolicy = "all"
)

// ConsumerConfig controls notification handling
type ConsumerConfig struct {
	Deadline      time.Duration
	MaxAttempts   int
	BacklogPolicy BacklogPolicy
	// Instance identifies this process in ledger ownership tokens
	Instance string
}

// Consumer turns notifications into pipeline runs and decides acknowledgment
type Consumer struct {
	provider MailProvider
	pipeline *Pipeline
	ledger   *Ledger
	marker   *HistoryMarker
	cfg      ConsumerConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewConsumer creates a new notification consumer
func NewConsumer(
	provider MailProvider,
	pipeline *Pipeline,
	ledger *Ledger,
	marker *HistoryMarker,
	cfg ConsumerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Consumer {
	if cfg.BacklogPolicy == "" {
		cfg.BacklogPolicy = BacklogLatest
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	return &Consumer{
		provider: provider,
		pipeline: pipeline,
		ledger:   ledger,
		marker:   marker,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// OnNotification handles one delivery attempt. Ack is returned only when every selected
// message is completed or dead-lettered, or when there is nothing to do.
func (c *Consumer) OnNotification(ctx context.Context, n Notification) AckDecision {
	start := time.Now()

	if c.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadline)
		defer cancel()
	}

	logger := c.logger.With(
		zap.String("queue_message_id", n.QueueMessageID),
		zap.Int("delivery_attempt", n.DeliveryAttempt))

	decision := c.handle(ctx, n, logger)
	c.metrics.ObserveNotification(decision.String(), time.Since(start))

	logger.Debug("Notification handled",
		zap.String("decision", decision.String()),
		zap.Duration("duration", time.Since(start)))

	return decision
}

func (c *Consumer) handle(ctx context.Context, n Notification, logger *zap.Logger) AckDecision {
	event, err := c.provider.DecodeNotification(n.Payload)
	if err != nil {
		logger.Warn("Discarding undecodable notification", zap.Error(err))
		c.metrics.ObserveOutcome("undecodable")
		return Ack
	}

	logger = logger.With(
		zap.String("email_address", event.EmailAddress),
		zap.Uint64("history_id", event.HistoryID))

	marker := c.marker.Current()
	if event.HistoryID != 0 && marker != 0 && event.HistoryID <= marker {
		logger.Debug("Notification references an already observed mailbox state",
			zap.Uint64("marker", marker))
		c.metrics.ObserveOutcome("stale_notification")
		return Ack
	}

	summaries, err := c.provider.ListSince(ctx, marker)
	if err != nil {
		c.logProviderError(logger, "Failed to list messages", err)
		return Nack
	}

	if len(summaries) == 0 {
		c.marker.Advance(event.HistoryID)
		c.metrics.ObserveOutcome("no_messages")
		return Ack
	}

	selected := c.selectMessages(summaries, logger)

	decision := Ack
	highest := event.HistoryID
	for _, summary := range selected {
		if c.processMessage(ctx, summary, logger) == Nack {
			decision = Nack
			continue
		}
		if summary.HistoryID > highest {
			highest = summary.HistoryID
		}
	}

	if decision == Ack {
		c.marker.Advance(highest)
	}

	return decision
}

// selectMessages applies the backlog policy; summaries are ordered oldest first
func (c *Consumer) selectMessages(summaries []MessageSummary, logger *zap.Logger) []MessageSummary {
	if c.cfg.BacklogPolicy == BacklogAll || len(summaries) == 1 {
		return summaries
	}

	skipped := len(summaries) - 1
	logger.Info("Dropping older backlog, processing newest message only",
		zap.Int("skipped", skipped),
		zap.String("message_id", summaries[len(summaries)-1].ID))
	c.metrics.AddBacklogSkipped(skipped)

	return summaries[len(summaries)-1:]
}

func (c *Consumer) processMessage(ctx context.Context, summary MessageSummary, logger *zap.Logger) AckDecision {
	logger = logger.With(zap.String("message_id", summary.ID))
	owner := c.cfg.Instance + "/" + uuid.NewString()

	outcome, entry, err := c.ledger.Begin(ctx, summary.ID, owner)
	if err != nil {
		logger.Error("Failed to begin ledger entry", zap.Error(err))
		c.metrics.ObserveOutcome("ledger_error")
		return Nack
	}

	if outcome == AlreadyOwned {
		if entry.Status.Terminal() {
			logger.Debug("Message already handled", zap.String("status", string(entry.Status)))
			c.metrics.ObserveOutcome("duplicate")
			return Ack
		}
		logger.Info("Message owned by another attempt, leaving for redelivery",
			zap.String("status", string(entry.Status)),
			zap.Time("last_attempt_at", entry.LastAttemptAt))
		c.metrics.ObserveOutcome("owned_elsewhere")
		return Nack
	}

	if c.cfg.MaxAttempts > 0 && entry.Attempts > c.cfg.MaxAttempts {
		if err := c.ledger.DeadLetter(ctx, summary.ID, owner, entry.LastError); err != nil {
			logger.Error("Failed to dead-letter message", zap.Error(err))
			return Nack
		}
		logger.Error("Message dead-lettered after exhausting attempts",
			zap.Int("attempts", entry.Attempts-1),
			zap.String("last_error", entry.LastError))
		c.metrics.IncDeadLetter()
		c.metrics.ObserveOutcome("dead_letter")
		return Ack
	}

	record, err := c.pipeline.Run(ctx, summary.ID)
	if err != nil {
		return c.handleFailure(ctx, summary.ID, owner, err, logger)
	}

	if err := c.ledger.Commit(ctx, summary.ID, owner); err != nil {
		logger.Error("Failed to commit ledger entry after write", zap.Error(err))
		c.metrics.ObserveOutcome("commit_error")
		return Nack
	}

	logger.Info("Message processed",
		zap.Bool("is_press_release", record.IsPressRelease),
		zap.String("content_kind", string(record.ContentKind)),
		zap.String("source_url", record.SourceURL))
	c.metrics.ObserveOutcome("completed")

	return Ack
}

func (c *Consumer) handleFailure(ctx context.Context, messageID, owner string, err error, logger *zap.Logger) AckDecision {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// Left in_progress; the liveness threshold lets a later attempt reclaim it
		logger.Warn("Pipeline abandoned at deadline", zap.Error(err))
		c.metrics.ObserveOutcome("deadline")
		return Nack

	case errors.Is(err, ErrMessageNotFound):
		if cerr := c.ledger.Commit(ctx, messageID, owner); cerr != nil {
			logger.Error("Failed to commit ledger entry for deleted message", zap.Error(cerr))
			return Nack
		}
		logger.Info("Message no longer exists, treating as handled")
		c.metrics.ObserveOutcome("not_found")
		return Ack

	case errors.Is(err, ErrContentShape):
		// Redelivery cannot repair malformed input
		if derr := c.ledger.DeadLetter(ctx, messageID, owner, err.Error()); derr != nil {
			logger.Error("Failed to dead-letter malformed message", zap.Error(derr))
			return Nack
		}
		logger.Error("Message is malformed beyond fallback, dead-lettered", zap.Error(err))
		c.metrics.IncDeadLetter()
		c.metrics.ObserveOutcome("malformed")
		return Ack
	}

	c.logProviderError(logger, "Pipeline failed", err)
	c.metrics.ObserveOutcome("failed")

	if ferr := c.ledger.Fail(ctx, messageID, owner, err); ferr != nil {
		logger.Error("Failed to mark ledger entry failed", zap.Error(ferr))
	}

	return Nack
}

func (c *Consumer) logProviderError(logger *zap.Logger, msg string, err error) {
	switch {
	case errors.Is(err, ErrAuthExpired):
		logger.Error(msg+": provider credentials need refreshing", zap.Error(err))
	case IsInvariant(err):
		logger.Error(msg+": invariant violation", zap.Error(err))
	case IsTransient(err):
		logger.Warn(msg, zap.Error(err))
	default:
		logger.Error(msg, zap.Error(err))
	}
}
