package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mikey/pr-ingest/internal/metrics"
	"go.uber.org/zap"
)

// WriterConfig controls result writer retries
type WriterConfig struct {
	Prefix         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ResultWriter serializes records and stores them write-once under a deterministic key
type ResultWriter struct {
	store   ObjectStore
	cfg     WriterConfig
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResultWriter creates a new result writer
func NewResultWriter(store ObjectStore, cfg WriterConfig, m *metrics.Metrics, logger *zap.Logger) *ResultWriter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &ResultWriter{
		store:   store,
		cfg:     cfg,
		sleep:   sleepContext,
		metrics: m,
		logger:  logger,
	}
}

// RecordKey returns the object key for a message id
func RecordKey(prefix, messageID string) string {
	return prefix + messageID + ".json"
}

// MarshalRecord encodes a record deterministically
func MarshalRecord(record *PersistedRecord) ([]byte, error) {
	normalized := *record
	normalized.EmailDate = normalized.EmailDate.UTC()
	normalized.ProcessedAt = normalized.ProcessedAt.UTC()
	if normalized.PublishedAt != nil {
		published := normalized.PublishedAt.UTC()
		normalized.PublishedAt = &published
	}
	return json.MarshalIndent(&normalized, "", "  ")
}

// Write persists record, retrying store errors with exponential backoff.
// Invariant violations such as an unusable key are returned without retry.
func (w *ResultWriter) Write(ctx context.Context, record *PersistedRecord) error {
	if record == nil || record.MessageID == "" {
		return fmt.Errorf("record without message id: %w", ErrInvariantViolation)
	}

	data, err := MarshalRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w: %w", ErrInvariantViolation, err)
	}

	key := RecordKey(w.cfg.Prefix, record.MessageID)
	backoff := w.cfg.InitialBackoff

	var lastErr error
	attempt := 0
	for attempt < w.cfg.MaxAttempts {
		attempt++

		err := w.store.PutIfAbsent(ctx, key, data)
		if err == nil {
			w.metrics.ObserveWriteAttempt("created")
			w.logger.Info("Persisted record",
				zap.String("key", key),
				zap.Bool("is_press_release", record.IsPressRelease))
			return nil
		}
		if errors.Is(err, ErrObjectExists) {
			w.metrics.ObserveWriteAttempt("exists")
			return w.verifyExisting(ctx, key, data)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("write %s abandoned: %w", key, ctx.Err())
		}
		if IsInvariant(err) {
			w.metrics.ObserveWriteAttempt("rejected")
			return fmt.Errorf("write %s rejected: %w", key, err)
		}

		w.metrics.ObserveWriteAttempt("error")
		lastErr = err
		w.logger.Warn("Failed to write record",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt >= w.cfg.MaxAttempts {
			break
		}
		if err := w.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("write %s abandoned: %w", key, err)
		}
		backoff *= 2
		if w.cfg.MaxBackoff > 0 && backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}

	return &WriteFailure{Key: key, Attempts: attempt, Err: lastErr}
}

// verifyExisting treats an existing object as success; the first persisted version wins
func (w *ResultWriter) verifyExisting(ctx context.Context, key string, data []byte) error {
	existing, err := w.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read existing record %s: %w: %w", key, ErrTransient, err)
	}

	if bytes.Equal(existing, data) {
		w.logger.Debug("Record already persisted with identical content", zap.String("key", key))
		return nil
	}

	w.logger.Warn("Record already persisted with different content, keeping existing",
		zap.String("key", key),
		zap.Int("existing_size", len(existing)),
		zap.Int("new_size", len(data)))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
