package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/pr-ingest/internal/metrics"
	"go.uber.org/zap"
)

// Ledger enforces at-most-once processing per message id on top of a LedgerStore.
// All transitions are conditional writes; the store is the only serialization point.
type Ledger struct {
	store    LedgerStore
	liveness time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewLedger creates a new dedup ledger
func NewLedger(store LedgerStore, liveness time.Duration, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		liveness: liveness,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// Begin claims messageID for owner. Exactly one concurrent caller receives Acquired.
// Failed entries and in_progress entries older than the liveness threshold are reclaimed.
func (l *Ledger) Begin(ctx context.Context, messageID, owner string) (BeginOutcome, *LedgerEntry, error) {
	if messageID == "" {
		return AlreadyOwned, nil, fmt.Errorf("ledger begin without message id: %w", ErrInvariantViolation)
	}

	now := l.now().UTC()
	entry := &LedgerEntry{
		MessageID:     messageID,
		Status:        LedgerInProgress,
		Attempts:      1,
		Owner:         owner,
		Version:       1,
		LastAttemptAt: now,
	}

	created, err := l.store.Create(ctx, entry)
	if err != nil {
		return AlreadyOwned, nil, fmt.Errorf("failed to create ledger entry: %w: %w", ErrTransient, err)
	}
	if created {
		l.metrics.ObserveLedgerBegin(Acquired.String(), "absent")
		return Acquired, entry, nil
	}

	existing, err := l.store.Load(ctx, messageID)
	if err != nil {
		return AlreadyOwned, nil, fmt.Errorf("failed to load ledger entry: %w: %w", ErrTransient, err)
	}

	if !l.reclaimable(existing, now) {
		l.metrics.ObserveLedgerBegin(AlreadyOwned.String(), string(existing.Status))
		return AlreadyOwned, existing, nil
	}

	next := *existing
	next.Status = LedgerInProgress
	next.Attempts = existing.Attempts + 1
	next.Owner = owner
	next.Version = existing.Version + 1
	next.LastAttemptAt = now

	swapped, err := l.store.CompareAndSwap(ctx, existing.Version, &next)
	if err != nil {
		return AlreadyOwned, nil, fmt.Errorf("failed to reclaim ledger entry: %w: %w", ErrTransient, err)
	}
	if !swapped {
		// Another worker reclaimed it first
		l.metrics.ObserveLedgerBegin(AlreadyOwned.String(), string(existing.Status))
		return AlreadyOwned, existing, nil
	}

	l.logger.Info("Reclaimed ledger entry",
		zap.String("message_id", messageID),
		zap.String("previous_status", string(existing.Status)),
		zap.Int("attempts", next.Attempts))
	l.metrics.ObserveLedgerBegin(Acquired.String(), string(existing.Status))

	return Acquired, &next, nil
}

func (l *Ledger) reclaimable(entry *LedgerEntry, now time.Time) bool {
	switch entry.Status {
	case LedgerFailed:
		return true
	case LedgerInProgress:
		return l.liveness > 0 && now.Sub(entry.LastAttemptAt) > l.liveness
	default:
		return false
	}
}

// Commit marks an owned in_progress entry completed
func (l *Ledger) Commit(ctx context.Context, messageID, owner string) error {
	return l.transition(ctx, messageID, owner, LedgerCompleted, "")
}

// Fail marks an owned in_progress entry failed so a redelivery can retry it
func (l *Ledger) Fail(ctx context.Context, messageID, owner string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return l.transition(ctx, messageID, owner, LedgerFailed, reason)
}

// DeadLetter marks an owned in_progress entry as terminally failed
func (l *Ledger) DeadLetter(ctx context.Context, messageID, owner, reason string) error {
	return l.transition(ctx, messageID, owner, LedgerDeadLetter, reason)
}

func (l *Ledger) transition(ctx context.Context, messageID, owner string, status LedgerStatus, reason string) error {
	current, err := l.store.Load(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger entry %s missing on %s: %w", messageID, status, ErrInvariantViolation)
		}
		return fmt.Errorf("failed to load ledger entry: %w: %w", ErrTransient, err)
	}

	if current.Status != LedgerInProgress || current.Owner != owner {
		return fmt.Errorf("ledger entry %s is %s owned by %q, cannot move to %s: %w",
			messageID, current.Status, current.Owner, status, ErrInvariantViolation)
	}

	next := *current
	next.Status = status
	next.Version = current.Version + 1
	if reason != "" {
		next.LastError = reason
	}

	swapped, err := l.store.CompareAndSwap(ctx, current.Version, &next)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w: %w", ErrTransient, err)
	}
	if !swapped {
		return fmt.Errorf("ledger entry %s changed concurrently: %w", messageID, ErrInvariantViolation)
	}

	l.logger.Debug("Ledger transition",
		zap.String("message_id", messageID),
		zap.String("status", string(status)),
		zap.Int("attempts", next.Attempts))

	return nil
}
