package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
)

// MemoryStore is an in-process LedgerStore. It serializes per process only and
// is meant for single-instance deployments and tests.
type MemoryStore struct {
	entries     map[string]core.LedgerEntry
	mu          sync.Mutex
	logger      *zap.Logger
	retention   time.Duration
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore creates a new in-memory ledger store. Terminal entries older than
// retention are purged every cleanupFreq; a zero retention keeps everything.
func NewMemoryStore(logger *zap.Logger, retention, cleanupFreq time.Duration) *MemoryStore {
	store := &MemoryStore{
		entries:     make(map[string]core.LedgerEntry),
		logger:      logger,
		retention:   retention,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	if retention > 0 && cleanupFreq > 0 {
		go store.startCleanupTask()
	}

	return store
}

// Create inserts entry if the id is unknown
func (s *MemoryStore) Create(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.MessageID]; ok {
		return false, nil
	}
	s.entries[entry.MessageID] = *entry
	return true, nil
}

// Load returns a copy of the entry
func (s *MemoryStore) Load(ctx context.Context, messageID string) (*core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[messageID]
	if !ok {
		return nil, core.ErrEntryNotFound
	}
	return &entry, nil
}

// CompareAndSwap replaces the entry when the stored version matches
func (s *MemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *core.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[next.MessageID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	s.entries[next.MessageID] = *next
	return true, nil
}

// Cleanup removes terminal entries whose last attempt is older than the retention
func (s *MemoryStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for id, entry := range s.entries {
		if entry.Status.Terminal() && entry.LastAttemptAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}

	s.logger.Debug("Purged old ledger entries", zap.Int("removed", removed))
	return nil
}

func (s *MemoryStore) startCleanupTask() {
	ticker := time.NewTicker(s.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Cleanup(context.Background()); err != nil {
				s.logger.Error("Failed to purge ledger entries", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
