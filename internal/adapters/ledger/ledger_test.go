package ledger_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/adapters/ledger"
	"github.com/mikey/pr-ingest/internal/core"
)

type storeFactory func(t *testing.T) core.LedgerStore

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) core.LedgerStore {
			s := ledger.NewMemoryStore(zap.NewNop(), 0, 0)
			t.Cleanup(s.Stop)
			return s
		},
		"sqlite": func(t *testing.T) core.LedgerStore {
			path := filepath.Join(t.TempDir(), "ledger.db")
			s, err := ledger.NewSQLStore(ledger.DriverSQLite, path, zap.NewNop(), 0, 0)
			require.NoError(t, err)
			t.Cleanup(s.Stop)
			return s
		},
		"redis": func(t *testing.T) core.LedgerStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return ledger.NewRedisStore(client, "test:ledger:", time.Hour, zap.NewNop())
		},
	}
}

func TestStoreCreateIsConditional(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			entry := &core.LedgerEntry{
				MessageID:     "m1",
				Status:        core.LedgerInProgress,
				Attempts:      1,
				Owner:         "a",
				Version:       1,
				LastAttemptAt: time.Now().UTC().Truncate(time.Millisecond),
			}

			created, err := store.Create(ctx, entry)
			require.NoError(t, err)
			assert.True(t, created)

			other := *entry
			other.Owner = "b"
			created, err = store.Create(ctx, &other)
			require.NoError(t, err)
			assert.False(t, created)

			loaded, err := store.Load(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, "a", loaded.Owner)
			assert.Equal(t, core.LedgerInProgress, loaded.Status)
			assert.True(t, entry.LastAttemptAt.Equal(loaded.LastAttemptAt))

			_, err = store.Load(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrEntryNotFound)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			entry := &core.LedgerEntry{MessageID: "m2", Status: core.LedgerInProgress, Attempts: 1, Owner: "a", Version: 1, LastAttemptAt: time.Now()}
			_, err := store.Create(ctx, entry)
			require.NoError(t, err)

			next := *entry
			next.Status = core.LedgerCompleted
			next.Version = 2

			swapped, err := store.CompareAndSwap(ctx, 1, &next)
			require.NoError(t, err)
			assert.True(t, swapped)

			stale := *entry
			stale.Status = core.LedgerFailed
			stale.Version = 2
			swapped, err = store.CompareAndSwap(ctx, 1, &stale)
			require.NoError(t, err)
			assert.False(t, swapped)

			loaded, err := store.Load(ctx, "m2")
			require.NoError(t, err)
			assert.Equal(t, core.LedgerCompleted, loaded.Status)
			assert.Equal(t, int64(2), loaded.Version)

			missing := next
			missing.MessageID = "nope"
			swapped, err = store.CompareAndSwap(ctx, 1, &missing)
			require.NoError(t, err)
			assert.False(t, swapped)
		})
	}
}

func TestLedgerBeginMutualExclusion(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			l := core.NewLedger(newStore(t), time.Minute, nil, zap.NewNop())

			const workers = 16
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				acquired int
				owned    int
			)

			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					outcome, _, err := l.Begin(context.Background(), "same-id", "worker")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if outcome == core.Acquired {
						acquired++
					} else {
						owned++
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, acquired)
			assert.Equal(t, workers-1, owned)
		})
	}
}

func TestMemoryStoreCleanupPurgesOldTerminalEntries(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore(zap.NewNop(), time.Hour, 0)
	defer store.Stop()

	old := time.Now().Add(-2 * time.Hour)
	_, _ = store.Create(ctx, &core.LedgerEntry{MessageID: "done", Status: core.LedgerCompleted, Version: 1, LastAttemptAt: old})
	_, _ = store.Create(ctx, &core.LedgerEntry{MessageID: "busy", Status: core.LedgerInProgress, Version: 1, LastAttemptAt: old})
	_, _ = store.Create(ctx, &core.LedgerEntry{MessageID: "recent", Status: core.LedgerCompleted, Version: 1, LastAttemptAt: time.Now()})

	require.NoError(t, store.Cleanup(ctx))

	_, err := store.Load(ctx, "done")
	assert.ErrorIs(t, err, core.ErrEntryNotFound)
	_, err = store.Load(ctx, "busy")
	assert.NoError(t, err)
	_, err = store.Load(ctx, "recent")
	assert.NoError(t, err)
}
