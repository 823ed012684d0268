package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/adapters/store"
	"github.com/mikey/pr-ingest/internal/core"
)

// flakyStore fails the first n writes with err, or a connection reset
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	puts     int
	err      error
}

func (s *flakyStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.puts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.PutIfAbsent(ctx, key, data)
}

func testRecord(id string) *core.PersistedRecord {
	return &core.PersistedRecord{
		MessageID:      id,
		Subject:        "Broadband grants announced",
		From:           "press@agency.gov",
		EmailDate:      time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC),
		IsPressRelease: true,
		ContentKind:    core.ContentKindInline,
		BodyKind:       core.BodyKindInlineHTML,
		ModelUsed:      "test-model",
		ProcessedAt:    time.Date(2024, 5, 1, 18, 31, 0, 0, time.UTC),
	}
}

func newTestWriter(s core.ObjectStore, attempts int) *core.ResultWriter {
	return core.NewResultWriter(s, core.WriterConfig{
		Prefix:         testPrefix,
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, nil, zap.NewNop())
}

func TestResultWriterIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	objects := store.NewMemoryStore()
	w := newTestWriter(objects, 3)

	first := testRecord("m1")
	require.NoError(t, w.Write(ctx, first))
	require.NoError(t, w.Write(ctx, first), "identical rewrite succeeds")

	changed := testRecord("m1")
	changed.IsPressRelease = false
	require.NoError(t, w.Write(ctx, changed), "existing object wins")

	data, err := objects.Get(ctx, core.RecordKey(testPrefix, "m1"))
	require.NoError(t, err)
	expected, err := core.MarshalRecord(first)
	require.NoError(t, err)
	assert.Equal(t, expected, data)
	assert.Len(t, objects.Keys(), 1)
}

func TestResultWriterRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantErr   bool
		wantPuts  int
		wantStore bool
	}{
		{name: "transient failure then success", failures: 2, attempts: 3, wantPuts: 3, wantStore: true},
		{name: "retries exhausted", failures: 5, attempts: 3, wantErr: true, wantPuts: 3},
		{name: "single attempt", failures: 1, attempts: 1, wantErr: true, wantPuts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: tt.failures}
			w := newTestWriter(s, tt.attempts)

			err := w.Write(ctx, testRecord("m1"))
			assert.Equal(t, tt.wantPuts, s.puts)

			if tt.wantErr {
				var failure *core.WriteFailure
				require.ErrorAs(t, err, &failure)
				assert.Equal(t, tt.attempts, failure.Attempts)
				assert.True(t, core.IsTransient(err))
				return
			}

			require.NoError(t, err)
			_, err = s.Get(ctx, core.RecordKey(testPrefix, "m1"))
			assert.Equal(t, tt.wantStore, err == nil)
		})
	}
}

func TestResultWriterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 10}
	w := newTestWriter(s, 10)

	err := w.Write(ctx, testRecord("m1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.puts)
}

func TestResultWriterDoesNotRetryRejectedKey(t *testing.T) {
	s := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		failures:    10,
		err:         fmt.Errorf("invalid object key %q: %w", "../m1", core.ErrInvariantViolation),
	}
	w := newTestWriter(s, 5)

	err := w.Write(context.Background(), testRecord("m1"))
	require.Error(t, err)

	assert.Equal(t, 1, s.puts)
	assert.True(t, core.IsInvariant(err))
	assert.False(t, core.IsTransient(err))
	var failure *core.WriteFailure
	assert.False(t, errors.As(err, &failure))
}

func TestResultWriterRejectsRecordWithoutID(t *testing.T) {
	w := newTestWriter(store.NewMemoryStore(), 1)
	err := w.Write(context.Background(), &core.PersistedRecord{})
	assert.True(t, core.IsInvariant(err))
}

func TestMarshalRecordIsDeterministic(t *testing.T) {
	local := time.FixedZone("EDT", -4*3600)
	a := testRecord("m1")
	b := testRecord("m1")
	b.EmailDate = a.EmailDate.In(local)

	da, err := core.MarshalRecord(a)
	require.NoError(t, err)
	db, err := core.MarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Contains(t, string(da), `"published_at": null`)
}
