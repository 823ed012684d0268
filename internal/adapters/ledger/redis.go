package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// casScript swaps the stored entry only when its version matches ARGV[1].
// ARGV[3] is an optional expiry in milliseconds.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local entry = cjson.decode(current)
if tonumber(entry['version']) ~= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore is a LedgerStore on Redis: SETNX for create, a Lua script for compare-and-swap
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *zap.Logger
}

// NewRedisStore creates a new Redis ledger store. Terminal entries expire after retention.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
	}
}

func (s *RedisStore) key(messageID string) string {
	return s.prefix + messageID
}

// Create stores entry with SETNX
func (s *RedisStore) Create(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(entry.MessageID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return created, nil
}

// Load reads and decodes the entry
func (s *RedisStore) Load(ctx context.Context, messageID string) (*core.LedgerEntry, error) {
	data, err := s.client.Get(ctx, s.key(messageID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to load ledger entry: %w", err)
	}

	var entry core.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return &entry, nil
}

// CompareAndSwap replaces the entry atomically when the stored version matches
func (s *RedisStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *core.LedgerEntry) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	var ttl int64
	if next.Status.Terminal() && s.retention > 0 {
		ttl = s.retention.Milliseconds()
	}

	swapped, err := casScript.Run(ctx, s.client, []string{s.key(next.MessageID)}, expectedVersion, string(data), ttl).Int()
	if err != nil {
		return false, fmt.Errorf("failed to swap ledger entry: %w", err)
	}
	return swapped == 1, nil
}
