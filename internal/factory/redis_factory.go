package factory

import (
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the client shared by the redis ledger and the stream
// queue. It does not connect until first use.
func NewRedisClient(cfg *config.Config) *redis.Client {
	redisCfg := cfg.GetRedis()
	return redis.NewClient(&redis.Options{
		Addr:     redisCfg.Address,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
}
