package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/pr-ingest/internal/adapters/ledger"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LedgerFactory creates dedup ledger stores based on configuration
type LedgerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewLedgerFactory creates a new ledger factory
func NewLedgerFactory(cfg *config.Config, logger *zap.Logger) *LedgerFactory {
	return &LedgerFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateLedgerStore creates a ledger store based on the configuration
func (f *LedgerFactory) CreateLedgerStore(redisClient *redis.Client) (core.LedgerStore, error) {
	ledgerCfg, err := f.cfg.GetLedger()
	if err != nil {
		return nil, fmt.Errorf("invalid ledger configuration: %w", err)
	}

	switch ledgerCfg.Type {
	case "memory":
		return ledger.NewMemoryStore(f.logger, ledgerCfg.Retention, ledgerCfg.CleanupFrequency), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(ledgerCfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return ledger.NewSQLStore(ledger.DriverSQLite, ledgerCfg.SQLitePath, f.logger, ledgerCfg.Retention, ledgerCfg.CleanupFrequency)
	case "mysql":
		return ledger.NewSQLStore(ledger.DriverMySQL, ledgerCfg.MySQLDSN, f.logger, ledgerCfg.Retention, ledgerCfg.CleanupFrequency)
	case "postgres":
		return ledger.NewSQLStore(ledger.DriverPostgres, ledgerCfg.PostgresDSN, f.logger, ledgerCfg.Retention, ledgerCfg.CleanupFrequency)
	case "redis":
		return ledger.NewRedisStore(redisClient, ledgerCfg.RedisPrefix, ledgerCfg.Retention, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", ledgerCfg.Type)
	}
}

// CreateLedger wraps store with the liveness threshold
func (f *LedgerFactory) CreateLedger(store core.LedgerStore, m *metrics.Metrics) (*core.Ledger, error) {
	ledgerCfg, err := f.cfg.GetLedger()
	if err != nil {
		return nil, fmt.Errorf("invalid ledger configuration: %w", err)
	}
	return core.NewLedger(store, ledgerCfg.LivenessThreshold, m, f.logger), nil
}
