package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
)

// Supported SQL drivers
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

const tableName = "dedup_ledger"

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS dedup_ledger (
			message_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			owner TEXT NOT NULL,
			version INTEGER NOT NULL,
			last_attempt_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_ledger_status ON dedup_ledger(status, last_attempt_at)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS dedup_ledger (
			message_id VARCHAR(255) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			attempts INT NOT NULL,
			owner VARCHAR(255) NOT NULL,
			version BIGINT NOT NULL,
			last_attempt_at BIGINT NOT NULL,
			last_error TEXT NOT NULL,
			INDEX idx_dedup_ledger_status (status, last_attempt_at)
		)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS dedup_ledger (
			message_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			owner TEXT NOT NULL,
			version BIGINT NOT NULL,
			last_attempt_at BIGINT NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_ledger_status ON dedup_ledger(status, last_attempt_at)`,
	},
}

// ledgerRow stores timestamps as unix milliseconds so every driver scans them the same way
type ledgerRow struct {
	MessageID     string `db:"message_id"`
	Status        string `db:"status"`
	Attempts      int    `db:"attempts"`
	Owner         string `db:"owner"`
	Version       int64  `db:"version"`
	LastAttemptAt int64  `db:"last_attempt_at"`
	LastError     string `db:"last_error"`
}

func toRow(e *core.LedgerEntry) ledgerRow {
	return ledgerRow{
		MessageID:     e.MessageID,
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		Owner:         e.Owner,
		Version:       e.Version,
		LastAttemptAt: e.LastAttemptAt.UnixMilli(),
		LastError:     e.LastError,
	}
}

func (r ledgerRow) entry() *core.LedgerEntry {
	return &core.LedgerEntry{
		MessageID:     r.MessageID,
		Status:        core.LedgerStatus(r.Status),
		Attempts:      r.Attempts,
		Owner:         r.Owner,
		Version:       r.Version,
		LastAttemptAt: time.UnixMilli(r.LastAttemptAt).UTC(),
		LastError:     r.LastError,
	}
}

// SQLStore is a LedgerStore backed by SQLite, MySQL or PostgreSQL. Create relies on
// the primary key for create-if-absent; updates are guarded by the version column.
type SQLStore struct {
	db          *sqlx.DB
	driver      string
	builder     sq.StatementBuilderType
	logger      *zap.Logger
	retention   time.Duration
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewSQLStore opens the database and creates the ledger table
func NewSQLStore(driver, dsn string, logger *zap.Logger, retention, cleanupFreq time.Duration) (*SQLStore, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported ledger driver: %s", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	store := &SQLStore{
		db:          db,
		driver:      driver,
		builder:     sq.StatementBuilder.PlaceholderFormat(placeholderFor(driver)),
		logger:      logger,
		retention:   retention,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	if retention > 0 && cleanupFreq > 0 {
		go store.startCleanupTask()
	}

	return store, nil
}

// placeholderFor returns the bind parameter style of driver
func placeholderFor(driver string) sq.PlaceholderFormat {
	if driver == DriverPostgres {
		return sq.Dollar
	}
	return sq.Question
}

// Create inserts entry unless a row with the same id exists
func (s *SQLStore) Create(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	row := toRow(entry)
	insert := s.builder.Insert(tableName).
		Columns("message_id", "status", "attempts", "owner", "version", "last_attempt_at", "last_error").
		Values(row.MessageID, row.Status, row.Attempts, row.Owner, row.Version, row.LastAttemptAt, row.LastError)

	switch s.driver {
	case DriverSQLite:
		insert = insert.Options("OR IGNORE")
	case DriverMySQL:
		insert = insert.Options("IGNORE")
	case DriverPostgres:
		insert = insert.Suffix("ON CONFLICT (message_id) DO NOTHING")
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// Load returns the entry for messageID
func (s *SQLStore) Load(ctx context.Context, messageID string) (*core.LedgerEntry, error) {
	query, args, err := s.builder.
		Select("message_id", "status", "attempts", "owner", "version", "last_attempt_at", "last_error").
		From(tableName).
		Where(sq.Eq{"message_id": messageID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var row ledgerRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to load ledger entry: %w", err)
	}

	return row.entry(), nil
}

// CompareAndSwap updates the row only if its version still equals expectedVersion
func (s *SQLStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *core.LedgerEntry) (bool, error) {
	row := toRow(next)
	query, args, err := s.builder.Update(tableName).
		SetMap(map[string]interface{}{
			"status":          row.Status,
			"attempts":        row.Attempts,
			"owner":           row.Owner,
			"version":         row.Version,
			"last_attempt_at": row.LastAttemptAt,
			"last_error":      row.LastError,
		}).
		Where(sq.Eq{"message_id": row.MessageID, "version": expectedVersion}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update ledger entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// Cleanup removes terminal entries older than the retention
func (s *SQLStore) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	query, args, err := s.builder.Delete(tableName).
		Where(sq.And{
			sq.Eq{"status": []string{string(core.LedgerCompleted), string(core.LedgerDeadLetter)}},
			sq.Lt{"last_attempt_at": cutoff},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to purge ledger entries: %w", err)
	}

	if removed, err := res.RowsAffected(); err == nil {
		s.logger.Debug("Purged old ledger entries", zap.Int64("removed", removed))
	}

	return nil
}

func (s *SQLStore) startCleanupTask() {
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

// Stop stops the cleanup task and closes the database
func (s *SQLStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close ledger database", zap.Error(err))
		}
	})
}
