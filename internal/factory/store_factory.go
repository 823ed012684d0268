package factory

import (
	"context"
	"fmt"

	"github.com/mikey/pr-ingest/internal/adapters/store"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// StoreFactory creates result stores based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateObjectStore creates an object store based on the configuration
func (f *StoreFactory) CreateObjectStore(ctx context.Context) (core.ObjectStore, error) {
	storeCfg, err := f.cfg.GetStore()
	if err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	switch storeCfg.Type {
	case "file":
		return store.NewFileStore(f.cfg.GetFile().Dir, f.logger)
	case "memory":
		return store.NewMemoryStore(), nil
	case "gcs":
		gcsCfg := f.cfg.GetGCS()
		if gcsCfg.Bucket == "" {
			return nil, fmt.Errorf("gcs bucket is required")
		}
		var opts []option.ClientOption
		if gcsCfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(gcsCfg.CredentialsFile))
		}
		return store.NewGCSStore(ctx, gcsCfg.Bucket, f.logger, opts...)
	case "s3":
		s3Cfg := f.cfg.GetS3()
		if s3Cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		return store.NewS3Store(ctx, s3Cfg.Region, s3Cfg.Endpoint, s3Cfg.Bucket, f.logger)
	case "mongodb":
		mongoCfg := f.cfg.GetMongoDB()
		return store.NewMongoStore(ctx, mongoCfg.URI, mongoCfg.Database, mongoCfg.Collection, f.logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeCfg.Type)
	}
}

// CreateResultWriter wraps objectStore with the configured key prefix and retries
func (f *StoreFactory) CreateResultWriter(objectStore core.ObjectStore, m *metrics.Metrics) (*core.ResultWriter, error) {
	storeCfg, err := f.cfg.GetStore()
	if err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}
	return core.NewResultWriter(objectStore, core.WriterConfig{
		Prefix:         storeCfg.Prefix,
		MaxAttempts:    storeCfg.MaxAttempts,
		InitialBackoff: storeCfg.InitialBackoff,
		MaxBackoff:     storeCfg.MaxBackoff,
	}, m, f.logger), nil
}
