package di

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/classifier"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/extractor"
	"github.com/mikey/pr-ingest/internal/factory"
	"github.com/mikey/pr-ingest/internal/logging"
	"github.com/mikey/pr-ingest/internal/metrics"
	"github.com/mikey/pr-ingest/internal/resolver"
	"github.com/mikey/pr-ingest/internal/scheduler"
	"github.com/mikey/pr-ingest/internal/server"
	"github.com/mikey/pr-ingest/internal/utils"
)

// Services are the long-running parts of the ingestion service
type Services struct {
	dig.In

	Logger      *zap.Logger
	Source      core.NotificationSource
	Consumer    *core.Consumer
	Provider    core.MailProvider
	Scheduler   *scheduler.Scheduler
	Server      *server.Server
	LLMClient   core.LLMClient
	LedgerStore core.LedgerStore
	ObjectStore core.ObjectStore
	RedisClient *redis.Client
}

// BuildContainer creates and configures a dependency injection container
func BuildContainer(ctx context.Context) (*dig.Container, error) {
	container := dig.New()

	providers := []interface{}{
		func() context.Context { return ctx },

		// Configuration and logging
		config.New,
		logging.InitLogger,

		// Metrics
		func() *prometheus.Registry {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			return reg
		},
		func(reg *prometheus.Registry) *metrics.Metrics {
			return metrics.New(reg)
		},

		// Factories
		factory.NewLLMFactory,
		factory.NewLedgerFactory,
		factory.NewStoreFactory,
		factory.NewQueueFactory,
		factory.NewProviderFactory,
		factory.NewResolverFactory,
		factory.NewContentFactory,
		factory.NewRedisClient,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return nil, err
		}
	}

	if err := provideContent(container); err != nil {
		return nil, err
	}

	// Register LLM client
	if err := container.Provide(func(f *factory.LLMFactory) (core.LLMClient, error) {
		return f.CreateLLMClient()
	}); err != nil {
		return nil, err
	}

	// Register notification queue; the publisher is nil for sources that only receive
	if err := container.Provide(func(ctx context.Context, f *factory.QueueFactory, client *redis.Client) (core.NotificationSource, error) {
		return f.CreateNotificationSource(ctx, client)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(source core.NotificationSource) core.Publisher {
		if publisher, ok := source.(core.Publisher); ok {
			return publisher
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Register mail provider
	if err := container.Provide(func(ctx context.Context, f *factory.ProviderFactory, publisher core.Publisher) (core.MailProvider, error) {
		return f.CreateMailProvider(ctx, publisher)
	}); err != nil {
		return nil, err
	}

	// Register dedup ledger
	if err := container.Provide(func(f *factory.LedgerFactory, client *redis.Client) (core.LedgerStore, error) {
		return f.CreateLedgerStore(client)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.LedgerFactory, store core.LedgerStore, m *metrics.Metrics) (*core.Ledger, error) {
		return f.CreateLedger(store, m)
	}); err != nil {
		return nil, err
	}

	// Register result store and writer
	if err := container.Provide(func(ctx context.Context, f *factory.StoreFactory) (core.ObjectStore, error) {
		return f.CreateObjectStore(ctx)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.StoreFactory, store core.ObjectStore, m *metrics.Metrics) (*core.ResultWriter, error) {
		return f.CreateResultWriter(store, m)
	}); err != nil {
		return nil, err
	}

	// Register link resolver
	if err := provideResolver(container); err != nil {
		return nil, err
	}

	// Register history marker; the scheduler seeds it from the first watch
	if err := container.Provide(func() *core.HistoryMarker {
		return core.NewHistoryMarker(0)
	}); err != nil {
		return nil, err
	}

	// Register pipeline and consumer
	if err := container.Provide(func(
		provider core.MailProvider,
		ext *extractor.Extractor,
		res *resolver.Resolver,
		cls *classifier.Adapter,
		writer *core.ResultWriter,
		m *metrics.Metrics,
		logger *zap.Logger,
	) *core.Pipeline {
		return core.NewPipeline(provider, ext, res, cls, writer, m, logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(newConsumer); err != nil {
		return nil, err
	}

	// Register scheduler
	if err := container.Provide(func(
		cfg *config.Config,
		provider core.MailProvider,
		marker *core.HistoryMarker,
		publisher core.Publisher,
		f *factory.ProviderFactory,
		logger *zap.Logger,
	) *scheduler.Scheduler {
		schedCfg := cfg.GetScheduler()
		var poll core.Publisher
		if f.PollsMailbox() {
			poll = publisher
		}
		return scheduler.NewScheduler(provider, marker, poll, scheduler.Config{
			WatchRenewSpec: schedCfg.WatchRenewSpec,
			PollSpec:       schedCfg.PollSpec,
			EmailAddress:   f.EmailAddress(),
		}, logger)
	}); err != nil {
		return nil, err
	}

	// Register HTTP server
	if err := container.Provide(func(
		cfg *config.Config,
		reg *prometheus.Registry,
		marker *core.HistoryMarker,
		source core.NotificationSource,
		logger *zap.Logger,
	) *server.Server {
		srv := server.NewServer(cfg.GetHTTP().ListenAddress, reg, marker, logger)
		if push, ok := source.(server.PushRegistrar); ok {
			srv.RegisterPush(push, cfg.GetPush().Path)
		}
		return srv
	}); err != nil {
		return nil, err
	}

	return container, nil
}

func newConsumer(
	cfg *config.Config,
	provider core.MailProvider,
	pipeline *core.Pipeline,
	ledger *core.Ledger,
	marker *core.HistoryMarker,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*core.Consumer, error) {
	consumerCfg, err := cfg.GetConsumer()
	if err != nil {
		return nil, fmt.Errorf("invalid consumer configuration: %w", err)
	}
	ledgerCfg, err := cfg.GetLedger()
	if err != nil {
		return nil, fmt.Errorf("invalid ledger configuration: %w", err)
	}

	return core.NewConsumer(provider, pipeline, ledger, marker, core.ConsumerConfig{
		Deadline:      consumerCfg.Deadline,
		MaxAttempts:   ledgerCfg.MaxAttempts,
		BacklogPolicy: core.BacklogPolicy(consumerCfg.BacklogPolicy),
		Instance:      consumerCfg.Instance,
	}, m, logger), nil
}

// provideContent registers the text processor, extractor and classifier, shared
// by the service and CLI containers
func provideContent(container *dig.Container) error {
	if err := container.Provide(func(f *factory.ContentFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.ContentFactory, tp *utils.TextProcessor) *extractor.Extractor {
		return f.CreateExtractor(tp)
	}); err != nil {
		return err
	}
	return container.Provide(func(f *factory.ContentFactory, client core.LLMClient, tp *utils.TextProcessor) *classifier.Adapter {
		return f.CreateClassifier(client, tp)
	})
}

// provideResolver registers the page fetcher and link resolver
func provideResolver(container *dig.Container) error {
	if err := container.Provide(func(f *factory.ResolverFactory) (core.PageFetcher, error) {
		return f.CreatePageFetcher()
	}); err != nil {
		return err
	}
	return container.Provide(func(f *factory.ResolverFactory, fetcher core.PageFetcher) (*resolver.Resolver, error) {
		return f.CreateLinkResolver(fetcher)
	})
}
