package factory

import (
	"fmt"
	"net/http"

	"github.com/mikey/pr-ingest/internal/adapters/scraper"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/resolver"
	"go.uber.org/zap"
)

// ResolverFactory creates the link resolver and its page fetcher
type ResolverFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewResolverFactory creates a new resolver factory
func NewResolverFactory(cfg *config.Config, logger *zap.Logger) *ResolverFactory {
	return &ResolverFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreatePageFetcher creates the fetching backend named by resolver.backend
func (f *ResolverFactory) CreatePageFetcher() (core.PageFetcher, error) {
	resolverCfg, err := f.cfg.GetResolver()
	if err != nil {
		return nil, fmt.Errorf("invalid resolver configuration: %w", err)
	}

	client := &http.Client{Timeout: resolverCfg.Deadline}

	switch resolverCfg.Backend {
	case "direct":
		return scraper.NewDirectFetcher(client, resolverCfg.UserAgent, resolverCfg.MaxBodyBytes, f.logger), nil
	case "render":
		if resolverCfg.RenderEndpoint == "" {
			return nil, fmt.Errorf("resolver.render_endpoint is required for the render backend")
		}
		return scraper.NewRenderFetcher(client, resolverCfg.RenderEndpoint, resolverCfg.RenderToken, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported resolver backend: %s", resolverCfg.Backend)
	}
}

// CreateLinkResolver creates the resolver around fetcher
func (f *ResolverFactory) CreateLinkResolver(fetcher core.PageFetcher) (*resolver.Resolver, error) {
	resolverCfg, err := f.cfg.GetResolver()
	if err != nil {
		return nil, fmt.Errorf("invalid resolver configuration: %w", err)
	}

	return resolver.NewResolver(&http.Client{Timeout: resolverCfg.Deadline}, fetcher, resolver.Config{
		Deadline:      resolverCfg.Deadline,
		MaxHops:       resolverCfg.MaxHops,
		UserAgent:     resolverCfg.UserAgent,
		RatePerSecond: resolverCfg.RateLimit,
		Burst:         resolverCfg.Burst,
	}, f.logger), nil
}
