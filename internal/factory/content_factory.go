package factory

import (
	"github.com/mikey/pr-ingest/internal/classifier"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/denylist"
	"github.com/mikey/pr-ingest/internal/extractor"
	"github.com/mikey/pr-ingest/internal/utils"
	"go.uber.org/zap"
)

// ContentFactory creates the text processing, extraction and classification components
type ContentFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewContentFactory creates a new ContentFactory
func NewContentFactory(cfg *config.Config, logger *zap.Logger) *ContentFactory {
	return &ContentFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *ContentFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateExtractor creates the content extractor with its link denylist
func (f *ContentFactory) CreateExtractor(textProcessor *utils.TextProcessor) *extractor.Extractor {
	extractorCfg := f.cfg.GetExtractor()
	if len(extractorCfg.DenylistDomains) > 0 || len(extractorCfg.DenylistKeywords) > 0 {
		f.logger.Info("Loaded link denylist",
			zap.Strings("domains", extractorCfg.DenylistDomains),
			zap.Strings("keywords", extractorCfg.DenylistKeywords))
	}

	checker := denylist.NewChecker(extractorCfg.DenylistDomains, extractorCfg.DenylistKeywords, f.logger)
	return extractor.NewExtractor(extractorCfg.MaxDepth, extractorCfg.MaxParts, checker, textProcessor, f.logger)
}

// CreateClassifier creates the classification adapter over client
func (f *ContentFactory) CreateClassifier(client core.LLMClient, textProcessor *utils.TextProcessor) *classifier.Adapter {
	return classifier.NewAdapter(client, f.cfg.GetClassifier().MaxInputChars, textProcessor, f.logger)
}
