package core

import (
	"context"
	"errors"
	"time"

	"github.com/mikey/pr-ingest/internal/metrics"
	"go.uber.org/zap"
)

// Pipeline runs the per-message stages: fetch, extract, resolve, classify, write
type Pipeline struct {
	provider   MailProvider
	extractor  ContentExtractor
	resolver   LinkResolver
	classifier Classifier
	writer     RecordWriter
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewPipeline creates a new message pipeline
func NewPipeline(
	provider MailProvider,
	extractor ContentExtractor,
	resolver LinkResolver,
	classifier Classifier,
	writer RecordWriter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		provider:   provider,
		extractor:  extractor,
		resolver:   resolver,
		classifier: classifier,
		writer:     writer,
		now:        time.Now,
		metrics:    m,
		logger:     logger,
	}
}

// Run processes one message end to end. The caller owns the ledger entry.
func (p *Pipeline) Run(ctx context.Context, messageID string) (*PersistedRecord, error) {
	logger := p.logger.With(zap.String("message_id", messageID))

	start := time.Now()
	msg, err := p.provider.GetMessage(ctx, messageID)
	p.metrics.ObserveStage("fetch_message", time.Since(start))
	if err != nil {
		return nil, err
	}

	start = time.Now()
	content := p.extractor.Extract(msg.ID, msg.Raw, msg.Snippet)
	p.metrics.ObserveStage("extract", time.Since(start))

	logger.Debug("Extracted content",
		zap.String("body_kind", string(content.BodyKind)),
		zap.Int("text_length", len(content.Text)),
		zap.String("candidate_url", content.CandidateURL))

	text := content.Text
	sourceURL := ""
	if content.HasCandidateURL() {
		start = time.Now()
		page, err := p.resolver.Resolve(ctx, content.CandidateURL)
		p.metrics.ObserveStage("resolve", time.Since(start))

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var failure *FetchFailure
			if errors.As(err, &failure) {
				p.metrics.ObserveFetchFailure(failure.Reason)
			}
			logger.Warn("Link resolution failed, using inline content",
				zap.String("url", content.CandidateURL),
				zap.Error(err))
		} else {
			text = page.Text
			sourceURL = page.FinalURL
			logger.Debug("Resolved linked page",
				zap.String("final_url", page.FinalURL),
				zap.Int("hops", page.Hops),
				zap.Int("text_length", len(page.Text)))
		}
	}

	emailDate := msg.Date
	if emailDate.IsZero() {
		emailDate = p.now()
	}

	meta := ClassificationMetadata{
		MessageID: msg.ID,
		Subject:   msg.Subject,
		From:      msg.From,
		Date:      emailDate,
		SourceURL: sourceURL,
		BodyKind:  content.BodyKind,
	}

	start = time.Now()
	result, err := p.classifier.Classify(ctx, text, meta)
	p.metrics.ObserveStage("classify", time.Since(start))
	if err != nil {
		return nil, err
	}

	if !result.IsPressRelease {
		logger.Info("Message is not a press release",
			zap.String("subject", msg.Subject),
			zap.Bool("degraded", result.Degraded))
	}

	record := &PersistedRecord{
		MessageID:       msg.ID,
		Subject:         msg.Subject,
		From:            msg.From,
		EmailDate:       emailDate.UTC(),
		IsPressRelease:  result.IsPressRelease,
		ContentKind:     result.ContentKind,
		PublishedAt:     result.PublishedAt,
		Summary:         result.Summary,
		Headline:        result.Headline,
		KeyResult:       result.KeyResult,
		ImpactedProgram: result.ImpactedProgram,
		NextStep:        result.NextStep,
		SourceURL:       sourceURL,
		BodyKind:        content.BodyKind,
		Text:            result.Input,
		ModelUsed:       result.ModelUsed,
		ProcessedAt:     p.now().UTC(),
	}

	start = time.Now()
	err = p.writer.Write(ctx, record)
	p.metrics.ObserveStage("write", time.Since(start))
	if err != nil {
		return nil, err
	}

	return record, nil
}
