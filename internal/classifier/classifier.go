package classifier

import (
	"context"
	"fmt"

	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/utils"
	"go.uber.org/zap"
)

const promptFormat = `You review emails received by a government-relations team and decide whether they announce a press release.
Respond with a JSON object containing:
- is_press_release: boolean (true only if the content is or links to an official press release)
- content_kind: "inline" if the release text is in the content below, "linked" if it is only referenced by a link, "none" otherwise
- published_at: release date as YYYY-MM-DD, or null if not stated
- summary: two or three sentence summary of the release, or null
- headline: the release headline, or null
- key_result: the main outcome or announcement, or null
- impacted_program: the program, agency or policy affected, or null
- next_step: the next action or deadline mentioned, or null

Email:
Subject: %s
From: %s
Date: %s
Source: %s
Content:
%s

Respond only with the JSON object and nothing else.`

// Adapter is the single trust boundary for model output
type Adapter struct {
	client        core.LLMClient
	maxInputChars int
	textProcessor *utils.TextProcessor
	logger        *zap.Logger
}

// NewAdapter creates a new classification adapter
func NewAdapter(client core.LLMClient, maxInputChars int, textProcessor *utils.TextProcessor, logger *zap.Logger) *Adapter {
	return &Adapter{
		client:        client,
		maxInputChars: maxInputChars,
		textProcessor: textProcessor,
		logger:        logger,
	}
}

// Classify returns ErrTransient-wrapped errors for failed calls and a degraded
// negative result for responses that fail validation
func (a *Adapter) Classify(ctx context.Context, text string, meta core.ClassificationMetadata) (*core.ClassificationResult, error) {
	input := a.textProcessor.ProcessText(text, a.maxInputChars)

	source := "email body"
	if meta.SourceURL != "" {
		source = meta.SourceURL
	}
	date := "unknown"
	if !meta.Date.IsZero() {
		date = meta.Date.UTC().Format("2006-01-02")
	}

	prompt := fmt.Sprintf(promptFormat, meta.Subject, meta.From, date, source, input)

	raw, err := a.client.Generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("classification abandoned: %w", ctx.Err())
		}
		return nil, fmt.Errorf("classification request failed: %w: %w", core.ErrTransient, err)
	}

	model := a.client.ModelName()
	result, err := ParseResponse(raw)
	if err != nil {
		a.logger.Warn("Model response failed validation, treating as not a press release",
			zap.String("message_id", meta.MessageID),
			zap.String("model", model),
			zap.Error(err))
		negative := core.NegativeClassification(model)
		negative.Input = input
		return negative, nil
	}

	if result.IsPressRelease && result.ContentKind == core.ContentKindNone {
		result.ContentKind = core.ContentKindInline
		if meta.SourceURL != "" {
			result.ContentKind = core.ContentKindLinked
		}
	}

	if result.Degraded {
		a.logger.Warn("Model response had malformed fields, defaults applied",
			zap.String("message_id", meta.MessageID),
			zap.String("model", model))
	}

	result.ModelUsed = model
	result.Input = input
	return result, nil
}
