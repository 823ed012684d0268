package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mikey/pr-ingest/internal/classifier"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/di"
	"github.com/mikey/pr-ingest/internal/extractor"
	"github.com/mikey/pr-ingest/internal/resolver"
	"go.uber.org/zap"
)

// output is what the CLI prints to stdout
type output struct {
	MessageID    string                `json:"message_id"`
	Subject      string                `json:"subject"`
	From         string                `json:"from"`
	Date         *time.Time            `json:"date,omitempty"`
	BodyKind     core.BodyKind         `json:"body_kind"`
	CandidateURL string                `json:"candidate_url,omitempty"`
	URLs         []string              `json:"urls,omitempty"`
	Text         string                `json:"text"`
	Resolved     *core.ResolvedPage    `json:"resolved,omitempty"`
	ResolveError string                `json:"resolve_error,omitempty"`
	Record       *core.PersistedRecord `json:"record,omitempty"`
}

func main() {
	flags := di.ParseFlags()

	// Build the dependency injection container
	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(func(flags *di.CLIFlags, ext *extractor.Extractor, logger *zap.Logger) error {
		defer logger.Sync()
		return run(flags, ext, logger, func(fn interface{}) error { return container.Invoke(fn) })
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run extracts the message and, when asked, resolves and classifies it. invoke
// resolves the optional stages lazily so their configuration is only required when used.
func run(flags *di.CLIFlags, ext *extractor.Extractor, logger *zap.Logger, invoke func(interface{}) error) error {
	raw, err := readInput(flags.InputFile, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	messageID := uuid.NewString()
	env := extractor.ParseEnvelope(raw)
	content := ext.Extract(messageID, raw, flags.Snippet)

	out := output{
		MessageID:    messageID,
		Subject:      env.Subject,
		From:         env.From,
		BodyKind:     content.BodyKind,
		CandidateURL: content.CandidateURL,
		URLs:         content.URLs,
		Text:         content.Text,
	}
	if !env.Date.IsZero() {
		date := env.Date.UTC()
		out.Date = &date
	}

	text := content.Text
	sourceURL := ""
	if flags.Resolve && content.HasCandidateURL() {
		if err := invoke(func(res *resolver.Resolver) {
			page, err := res.Resolve(ctx, content.CandidateURL)
			if err != nil {
				logger.Warn("Link resolution failed, using inline content", zap.Error(err))
				out.ResolveError = err.Error()
				return
			}
			out.Resolved = page
			text = page.Text
			sourceURL = page.FinalURL
		}); err != nil {
			return fmt.Errorf("failed to build link resolver: %w", err)
		}
	}

	if flags.Classify {
		emailDate := env.Date
		if emailDate.IsZero() {
			emailDate = time.Now()
		}
		if err := invoke(func(cls *classifier.Adapter) error {
			result, err := cls.Classify(ctx, text, core.ClassificationMetadata{
				MessageID: messageID,
				Subject:   env.Subject,
				From:      env.From,
				Date:      emailDate,
				SourceURL: sourceURL,
				BodyKind:  content.BodyKind,
			})
			if err != nil {
				return err
			}
			out.Record = &core.PersistedRecord{
				MessageID:       messageID,
				Subject:         env.Subject,
				From:            env.From,
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
				ProcessedAt:     time.Now().UTC(),
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to classify message: %w", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readInput(path string, logger *zap.Logger) ([]byte, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer file.Close()
		r = file
		logger.Info("Reading message from file", zap.String("file", path))
	} else {
		logger.Info("Reading message from stdin")
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return raw, nil
}
