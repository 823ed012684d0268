package scraper

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/extractor"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds how much of a page is read
const DefaultMaxBodyBytes = 4 << 20

// DirectFetcher downloads pages itself and converts HTML to text
type DirectFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewDirectFetcher creates a new DirectFetcher
func NewDirectFetcher(client *http.Client, userAgent string, maxBodyBytes int64, logger *zap.Logger) *DirectFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &DirectFetcher{
		client:       client,
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Fetch performs a GET and returns the page text. Non-2xx responses are
// returned with their status and no text.
func (f *DirectFetcher) Fetch(ctx context.Context, url string) (*core.FetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &core.FetchFailure{URL: url, Reason: core.FetchReasonInvalidURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	page := &core.FetchedPage{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return page, nil
	}

	body := io.LimitReader(resp.Body, f.maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page.Text, _ = extractor.HTMLToText(body)
	case strings.HasPrefix(mediaType, "text/"):
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read page body: %w", err)
		}
		page.Text = string(data)
	default:
		f.logger.Debug("Skipping non-text page",
			zap.String("url", page.URL),
			zap.String("content_type", mediaType))
	}

	return page, nil
}
