package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
)

type renderRequest struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

type renderResponse struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Markdown   string `json:"markdown"`
	Text       string `json:"text"`
	Error      string `json:"error"`
}

// RenderFetcher delegates fetching to a headless rendering service that
// returns the page as markdown
type RenderFetcher struct {
	client   *http.Client
	endpoint string
	apiKey   string
	logger   *zap.Logger
}

// NewRenderFetcher creates a new RenderFetcher
func NewRenderFetcher(client *http.Client, endpoint, apiKey string, logger *zap.Logger) *RenderFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &RenderFetcher{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
	}
}

// Fetch asks the rendering service for url
func (f *RenderFetcher) Fetch(ctx context.Context, url string) (*core.FetchedPage, error) {
	payload, err := json.Marshal(renderRequest{URL: url, Format: "markdown"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("render service returned %d: %s", resp.StatusCode, string(body))
	}

	var rendered renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&rendered); err != nil {
		return nil, fmt.Errorf("failed to decode render response: %w", err)
	}
	if rendered.Error != "" {
		return nil, fmt.Errorf("render service failed: %s", rendered.Error)
	}

	page := &core.FetchedPage{
		URL:        rendered.URL,
		StatusCode: rendered.StatusCode,
		Text:       rendered.Markdown,
	}
	if page.URL == "" {
		page.URL = url
	}
	if page.StatusCode == 0 {
		page.StatusCode = http.StatusOK
	}
	if page.Text == "" {
		page.Text = rendered.Text
	}

	f.logger.Debug("Page rendered",
		zap.String("url", page.URL),
		zap.Int("status", page.StatusCode),
		zap.Int("text_size", len(page.Text)))

	return page, nil
}
