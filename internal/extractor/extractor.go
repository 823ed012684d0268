package extractor

import (
	"bytes"
	"html"
	"strings"

	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/denylist"
	"github.com/mikey/pr-ingest/internal/utils"
	"go.uber.org/zap"
)

// Default walk bounds
const (
	DefaultMaxDepth = 16
	DefaultMaxParts = 256
)

// Extractor produces normalized content from raw MIME messages
type Extractor struct {
	maxDepth      int
	maxParts      int
	denylist      *denylist.Checker
	textProcessor *utils.TextProcessor
	logger        *zap.Logger
}

// NewExtractor creates a new content extractor
func NewExtractor(
	maxDepth int,
	maxParts int,
	checker *denylist.Checker,
	textProcessor *utils.TextProcessor,
	logger *zap.Logger,
) *Extractor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxParts <= 0 {
		maxParts = DefaultMaxParts
	}
	return &Extractor{
		maxDepth:      maxDepth,
		maxParts:      maxParts,
		denylist:      checker,
		textProcessor: textProcessor,
		logger:        logger,
	}
}

// Extract never fails: HTML parts win over text parts, then the provider snippet,
// then the fixed sentinel body
func (e *Extractor) Extract(messageID string, raw []byte, snippet string) *core.ExtractedContent {
	logger := e.logger.With(zap.String("message_id", messageID))

	if len(bytes.TrimSpace(raw)) > 0 {
		res := e.walkMessage(raw)
		if res.maxDepth {
			logger.Warn("MIME nesting exceeds depth limit, ignoring deeper parts", zap.Int("max_depth", e.maxDepth))
		}

		for _, part := range res.html {
			decoded, err := part.decode()
			if err != nil {
				logger.Debug("Skipping undecodable HTML part", zap.Error(err))
				continue
			}
			text, links := HTMLToText(strings.NewReader(decoded))
			text = e.textProcessor.NormalizeWhitespace(text)
			if text == "" {
				continue
			}
			urls := e.selectURLs(links, findTextURLs(text))
			return e.content(messageID, core.BodyKindInlineHTML, text, urls)
		}

		for _, part := range res.text {
			decoded, err := part.decode()
			if err != nil {
				logger.Debug("Skipping undecodable text part", zap.Error(err))
				continue
			}
			text := e.textProcessor.NormalizeWhitespace(decoded)
			if text == "" {
				continue
			}
			urls := e.selectURLs(findTextURLs(text))
			return e.content(messageID, core.BodyKindInlineText, text, urls)
		}

		logger.Info("No decodable body part, falling back to snippet", zap.Int("parts_visited", res.visited))
	}

	text := e.textProcessor.NormalizeWhitespace(html.UnescapeString(snippet))
	if text == "" {
		logger.Info("Empty snippet, using no-content sentinel")
		return e.content(messageID, core.BodyKindFallbackSnippet, core.NoContentSentinel, nil)
	}

	return e.content(messageID, core.BodyKindFallbackSnippet, text, e.selectURLs(findTextURLs(text)))
}

// walkMessage parses raw as a MIME entity; input without a header block is
// treated as a bare body, sniffed for HTML
func (e *Extractor) walkMessage(raw []byte) walkResult {
	root, err := readNode(raw, 0)
	if err != nil {
		mediaType := "text/plain"
		if looksLikeHTML(raw) {
			mediaType = "text/html"
		}
		part := leafPart{body: raw, mediaType: mediaType}
		if mediaType == "text/html" {
			return walkResult{html: []leafPart{part}, visited: 1}
		}
		return walkResult{text: []leafPart{part}, visited: 1}
	}

	return walk(root, e.maxDepth, e.maxParts)
}

func looksLikeHTML(raw []byte) bool {
	head := bytes.ToLower(raw)
	if len(head) > 1024 {
		head = head[:1024]
	}
	for _, marker := range []string{"<!doctype html", "<html", "<body", "<div", "<p>", "<table"} {
		if bytes.Contains(head, []byte(marker)) {
			return true
		}
	}
	return false
}

func (e *Extractor) content(messageID string, kind core.BodyKind, text string, urls []string) *core.ExtractedContent {
	content := &core.ExtractedContent{
		MessageID: messageID,
		BodyKind:  kind,
		Text:      text,
		URLs:      urls,
	}
	if len(urls) > 0 {
		content.CandidateURL = urls[0]
	}
	return content
}
