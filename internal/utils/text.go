package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// TruncationMarker is appended to text cut down to a size budget
const TruncationMarker = "\n[... Content truncated due to size limits ...]"

// TextProcessor provides the text clean-up shared by extraction and classification
type TextProcessor struct {
	logger *zap.Logger
}

// NewTextProcessor creates a new TextProcessor
func NewTextProcessor(logger *zap.Logger) *TextProcessor {
	return &TextProcessor{
		logger: logger,
	}
}

// TruncateRunes cuts text to at most maxRunes characters and appends TruncationMarker
func (tp *TextProcessor) TruncateRunes(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	cut := 0
	for i := range text {
		if maxRunes == 0 {
			cut = i
			break
		}
		maxRunes--
	}
	truncated := text[:cut]

	tp.logger.Debug("Text truncated",
		zap.Int("original_size", len(text)),
		zap.Int("truncated_size", len(truncated)))

	return truncated + TruncationMarker
}

// SanitizeUTF8 drops invalid UTF-8 bytes and NUL characters
func (tp *TextProcessor) SanitizeUTF8(text string) string {
	if utf8.ValidString(text) && !strings.ContainsRune(text, 0) {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if (r != utf8.RuneError || size > 1) && r != 0 {
			b.WriteRune(r)
		}
		i += size
	}

	tp.logger.Debug("Text sanitized",
		zap.Int("original_size", len(text)),
		zap.Int("sanitized_size", b.Len()))

	return b.String()
}

// NormalizeWhitespace applies NFC, collapses runs of blanks inside lines
// and drops empty lines
func (tp *TextProcessor) NormalizeWhitespace(text string) string {
	text = norm.NFC.String(tp.SanitizeUTF8(text))

	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' })
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.FieldsFunc(line, unicode.IsSpace)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}

	return strings.Join(out, "\n")
}

// ProcessText sanitizes and then truncates text
func (tp *TextProcessor) ProcessText(text string, maxRunes int) string {
	return tp.TruncateRunes(tp.SanitizeUTF8(text), maxRunes)
}
