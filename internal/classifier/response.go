package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mikey/pr-ingest/internal/core"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"01/02/2006",
}

// extractJSON returns the outermost JSON object in a model response that may
// wrap it in prose or code fences
func extractJSON(text string) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &fields); err == nil {
		return fields, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model response: %w", core.ErrValidation)
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse model response as JSON: %w: %v", core.ErrValidation, err)
	}
	return fields, nil
}

// ParseResponse validates a raw model response. Missing or malformed fields fall
// back to safe defaults and mark the result degraded; only output with no JSON
// object at all is a validation error.
func ParseResponse(text string) (*core.ClassificationResult, error) {
	fields, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	result := &core.ClassificationResult{ContentKind: core.ContentKindNone}

	isPR, ok := coerceBool(first(fields, "is_press_release", "press_release"))
	if !ok {
		result.Degraded = true
	}
	result.IsPressRelease = isPR

	if result.IsPressRelease {
		result.ContentKind = coerceKind(first(fields, "content_kind", "type"))
	}

	result.PublishedAt = coerceDate(first(fields, "published_at", "timestamp"))
	result.Summary = coerceString(fields["summary"])
	result.Headline = coerceString(fields["headline"])
	result.KeyResult = coerceString(fields["key_result"])
	result.ImpactedProgram = coerceString(fields["impacted_program"])
	result.NextStep = coerceString(fields["next_step"])

	return result, nil
}

func first(fields map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "yes", "y", "true", "1":
			return true, true
		case "no", "n", "false", "0":
			return false, true
		}
	}
	return false, false
}

func coerceKind(v interface{}) core.ContentKind {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inline":
		return core.ContentKindInline
	case "linked", "url", "link":
		return core.ContentKindLinked
	default:
		return core.ContentKindNone
	}
}

func coerceDate(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func coerceString(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
		return ""
	}
	return s
}
