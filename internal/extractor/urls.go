package extractor

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`)

// maxListedURLs bounds ExtractedContent.URLs
const maxListedURLs = 20

// findTextURLs returns every http(s) URL in plain text in order of appearance
func findTextURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?*>")
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// isExternalURL accepts absolute http(s) URLs with a host
func isExternalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// selectURLs filters candidates, dropping duplicates and denylisted entries.
// The first returned URL is the candidate link.
func (e *Extractor) selectURLs(candidates ...[]string) []string {
	seen := make(map[string]bool)
	var out []string

	for _, group := range candidates {
		for _, raw := range group {
			raw = strings.TrimSpace(raw)
			if raw == "" || seen[raw] {
				continue
			}
			seen[raw] = true

			if !isExternalURL(raw) || e.denylist.IsDenied(raw) {
				continue
			}
			out = append(out, raw)
			if len(out) >= maxListedURLs {
				return out
			}
		}
	}

	return out
}
