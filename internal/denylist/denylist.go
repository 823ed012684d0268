package denylist

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Checker decides whether a URL points at a tracking, unsubscribe or social destination
// rather than press-release content
type Checker struct {
	domains  []string
	keywords []string
	logger   *zap.Logger
}

// NewChecker creates a new denylist checker
func NewChecker(domains []string, keywords []string, logger *zap.Logger) *Checker {
	normalizedDomains := normalize(domains)
	for i, domain := range normalizedDomains {
		normalizedDomains[i] = strings.TrimPrefix(domain, "www.")
	}
	normalizedKeywords := normalize(keywords)

	if logger != nil && (len(normalizedDomains) > 0 || len(normalizedKeywords) > 0) {
		logger.Debug("Initialized URL denylist",
			zap.Strings("domains", normalizedDomains),
			zap.Strings("keywords", normalizedKeywords))
	}

	return &Checker{
		domains:  normalizedDomains,
		keywords: normalizedKeywords,
		logger:   logger,
	}
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// IsDenied reports whether rawURL should be skipped as a candidate link
func (c *Checker) IsDenied(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, domain := range c.domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			c.debug("Domain is denylisted", rawURL, domain)
			return true
		}
	}

	target := host + strings.ToLower(u.EscapedPath()) + "?" + strings.ToLower(u.RawQuery)
	for _, keyword := range c.keywords {
		if strings.Contains(target, keyword) {
			c.debug("URL matches denylisted keyword", rawURL, keyword)
			return true
		}
	}

	return false
}

func (c *Checker) debug(msg, rawURL, match string) {
	if c.logger != nil {
		c.logger.Debug(msg, zap.String("url", rawURL), zap.String("match", match))
	}
}
