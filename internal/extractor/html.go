package extractor

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skippedElements never contribute visible content
var skippedElements = map[string]bool{
	"head":     true,
	"script":   true,
	"style":    true,
	"noscript": true,
	"title":    true,
	"template": true,
	"svg":      true,
	"iframe":   true,
	"object":   true,
	"nav":      true,
	"header":   true,
	"footer":   true,
}

// blockElements start a new line in the extracted text
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "ul": true, "ol": true,
	"hr": true, "pre": true, "main": true, "td": true,
}

type openAnchor struct {
	href    string
	hasText bool
	pixel   bool
}

// HTMLToText returns the visible text of an HTML document and the href of every
// anchor in document order. Anchors wrapping only a tracking pixel are dropped.
func HTMLToText(r io.Reader) (string, []string) {
	z := html.NewTokenizer(r)

	var b strings.Builder
	var links []string
	var anchor *openAnchor
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String(), links

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			name := strings.ToLower(tok.Data)

			// An unterminated head ends at body
			if name == "body" {
				skipDepth = 0
			}
			if skippedElements[name] {
				if tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if skipDepth > 0 {
				continue
			}

			switch name {
			case "a":
				if anchor != nil {
					links = closeAnchor(anchor, links)
				}
				anchor = &openAnchor{href: strings.TrimSpace(attr(tok, "href"))}
			case "img":
				if anchor != nil && isTrackingPixel(tok) {
					anchor.pixel = true
				}
			}
			if blockElements[name] {
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			tok := z.Token()
			name := strings.ToLower(tok.Data)

			if skippedElements[name] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth > 0 {
				continue
			}

			if name == "a" && anchor != nil {
				links = closeAnchor(anchor, links)
				anchor = nil
			}
			if blockElements[name] {
				b.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.ReplaceAll(string(z.Text()), "\u00a0", " ")
			if strings.TrimSpace(text) == "" {
				b.WriteByte(' ')
				continue
			}
			if anchor != nil {
				anchor.hasText = true
			}
			b.WriteString(text)
		}
	}
}

func closeAnchor(a *openAnchor, links []string) []string {
	if a.href == "" {
		return links
	}
	if a.pixel && !a.hasText {
		return links
	}
	return append(links, a.href)
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// isTrackingPixel matches 1x1, zero-sized or hidden images
func isTrackingPixel(tok html.Token) bool {
	width := strings.TrimSpace(attr(tok, "width"))
	height := strings.TrimSpace(attr(tok, "height"))
	if (width == "0" || width == "1") && (height == "0" || height == "1") {
		return true
	}

	style := strings.ToLower(strings.ReplaceAll(attr(tok, "style"), " ", ""))
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return true
	}
	return strings.Contains(style, "width:1px") && strings.Contains(style, "height:1px")
}
