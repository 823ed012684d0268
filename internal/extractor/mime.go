package extractor

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

var errUndecodable = errors.New("part body is undecodable")

// mimeNode is one entry of the MIME walk worklist
type mimeNode struct {
	header message.Header
	body   []byte
	depth  int
}

// leafPart is a text or HTML part found during the walk, still transfer-encoded
type leafPart struct {
	header    message.Header
	body      []byte
	mediaType string
	charset   string
}

// readNode parses a header block followed by a body
func readNode(raw []byte, depth int) (mimeNode, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return mimeNode{}, fmt.Errorf("failed to read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return mimeNode{}, fmt.Errorf("failed to read body: %w", err)
	}
	return mimeNode{header: message.Header{Header: h}, body: body, depth: depth}, nil
}

// walkResult holds the leaf parts in document order
type walkResult struct {
	html     []leafPart
	text     []leafPart
	visited  int
	maxDepth bool
}

// walk traverses the MIME tree with an explicit stack in document order.
// Nesting deeper than maxDepth and parts beyond maxParts are ignored.
func walk(root mimeNode, maxDepth, maxParts int) walkResult {
	var res walkResult
	stack := []mimeNode{root}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		res.visited++
		if maxParts > 0 && res.visited > maxParts {
			break
		}

		mediaType, params, err := node.header.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
			if looksLikeHTML(node.body) {
				mediaType = "text/html"
			}
		}
		mediaType = strings.ToLower(mediaType)

		if disp, _, err := node.header.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			if node.depth >= maxDepth {
				res.maxDepth = true
				continue
			}
			children := splitMultipart(node, params["boundary"])
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}

		case mediaType == "message/rfc822":
			if node.depth >= maxDepth {
				res.maxDepth = true
				continue
			}
			body, err := decodeTransfer(node.header.Get("Content-Transfer-Encoding"), node.body)
			if err != nil {
				continue
			}
			child, err := readNode(body, node.depth+1)
			if err != nil {
				continue
			}
			stack = append(stack, child)

		case mediaType == "text/html":
			res.html = append(res.html, leafPart{header: node.header, body: node.body, mediaType: mediaType, charset: params["charset"]})

		case mediaType == "text/plain":
			res.text = append(res.text, leafPart{header: node.header, body: node.body, mediaType: mediaType, charset: params["charset"]})
		}
	}

	return res
}

// splitMultipart reads the direct children of a multipart node. A malformed
// body yields the parts read before the error.
func splitMultipart(node mimeNode, boundary string) []mimeNode {
	if boundary == "" {
		return nil
	}

	body := node.body
	if decoded, err := decodeTransfer(node.header.Get("Content-Transfer-Encoding"), body); err == nil {
		body = decoded
	}

	var children []mimeNode
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		partBody, err := io.ReadAll(part)
		if err != nil && len(partBody) == 0 {
			continue
		}
		children = append(children, mimeNode{
			header: message.Header{Header: part.Header},
			body:   partBody,
			depth:  node.depth + 1,
		})
	}

	return children
}

// decode applies transfer and charset decoding to a leaf part
func (p leafPart) decode() (string, error) {
	body, err := decodeTransfer(p.header.Get("Content-Transfer-Encoding"), p.body)
	if err != nil {
		return "", err
	}
	return decodeCharset(p.charset, body), nil
}

// decodeTransfer undoes the Content-Transfer-Encoding of a body
func decodeTransfer(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return DecodeBase64(body)
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			// Lenient: broken soft line breaks are common, keep what is readable
			return body, nil
		}
		return decoded, nil
	default:
		return body, nil
	}
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeBase64 tries the standard and URL-safe alphabets, padded and unpadded,
// after stripping whitespace
func DecodeBase64(data []byte) ([]byte, error) {
	compact := bytes.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, data)

	if len(compact) == 0 {
		return nil, errUndecodable
	}

	for _, enc := range base64Encodings {
		decoded := make([]byte, enc.DecodedLen(len(compact)))
		n, err := enc.Decode(decoded, compact)
		if err == nil {
			return decoded[:n], nil
		}
	}

	// Some senders pad unpadded payloads inconsistently
	trimmed := bytes.TrimRight(compact, "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded := make([]byte, enc.DecodedLen(len(trimmed)))
		n, err := enc.Decode(decoded, trimmed)
		if err == nil {
			return decoded[:n], nil
		}
	}

	return nil, errUndecodable
}

// decodeCharset converts body to UTF-8; unknown charsets pass through unchanged
func decodeCharset(label string, body []byte) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" || label == "us-ascii" {
		return string(body)
	}

	r, err := charset.Reader(label, bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(converted)
}
