package extractor

import (
	"bufio"
	"bytes"
	stdtextproto "net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Envelope holds the headers the pipeline records
type Envelope struct {
	Subject string
	From    string
	Date    time.Time
	Headers map[string][]string
}

// ParseEnvelope reads subject, sender and date from a raw message. Malformed
// headers yield empty values rather than errors; a missing or unparseable date is zero.
func ParseEnvelope(raw []byte) Envelope {
	var env Envelope

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return env
	}
	header := mail.Header{Header: message.Header{Header: h}}

	env.Headers = make(map[string][]string)
	fields := header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := stdtextproto.CanonicalMIMEHeaderKey(fields.Key())
		env.Headers[key] = append(env.Headers[key], value)
	}

	if subject, err := header.Subject(); err == nil {
		env.Subject = strings.TrimSpace(subject)
	} else {
		env.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	env.From = senderOf(header)

	if date, err := header.Date(); err == nil && !date.IsZero() {
		env.Date = date.UTC()
	}

	return env
}

// senderOf prefers From, then Sender
func senderOf(header mail.Header) string {
	for _, key := range []string{"From", "Sender"} {
		if addrs, err := header.AddressList(key); err == nil && len(addrs) > 0 {
			if addrs[0].Name != "" {
				return addrs[0].Name + " <" + addrs[0].Address + ">"
			}
			return addrs[0].Address
		}
		if raw, err := header.Text(key); err == nil && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw)
		}
	}
	return ""
}
