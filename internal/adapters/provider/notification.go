// Package provider holds the notification payload codec shared by mail providers
package provider

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/mikey/pr-ingest/internal/core"
)

type notificationPayload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DecodeNotification parses {"emailAddress", "historyId"}; historyId may be a
// JSON number or a decimal string
func DecodeNotification(payload []byte) (core.MailboxEvent, error) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.MailboxEvent{}, fmt.Errorf("failed to decode notification: %w: %v", core.ErrContentShape, err)
	}

	raw := bytes.TrimSpace(p.HistoryID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return core.MailboxEvent{}, fmt.Errorf("notification has no historyId: %w", core.ErrContentShape)
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return core.MailboxEvent{}, fmt.Errorf("invalid historyId %s: %w", raw, core.ErrContentShape)
		}
	}

	historyID, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return core.MailboxEvent{}, fmt.Errorf("invalid historyId %q: %w", text, core.ErrContentShape)
	}

	return core.MailboxEvent{EmailAddress: p.EmailAddress, HistoryID: historyID}, nil
}

// EncodeNotification builds a payload in the same shape, used by locally
// produced notifications
func EncodeNotification(emailAddress string, historyID uint64) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"emailAddress": emailAddress,
		"historyId":    strconv.FormatUint(historyID, 10),
	})
	return data
}
