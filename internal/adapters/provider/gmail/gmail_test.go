package gmail_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mikey/pr-ingest/internal/adapters/provider/gmail"
	"github.com/mikey/pr-ingest/internal/core"
)

const rawMessage = "From: Press Office <press@agency.gov>\r\n" +
	"Subject: Agency announces grant\r\n" +
	"Date: Tue, 05 Mar 2024 10:00:00 -0500\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Body text\r\n"

func newProvider(t *testing.T, handler http.HandlerFunc) *gmail.Provider {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	return gmail.NewProvider(svc, gmail.Config{Topic: "projects/p/topics/t"}, zap.NewNop())
}

func TestListSinceOrdersAndDedupsHistory(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/users/me/history"), r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"history":[
			{"id":"105","messagesAdded":[{"message":{"id":"m2","internalDate":"1709650000000"}}]},
			{"id":"102","messagesAdded":[{"message":{"id":"m1"}},{"message":{"id":"m1"}}]}
		],"historyId":"105"}`)
	})

	summaries, err := p.ListSince(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "m1", summaries[0].ID)
	assert.Equal(t, uint64(102), summaries[0].HistoryID)
	assert.Equal(t, "m2", summaries[1].ID)
	assert.Equal(t, uint64(105), summaries[1].HistoryID)
}

func TestListSinceFallsBackWhenHistoryExpired(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/history") {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
			return
		}
		fmt.Fprint(w, `{"messages":[{"id":"newest"},{"id":"older"}]}`)
	})

	summaries, err := p.ListSince(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "older", summaries[0].ID)
	assert.Equal(t, "newest", summaries[1].ID)
}

func TestGetMessage(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages/m1"):
			assert.Equal(t, "raw", r.URL.Query().Get("format"))
			fmt.Fprintf(w, `{"id":"m1","historyId":"321","snippet":"Body text","raw":%q}`,
				base64.URLEncoding.EncodeToString([]byte(rawMessage)))
		case strings.HasSuffix(r.URL.Path, "/messages/gone"):
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Not Found"}}`)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"code":503,"message":"backend"}}`)
		}
	})

	msg, err := p.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, uint64(321), msg.HistoryID)
	assert.Equal(t, "Agency announces grant", msg.Subject)
	assert.Contains(t, msg.From, "press@agency.gov")
	assert.Equal(t, 2024, msg.Date.Year())
	assert.Equal(t, []byte(rawMessage), msg.Raw)

	_, err = p.GetMessage(context.Background(), "gone")
	assert.ErrorIs(t, err, core.ErrMessageNotFound)

	_, err = p.GetMessage(context.Background(), "flaky")
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestGetMessageWithUndecodableRawKeepsSnippet(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"m1","historyId":"9","internalDate":"1709650000000","snippet":"Agency announces grant","raw":"%%%corrupt%%%"}`)
	})

	msg, err := p.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Nil(t, msg.Raw)
	assert.Equal(t, "Agency announces grant", msg.Snippet)
	assert.Equal(t, int64(1709650000000), msg.Date.UnixMilli())
}

func TestWatch(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/users/me/watch"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"historyId":"4242","expiration":"1710000000000"}`)
	})

	marker, expiration, err := p.Watch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), marker)
	assert.Equal(t, int64(1710000000000), expiration.UnixMilli())
}

func TestDecodeNotification(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	event, err := p.DecodeNotification([]byte(`{"emailAddress":"alerts@example.com","historyId":"77"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(77), event.HistoryID)
}
