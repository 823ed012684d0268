package scraper_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/adapters/scraper"
)

func TestDirectFetcherContentTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<p>Hello <b>world</b></p>")
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "plain body")
		case "/pdf":
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, "%PDF-1.4")
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := scraper.NewDirectFetcher(srv.Client(), "", 0, zap.NewNop())

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/html", http.StatusOK, "Hello world"},
		{"/plain", http.StatusOK, "plain body"},
		{"/pdf", http.StatusOK, ""},
		{"/broken", http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			page, err := f.Fetch(context.Background(), srv.URL+tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.status, page.StatusCode)
			assert.Equal(t, srv.URL+tt.path, page.URL)
			if tt.contains == "" {
				assert.Empty(t, page.Text)
			} else {
				assert.Contains(t, page.Text, tt.contains)
			}
		})
	}
}

func TestRenderFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req["url"] == "https://fail.example" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"url":         req["url"] + "/final",
			"status_code": 200,
			"markdown":    "# Release",
		})
	}))
	defer srv.Close()

	f := scraper.NewRenderFetcher(srv.Client(), srv.URL, "secret", zap.NewNop())

	page, err := f.Fetch(context.Background(), "https://agency.example")
	require.NoError(t, err)
	assert.Equal(t, "https://agency.example/final", page.URL)
	assert.Equal(t, "# Release", page.Text)

	_, err = f.Fetch(context.Background(), "https://fail.example")
	assert.Error(t, err)
}
