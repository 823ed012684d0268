package resolver_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/adapters/scraper"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/resolver"
)

func newServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/release", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><nav>Menu</nav><h1>Agency awards grant</h1><p>March 5, 2024 - funding announced.</p></body></html>`)
	})
	mux.HandleFunc("/loop-x", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop-y", http.StatusFound)
	})
	mux.HandleFunc("/loop-y", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop-x", http.StatusFound)
	})
	mux.HandleFunc("/chain/", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/chain/"))
		http.Redirect(w, r, fmt.Sprintf("/chain/%d", n+1), http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><script>var x = 1;</script></head><body>   </body></html>`)
	})
	mux.HandleFunc("/no-head", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.Redirect(w, r, "/release", http.StatusSeeOther)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newResolver(srv *httptest.Server, cfg resolver.Config) *resolver.Resolver {
	fetcher := scraper.NewDirectFetcher(srv.Client(), "pr-ingest-test", 0, zap.NewNop())
	return resolver.NewResolver(srv.Client(), fetcher, cfg, zap.NewNop())
}

func requireFailure(t *testing.T, err error, reason string) *core.FetchFailure {
	t.Helper()
	var failure *core.FetchFailure
	require.True(t, errors.As(err, &failure), "expected FetchFailure, got %v", err)
	assert.Equal(t, reason, failure.Reason)
	return failure
}

func TestResolveFollowsRedirects(t *testing.T) {
	srv := newServer(t)
	r := newResolver(srv, resolver.Config{Deadline: 5 * time.Second, MaxHops: 5})

	page, err := r.Resolve(context.Background(), srv.URL+"/a")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/a", page.SourceURL)
	assert.Equal(t, srv.URL+"/release", page.FinalURL)
	assert.Equal(t, 2, page.Hops)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.Contains(t, page.Text, "Agency awards grant")
	assert.NotContains(t, page.Text, "Menu")
}

func TestResolveFallsBackToGetWhenHeadRejected(t *testing.T) {
	srv := newServer(t)
	r := newResolver(srv, resolver.Config{Deadline: 5 * time.Second})

	page, err := r.Resolve(context.Background(), srv.URL+"/no-head")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/release", page.FinalURL)
	assert.Equal(t, 1, page.Hops)
}

func TestResolveFailures(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name   string
		url    string
		reason string
		status int
	}{
		{"redirect loop", srv.URL + "/loop-x", core.FetchReasonRedirectLoop, http.StatusFound},
		{"too many hops", srv.URL + "/chain/0", core.FetchReasonTooManyHops, http.StatusFound},
		{"not found", srv.URL + "/missing", core.FetchReasonStatus, http.StatusNotFound},
		{"empty page", srv.URL + "/empty", core.FetchReasonEmpty, http.StatusOK},
		{"unsupported scheme", "ftp://example.com/file", core.FetchReasonInvalidURL, 0},
		{"no host", "https:///path", core.FetchReasonInvalidURL, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(srv, resolver.Config{Deadline: 5 * time.Second, MaxHops: 3})
			page, err := r.Resolve(context.Background(), tt.url)
			assert.Nil(t, page)
			failure := requireFailure(t, err, tt.reason)
			assert.Equal(t, tt.status, failure.Status)
		})
	}
}

type blockingFetcher struct {
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string) (*core.FetchedPage, error) {
	<-f.release
	return &core.FetchedPage{URL: url, StatusCode: http.StatusOK, Text: "late"}, nil
}

func TestResolveHonoursDeadlineWhenBackendHangs(t *testing.T) {
	srv := newServer(t)
	fetcher := &blockingFetcher{release: make(chan struct{})}
	t.Cleanup(func() { close(fetcher.release) })

	r := resolver.NewResolver(srv.Client(), fetcher, resolver.Config{Deadline: 100 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	_, err := r.Resolve(context.Background(), srv.URL+"/release")
	elapsed := time.Since(start)

	requireFailure(t, err, core.FetchReasonTimeout)
	assert.Less(t, elapsed, 2*time.Second)
}

type failingFetcher struct {
	calls int
}

func (f *failingFetcher) Fetch(ctx context.Context, url string) (*core.FetchedPage, error) {
	f.calls++
	return nil, errors.New("render service unavailable")
}

func TestResolveOpensCircuitAfterBackendFailures(t *testing.T) {
	srv := newServer(t)
	fetcher := &failingFetcher{}
	r := resolver.NewResolver(srv.Client(), fetcher, resolver.Config{
		Deadline:       5 * time.Second,
		BreakerTrips:   2,
		BreakerTimeout: time.Minute,
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), srv.URL+"/release")
		requireFailure(t, err, core.FetchReasonBackend)
	}

	_, err := r.Resolve(context.Background(), srv.URL+"/release")
	requireFailure(t, err, core.FetchReasonCircuitOpen)
	assert.Equal(t, 2, fetcher.calls)
}
