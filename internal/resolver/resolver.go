package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikey/pr-ingest/internal/core"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds link resolution limits
type Config struct {
	Deadline       time.Duration
	MaxHops        int
	UserAgent      string
	RatePerSecond  float64
	Burst          int
	BreakerTimeout time.Duration
	BreakerTrips   uint32
}

// Resolver follows a candidate URL to its final destination and fetches the
// page through a PageFetcher, always within a hard deadline
type Resolver struct {
	client  *http.Client
	fetcher core.PageFetcher
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

type outcome struct {
	page *core.ResolvedPage
	err  error
}

// NewResolver creates a new Resolver. client is used for the redirect walk and
// must not be shared with a client that follows redirects itself.
func NewResolver(client *http.Client, fetcher core.PageFetcher, cfg Config, logger *zap.Logger) *Resolver {
	if client == nil {
		client = &http.Client{}
	}
	walker := *client
	walker.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 10
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 20 * time.Second
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	trips := cfg.BreakerTrips
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "page-fetcher",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Resolver{
		client:  &walker,
		fetcher: fetcher,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Resolve returns the page behind rawURL or a *core.FetchFailure. It returns no
// later than the configured deadline even if the backend ignores cancellation.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*core.ResolvedPage, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, &core.FetchFailure{URL: rawURL, Reason: core.FetchReasonInvalidURL, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		page, err := r.resolve(ctx, rawURL)
		done <- outcome{page: page, err: err}
	}()

	select {
	case res := <-done:
		return res.page, res.err
	case <-ctx.Done():
		r.logger.Warn("Link resolution abandoned at deadline",
			zap.String("url", rawURL),
			zap.Duration("deadline", r.cfg.Deadline))
		return nil, &core.FetchFailure{URL: rawURL, Reason: core.FetchReasonTimeout, Err: ctx.Err()}
	}
}

func (r *Resolver) resolve(ctx context.Context, rawURL string) (*core.ResolvedPage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, r.failure(ctx, rawURL, core.FetchReasonTimeout, 0, err)
	}

	final, hops, err := r.followRedirects(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var pageErr error
	result, err := r.breaker.Execute(func() (interface{}, error) {
		page, err := r.fetcher.Fetch(ctx, final)
		if err != nil {
			var failure *core.FetchFailure
			if errors.As(err, &failure) {
				pageErr = err
				return nil, nil
			}
			return nil, err
		}
		return page, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, r.failure(ctx, final, core.FetchReasonCircuitOpen, 0, err)
		}
		return nil, r.failure(ctx, final, core.FetchReasonBackend, 0, err)
	}
	if pageErr != nil {
		return nil, pageErr
	}

	page, _ := result.(*core.FetchedPage)
	if page == nil {
		return nil, r.failure(ctx, final, core.FetchReasonBackend, 0, errors.New("fetcher returned no page"))
	}

	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return nil, &core.FetchFailure{URL: final, Reason: core.FetchReasonStatus, Status: page.StatusCode}
	}

	text := strings.TrimSpace(page.Text)
	if text == "" {
		return nil, &core.FetchFailure{URL: final, Reason: core.FetchReasonEmpty, Status: page.StatusCode}
	}

	finalURL := page.URL
	if finalURL == "" {
		finalURL = final
	}

	r.logger.Debug("Link resolved",
		zap.String("url", rawURL),
		zap.String("final_url", finalURL),
		zap.Int("hops", hops),
		zap.Int("text_size", len(text)))

	return &core.ResolvedPage{
		SourceURL: rawURL,
		FinalURL:  finalURL,
		Text:      text,
		Status:    page.StatusCode,
		Hops:      hops,
	}, nil
}

// followRedirects walks Location headers with HEAD requests, falling back to
// GET for servers that reject HEAD
func (r *Resolver) followRedirects(ctx context.Context, start string) (string, int, error) {
	current := start
	visited := map[string]struct{}{start: {}}
	hops := 0

	for {
		resp, err := r.probe(ctx, current)
		if err != nil {
			return "", hops, r.failure(ctx, current, core.FetchReasonBackend, 0, err)
		}

		location := resp.Header.Get("Location")
		status := resp.StatusCode
		resp.Body.Close()

		if status < 300 || status >= 400 || location == "" {
			return current, hops, nil
		}

		base, err := url.Parse(current)
		if err != nil {
			return "", hops, &core.FetchFailure{URL: current, Reason: core.FetchReasonInvalidURL, Err: err}
		}
		ref, err := url.Parse(location)
		if err != nil {
			return "", hops, &core.FetchFailure{URL: location, Reason: core.FetchReasonInvalidURL, Err: err}
		}
		next := base.ResolveReference(ref).String()

		if _, seen := visited[next]; seen {
			return "", hops, &core.FetchFailure{URL: next, Reason: core.FetchReasonRedirectLoop, Status: status}
		}
		hops++
		if hops > r.cfg.MaxHops {
			return "", hops, &core.FetchFailure{URL: next, Reason: core.FetchReasonTooManyHops, Status: status}
		}
		if err := validateURL(next); err != nil {
			return "", hops, &core.FetchFailure{URL: next, Reason: core.FetchReasonInvalidURL, Err: err}
		}

		visited[next] = struct{}{}
		current = next
	}
}

func (r *Resolver) probe(ctx context.Context, target string) (*http.Response, error) {
	resp, err := r.do(ctx, http.MethodHead, target)
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
		return resp, nil
	}
	if resp != nil {
		resp.Body.Close()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	resp, err = r.do(ctx, http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	// the body is only needed by the fetcher
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp, nil
}

func (r *Resolver) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	return r.client.Do(req)
}

func (r *Resolver) failure(ctx context.Context, target, reason string, status int, err error) error {
	if ctx.Err() != nil {
		return &core.FetchFailure{URL: target, Reason: core.FetchReasonTimeout, Err: ctx.Err()}
	}
	return &core.FetchFailure{URL: target, Reason: reason, Status: status, Err: err}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
