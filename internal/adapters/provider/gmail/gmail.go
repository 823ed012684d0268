package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/mikey/pr-ingest/internal/adapters/provider"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/extractor"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config holds Gmail provider settings
type Config struct {
	User      string
	Topic     string
	LabelIDs  []string
	ListLimit int64
}

// Provider is a MailProvider on the Gmail API
type Provider struct {
	service *gmail.Service
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewService builds a Gmail service. With a token file the credentials file is
// an OAuth client secret; without one it is a service account key.
func NewService(ctx context.Context, credentialsFile, tokenFile string) (*gmail.Service, error) {
	if tokenFile == "" {
		svc, err := gmail.NewService(ctx,
			option.WithCredentialsFile(credentialsFile),
			option.WithScopes(gmail.GmailReadonlyScope))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail service: %w", err)
		}
		return svc, nil
	}

	secret, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client secret: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(secret, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client secret: %w", err)
	}

	tokenData, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// NewProvider creates a new Gmail provider
func NewProvider(service *gmail.Service, cfg Config, logger *zap.Logger) *Provider {
	if cfg.User == "" {
		cfg.User = "me"
	}
	if len(cfg.LabelIDs) == 0 {
		cfg.LabelIDs = []string{"INBOX"}
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gmail",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !core.IsTransient(err)
		},
	})

	return &Provider{
		service: service,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}
}

// DecodeNotification parses the Gmail Pub/Sub payload
func (p *Provider) DecodeNotification(payload []byte) (core.MailboxEvent, error) {
	return provider.DecodeNotification(payload)
}

// ListSince returns messages added after marker, oldest first. When the
// marker is unset or too old for the history API the newest messages are listed.
func (p *Provider) ListSince(ctx context.Context, marker uint64) ([]core.MessageSummary, error) {
	if marker == 0 {
		return p.listRecent(ctx)
	}

	var summaries []core.MessageSummary
	err := p.call(func() error {
		summaries = summaries[:0]
		seen := make(map[string]struct{})

		call := p.service.Users.History.List(p.cfg.User).
			StartHistoryId(marker).
			HistoryTypes("messageAdded").
			LabelId(p.cfg.LabelIDs[0])

		return call.Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil {
						continue
					}
					if _, ok := seen[added.Message.Id]; ok {
						continue
					}
					seen[added.Message.Id] = struct{}{}
					summaries = append(summaries, core.MessageSummary{
						ID:           added.Message.Id,
						HistoryID:    h.Id,
						InternalDate: time.UnixMilli(added.Message.InternalDate).UTC(),
					})
				}
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, core.ErrMessageNotFound) {
			p.logger.Warn("History marker expired, listing recent messages", zap.Uint64("marker", marker))
			return p.listRecent(ctx)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].HistoryID < summaries[j].HistoryID
	})
	return summaries, nil
}

func (p *Provider) listRecent(ctx context.Context) ([]core.MessageSummary, error) {
	var resp *gmail.ListMessagesResponse
	err := p.call(func() error {
		var err error
		resp, err = p.service.Users.Messages.List(p.cfg.User).
			LabelIds(p.cfg.LabelIDs...).
			MaxResults(p.cfg.ListLimit).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	// the API returns newest first
	summaries := make([]core.MessageSummary, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		summaries = append(summaries, core.MessageSummary{ID: resp.Messages[i].Id})
	}
	return summaries, nil
}

// GetMessage fetches the raw RFC 822 message
func (p *Provider) GetMessage(ctx context.Context, id string) (*core.SourceMessage, error) {
	var msg *gmail.Message
	err := p.call(func() error {
		var err error
		msg, err = p.service.Users.Messages.Get(p.cfg.User, id).Format("raw").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	var env extractor.Envelope
	raw, err := extractor.DecodeBase64([]byte(msg.Raw))
	if err != nil {
		// The extractor falls back to the snippet
		p.logger.Warn("Raw message is undecodable, continuing with snippet only",
			zap.String("message_id", id),
			zap.Error(err))
		raw = nil
	} else {
		env = extractor.ParseEnvelope(raw)
	}

	date := env.Date
	if date.IsZero() && msg.InternalDate > 0 {
		date = time.UnixMilli(msg.InternalDate).UTC()
	}

	return &core.SourceMessage{
		ID:        id,
		HistoryID: msg.HistoryId,
		Raw:       raw,
		Snippet:   msg.Snippet,
		Subject:   env.Subject,
		From:      env.From,
		Date:      date,
		Headers:   env.Headers,
	}, nil
}

// Watch starts or renews the push subscription on the configured topic
func (p *Provider) Watch(ctx context.Context) (uint64, time.Time, error) {
	var resp *gmail.WatchResponse
	err := p.call(func() error {
		var err error
		resp, err = p.service.Users.Watch(p.cfg.User, &gmail.WatchRequest{
			TopicName:           p.cfg.Topic,
			LabelIds:            p.cfg.LabelIDs,
			LabelFilterBehavior: "include",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to watch mailbox: %w", err)
	}

	expiration := time.UnixMilli(resp.Expiration).UTC()
	p.logger.Info("Mailbox watch active",
		zap.String("topic", p.cfg.Topic),
		zap.Uint64("history_id", resp.HistoryId),
		zap.Time("expiration", expiration))

	return resp.HistoryId, expiration, nil
}

func (p *Provider) call(fn func() error) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, classifyError(fn())
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("gmail circuit open: %w: %w", core.ErrTransient, err)
	}
	return err
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %w", core.ErrAuthExpired, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", core.ErrMessageNotFound, err)
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", core.ErrAuthExpired, err)
		case apiErr.Code == http.StatusTooManyRequests || isRateLimitReason(apiErr):
			return fmt.Errorf("%w: %w", core.ErrRateLimited, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %w", core.ErrTransient, err)
		}
		return err
	}

	return fmt.Errorf("%w: %w", core.ErrTransient, err)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	if apiErr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
