package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/mikey/pr-ingest/internal/adapters/provider"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/extractor"
	"go.uber.org/zap"
)

// Config holds IMAP connection settings
type Config struct {
	Address   string
	Username  string
	Password  string
	Mailbox   string
	TLS       bool
	ListLimit int
	// Timeout bounds a whole session when the caller's context has no earlier deadline
	Timeout time.Duration
}

// Provider is a MailProvider over IMAP. Message UIDs serve as both message id
// and history marker, so the marker is only meaningful within one UIDVALIDITY.
type Provider struct {
	cfg    Config
	logger *zap.Logger
}

// NewProvider creates a new IMAP provider
func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Provider{cfg: cfg, logger: logger}
}

// session is one logged-in connection bound to a context
type session struct {
	client   *imapclient.Client
	selected *imap.SelectData
	stop     func()
}

func (s *session) close() {
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
	s.stop()
}

// connect dials, logs in and selects the mailbox. The connection is closed
// when ctx is done or the session timeout passes.
func (p *Provider) connect(ctx context.Context) (*session, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, p.wrap(ctx, fmt.Errorf("failed to connect to %s: %w: %w", p.cfg.Address, core.ErrTransient, err))
	}

	// The client manages its own read deadlines, so closing the connection is
	// what ends a pending command.
	sctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	closeOnDone := context.AfterFunc(sctx, func() { _ = conn.Close() })
	stop := func() {
		closeOnDone()
		cancel()
	}

	client := imapclient.New(conn, nil)

	if err := client.Login(p.cfg.Username, p.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		stop()
		var rejected *imap.Error
		if ctx.Err() == nil && errors.As(err, &rejected) {
			return nil, fmt.Errorf("imap login failed for %s: %w: %w", p.cfg.Username, core.ErrAuthExpired, err)
		}
		return nil, p.wrap(ctx, fmt.Errorf("imap login to %s failed: %w: %w", p.cfg.Address, core.ErrTransient, err))
	}

	selected, err := client.Select(p.cfg.Mailbox, nil).Wait()
	if err != nil {
		s := &session{client: client, stop: stop}
		s.close()
		return nil, p.wrap(ctx, fmt.Errorf("failed to select %s: %w: %w", p.cfg.Mailbox, core.ErrTransient, err))
	}

	return &session{client: client, selected: selected, stop: stop}, nil
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	if !p.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", p.cfg.Address)
	}

	host, _, err := net.SplitHostPort(p.cfg.Address)
	if err != nil {
		return nil, err
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: host}}
	return tlsDialer.DialContext(ctx, "tcp", p.cfg.Address)
}

// wrap attaches the context error so callers see an abandoned operation
func (p *Provider) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// DecodeNotification parses a locally produced poll notification
func (p *Provider) DecodeNotification(payload []byte) (core.MailboxEvent, error) {
	return provider.DecodeNotification(payload)
}

// ListSince returns messages with a UID above marker, oldest first
func (p *Provider) ListSince(ctx context.Context, marker uint64) ([]core.MessageSummary, error) {
	sess, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	criteria := &imap.SearchCriteria{}
	if marker > 0 {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(marker + 1), Stop: 0}}}
	}

	data, err := sess.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, p.wrap(ctx, fmt.Errorf("imap search failed: %w: %w", core.ErrTransient, err))
	}

	var summaries []core.MessageSummary
	for _, uid := range data.AllUIDs() {
		// "n:*" always matches the highest UID even when it is below n
		if uint64(uid) <= marker {
			continue
		}
		summaries = append(summaries, core.MessageSummary{
			ID:        strconv.FormatUint(uint64(uid), 10),
			HistoryID: uint64(uid),
		})
	}

	if marker == 0 && len(summaries) > p.cfg.ListLimit {
		summaries = summaries[len(summaries)-p.cfg.ListLimit:]
	}
	return summaries, nil
}

// GetMessage fetches the full message for a UID
func (p *Provider) GetMessage(ctx context.Context, id string) (*core.SourceMessage, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid imap uid %q: %w", id, core.ErrMessageNotFound)
	}

	sess, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := sess.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, p.wrap(ctx, fmt.Errorf("failed to fetch imap uid %d: %w: %w", uid, core.ErrTransient, err))
		}
		return nil, fmt.Errorf("imap uid %d: %w", uid, core.ErrMessageNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, p.wrap(ctx, fmt.Errorf("failed to fetch imap uid %d: %w: %w", uid, core.ErrTransient, err))
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("imap uid %d has no body: %w", uid, core.ErrMessageNotFound)
	}

	env := extractor.ParseEnvelope(raw)
	date := env.Date
	if date.IsZero() {
		date = buf.InternalDate.UTC()
	}

	return &core.SourceMessage{
		ID:        id,
		HistoryID: uid,
		Raw:       raw,
		Subject:   env.Subject,
		From:      env.From,
		Date:      date,
		Headers:   env.Headers,
	}, nil
}

// Watch returns the highest assigned UID; IMAP subscriptions do not expire
func (p *Provider) Watch(ctx context.Context) (uint64, time.Time, error) {
	sess, err := p.connect(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer sess.close()

	selected := sess.selected
	var marker uint64
	if selected.UIDNext > 0 {
		marker = uint64(selected.UIDNext) - 1
	}

	p.logger.Debug("Mailbox state",
		zap.String("mailbox", p.cfg.Mailbox),
		zap.Uint32("uid_validity", selected.UIDValidity),
		zap.Uint64("marker", marker),
		zap.Uint32("messages", selected.NumMessages))

	return marker, time.Time{}, nil
}
