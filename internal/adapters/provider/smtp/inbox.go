package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/pr-ingest/internal/adapters/provider"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/extractor"
	"go.uber.org/zap"
)

// Config holds the local inbox settings
type Config struct {
	ListenAddress   string
	Domain          string
	Address         string
	MaxMessageBytes int64
	MaxMessages     int
}

type storedMessage struct {
	id         string
	historyID  uint64
	raw        []byte
	receivedAt time.Time
}

// Inbox is a MailProvider fed by an SMTP listener. Every accepted message gets
// the next history id and a notification is published for it.
type Inbox struct {
	cfg       Config
	publisher core.Publisher
	logger    *zap.Logger
	server    *smtp.Server

	mu       sync.RWMutex
	messages map[string]*storedMessage
	order    []string
	history  uint64
}

// NewInbox creates a new Inbox
func NewInbox(cfg Config, publisher core.Publisher, logger *zap.Logger) *Inbox {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 * 1024 * 1024
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 1000
	}

	inbox := &Inbox{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		messages:  make(map[string]*storedMessage),
	}

	server := smtp.NewServer(&backend{inbox: inbox})
	server.Addr = cfg.ListenAddress
	server.Domain = cfg.Domain
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = 50
	inbox.server = server

	return inbox
}

// Start starts the SMTP listener
func (i *Inbox) Start() error {
	l, err := net.Listen("tcp", i.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", i.cfg.ListenAddress, err)
	}
	i.Serve(l)
	return nil
}

// Serve accepts SMTP connections on l in the background
func (i *Inbox) Serve(l net.Listener) {
	i.logger.Info("SMTP inbox starting", zap.String("address", l.Addr().String()))

	go func() {
		if err := i.server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			i.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
}

// Stop stops the SMTP listener
func (i *Inbox) Stop() error {
	return i.server.Close()
}

// Deliver stores raw and publishes a notification for it
func (i *Inbox) Deliver(ctx context.Context, raw []byte) (string, error) {
	i.mu.Lock()
	i.history++
	msg := &storedMessage{
		id:         "smtp-" + strconv.FormatUint(i.history, 10),
		historyID:  i.history,
		raw:        raw,
		receivedAt: time.Now().UTC(),
	}
	i.messages[msg.id] = msg
	i.order = append(i.order, msg.id)
	for len(i.order) > i.cfg.MaxMessages {
		delete(i.messages, i.order[0])
		i.order = i.order[1:]
	}
	i.mu.Unlock()

	if i.publisher != nil {
		if err := i.publisher.Publish(ctx, provider.EncodeNotification(i.cfg.Address, msg.historyID)); err != nil {
			return msg.id, fmt.Errorf("failed to publish notification: %w", err)
		}
	}

	i.logger.Info("Message received",
		zap.String("message_id", msg.id),
		zap.Uint64("history_id", msg.historyID),
		zap.Int("size", len(raw)))

	return msg.id, nil
}

// DecodeNotification parses the notifications published by Deliver
func (i *Inbox) DecodeNotification(payload []byte) (core.MailboxEvent, error) {
	return provider.DecodeNotification(payload)
}

// ListSince returns stored messages with a history id above marker
func (i *Inbox) ListSince(ctx context.Context, marker uint64) ([]core.MessageSummary, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var summaries []core.MessageSummary
	for _, msg := range i.messages {
		if msg.historyID > marker {
			summaries = append(summaries, core.MessageSummary{
				ID:           msg.id,
				HistoryID:    msg.historyID,
				InternalDate: msg.receivedAt,
			})
		}
	}
	sort.Slice(summaries, func(a, b int) bool {
		return summaries[a].HistoryID < summaries[b].HistoryID
	})
	return summaries, nil
}

// GetMessage returns a stored message
func (i *Inbox) GetMessage(ctx context.Context, id string) (*core.SourceMessage, error) {
	i.mu.RLock()
	msg, ok := i.messages[id]
	i.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("smtp message %s: %w", id, core.ErrMessageNotFound)
	}

	env := extractor.ParseEnvelope(msg.raw)
	date := env.Date
	if date.IsZero() {
		date = msg.receivedAt
	}

	return &core.SourceMessage{
		ID:        msg.id,
		HistoryID: msg.historyID,
		Raw:       msg.raw,
		Subject:   env.Subject,
		From:      env.From,
		Date:      date,
		Headers:   env.Headers,
	}, nil
}

// Watch returns the latest history id
func (i *Inbox) Watch(ctx context.Context) (uint64, time.Time, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.history, time.Time{}, nil
}

// backend implements the go-smtp Backend interface
type backend struct {
	inbox *Inbox
}

// NewSession creates a new SMTP session
func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{inbox: b.inbox}, nil
}

// session implements the go-smtp Session interface
type session struct {
	inbox *Inbox
}

func (s *session) Reset() {}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	return nil
}

// Data stores the message; a failed publish is reported as a temporary error
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.inbox.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.inbox.Deliver(ctx, raw); err != nil {
		s.inbox.logger.Error("Failed to deliver message", zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}
	return nil
}
