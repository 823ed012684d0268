package factory

import (
	"context"
	"fmt"

	"github.com/mikey/pr-ingest/internal/adapters/provider/gmail"
	"github.com/mikey/pr-ingest/internal/adapters/provider/imap"
	"github.com/mikey/pr-ingest/internal/adapters/provider/smtp"
	"github.com/mikey/pr-ingest/internal/config"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
)

// ProviderFactory creates mail providers based on configuration
type ProviderFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewProviderFactory creates a new provider factory
func NewProviderFactory(cfg *config.Config, logger *zap.Logger) *ProviderFactory {
	return &ProviderFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateMailProvider creates a mail provider. publisher is required by the smtp
// inbox, which produces its own notifications.
func (f *ProviderFactory) CreateMailProvider(ctx context.Context, publisher core.Publisher) (core.MailProvider, error) {
	providerType := f.cfg.GetProvider().Type

	switch providerType {
	case "gmail":
		gmailCfg := f.cfg.GetGmail()
		service, err := gmail.NewService(ctx, gmailCfg.CredentialsFile, gmailCfg.TokenFile)
		if err != nil {
			return nil, err
		}
		return gmail.NewProvider(service, gmail.Config{
			User:      gmailCfg.User,
			Topic:     gmailCfg.Topic,
			LabelIDs:  gmailCfg.LabelIDs,
			ListLimit: gmailCfg.ListLimit,
		}, f.logger), nil
	case "imap":
		imapCfg := f.cfg.GetIMAP()
		if imapCfg.Address == "" {
			return nil, fmt.Errorf("imap address is required")
		}
		return imap.NewProvider(imap.Config{
			Address:   imapCfg.Address,
			Username:  imapCfg.Username,
			Password:  imapCfg.Password,
			Mailbox:   imapCfg.Mailbox,
			TLS:       imapCfg.TLS,
			ListLimit: imapCfg.ListLimit,
			Timeout:   imapCfg.Timeout,
		}, f.logger), nil
	case "smtp":
		if publisher == nil {
			return nil, fmt.Errorf("smtp provider requires a publishable queue (redis, channel or pubsub)")
		}
		smtpCfg := f.cfg.GetSMTP()
		return smtp.NewInbox(smtp.Config{
			ListenAddress:   smtpCfg.ListenAddress,
			Domain:          smtpCfg.Domain,
			Address:         smtpCfg.Address,
			MaxMessageBytes: smtpCfg.MaxMessageBytes,
			MaxMessages:     smtpCfg.MaxMessages,
		}, publisher, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
}

// PollsMailbox reports whether the configured provider needs the poll job to
// produce notifications
func (f *ProviderFactory) PollsMailbox() bool {
	return f.cfg.GetProvider().Type == "imap"
}

// EmailAddress returns the mailbox address carried in locally produced notifications
func (f *ProviderFactory) EmailAddress() string {
	switch f.cfg.GetProvider().Type {
	case "imap":
		return f.cfg.GetIMAP().Username
	case "smtp":
		return f.cfg.GetSMTP().Address
	default:
		return f.cfg.GetGmail().User
	}
}
