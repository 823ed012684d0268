package core

import (
	"context"
	"time"
)

// LLMClient is the port for a generative model backend
type LLMClient interface {
	// Generate sends a prompt and returns the raw text of the model's answer
	Generate(ctx context.Context, prompt string) (string, error)
	// ModelName identifies the model in persisted records
	ModelName() string
}

// MailProvider is the port for the email provider API
type MailProvider interface {
	// DecodeNotification turns an opaque queue payload into a mailbox event
	DecodeNotification(payload []byte) (MailboxEvent, error)
	// ListSince returns messages newer than marker ordered oldest first
	ListSince(ctx context.Context, marker uint64) ([]MessageSummary, error)
	// GetMessage fetches the raw message and its headers
	GetMessage(ctx context.Context, id string) (*SourceMessage, error)
	// Watch starts or renews the mailbox subscription and returns the current marker
	Watch(ctx context.Context) (marker uint64, expiration time.Time, err error)
}

// Handler processes one notification and decides its acknowledgment
type Handler func(ctx context.Context, n Notification) AckDecision

// NotificationSource is the port for the delivery queue
type NotificationSource interface {
	// Receive blocks, dispatching notifications to handler until ctx is done
	Receive(ctx context.Context, handler Handler) error
	Close() error
}

// Publisher is implemented by queues that accept locally produced notifications
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// PageFetcher is the port for the page-fetching / scraping backend
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedPage, error)
}

// ObjectStore is the port for durable key to blob persistence
type ObjectStore interface {
	// PutIfAbsent writes data under key, returning ErrObjectExists if the key is taken
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	// Get returns the stored bytes or ErrObjectNotFound
	Get(ctx context.Context, key string) ([]byte, error)
}

// LedgerStore is the port for the dedup ledger backing store
type LedgerStore interface {
	// Create inserts entry only if no entry exists for its id
	Create(ctx context.Context, entry *LedgerEntry) (bool, error)
	// Load returns the entry or ErrEntryNotFound
	Load(ctx context.Context, messageID string) (*LedgerEntry, error)
	// CompareAndSwap replaces the entry only if its stored version equals expectedVersion
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *LedgerEntry) (bool, error)
}

// ContentExtractor turns raw message bytes into normalized content
type ContentExtractor interface {
	Extract(messageID string, raw []byte, snippet string) *ExtractedContent
}

// LinkResolver resolves and fetches a candidate URL. Failures are *FetchFailure.
type LinkResolver interface {
	Resolve(ctx context.Context, url string) (*ResolvedPage, error)
}

// ClassificationMetadata accompanies the text sent for classification
type ClassificationMetadata struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	SourceURL string
	BodyKind  BodyKind
}

// Classifier wraps the AI service behind a validated contract
type Classifier interface {
	Classify(ctx context.Context, text string, meta ClassificationMetadata) (*ClassificationResult, error)
}

// RecordWriter persists a record idempotently
type RecordWriter interface {
	Write(ctx context.Context, record *PersistedRecord) error
}
