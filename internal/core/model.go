package core

import (
	"time"
)

// NoContentSentinel is the body used when nothing could be recovered from a message
const NoContentSentinel = "No content could be extracted from this email"

// Notification represents a single delivery attempt from the notification queue
type Notification struct {
	QueueMessageID  string
	ReceivedAt      time.Time
	Payload         []byte
	DeliveryAttempt int
}

// MailboxEvent is the provider-decoded content of a notification payload
type MailboxEvent struct {
	EmailAddress string
	HistoryID    uint64
}

// MessageSummary is a single entry returned when listing a mailbox
type MessageSummary struct {
	ID           string
	HistoryID    uint64
	InternalDate time.Time
}

// SourceMessage represents one fetched email
type SourceMessage struct {
	ID        string
	HistoryID uint64
	Raw       []byte
	Snippet   string
	Subject   string
	From      string
	Date      time.Time
	Headers   map[string][]string
}

// BodyKind describes where the extracted text came from
type BodyKind string

const (
	BodyKindInlineHTML      BodyKind = "inline_html"
	BodyKindInlineText      BodyKind = "inline_text"
	BodyKindFallbackSnippet BodyKind = "fallback_snippet"
)

// ExtractedContent is the normalized content of a message
type ExtractedContent struct {
	MessageID    string
	BodyKind     BodyKind
	Text         string
	CandidateURL string
	URLs         []string
}

// HasCandidateURL reports whether a link worth resolving was found
func (c *ExtractedContent) HasCandidateURL() bool {
	return c.CandidateURL != ""
}

// FetchedPage is what a page-fetching backend returns for a URL
type FetchedPage struct {
	URL        string
	StatusCode int
	Text       string
}

// ResolvedPage is a candidate URL after redirect resolution and fetching
type ResolvedPage struct {
	SourceURL string
	FinalURL  string
	Text      string
	Status    int
	Hops      int
}

// ContentKind describes where the press-release content lives
type ContentKind string

const (
	ContentKindInline ContentKind = "inline"
	ContentKindLinked ContentKind = "linked"
	ContentKindNone   ContentKind = "none"
)

// ClassificationResult is the validated output of the classification adapter
type ClassificationResult struct {
	IsPressRelease  bool
	ContentKind     ContentKind
	PublishedAt     *time.Time
	Summary         string
	Headline        string
	KeyResult       string
	ImpactedProgram string
	NextStep        string
	ModelUsed       string
	// Degraded is set when the model output could not be validated
	Degraded bool
	// Input is the normalized, truncated text the model was given
	Input string
}

// NegativeClassification returns the safe default result
func NegativeClassification(model string) *ClassificationResult {
	return &ClassificationResult{
		IsPressRelease: false,
		ContentKind:    ContentKindNone,
		ModelUsed:      model,
		Degraded:       true,
	}
}

// PersistedRecord is the durable result for one source message
type PersistedRecord struct {
	MessageID       string      `json:"message_id"`
	Subject         string      `json:"subject"`
	From            string      `json:"from"`
	EmailDate       time.Time   `json:"email_date"`
	IsPressRelease  bool        `json:"is_press_release"`
	ContentKind     ContentKind `json:"content_kind"`
	PublishedAt     *time.Time  `json:"published_at"`
	Summary         string      `json:"summary"`
	Headline        string      `json:"headline"`
	KeyResult       string      `json:"key_result"`
	ImpactedProgram string      `json:"impacted_program"`
	NextStep        string      `json:"next_step"`
	SourceURL       string      `json:"source_url,omitempty"`
	BodyKind        BodyKind    `json:"body_kind"`
	Text            string      `json:"text"`
	ModelUsed       string      `json:"model_used"`
	ProcessedAt     time.Time   `json:"processed_at"`
}

// LedgerStatus is the state of a dedup ledger entry
type LedgerStatus string

const (
	LedgerInProgress LedgerStatus = "in_progress"
	LedgerCompleted  LedgerStatus = "completed"
	LedgerFailed     LedgerStatus = "failed"
	LedgerDeadLetter LedgerStatus = "dead_letter"
)

// Terminal reports whether no further processing should happen for the entry
func (s LedgerStatus) Terminal() bool {
	return s == LedgerCompleted || s == LedgerDeadLetter
}

// LedgerEntry tracks the processing state of one message id
type LedgerEntry struct {
	MessageID     string       `json:"message_id" db:"message_id"`
	Status        LedgerStatus `json:"status" db:"status"`
	Attempts      int          `json:"attempts" db:"attempts"`
	Owner         string       `json:"owner" db:"owner"`
	Version       int64        `json:"version" db:"version"`
	LastAttemptAt time.Time    `json:"last_attempt_at" db:"last_attempt_at"`
	LastError     string       `json:"last_error" db:"last_error"`
}

// BeginOutcome is the result of a ledger begin call
type BeginOutcome int

const (
	// Acquired means the caller owns the message and must process it
	Acquired BeginOutcome = iota
	// AlreadyOwned means another attempt owns or has finished the message
	AlreadyOwned
)

func (o BeginOutcome) String() string {
	if o == Acquired {
		return "acquired"
	}
	return "already_owned"
}

// AckDecision tells the queue adapter what to do with a notification
type AckDecision int

const (
	Nack AckDecision = iota
	Ack
)

func (d AckDecision) String() string {
	if d == Ack {
		return "ack"
	}
	return "nack"
}
