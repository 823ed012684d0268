package core_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/adapters/ledger"
	"github.com/mikey/pr-ingest/internal/adapters/provider"
	"github.com/mikey/pr-ingest/internal/adapters/store"
	"github.com/mikey/pr-ingest/internal/classifier"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/denylist"
	"github.com/mikey/pr-ingest/internal/extractor"
	"github.com/mikey/pr-ingest/internal/utils"
)

const testPrefix = "press-release-results/"

// fakeProvider serves a fixed mailbox
type fakeProvider struct {
	mu        sync.Mutex
	summaries []core.MessageSummary
	messages  map[string]*core.SourceMessage
	getErrs   map[string]error
	listErr   error
	lists     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		messages: make(map[string]*core.SourceMessage),
		getErrs:  make(map[string]error),
	}
}

func (p *fakeProvider) add(id string, historyID uint64, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	env := extractor.ParseEnvelope(raw)
	p.summaries = append(p.summaries, core.MessageSummary{ID: id, HistoryID: historyID})
	p.messages[id] = &core.SourceMessage{
		ID:        id,
		HistoryID: historyID,
		Raw:       raw,
		Subject:   env.Subject,
		From:      env.From,
		Date:      env.Date,
		Headers:   env.Headers,
	}
}

// addSnippetOnly lists a message whose raw body could not be decoded
func (p *fakeProvider) addSnippetOnly(id string, historyID uint64, snippet string, date time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.summaries = append(p.summaries, core.MessageSummary{ID: id, HistoryID: historyID})
	p.messages[id] = &core.SourceMessage{ID: id, HistoryID: historyID, Snippet: snippet, Date: date}
}

// addMissing lists a message that can no longer be fetched
func (p *fakeProvider) addMissing(id string, historyID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, core.MessageSummary{ID: id, HistoryID: historyID})
}

func (p *fakeProvider) DecodeNotification(payload []byte) (core.MailboxEvent, error) {
	return provider.DecodeNotification(payload)
}

func (p *fakeProvider) ListSince(_ context.Context, marker uint64) ([]core.MessageSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists++
	if p.listErr != nil {
		return nil, p.listErr
	}

	var out []core.MessageSummary
	for _, s := range p.summaries {
		if s.HistoryID > marker {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *fakeProvider) GetMessage(_ context.Context, id string) (*core.SourceMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.getErrs[id]; ok {
		return nil, err
	}
	msg, ok := p.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, core.ErrMessageNotFound)
	}
	return msg, nil
}

func (p *fakeProvider) Watch(context.Context) (uint64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var highest uint64
	for _, s := range p.summaries {
		if s.HistoryID > highest {
			highest = s.HistoryID
		}
	}
	return highest, time.Now().Add(time.Hour), nil
}

// scriptedLLM answers each call with the next response function
type scriptedLLM struct {
	mu        sync.Mutex
	calls     int
	prompts   []string
	responses []func(ctx context.Context) (string, error)
}

func (l *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	l.mu.Lock()
	l.calls++
	l.prompts = append(l.prompts, prompt)
	respond := l.responses[0]
	if len(l.responses) > 1 {
		l.responses = l.responses[1:]
	}
	l.mu.Unlock()

	return respond(ctx)
}

func (l *scriptedLLM) ModelName() string {
	return "test-model"
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *scriptedLLM) lastPrompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prompts[len(l.prompts)-1]
}

func reply(text string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return text, nil }
}

func failWith(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

const pressReleaseReply = `{"is_press_release": true, "content_kind": "inline", "published_at": "2024-05-01",
"summary": "The agency funds rural broadband.", "headline": "Broadband grants announced",
"key_result": "$50M awarded", "impacted_program": "Rural Broadband", "next_step": "Applications open June 1"}`

// stubResolver returns canned pages keyed by URL
type stubResolver struct {
	mu    sync.Mutex
	pages map[string]*core.ResolvedPage
	err   error
	calls int
}

func (r *stubResolver) Resolve(_ context.Context, url string) (*core.ResolvedPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if page, ok := r.pages[url]; ok {
		return page, nil
	}
	return nil, &core.FetchFailure{URL: url, Reason: core.FetchReasonStatus, Status: 404}
}

type harness struct {
	provider    *fakeProvider
	llm         *scriptedLLM
	resolver    *stubResolver
	objects     *store.MemoryStore
	ledgerStore *ledger.MemoryStore
	marker      *core.HistoryMarker
	consumer    *core.Consumer
}

func newHarness(t *testing.T, cfg core.ConsumerConfig, initialMarker uint64, responses ...func(context.Context) (string, error)) *harness {
	t.Helper()
	return newHarnessWithResolver(t, cfg, initialMarker, nil, responses...)
}

// newHarnessWithResolver wires links through resolver instead of the stub
func newHarnessWithResolver(t *testing.T, cfg core.ConsumerConfig, initialMarker uint64, resolver core.LinkResolver, responses ...func(context.Context) (string, error)) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		provider:    newFakeProvider(),
		llm:         &scriptedLLM{responses: responses},
		resolver:    &stubResolver{pages: make(map[string]*core.ResolvedPage)},
		objects:     store.NewMemoryStore(),
		ledgerStore: ledger.NewMemoryStore(logger, 0, 0),
		marker:      core.NewHistoryMarker(initialMarker),
	}
	t.Cleanup(h.ledgerStore.Stop)

	tp := utils.NewTextProcessor(logger)
	ext := extractor.NewExtractor(0, 0, denylist.NewChecker([]string{"list-manage.com"}, []string{"unsubscribe"}, logger), tp, logger)
	cls := classifier.NewAdapter(h.llm, 8000, tp, logger)
	writer := core.NewResultWriter(h.objects, core.WriterConfig{Prefix: testPrefix, MaxAttempts: 2, InitialBackoff: time.Millisecond}, nil, logger)

	if resolver == nil {
		resolver = h.resolver
	}
	pipeline := core.NewPipeline(h.provider, ext, resolver, cls, writer, nil, logger)
	l := core.NewLedger(h.ledgerStore, time.Minute, nil, logger)
	h.consumer = core.NewConsumer(h.provider, pipeline, l, h.marker, cfg, nil, logger)

	return h
}

func (h *harness) notify(historyID uint64) core.AckDecision {
	return h.consumer.OnNotification(context.Background(), notification(historyID))
}

func (h *harness) record(t *testing.T, messageID string) *core.PersistedRecord {
	t.Helper()
	data, err := h.objects.Get(context.Background(), core.RecordKey(testPrefix, messageID))
	require.NoError(t, err)

	var record core.PersistedRecord
	require.NoError(t, json.Unmarshal(data, &record))
	return &record
}

func (h *harness) entry(t *testing.T, messageID string) *core.LedgerEntry {
	t.Helper()
	entry, err := h.ledgerStore.Load(context.Background(), messageID)
	require.NoError(t, err)
	return entry
}

func notification(historyID uint64) core.Notification {
	return core.Notification{
		QueueMessageID:  fmt.Sprintf("q-%d", historyID),
		ReceivedAt:      time.Now(),
		Payload:         provider.EncodeNotification("press@example.com", historyID),
		DeliveryAttempt: 1,
	}
}

func htmlMessage(subject, body string) []byte {
	msg := "From: Press Office <press@agency.gov>\n" +
		"Subject: " + subject + "\n" +
		"Date: Wed, 01 May 2024 14:30:00 -0400\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: text/html; charset=utf-8\n\n" +
		body + "\n"
	return []byte(strings.ReplaceAll(msg, "\n", "\r\n"))
}
