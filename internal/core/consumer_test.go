package core_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/pr-ingest/internal/core"
	"github.com/mikey/pr-ingest/internal/resolver"
)

const inlineRelease = `<html><body><h1>Broadband grants announced</h1>
<p>The agency awarded $50M to rural broadband providers. Applications open June 1.</p></body></html>`

const linkedRelease = `<html><body><p>Today we announced new broadband grants.</p>
<p><a href="https://agency.list-manage.com/track?u=1">Manage preferences</a></p>
<p><a href="https://agency.gov/r/broadband">Read the full release</a></p></body></html>`

func defaultConsumerConfig() core.ConsumerConfig {
	return core.ConsumerConfig{
		Deadline:      5 * time.Second,
		MaxAttempts:   5,
		BacklogPolicy: core.BacklogLatest,
		Instance:      "test",
	}
}

func TestConsumerInlinePressRelease(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	assert.Equal(t, core.Ack, h.notify(101))

	record := h.record(t, "m1")
	assert.True(t, record.IsPressRelease)
	assert.Equal(t, core.ContentKindInline, record.ContentKind)
	assert.Equal(t, core.BodyKindInlineHTML, record.BodyKind)
	assert.Empty(t, record.SourceURL)
	assert.Equal(t, "Broadband grants announced", record.Subject)
	assert.Equal(t, "Rural Broadband", record.ImpactedProgram)
	assert.Equal(t, "test-model", record.ModelUsed)
	assert.True(t, time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC).Equal(record.EmailDate))
	require.NotNil(t, record.PublishedAt)
	assert.Equal(t, "2024-05-01", record.PublishedAt.Format("2006-01-02"))

	assert.Contains(t, h.llm.lastPrompt(), "The agency awarded $50M")
	assert.Contains(t, record.Text, "The agency awarded $50M")
	assert.Contains(t, h.llm.lastPrompt(), record.Text)
	assert.Equal(t, core.LedgerCompleted, h.entry(t, "m1").Status)
	assert.Equal(t, uint64(101), h.marker.Current())
}

func TestConsumerLinkedRelease(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(`{"is_press_release": true, "content_kind": "linked", "headline": "Grants"}`))
	h.provider.add("m1", 101, htmlMessage("New grants", linkedRelease))
	h.resolver.pages["https://agency.gov/r/broadband"] = &core.ResolvedPage{
		SourceURL: "https://agency.gov/r/broadband",
		FinalURL:  "https://www.agency.gov/news/2024/broadband-grants",
		Text:      "FOR IMMEDIATE RELEASE: the agency awarded $50M in broadband grants.",
		Status:    200,
		Hops:      1,
	}

	assert.Equal(t, core.Ack, h.notify(101))

	record := h.record(t, "m1")
	assert.True(t, record.IsPressRelease)
	assert.Equal(t, core.ContentKindLinked, record.ContentKind)
	assert.Equal(t, "https://www.agency.gov/news/2024/broadband-grants", record.SourceURL)
	assert.Equal(t, core.BodyKindInlineHTML, record.BodyKind)

	prompt := h.llm.lastPrompt()
	assert.Contains(t, prompt, "FOR IMMEDIATE RELEASE")
	assert.Contains(t, prompt, "Source: https://www.agency.gov/news/2024/broadband-grants")
}

func TestConsumerFallsBackToInlineWhenResolveFails(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("New grants", linkedRelease))

	assert.Equal(t, core.Ack, h.notify(101))
	assert.Equal(t, 1, h.resolver.calls)

	record := h.record(t, "m1")
	assert.Empty(t, record.SourceURL)
	assert.Equal(t, core.BodyKindInlineHTML, record.BodyKind)
	assert.Contains(t, h.llm.lastPrompt(), "Today we announced new broadband grants.")
	assert.Contains(t, h.llm.lastPrompt(), "Source: email body")
}

func TestConsumerEmptyMessageGetsDegradedNegative(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply("I cannot help with that."))
	h.provider.add("m1", 101, nil)

	assert.Equal(t, core.Ack, h.notify(101))

	record := h.record(t, "m1")
	assert.False(t, record.IsPressRelease)
	assert.Equal(t, core.ContentKindNone, record.ContentKind)
	assert.Equal(t, core.BodyKindFallbackSnippet, record.BodyKind)
	assert.Nil(t, record.PublishedAt)
	assert.Contains(t, h.llm.lastPrompt(), core.NoContentSentinel)
	assert.False(t, record.EmailDate.IsZero(), "missing date falls back to processing time")
}

func TestConsumerClassifiesSnippetWhenBodyUndecodable(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	date := time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC)
	h.provider.addSnippetOnly("m1", 101, "The agency awarded $50M in broadband grants", date)

	assert.Equal(t, core.Ack, h.notify(101))

	record := h.record(t, "m1")
	assert.Equal(t, core.BodyKindFallbackSnippet, record.BodyKind)
	assert.Equal(t, "The agency awarded $50M in broadband grants", record.Text)
	assert.True(t, date.Equal(record.EmailDate))
	assert.Contains(t, h.llm.lastPrompt(), "The agency awarded $50M in broadband grants")
	assert.Equal(t, core.LedgerCompleted, h.entry(t, "m1").Status)
}

func TestConsumerDeadLettersMalformedMessage(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))
	h.provider.getErrs["m1"] = fmt.Errorf("message m1 has no usable content: %w", core.ErrContentShape)

	assert.Equal(t, core.Ack, h.notify(101), "malformed input is not redelivered")

	entry := h.entry(t, "m1")
	assert.Equal(t, core.LedgerDeadLetter, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "no usable content")
	assert.Equal(t, 0, h.llm.callCount())
	assert.Empty(t, h.objects.Keys())
	assert.Equal(t, uint64(101), h.marker.Current())
}

func TestConsumerSkipsCompletedMessage(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	_, err := h.ledgerStore.Create(context.Background(), &core.LedgerEntry{
		MessageID:     "m1",
		Status:        core.LedgerCompleted,
		Attempts:      1,
		Owner:         "earlier",
		Version:       2,
		LastAttemptAt: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, core.Ack, h.notify(101))
	assert.Equal(t, 0, h.llm.callCount())
	assert.Empty(t, h.objects.Keys())
	assert.Equal(t, uint64(101), h.marker.Current())
}

func TestConsumerRedeliveredNotification(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	assert.Equal(t, core.Ack, h.notify(101))
	assert.Equal(t, core.Ack, h.notify(101))

	assert.Equal(t, 1, h.llm.callCount())
	assert.Equal(t, 1, h.provider.lists, "second delivery is stale and never lists")
	assert.Len(t, h.objects.Keys(), 1)
}

func TestConsumerConcurrentDeliveriesProcessOnce(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h.notify(101)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, h.llm.callCount())
	assert.Len(t, h.objects.Keys(), 1)
	assert.Equal(t, core.LedgerCompleted, h.entry(t, "m1").Status)
	assert.Equal(t, 1, h.entry(t, "m1").Attempts)
}

func TestConsumerDeadlineLeavesEntryInProgress(t *testing.T) {
	cfg := defaultConsumerConfig()
	cfg.Deadline = 50 * time.Millisecond

	h := newHarness(t, cfg, 100, blockUntilDone)
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	assert.Equal(t, core.Nack, h.notify(101))

	entry := h.entry(t, "m1")
	assert.Equal(t, core.LedgerInProgress, entry.Status)
	assert.Empty(t, h.objects.Keys())
	assert.Equal(t, uint64(100), h.marker.Current())
}

// hangingFetcher never returns a page before its context ends
type hangingFetcher struct{}

func (hangingFetcher) Fetch(ctx context.Context, url string) (*core.FetchedPage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsumerDeadlineWhileFetchingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	body := `<html><body><p>Today we announced new broadband grants.</p>
<p><a href="` + srv.URL + `/release">Read the full release</a></p></body></html>`

	tests := []struct {
		name             string
		consumerDeadline time.Duration
		resolverDeadline time.Duration
		want             core.AckDecision
		wantStatus       core.LedgerStatus
		wantRecord       bool
	}{
		{
			name:             "consumer deadline first",
			consumerDeadline: 100 * time.Millisecond,
			resolverDeadline: 5 * time.Second,
			want:             core.Nack,
			wantStatus:       core.LedgerInProgress,
		},
		{
			name:             "resolver deadline first",
			consumerDeadline: 5 * time.Second,
			resolverDeadline: 100 * time.Millisecond,
			want:             core.Ack,
			wantStatus:       core.LedgerCompleted,
			wantRecord:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConsumerConfig()
			cfg.Deadline = tt.consumerDeadline

			r := resolver.NewResolver(srv.Client(), hangingFetcher{}, resolver.Config{Deadline: tt.resolverDeadline}, zap.NewNop())
			h := newHarnessWithResolver(t, cfg, 100, r, reply(pressReleaseReply))
			h.provider.add("m1", 101, htmlMessage("New grants", body))

			start := time.Now()
			assert.Equal(t, tt.want, h.notify(101))
			assert.Less(t, time.Since(start), 3*time.Second)
			assert.Equal(t, tt.wantStatus, h.entry(t, "m1").Status)

			if !tt.wantRecord {
				assert.Empty(t, h.objects.Keys())
				assert.Equal(t, 0, h.llm.callCount())
				assert.Equal(t, uint64(100), h.marker.Current())
				return
			}

			record := h.record(t, "m1")
			assert.Empty(t, record.SourceURL)
			assert.Contains(t, record.Text, "Today we announced new broadband grants.")
			assert.Contains(t, h.llm.lastPrompt(), "Source: email body")
			assert.Equal(t, uint64(101), h.marker.Current())
		})
	}
}

func TestConsumerMessageDeletedBeforeFetch(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.addMissing("gone", 101)

	assert.Equal(t, core.Ack, h.notify(101))

	assert.Equal(t, core.LedgerCompleted, h.entry(t, "gone").Status)
	assert.Equal(t, 0, h.llm.callCount())
	assert.Empty(t, h.objects.Keys())
	assert.Equal(t, uint64(101), h.marker.Current())
}

func TestConsumerRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100,
		failWith(errors.New("service unavailable")),
		reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	assert.Equal(t, core.Nack, h.notify(101))
	entry := h.entry(t, "m1")
	assert.Equal(t, core.LedgerFailed, entry.Status)
	assert.Contains(t, entry.LastError, "service unavailable")
	assert.Equal(t, uint64(100), h.marker.Current())

	assert.Equal(t, core.Ack, h.notify(101))
	entry = h.entry(t, "m1")
	assert.Equal(t, core.LedgerCompleted, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
	assert.True(t, h.record(t, "m1").IsPressRelease)
}

func TestConsumerDeadLettersAfterMaxAttempts(t *testing.T) {
	cfg := defaultConsumerConfig()
	cfg.MaxAttempts = 1

	h := newHarness(t, cfg, 100, failWith(errors.New("service unavailable")))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))

	assert.Equal(t, core.Nack, h.notify(101))
	assert.Equal(t, core.Ack, h.notify(101))

	entry := h.entry(t, "m1")
	assert.Equal(t, core.LedgerDeadLetter, entry.Status)
	assert.Equal(t, 1, h.llm.callCount())
	assert.Empty(t, h.objects.Keys())
	assert.Equal(t, uint64(101), h.marker.Current())

	assert.Equal(t, core.Ack, h.notify(102), "dead-lettered message is not retried")
	assert.Equal(t, 1, h.llm.callCount())
}

func TestConsumerBacklogPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    core.BacklogPolicy
		wantCalls int
		wantKeys  []string
	}{
		{
			name:      "latest processes the newest message",
			policy:    core.BacklogLatest,
			wantCalls: 1,
			wantKeys:  []string{core.RecordKey(testPrefix, "m3")},
		},
		{
			name:      "all processes every message",
			policy:    core.BacklogAll,
			wantCalls: 3,
			wantKeys: []string{
				core.RecordKey(testPrefix, "m1"),
				core.RecordKey(testPrefix, "m2"),
				core.RecordKey(testPrefix, "m3"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConsumerConfig()
			cfg.BacklogPolicy = tt.policy

			h := newHarness(t, cfg, 100, reply(pressReleaseReply))
			for i := 1; i <= 3; i++ {
				h.provider.add(fmt.Sprintf("m%d", i), uint64(100+i), htmlMessage("Release", inlineRelease))
			}

			assert.Equal(t, core.Ack, h.notify(103))
			assert.Equal(t, tt.wantCalls, h.llm.callCount())
			assert.ElementsMatch(t, tt.wantKeys, h.objects.Keys())
			assert.Equal(t, uint64(103), h.marker.Current())
		})
	}
}

func TestConsumerAcksWithoutWork(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		wantMarker uint64
	}{
		{name: "undecodable payload", payload: []byte("not json"), wantMarker: 200},
		{name: "missing history id", payload: []byte(`{"emailAddress":"press@example.com"}`), wantMarker: 200},
		{name: "stale history id", payload: notification(150).Payload, wantMarker: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultConsumerConfig(), 200, reply(pressReleaseReply))

			n := notification(0)
			n.Payload = tt.payload
			assert.Equal(t, core.Ack, h.consumer.OnNotification(context.Background(), n))
			assert.Equal(t, 0, h.provider.lists)
			assert.Equal(t, tt.wantMarker, h.marker.Current())
		})
	}
}

func TestConsumerEmptyListAdvancesMarker(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))

	assert.Equal(t, core.Ack, h.notify(150))
	assert.Equal(t, uint64(150), h.marker.Current())
	assert.Equal(t, 0, h.llm.callCount())
}

func TestConsumerNacksWhenListFails(t *testing.T) {
	h := newHarness(t, defaultConsumerConfig(), 100, reply(pressReleaseReply))
	h.provider.add("m1", 101, htmlMessage("Broadband grants announced", inlineRelease))
	h.provider.listErr = fmt.Errorf("history list: %w", core.ErrRateLimited)

	assert.Equal(t, core.Nack, h.notify(101))
	assert.Equal(t, uint64(100), h.marker.Current())
	assert.Equal(t, 0, h.llm.callCount())
}
