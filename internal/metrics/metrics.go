package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	notifications   *prometheus.CounterVec
	notificationDur prometheus.Histogram
	outcomes        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	ledgerBegins    *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	writeAttempts   *prometheus.CounterVec
	backlogSkipped  prometheus.Counter
	deadLetters     prometheus.Counter
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pr_ingest_notifications_total",
				Help: "Notifications handled, by acknowledgment decision",
			},
			[]string{"decision"},
		),
		notificationDur: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pr_ingest_notification_duration_seconds",
				Help:    "Time spent handling a single notification",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pr_ingest_pipeline_outcomes_total",
				Help: "Per-message pipeline outcomes",
			},
			[]string{"outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pr_ingest_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		ledgerBegins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pr_ingest_ledger_begin_total",
				Help: "Ledger begin calls, by outcome and observed status",
			},
			[]string{"outcome", "status"},
		),
		fetchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pr_ingest_fetch_failures_total",
				Help: "Link resolution failures, by reason",
			},
			[]string{"reason"},
		),
		writeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pr_ingest_write_attempts_total",
				Help: "Result store write attempts, by result",
			},
			[]string{"result"},
		),
		backlogSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pr_ingest_backlog_skipped_total",
				Help: "Older messages skipped by the latest-only backlog policy",
			},
		),
		deadLetters: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pr_ingest_dead_letters_total",
				Help: "Messages moved to dead-letter after exhausting attempts",
			},
		),
	}
}

// ObserveNotification records a handled notification
func (m *Metrics) ObserveNotification(decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(decision).Inc()
	m.notificationDur.Observe(d.Seconds())
}

// ObserveOutcome records the outcome of one message
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// ObserveStage records the duration of a pipeline stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveLedgerBegin records a ledger begin result
func (m *Metrics) ObserveLedgerBegin(outcome, status string) {
	if m == nil {
		return
	}
	m.ledgerBegins.WithLabelValues(outcome, status).Inc()
}

// ObserveFetchFailure records a link resolution failure
func (m *Metrics) ObserveFetchFailure(reason string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(reason).Inc()
}

// ObserveWriteAttempt records one store write attempt
func (m *Metrics) ObserveWriteAttempt(result string) {
	if m == nil {
		return
	}
	m.writeAttempts.WithLabelValues(result).Inc()
}

// AddBacklogSkipped records messages dropped by the backlog policy
func (m *Metrics) AddBacklogSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backlogSkipped.Add(float64(n))
}

// IncDeadLetter records a dead-lettered message
func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}
