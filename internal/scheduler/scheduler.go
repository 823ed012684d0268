package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/pr-ingest/internal/adapters/provider"
	"github.com/mikey/pr-ingest/internal/core"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds the cron schedules
type Config struct {
	// WatchRenewSpec renews the provider subscription, e.g. "@every 24h"
	WatchRenewSpec string
	// PollSpec publishes a synthetic notification when the mailbox moved; empty disables polling
	PollSpec string
	// EmailAddress is carried in polled notifications
	EmailAddress string
	// JobTimeout bounds a single job run
	JobTimeout time.Duration
}

// Scheduler keeps the mailbox subscription alive and, for providers without push
// delivery, turns mailbox changes into queue notifications
type Scheduler struct {
	cron      *cron.Cron
	provider  core.MailProvider
	marker    *core.HistoryMarker
	publisher core.Publisher
	cfg       Config
	logger    *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new scheduler. publisher may be nil, in which case no poll job is added.
func NewScheduler(
	mailProvider core.MailProvider,
	marker *core.HistoryMarker,
	publisher core.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	cronLogger := &zapCronLogger{sugar: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		provider:  mailProvider,
		marker:    marker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the initial watch, which also seeds the history marker, and then
// starts the cron jobs
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()
	if err := s.RenewWatch(ctx); err != nil {
		return fmt.Errorf("failed to start mailbox watch: %w", err)
	}

	if s.cfg.WatchRenewSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.WatchRenewSpec, s.job("renew_watch", s.RenewWatch)); err != nil {
			return fmt.Errorf("failed to schedule watch renewal: %w", err)
		}
	}

	if s.publisher != nil && s.cfg.PollSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.PollSpec, s.job("poll", s.Poll)); err != nil {
			return fmt.Errorf("failed to schedule mailbox poll: %w", err)
		}
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started",
		zap.String("watch_renew_spec", s.cfg.WatchRenewSpec),
		zap.String("poll_spec", s.cfg.PollSpec),
		zap.Bool("polling", s.publisher != nil && s.cfg.PollSpec != ""))
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
	case <-time.After(s.cfg.JobTimeout):
		s.logger.Warn("Scheduler stop timed out waiting for running jobs")
	}

	s.running = false
	return nil
}

// RenewWatch renews the provider subscription. The marker is only seeded from the
// watch result when it was never set; renewal never moves it.
func (s *Scheduler) RenewWatch(ctx context.Context) error {
	mark, expiration, err := s.provider.Watch(ctx)
	if err != nil {
		return err
	}

	initialized := s.marker.Initialize(mark)

	s.logger.Info("Mailbox watch renewed",
		zap.Uint64("history_id", mark),
		zap.Time("expiration", expiration),
		zap.Bool("marker_initialized", initialized),
		zap.Uint64("marker", s.marker.Current()))
	return nil
}

// Poll publishes a notification when the mailbox is ahead of the marker
func (s *Scheduler) Poll(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}

	mark, _, err := s.provider.Watch(ctx)
	if err != nil {
		return err
	}

	current := s.marker.Current()
	if mark <= current {
		return nil
	}

	if err := s.publisher.Publish(ctx, provider.EncodeNotification(s.cfg.EmailAddress, mark)); err != nil {
		return fmt.Errorf("failed to publish poll notification: %w", err)
	}

	s.logger.Debug("Published poll notification",
		zap.Uint64("history_id", mark),
		zap.Uint64("marker", current))
	return nil
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// zapCronLogger adapts zap to cron.Logger
type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
