package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
	"github.com/ole-vi/prompt-sharing-sub002/internal/logger"
	"github.com/ole-vi/prompt-sharing-sub002/internal/stream"
)

const instrumentationName = "github.com/ole-vi/prompt-sharing-sub002/internal/scheduler"

const (
	msgNoKey          = "No Jules API key configured"
	msgDecryptFailed  = "Failed to decrypt Jules API key"
	msgNoSubtasks     = "No subtasks remaining"
	msgMissingPayload = "Queue item has no prompt"
)

// Store is the slice of the item store the scheduler reads and writes
type Store interface {
	ListDueItems(ctx context.Context, now time.Time) ([]*db.QueueItem, error)
	ClaimItem(ctx context.Context, userID, id string, now time.Time) (bool, error)
	UpdateItem(ctx context.Context, userID, id string, patch db.Patch) error
	UpdateScheduledItem(ctx context.Context, userID, id string, patch db.Patch) (bool, error)
	DeleteItem(ctx context.Context, userID, id string) error
	GetJulesKey(ctx context.Context, userID string) (*db.CredentialRecord, error)
	RecoverStaleItems(ctx context.Context, cutoff time.Time) (int64, error)
}

// Decrypter recovers a user's plaintext API key
type Decrypter interface {
	Decrypt(ciphertextBase64, userID string) (string, error)
}

// SessionCreator starts a Jules session
type SessionCreator interface {
	CreateSession(ctx context.Context, apiKey string, body jules.SessionRequest) (*jules.Session, error)
}

// Notifier is told about items that reached the error state
type Notifier interface {
	ItemFailed(ctx context.Context, item *db.QueueItem, message string) error
}

// Options tunes the scheduler; zero values fall back to defaults
type Options struct {
	Schedule        string
	RetryDelay      time.Duration
	ProviderTimeout time.Duration
	Concurrency     int
	StaleAfter      time.Duration
	Logger          *slog.Logger
	Notifier        Notifier
	Events          *stream.Manager
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.Schedule == "" {
		o.Schedule = "@every 1m"
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Minute
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// TickResult tallies what one tick did
type TickResult struct {
	Due       int `json:"due"`
	Activated int `json:"activated"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeActivated
	outcomeRetried
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeActivated:
		return "activated"
	case outcomeRetried:
		return "retried"
	case outcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Scheduler activates due queue items on a fixed period
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	vault    Decrypter
	sessions SessionCreator
	opts     Options
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	ticks    singleflight.Group
	mu       sync.Mutex
	running  bool
}

// New creates a new scheduler
func New(store Store, vault Decrypter, sessions SessionCreator, opts Options) (*Scheduler, error) {
	opts.setDefaults()

	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler metrics: %w", err)
	}

	cronLogger := cron.PrintfLogger(logger.Printf(opts.Logger.With("component", "cron")))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		store:    store,
		vault:    vault,
		sessions: sessions,
		opts:     opts,
		logger:   opts.Logger.With("component", "scheduler"),
		metrics:  m,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// Start recovers interrupted activations and begins ticking
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := s.recoverStale(ctx, s.logger, s.opts.Now()); err != nil {
		return fmt.Errorf("failed to recover stale items: %w", err)
	}

	if _, err := s.cron.AddFunc(s.opts.Schedule, func() {
		s.Tick(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid tick schedule %q: %w", s.opts.Schedule, err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "schedule", s.opts.Schedule, "concurrency", s.opts.Concurrency)
	return nil
}

// Stop stops the scheduler and waits for a running tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs a tick in the background
func (s *Scheduler) RunNow() {
	go s.Tick(context.Background())
}

// Tick activates every item due at the current time. It never panics and
// never returns an error; every failure ends up in the store or the log.
// A call made while another tick is running waits for it and shares its result.
// Cancelling ctx does not stop a tick: once an item is claimed its outcome
// must reach the store.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	ctx = context.WithoutCancel(ctx)
	v, _, shared := s.ticks.Do("tick", func() (any, error) {
		return s.tick(ctx), nil
	})
	if shared {
		s.ctxLogger(ctx).Debug("joined a running tick")
	}
	return v.(TickResult)
}

func (s *Scheduler) tick(ctx context.Context) (result TickResult) {
	start := time.Now()
	log := s.ctxLogger(ctx)
	ctx, span := s.tracer.Start(ctx, "scheduler.Tick")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("tick panicked", "panic", r)
			span.SetStatus(codes.Error, "panic")
		}
		s.metrics.tickDuration.Record(ctx, time.Since(start).Seconds())
	}()

	now := s.opts.Now()
	if _, err := s.recoverStale(ctx, log, now); err != nil {
		log.Error("failed to recover stale items", "error", err)
	}

	items, err := s.store.ListDueItems(ctx, now)
	if err != nil {
		log.Error("failed to list due items", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due items")
		return result
	}
	if len(items) == 0 {
		log.Debug("no due queue items")
		return result
	}

	result.Due = len(items)
	s.metrics.due.Add(ctx, int64(len(items)))
	span.SetAttributes(attribute.Int("queue.due", len(items)))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			o := s.activateSafely(ctx, item, now)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeActivated:
				result.Activated++
			case outcomeRetried:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("tick complete",
		"due", result.Due,
		"activated", result.Activated,
		"retried", result.Retried,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", time.Since(start),
	)
	return result
}

func (s *Scheduler) activateSafely(ctx context.Context, item *db.QueueItem, now time.Time) (o outcome) {
	ctx, span := s.tracer.Start(ctx, "scheduler.activate", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.String("queue.item_type", string(item.Type)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.ctxLogger(ctx).Error("activation panicked", "item_id", item.ID, "user_id", item.UserID, "panic", r)
			span.SetStatus(codes.Error, "panic")
			o = outcomeSkipped
		}
		span.SetAttributes(attribute.String("queue.outcome", o.String()))
		s.metrics.record(ctx, o)
	}()

	return s.activate(ctx, item, now)
}

func (s *Scheduler) activate(ctx context.Context, item *db.QueueItem, now time.Time) outcome {
	log := s.ctxLogger(ctx).With("item_id", item.ID, "user_id", item.UserID, "type", item.Type)

	if item.UserID == "" {
		log.Error("due item has no owning user, skipping")
		return outcomeSkipped
	}

	if err := db.ValidateSourceID(item.SourceID); err != nil {
		return s.failUnclaimed(ctx, log, item, now, err.Error())
	}

	cred, err := s.store.GetJulesKey(ctx, item.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return s.failUnclaimed(ctx, log, item, now, msgNoKey)
	}
	if err != nil {
		log.Error("failed to load Jules key, leaving item scheduled", "error", err)
		return outcomeSkipped
	}

	apiKey, err := s.vault.Decrypt(cred.Key, item.UserID)
	if err != nil {
		log.Error("failed to decrypt Jules key", "error", err)
		return s.failUnclaimed(ctx, log, item, now, msgDecryptFailed)
	}

	prompt, ok := headPrompt(item)
	if !ok {
		msg := msgMissingPayload
		if item.Type == db.ItemTypeSubtasks {
			msg = msgNoSubtasks
		}
		return s.failUnclaimed(ctx, log, item, now, msg)
	}

	claimed, err := s.store.ClaimItem(ctx, item.UserID, item.ID, now)
	if err != nil {
		log.Error("failed to claim item", "error", err)
		return outcomeSkipped
	}
	if !claimed {
		log.Debug("item no longer scheduled, another tick claimed it")
		return outcomeSkipped
	}

	branch := item.Branch
	if branch == "" {
		branch = db.DefaultBranch
	}
	req := jules.NewSessionRequest(jules.ExtractTitle(prompt), prompt, item.SourceID, branch)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	session, err := s.sessions.CreateSession(callCtx, apiKey, req)
	cancel()
	if err != nil {
		log.Warn("session creation failed", "error", err)
		return s.retryOrFail(ctx, log, item, now, err.Error())
	}

	if err := s.complete(ctx, item, now); err != nil {
		log.Error("session created but item could not be updated", "session_url", session.URL, "error", err)
		return outcomeActivated
	}
	log.Info("activated queue item", "session_url", session.URL)
	s.opts.Events.Publish(stream.Event{
		Kind:       stream.EventItemActivated,
		UserID:     item.UserID,
		ItemID:     item.ID,
		SessionURL: session.URL,
		AutoOpen:   item.AutoOpen,
		Timestamp:  now,
	})
	return outcomeActivated
}

// headPrompt returns the text of the next unit of work
func headPrompt(item *db.QueueItem) (string, bool) {
	switch item.Type {
	case db.ItemTypeSingle:
		if item.Prompt == nil || *item.Prompt == "" {
			return "", false
		}
		return *item.Prompt, true
	case db.ItemTypeSubtasks:
		if len(item.Remaining) == 0 {
			return "", false
		}
		return item.Remaining[0].FullContent, true
	}
	return "", false
}

// complete records a successful unit of work. A single item, or a subtasks
// item whose last entry just ran, is deleted; otherwise the head is popped and
// the batch goes back to pending until it is scheduled again.
func (s *Scheduler) complete(ctx context.Context, item *db.QueueItem, now time.Time) error {
	if item.Type == db.ItemTypeSingle || len(item.Remaining) <= 1 {
		return s.store.DeleteItem(ctx, item.UserID, item.ID)
	}

	rest := item.Remaining[1:]
	return s.store.UpdateItem(ctx, item.UserID, item.ID, db.Patch{
		db.FieldRemaining:   rest,
		db.FieldTotalCount:  len(rest),
		db.FieldStatus:      db.ItemStatusPending,
		db.FieldActivatedAt: now,
		db.FieldUpdatedAt:   now,
	})
}

func (s *Scheduler) retryOrFail(ctx context.Context, log *slog.Logger, item *db.QueueItem, now time.Time, msg string) outcome {
	if !item.RetryOnFailure || item.RetryCount >= db.MaxRetries {
		if item.RetryOnFailure {
			msg = fmt.Sprintf("Failed after %d retries: %s", item.RetryCount, msg)
		}
		return s.fail(ctx, log, item, now, msg)
	}

	next := now.Add(s.opts.RetryDelay)
	err := s.store.UpdateItem(ctx, item.UserID, item.ID, db.Patch{
		db.FieldStatus:        db.ItemStatusScheduled,
		db.FieldScheduledAt:   next,
		db.FieldRetryCount:    item.RetryCount + 1,
		db.FieldLastError:     msg,
		db.FieldLastAttemptAt: now,
		db.FieldUpdatedAt:     now,
	})
	if err != nil {
		log.Error("failed to reschedule item", "error", err)
		return outcomeSkipped
	}
	log.Info("rescheduled queue item", "retry_count", item.RetryCount+1, "scheduled_at", next)
	s.opts.Events.Publish(stream.Event{
		Kind:      stream.EventItemRetried,
		UserID:    item.UserID,
		ItemID:    item.ID,
		Status:    string(db.ItemStatusScheduled),
		Message:   msg,
		Timestamp: now,
	})
	return outcomeRetried
}

// failUnclaimed marks a still-scheduled item as failed before any session was
// attempted. A user edit that landed after ListDueItems wins over the failure.
func (s *Scheduler) failUnclaimed(ctx context.Context, log *slog.Logger, item *db.QueueItem, now time.Time, msg string) outcome {
	ok, err := s.store.UpdateScheduledItem(ctx, item.UserID, item.ID, failurePatch(now, msg))
	if err != nil {
		log.Error("failed to mark item as error", "error", err, "reason", msg)
		return outcomeSkipped
	}
	if !ok {
		log.Debug("item left the scheduled state, not marking it failed", "reason", msg)
		return outcomeSkipped
	}
	return s.failed(ctx, log, item, now, msg)
}

// fail moves a claimed item to the terminal error state
func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, item *db.QueueItem, now time.Time, msg string) outcome {
	if err := s.store.UpdateItem(ctx, item.UserID, item.ID, failurePatch(now, msg)); err != nil {
		log.Error("failed to mark item as error", "error", err, "reason", msg)
		return outcomeSkipped
	}
	return s.failed(ctx, log, item, now, msg)
}

func failurePatch(now time.Time, msg string) db.Patch {
	return db.Patch{
		db.FieldStatus:        db.ItemStatusError,
		db.FieldError:         msg,
		db.FieldLastError:     msg,
		db.FieldLastAttemptAt: now,
		db.FieldUpdatedAt:     now,
	}
}

// failed announces an item that reached the error state
func (s *Scheduler) failed(ctx context.Context, log *slog.Logger, item *db.QueueItem, now time.Time, msg string) outcome {
	log.Warn("queue item failed", "reason", msg)
	s.opts.Events.Publish(stream.Event{
		Kind:      stream.EventItemFailed,
		UserID:    item.UserID,
		ItemID:    item.ID,
		Status:    string(db.ItemStatusError),
		Message:   msg,
		Timestamp: now,
	})

	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.ItemFailed(ctx, item, msg); err != nil {
			log.Warn("failed to send failure notification", "error", err)
		}
	}
	return outcomeFailed
}

// recoverStale fails in-progress items whose attempt started more than StaleAfter ago
func (s *Scheduler) recoverStale(ctx context.Context, log *slog.Logger, now time.Time) (int64, error) {
	n, err := s.store.RecoverStaleItems(ctx, now.Add(-s.opts.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn("recovered interrupted activations", "count", n)
	}
	return n, nil
}

// ctxLogger attaches the request ID, if any, for ticks triggered over HTTP
func (s *Scheduler) ctxLogger(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.logger)
}
