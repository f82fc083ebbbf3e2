// Package scheduler executes due reminders claimed from the shared table.
//
// Any number of schedulers may poll concurrently: ClaimDue hands each due row
// to exactly one of them. A claimed reminder is sent through the local lease
// manager, logged as a run and then completed, failed or rescheduled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sessionplane/internal/driver"
	"sessionplane/internal/observability"
	"sessionplane/internal/store"
)

// Failure policies.
const (
	PolicyFail  = "fail"
	PolicyRetry = "retry"
)

// ErrNoSession is recorded when a reminder has no session this worker can use.
var ErrNoSession = errors.New("no ready session for reminder")

// Store is the part of the reminder table the scheduler drives.
type Store interface {
	ClaimDue(ctx context.Context, sessionIDs []string, limit int) ([]store.Reminder, error)
	RecordRun(ctx context.Context, reminderID uuid.UUID, status store.RunStatus, errMsg *string) (int, error)
	CompleteReminder(ctx context.Context, id uuid.UUID) error
	FailReminder(ctx context.Context, id uuid.UUID) error
	RescheduleReminder(ctx context.Context, id uuid.UUID, runAt time.Time, resetAttempts bool) error
}

// Sessions sends through locally driven sessions.
type Sessions interface {
	ReadySessions(ctx context.Context) ([]string, error)
	Send(ctx context.Context, sessionID, target string, content driver.Content) (string, error)
}

// Ownership resolves which tenant owns a session.
type Ownership interface {
	SessionOwnedBy(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	FailurePolicy string // PolicyFail or PolicyRetry
	RetryDelay    time.Duration
	MaxAttempts   int
	Logger        *slog.Logger
	Instruments   *observability.Instruments
	Now           func() time.Time
}

// Scheduler is the reminder poll loop.
type Scheduler struct {
	cfg      Config
	store    Store
	sessions Sessions
	owners   Ownership
	logger   *slog.Logger
	ins      *observability.Instruments
	tracer   trace.Tracer
}

func New(cfg Config, st Store, sessions Sessions, owners Ownership) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyFail
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Instruments == nil {
		cfg.Instruments = observability.NoopInstruments()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		owners:   owners,
		logger:   cfg.Logger,
		ins:      cfg.Instruments,
		tracer:   otel.Tracer("reminder-scheduler"),
	}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("reminder scheduler starting",
		"poll_interval", s.cfg.PollInterval,
		"batch_size", s.cfg.BatchSize,
		"failure_policy", s.cfg.FailurePolicy,
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims and executes one batch. It returns the number of reminders claimed.
func (s *Scheduler) Tick(ctx context.Context) int {
	// Only reminders this worker can send: bound to a local ready session, or
	// unbound with a tenant that owns one.
	ready, err := s.sessions.ReadySessions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to list ready sessions", "error", err)
		}
		return 0
	}
	if len(ready) == 0 {
		return 0
	}

	due, err := s.store.ClaimDue(ctx, ready, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to claim due reminders", "error", err)
		}
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	s.ins.ReminderClaimed.Add(ctx, int64(len(due)))
	s.logger.Info("claimed due reminders", "count", len(due))

	for _, r := range due {
		// A claimed row is ours to finish even if shutdown starts mid-batch.
		s.execute(context.WithoutCancel(ctx), r)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, r store.Reminder) {
	ctx, span := s.tracer.Start(ctx, "reminder.execute",
		trace.WithAttributes(
			attribute.String("reminder.id", r.ID.String()),
			attribute.Int("reminder.attempt", r.Attempts),
		),
	)
	defer span.End()

	logger := s.logger.With("reminder_id", r.ID, "attempt", r.Attempts)

	sessionID, sendErr := s.resolveSession(ctx, r)
	if sendErr == nil {
		logger = logger.With("session_id", sessionID)
		_, sendErr = s.sessions.Send(ctx, sessionID, r.Recipient, driver.Content{Text: r.Message})
	}

	status := store.RunStatusSuccess
	var errMsg *string
	if sendErr != nil {
		span.RecordError(sendErr)
		status = store.RunStatusFailed
		msg := sendErr.Error()
		errMsg = &msg
	}
	if _, err := s.store.RecordRun(ctx, r.ID, status, errMsg); err != nil {
		logger.Warn("failed to record reminder run", "error", err)
	}

	if sendErr == nil {
		logger.Info("reminder sent")
		s.finishSuccess(ctx, logger, r)
		return
	}

	s.ins.ReminderFailed.Add(ctx, 1)
	logger.Warn("reminder attempt failed", "error", sendErr)
	s.finishFailure(ctx, logger, r)
}

func (s *Scheduler) finishSuccess(ctx context.Context, logger *slog.Logger, r store.Reminder) {
	if !r.IsRecurring() {
		if err := s.store.CompleteReminder(ctx, r.ID); err != nil {
			logger.Warn("failed to complete reminder", "error", err)
		}
		return
	}
	s.rescheduleNext(ctx, logger, r)
}

func (s *Scheduler) finishFailure(ctx context.Context, logger *slog.Logger, r store.Reminder) {
	if s.cfg.FailurePolicy == PolicyRetry && r.Attempts < s.cfg.MaxAttempts {
		retryAt := s.cfg.Now().Add(s.cfg.RetryDelay)
		if err := s.store.RescheduleReminder(ctx, r.ID, retryAt, false); err != nil {
			logger.Warn("failed to schedule reminder retry", "error", err)
		}
		return
	}

	// A recurring reminder skips the failed occurrence instead of ending.
	if r.IsRecurring() {
		s.rescheduleNext(ctx, logger, r)
		return
	}

	if err := s.store.FailReminder(ctx, r.ID); err != nil {
		logger.Warn("failed to mark reminder failed", "error", err)
	}
}

func (s *Scheduler) rescheduleNext(ctx context.Context, logger *slog.Logger, r store.Reminder) {
	tz := ""
	if r.Timezone != nil {
		tz = *r.Timezone
	}
	next, err := NextRun(*r.Recurrence, tz, r.RunAt, s.cfg.Now())
	if err != nil {
		logger.Error("cannot compute next occurrence, failing reminder", "error", err)
		if err := s.store.FailReminder(ctx, r.ID); err != nil {
			logger.Warn("failed to mark reminder failed", "error", err)
		}
		return
	}
	if err := s.store.RescheduleReminder(ctx, r.ID, next, true); err != nil {
		logger.Warn("failed to reschedule reminder", "error", err)
		return
	}
	logger.Info("reminder rescheduled", "next_run_at", next)
}

// resolveSession picks the session a reminder is sent from. Reminders without
// a session use the first local ready session of the same owner.
func (s *Scheduler) resolveSession(ctx context.Context, r store.Reminder) (string, error) {
	if r.SessionID != nil && *r.SessionID != "" {
		return *r.SessionID, nil
	}
	if s.owners == nil {
		return "", ErrNoSession
	}

	ready, err := s.sessions.ReadySessions(ctx)
	if err != nil {
		return "", fmt.Errorf("list ready sessions: %w", err)
	}
	for _, id := range ready {
		owned, err := s.owners.SessionOwnedBy(ctx, r.OwnerID, id)
		if err != nil {
			return "", fmt.Errorf("check session owner: %w", err)
		}
		if owned {
			return id, nil
		}
	}
	return "", ErrNoSession
}
