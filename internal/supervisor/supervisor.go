// Package supervisor drives one session's driver and turns its callbacks into
// persisted lifecycle transitions.
//
// States move pending -> ready -> disconnected -> pending. A disconnect is an
// ordinary state: the supervisor re-initializes the driver with backoff until
// it is destroyed.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sessionplane/internal/driver"
	"sessionplane/internal/events"
	"sessionplane/internal/qrcache"
	"sessionplane/internal/store"
	"sessionplane/internal/webhook"
)

var (
	// ErrNotReady is returned by Send before the session reached ready.
	ErrNotReady = errors.New("session not ready")

	// ErrDeliveryFailed wraps driver errors from Send.
	ErrDeliveryFailed = errors.New("message delivery failed")

	// ErrInvalidContent is returned by Send for content the driver cannot take.
	ErrInvalidContent = errors.New("invalid message content")

	// ErrDriverExited is returned by Run when the driver stopped on its own.
	ErrDriverExited = errors.New("driver exited")
)

// StatusWriter persists lifecycle state.
type StatusWriter interface {
	SetStatus(ctx context.Context, id string, status store.SessionStatus) error
}

// Publisher is the live fan-out.
type Publisher interface {
	Publish(topic events.Topic, ev events.Event)
}

// Deps are the collaborators a supervisor reports to.
type Deps struct {
	Registry StatusWriter
	Webhooks webhook.Emitter
	Events   Publisher
	QR       qrcache.Cache
	Logger   *slog.Logger
}

// Options tune reconnect behavior.
type Options struct {
	ReconnectBackoff    time.Duration // first reconnect delay (default: 1s)
	MaxReconnectBackoff time.Duration // default: 30s
}

// Supervisor owns one driver instance.
type Supervisor struct {
	sessionID string
	driver    driver.Driver
	deps      Deps
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer

	status atomic.Value // store.SessionStatus

	mu        sync.Mutex
	cancel    context.CancelFunc
	destroyed bool

	destroyOnce sync.Once
	destroyErr  error
}

func New(sessionID string, d driver.Driver, deps Deps, opts Options) *Supervisor {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.MaxReconnectBackoff <= 0 {
		opts.MaxReconnectBackoff = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Supervisor{
		sessionID: sessionID,
		driver:    d,
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger.With("session_id", sessionID),
		tracer:    otel.Tracer("session-supervisor"),
	}
	s.status.Store(store.SessionStatusPending)
	return s
}

func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() store.SessionStatus {
	return s.status.Load().(store.SessionStatus)
}

// Run initializes the driver and processes its events in arrival order. It
// returns nil after Destroy or cancellation and ErrDriverExited when the
// driver stops by itself, after marking the session disconnected.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	// Creation, not a transition: persisted without an event.
	s.persist(ctx, store.SessionStatusPending)

	if err := s.driver.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initialize driver: %w", err)
	}

	backoff := s.opts.ReconnectBackoff
	evs := s.driver.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				if s.isDestroyed() || ctx.Err() != nil {
					return nil
				}
				// Leave the row acquirable for the next owner.
				if s.Status() != store.SessionStatusDisconnected {
					s.onDisconnected(ctx, ErrDriverExited.Error())
				}
				return ErrDriverExited
			}
			switch ev.Kind {
			case driver.EventQR:
				s.onQR(ctx, ev.QR)
			case driver.EventReady:
				s.onReady(ctx)
				backoff = s.opts.ReconnectBackoff
			case driver.EventDisconnected:
				s.onDisconnected(ctx, ev.Reason)
				if !s.reconnect(ctx, &backoff) {
					return nil
				}
				s.transition(ctx, store.SessionStatusPending, store.EventPending, map[string]any{"status": store.SessionStatusPending})
			case driver.EventMessage:
				s.onMessage(ctx, ev.Message)
			default:
				s.logger.Debug("ignoring driver event", "kind", ev.Kind)
			}
		}
	}
}

// reconnect re-initializes the driver with exponential backoff. It reports
// false when ctx ended first.
func (s *Supervisor) reconnect(ctx context.Context, backoff *time.Duration) bool {
	for {
		timer := time.NewTimer(*backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		*backoff *= 2
		if *backoff > s.opts.MaxReconnectBackoff {
			*backoff = s.opts.MaxReconnectBackoff
		}

		err := s.driver.Initialize(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("reinitialize failed", "error", err, "retry_in", *backoff)
	}
}

func (s *Supervisor) onQR(ctx context.Context, code string) {
	if s.deps.QR != nil {
		if err := s.deps.QR.Put(ctx, s.sessionID, code); err != nil {
			s.logger.Warn("failed to cache pairing code", "error", err)
		}
	}
	// Pairing codes stay off webhooks.
	if s.deps.Events != nil {
		s.deps.Events.Publish(events.TopicStatus, events.Event{
			SessionID: s.sessionID,
			Kind:      store.EventQR,
			Data:      mustJSON(map[string]string{"qr": code}),
			Timestamp: time.Now(),
		})
	}
}

func (s *Supervisor) onReady(ctx context.Context) {
	if s.deps.QR != nil {
		if err := s.deps.QR.Clear(ctx, s.sessionID); err != nil {
			s.logger.Debug("failed to clear pairing code", "error", err)
		}
	}
	s.transition(ctx, store.SessionStatusReady, store.EventReady, map[string]any{"status": store.SessionStatusReady})
}

func (s *Supervisor) onDisconnected(ctx context.Context, reason string) {
	s.transition(ctx, store.SessionStatusDisconnected, store.EventDisconnected, map[string]any{
		"status": store.SessionStatusDisconnected,
		"reason": reason,
	})
}

func (s *Supervisor) onMessage(ctx context.Context, msg *driver.Message) {
	if msg == nil {
		return
	}
	s.emit(ctx, events.TopicMessage, store.EventMessage, mustJSON(msg))
}

// transition persists status, then hands the event to the webhook pipeline
// and the fan-out. Neither waits on the other.
func (s *Supervisor) transition(ctx context.Context, status store.SessionStatus, kind store.EventKind, data any) {
	ctx, span := s.tracer.Start(ctx, "session.transition",
		trace.WithAttributes(
			attribute.String("session.id", s.sessionID),
			attribute.String("session.status", string(status)),
		),
	)
	defer span.End()

	s.status.Store(status)
	s.persist(ctx, status)
	s.emit(ctx, events.TopicStatus, kind, mustJSON(data))
	s.logger.Info("session transition", "status", status)
}

func (s *Supervisor) persist(ctx context.Context, status store.SessionStatus) {
	if s.deps.Registry == nil {
		return
	}
	if err := s.deps.Registry.SetStatus(ctx, s.sessionID, status); err != nil {
		s.logger.Warn("failed to persist session status", "status", status, "error", err)
	}
}

func (s *Supervisor) emit(ctx context.Context, topic events.Topic, kind store.EventKind, data json.RawMessage) {
	now := time.Now()
	if s.deps.Webhooks != nil {
		s.deps.Webhooks.Emit(ctx, store.WebhookEvent{
			SessionID: s.sessionID,
			Kind:      kind,
			Data:      data,
			Timestamp: now,
		})
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(topic, events.Event{
			SessionID: s.sessionID,
			Kind:      kind,
			Data:      data,
			Timestamp: now,
		})
	}
}

// Send delivers content to target through the driver.
func (s *Supervisor) Send(ctx context.Context, target string, content driver.Content) (string, error) {
	if s.isDestroyed() || s.Status() != store.SessionStatusReady {
		return "", ErrNotReady
	}

	if content.Media != nil {
		m, err := driver.ParseMedia(*content.Media)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		content.Media = &m
	}
	if err := content.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	ctx, span := s.tracer.Start(ctx, "session.send",
		trace.WithAttributes(attribute.String("session.id", s.sessionID)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	id, err := s.driver.SendMessage(ctx, NormalizeTarget(target), content)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return id, nil
}

// Destroy stops reconnecting and disposes the driver. Safe to call repeatedly.
func (s *Supervisor) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		s.destroyErr = s.driver.Destroy(ctx)
		if s.deps.QR != nil {
			if err := s.deps.QR.Clear(ctx, s.sessionID); err != nil {
				s.logger.Debug("failed to clear pairing code", "error", err)
			}
		}
		s.logger.Info("session destroyed")
	})
	return s.destroyErr
}

func (s *Supervisor) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// NormalizeTarget turns a bare phone number into a chat id.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || strings.Contains(target, "@") {
		return target
	}
	digits := strings.TrimPrefix(target, "+")
	if digits == "" {
		return target
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return target
		}
	}
	return digits + "@c.us"
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
