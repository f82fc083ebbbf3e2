package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"sessionplane/internal/observability"
	"sessionplane/internal/store"
)

// SessionLookup resolves a session's webhook settings at delivery time.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// DispatcherConfig holds configuration for the delivery pool.
type DispatcherConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // Maximum poll backoff when the queue is empty (default: 10s)
	Timeout      time.Duration // Per-request timeout (default: 10s)
	MaxAttempts  int
	Lease        time.Duration // How long a claimed delivery stays hidden (default: Timeout + 30s)
	RetryBase    time.Duration // First retry delay (default: 2s)
	RetryMax     time.Duration // Retry delay cap (default: 5m)
}

// Dispatcher is the bounded consumer pool of the delivery queue.
type Dispatcher struct {
	queue    store.DeliveryQueue
	sessions SessionLookup
	config   DispatcherConfig
	client   *http.Client
	ins      *observability.Instruments
	logger   *slog.Logger
	done     chan struct{}
}

func NewDispatcher(q store.DeliveryQueue, sessions SessionLookup, config DispatcherConfig, ins *observability.Instruments, logger *slog.Logger) *Dispatcher {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Lease <= 0 {
		config.Lease = config.Timeout + 30*time.Second
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 2 * time.Second
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 5 * time.Minute
	}
	if ins == nil {
		ins = observability.NoopInstruments()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		queue:    q,
		sessions: sessions,
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		ins:      ins,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Backoff returns the delay before retrying after the given attempt (1-based).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Run pulls deliveries until ctx is cancelled, then waits for in-flight posts.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("webhook dispatcher starting", "concurrency", d.config.Concurrency)

	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	currentBackoff := d.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopping, waiting for in-flight deliveries")
			wg.Wait()
			close(d.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := d.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := d.queue.DequeueBatch(ctx, availableSlots, d.config.Lease)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("dequeue deliveries failed", "error", err)
				}
				continue
			}

			if len(items) == 0 {
				currentBackoff *= 2
				if currentBackoff > d.config.MaxBackoff {
					currentBackoff = d.config.MaxBackoff
				}
				continue
			}

			currentBackoff = d.config.PollInterval

			for _, item := range items {
				sem <- struct{}{}

				wg.Add(1)
				go func(del store.Delivery) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					// An attempt runs to its timeout even during shutdown.
					d.deliver(context.WithoutCancel(ctx), del)
				}(item)
			}

			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done is closed when Run has fully stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) deliver(ctx context.Context, del store.Delivery) {
	logger := d.logger.With("delivery_id", del.ID, "session_id", del.SessionID, "attempt", del.Attempt)

	env, err := decodeEnvelope(del.Payload)
	if err != nil {
		logger.Error("dropping undecodable delivery", "error", err)
		d.exhaust(ctx, logger, del, err)
		return
	}

	traceCtx := observability.ExtractTrace(ctx, env.Trace)
	spanCtx, span := otel.Tracer("webhook-dispatcher").Start(traceCtx, "webhook.deliver",
		trace.WithAttributes(
			attribute.String("session.id", del.SessionID),
			attribute.String("event.id", del.EventID.String()),
			attribute.String("event.kind", string(env.Payload.Event)),
			attribute.Int("attempt", del.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	sess, err := d.sessions.GetSession(spanCtx, del.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		d.complete(spanCtx, logger, del)
		return
	}
	if err != nil {
		span.RecordError(err)
		d.retryOrExhaust(spanCtx, logger, del, fmt.Errorf("resolve session: %w", err))
		return
	}
	if sess.WebhookURL == nil || *sess.WebhookURL == "" {
		d.complete(spanCtx, logger, del)
		return
	}

	secret := ""
	if sess.WebhookSecret != nil {
		secret = *sess.WebhookSecret
	}

	if err := d.post(spanCtx, *sess.WebhookURL, secret, env.Payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.retryOrExhaust(spanCtx, logger, del, err)
		return
	}

	d.ins.WebhookDelivered.Add(spanCtx, 1, metric.WithAttributes(attribute.String("event", string(env.Payload.Event))))
	d.complete(spanCtx, logger, del)
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, p Payload) error {
	body, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, p.EventID.String())
	if sig := Sign(body, secret); sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, del store.Delivery) {
	if err := d.queue.CompleteDelivery(ctx, del.ID); err != nil {
		logger.Warn("failed to mark delivery complete", "error", err)
	}
}

func (d *Dispatcher) retryOrExhaust(ctx context.Context, logger *slog.Logger, del store.Delivery, cause error) {
	if del.Attempt >= d.config.MaxAttempts {
		d.exhaust(ctx, logger, del, cause)
		return
	}

	delay := Backoff(del.Attempt, d.config.RetryBase, d.config.RetryMax)
	if err := d.queue.RetryDelivery(ctx, del.ID, time.Now().Add(delay), cause.Error()); err != nil {
		logger.Warn("failed to schedule delivery retry", "error", err)
		return
	}
	d.ins.WebhookRetried.Add(ctx, 1)
	logger.Info("webhook delivery failed, will retry", "retry_in", delay, "error", cause)
}

func (d *Dispatcher) exhaust(ctx context.Context, logger *slog.Logger, del store.Delivery, cause error) {
	recorded, err := d.queue.FailDelivery(ctx, del.ID, cause.Error())
	if err != nil {
		logger.Warn("failed to mark delivery failed", "error", err)
		return
	}
	if !recorded {
		return
	}
	d.ins.WebhookExhausted.Add(ctx, 1)
	logger.Error("webhook delivery exhausted", "max_attempts", d.config.MaxAttempts, "error", cause)
}
