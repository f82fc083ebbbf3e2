package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionplane/internal/observability"
	"sessionplane/internal/store"
)

// Emitter accepts events for asynchronous delivery.
type Emitter interface {
	Emit(ctx context.Context, ev store.WebhookEvent)
}

// Producer writes events to the delivery queue from a background goroutine so
// callers never wait on the database or the network.
type Producer struct {
	queue       store.DeliveryQueue
	ch          chan store.WebhookEvent
	logger      *slog.Logger
	syncTimeout time.Duration
	attempts    int           // Enqueue tries per event
	retryBase   time.Duration // first delay between tries, doubled each time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewProducer starts a producer with room for buffer pending events.
func NewProducer(q store.DeliveryQueue, buffer int, logger *slog.Logger) *Producer {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Producer{
		queue:       q,
		ch:          make(chan store.WebhookEvent, buffer),
		logger:      logger,
		syncTimeout: 5 * time.Second,
		attempts:    5,
		retryBase:   200 * time.Millisecond,
		done:        make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// Emit queues ev. Missing ids and timestamps are filled in and the trace
// context of ctx travels with the event.
func (p *Producer) Emit(ctx context.Context, ev store.WebhookEvent) {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Trace == nil {
		ev.Trace = observability.InjectTrace(ctx)
	}

	p.mu.RLock()
	if !p.closed {
		select {
		case p.ch <- ev:
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()

	// Buffer full or closing: write inline rather than drop.
	p.logger.Warn("webhook buffer full, enqueueing synchronously", "session_id", ev.SessionID, "event", ev.Kind)
	p.write(ev)
}

// Close stops accepting buffered events and waits until the buffer is drained.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	<-p.done
}

func (p *Producer) writeLoop() {
	defer close(p.done)
	for ev := range p.ch {
		p.write(ev)
	}
}

func (p *Producer) write(ev store.WebhookEvent) {
	raw, err := json.Marshal(newEnvelope(ev))
	if err != nil {
		p.logger.Error("failed to encode webhook event", "session_id", ev.SessionID, "error", err)
		return
	}

	// Enqueue ignores duplicate event ids, so a try that timed out after
	// committing is safe to repeat.
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(Backoff(attempt-1, p.retryBase, p.syncTimeout))
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.syncTimeout)
		err = p.queue.Enqueue(ctx, ev.EventID, ev.SessionID, raw)
		cancel()
		if err == nil {
			return
		}
		p.logger.Warn("enqueue webhook event failed",
			"session_id", ev.SessionID,
			"event_id", ev.EventID,
			"attempt", attempt,
			"error", err,
		)
	}
	p.logger.Error("dropping webhook event after retries",
		"session_id", ev.SessionID,
		"event", ev.Kind,
		"event_id", ev.EventID,
		"attempts", p.attempts,
		"error", err,
	)
}
