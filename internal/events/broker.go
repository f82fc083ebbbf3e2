// Package events is the in-process fan-out of live session events.
//
// Delivery is best-effort and local to one process: a slow subscriber loses
// its oldest buffered events and nothing survives a restart. The webhook
// pipeline is the durable path.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"sessionplane/internal/store"
)

// Topic names a stream of events.
type Topic string

const (
	TopicMessage Topic = "message"
	TopicStatus  Topic = "status"
)

// ParseTopic validates a topic name.
func ParseTopic(s string) (Topic, bool) {
	switch Topic(s) {
	case TopicMessage, TopicStatus:
		return Topic(s), true
	}
	return "", false
}

// MaxBuffered is how many undelivered events a subscription keeps before
// dropping the oldest.
const MaxBuffered = 256

// Event is one published session event.
type Event struct {
	Topic     Topic           `json:"topic"`
	SessionID string          `json:"sessionId"`
	Kind      store.EventKind `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// OwnershipChecker decides whether owner may see events of sessionID.
type OwnershipChecker interface {
	OwnsSession(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error)
}

// OwnershipFunc adapts a function to OwnershipChecker.
type OwnershipFunc func(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error)

func (f OwnershipFunc) OwnsSession(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error) {
	return f(ctx, ownerID, sessionID)
}

// RegistryOwnership checks ownership against the session registry.
func RegistryOwnership(sessions store.SessionStore) OwnershipChecker {
	return OwnershipFunc(func(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error) {
		return sessions.SessionOwnedBy(ctx, ownerID, sessionID)
	})
}

// Broker fans published events out to subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Publish hands ev to every subscription of topic. It never blocks on subscribers.
func (b *Broker) Publish(topic Topic, ev Event) {
	ev.Topic = topic
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.topics[topic] {
			sub.push(ev)
		}
	}
}

// Subscribe registers a subscription for owner on topics. A nil filter
// delivers every event (operator view).
func (b *Broker) Subscribe(ownerID uuid.UUID, topics []Topic, filter OwnershipChecker) *Subscription {
	if len(topics) == 0 {
		topics = []Topic{TopicMessage, TopicStatus}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		broker:  b,
		ownerID: ownerID,
		topics:  make(map[Topic]bool, len(topics)),
		filter:  filter,
		buf:     queue.New(),
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		logger:  b.logger,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(sub.out)
		close(sub.stopped)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one subscriber's filtered view of the broker.
type Subscription struct {
	broker  *Broker
	ownerID uuid.UUID
	topics  map[Topic]bool
	filter  OwnershipChecker

	mu      sync.Mutex
	buf     *queue.Queue
	dropped uint64
	notify  chan struct{}

	out       chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// C delivers events in publish order. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Dropped reports how many events were discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. When it returns the subscription receives nothing more
// and C is closed.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.remove(s)
		s.cancel()
		<-s.stopped
	})
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.buf.Length() >= MaxBuffered {
		s.buf.Remove()
		s.dropped++
	}
	s.buf.Add(ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Length() == 0 {
		return Event{}, false
	}
	return s.buf.Remove().(Event), true
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.out)

	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if !s.allowed(ev) {
			continue
		}

		select {
		case s.out <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription) allowed(ev Event) bool {
	if s.filter == nil {
		return true
	}
	owns, err := s.filter.OwnsSession(s.ctx, s.ownerID, ev.SessionID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("ownership check failed", "session_id", ev.SessionID, "error", err)
		}
		return false
	}
	return owns
}
