package webhook

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionplane/internal/store"
)

type memRow struct {
	delivery     store.Delivery
	status       store.DeliveryStatus
	visibleAfter time.Time
	lastErr      string
}

// memQueue mirrors the SQL queue semantics in memory.
type memQueue struct {
	mu          sync.Mutex
	nextID      int64
	rows        map[int64]*memRow
	failCalls   int
	failWritten int
}

func newMemQueue() *memQueue {
	return &memQueue{rows: make(map[int64]*memRow)}
}

func (q *memQueue) Enqueue(_ context.Context, eventID uuid.UUID, sessionID string, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.delivery.EventID == eventID {
			return nil
		}
	}
	q.nextID++
	q.rows[q.nextID] = &memRow{
		delivery: store.Delivery{ID: q.nextID, EventID: eventID, SessionID: sessionID, Payload: payload},
		status:   store.DeliveryStatusQueued,
	}
	return nil
}

func (q *memQueue) DequeueBatch(_ context.Context, limit int, lease time.Duration) ([]store.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var ids []int64
	for id, r := range q.rows {
		visible := !r.visibleAfter.After(now)
		if visible && (r.status == store.DeliveryStatusQueued || r.status == store.DeliveryStatusProcessing) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	var out []store.Delivery
	for _, id := range ids {
		r := q.rows[id]
		r.status = store.DeliveryStatusProcessing
		r.delivery.Attempt++
		r.visibleAfter = now.Add(lease)
		out = append(out, r.delivery)
	}
	return out, nil
}

func (q *memQueue) CompleteDelivery(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[id].status = store.DeliveryStatusDelivered
	return nil
}

func (q *memQueue) RetryDelivery(_ context.Context, id int64, visibleAfter time.Time, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.rows[id]
	if r.status == store.DeliveryStatusProcessing {
		r.status = store.DeliveryStatusQueued
		r.visibleAfter = visibleAfter
		r.lastErr = errMsg
	}
	return nil
}

func (q *memQueue) FailDelivery(_ context.Context, id int64, errMsg string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failCalls++
	r := q.rows[id]
	if r.status != store.DeliveryStatusProcessing {
		return false, nil
	}
	r.status = store.DeliveryStatusFailed
	r.lastErr = errMsg
	q.failWritten++
	return true, nil
}

func (q *memQueue) CountDeliveries(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, r := range q.rows {
		if r.status == store.DeliveryStatusQueued || r.status == store.DeliveryStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) status(id int64) store.DeliveryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows[id].status
}

func (q *memQueue) row(id int64) memRow {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.rows[id]
}

type sessionMap struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
}

func (m *sessionMap) GetSession(_ context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *sessionMap) set(s *store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*store.Session)
	}
	m.sessions[s.ID] = s
}
