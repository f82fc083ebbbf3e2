package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionplane/internal/store"
)

func strPtr(s string) *string { return &s }

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		Timeout:      time.Second,
		MaxAttempts:  3,
		RetryBase:    time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func enqueueEvent(t *testing.T, q *memQueue, sessionID string, kind store.EventKind, data string) uuid.UUID {
	t.Helper()
	ev := store.WebhookEvent{
		EventID:   uuid.New(),
		SessionID: sessionID,
		Kind:      kind,
		Data:      json.RawMessage(data),
		Timestamp: time.UnixMilli(1_700_000_000_123),
	}
	raw, err := json.Marshal(newEnvelope(ev))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), ev.EventID, sessionID, raw))
	return ev.EventID
}

func runDispatcher(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return func() {
		cancel()
		select {
		case <-d.Done():
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	}
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, 5*time.Minute
	assert.Equal(t, 2*time.Second, Backoff(1, base, max))
	assert.Equal(t, 4*time.Second, Backoff(2, base, max))
	assert.Equal(t, 8*time.Second, Backoff(3, base, max))
	assert.Equal(t, max, Backoff(20, base, max))
	assert.Equal(t, 2*time.Second, Backoff(0, base, max))
}

func TestDispatcher_SignedDelivery(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, headers = b, r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q := newMemQueue()
	sessions := &sessionMap{}
	sessions.set(&store.Session{ID: "ws_1", WebhookURL: strPtr(srv.URL), WebhookSecret: strPtr("s3cret")})
	eventID := enqueueEvent(t, q, "ws_1", store.EventReady, `{"status":"ready"}`)

	stop := runDispatcher(t, NewDispatcher(q, sessions, fastConfig(), nil, nil))
	defer stop()

	require.Eventually(t, func() bool { return q.status(1) == store.DeliveryStatusDelivered }, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, eventID.String(), headers.Get(EventIDHeader))
	assert.True(t, Verify(body, "s3cret", headers.Get(SignatureHeader)), "signature must cover the exact posted bytes")

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "ws_1", p.SessionID)
	assert.Equal(t, store.EventReady, p.Event)
	assert.Equal(t, int64(1_700_000_000_123), p.Timestamp)
	assert.Equal(t, eventID, p.EventID)
	assert.JSONEq(t, `{"status":"ready"}`, string(p.Data))
}

func TestDispatcher_NoSecretOmitsSignature(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	q := newMemQueue()
	sessions := &sessionMap{}
	sessions.set(&store.Session{ID: "ws_1", WebhookURL: strPtr(srv.URL)})
	enqueueEvent(t, q, "ws_1", store.EventMessage, `{}`)

	stop := runDispatcher(t, NewDispatcher(q, sessions, fastConfig(), nil, nil))
	defer stop()

	select {
	case h := <-got:
		assert.Empty(t, h.Get(SignatureHeader))
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestDispatcher_NoURLCompletesSilently(t *testing.T) {
	q := newMemQueue()
	sessions := &sessionMap{}
	sessions.set(&store.Session{ID: "ws_1"})
	enqueueEvent(t, q, "ws_1", store.EventReady, `{}`)
	enqueueEvent(t, q, "ws_gone", store.EventReady, `{}`)

	stop := runDispatcher(t, NewDispatcher(q, sessions, fastConfig(), nil, nil))
	defer stop()

	require.Eventually(t, func() bool {
		return q.status(1) == store.DeliveryStatusDelivered && q.status(2) == store.DeliveryStatusDelivered
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDispatcher_ResolvesURLAtDeliveryTime(t *testing.T) {
	var oldHits, newHits atomic.Int32
	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { oldHits.Add(1) }))
	defer oldSrv.Close()
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { newHits.Add(1) }))
	defer newSrv.Close()

	q := newMemQueue()
	sessions := &sessionMap{}
	sessions.set(&store.Session{ID: "ws_1", WebhookURL: strPtr(oldSrv.URL)})
	enqueueEvent(t, q, "ws_1", store.EventReady, `{}`)

	// URL changes after enqueue but before delivery.
	sessions.set(&store.Session{ID: "ws_1", WebhookURL: strPtr(newSrv.URL)})

	stop := runDispatcher(t, NewDispatcher(q, sessions, fastConfig(), nil, nil))
	defer stop()

	require.Eventually(t, func() bool { return q.status(1) == store.DeliveryStatusDelivered }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), oldHits.Load())
	assert.Equal(t, int32(1), newHits.Load())
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newMemQueue()
	sessions := &sessionMap{}
	sessions.set(&store.Session{ID: "ws_1", WebhookURL: strPtr(srv.URL)})
	enqueueEvent(t, q, "ws_1", store.EventReady, `{}`)

	stop := runDispatcher(t, NewDispatcher(q, sessions, fastConfig(), nil, nil))
	defer stop()

	require.Eventually(t, func() bool { return q.status(1) == store.DeliveryStatusDelivered }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2, q.row(1).delivery.Attempt)
}

func TestDispatcher_PermanentlyDownFailsExactlyOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q := newMemQueue()
	sessions := &sessionMap{}
	sessions.set(&store.Session{ID: "ws_1", WebhookURL: strPtr(srv.URL)})
	enqueueEvent(t, q, "ws_1", store.EventDisconnected, `{"reason":"logout"}`)

	cfg := fastConfig()
	stop := runDispatcher(t, NewDispatcher(q, sessions, cfg, nil, nil))

	require.Eventually(t, func() bool { return q.status(1) == store.DeliveryStatusFailed }, 5*time.Second, 5*time.Millisecond)

	// Give the pool time to misbehave before checking counts.
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, int32(cfg.MaxAttempts), hits.Load())
	assert.Equal(t, 1, q.failCalls)
	assert.Equal(t, 1, q.failWritten)
	assert.Contains(t, q.row(1).lastErr, "503")
}

func TestDispatcher_UndecodablePayloadFails(t *testing.T) {
	q := newMemQueue()
	require.NoError(t, q.Enqueue(context.Background(), uuid.New(), "ws_1", json.RawMessage(`"not an envelope"`)))

	stop := runDispatcher(t, NewDispatcher(q, &sessionMap{}, fastConfig(), nil, nil))
	defer stop()

	require.Eventually(t, func() bool { return q.status(1) == store.DeliveryStatusFailed }, 5*time.Second, 5*time.Millisecond)
}
