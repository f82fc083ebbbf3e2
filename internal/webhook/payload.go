// Package webhook delivers session events to tenant endpoints at least once.
//
// Producers append events to a durable queue without waiting on the network.
// A Dispatcher drains the queue with a bounded worker pool, signs each body
// and retries failed posts with exponential backoff until the attempt limit.
package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"sessionplane/internal/store"
)

// Payload is the JSON body posted to a webhook endpoint.
type Payload struct {
	SessionID string          `json:"sessionId"`
	Event     store.EventKind `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"ts"` // unix milliseconds
	EventID   uuid.UUID       `json:"eventId"`
}

// Encode returns the exact bytes that are signed and posted.
func (p Payload) Encode() ([]byte, error) {
	if len(p.Data) == 0 {
		p.Data = json.RawMessage("{}")
	}
	return json.Marshal(p)
}

// envelope is what sits in the queue: the payload plus the producer's trace.
type envelope struct {
	Payload Payload           `json:"payload"`
	Trace   map[string]string `json:"trace,omitempty"`
}

func newEnvelope(ev store.WebhookEvent) envelope {
	return envelope{
		Payload: Payload{
			SessionID: ev.SessionID,
			Event:     ev.Kind,
			Data:      ev.Data,
			Timestamp: ev.Timestamp.UnixMilli(),
			EventID:   ev.EventID,
		},
		Trace: ev.Trace,
	}
}

func decodeEnvelope(raw json.RawMessage) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode delivery payload: %w", err)
	}
	return env, nil
}
