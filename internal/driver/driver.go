// Package driver defines the boundary to the per-session messaging driver.
//
// A driver owns the protocol connection of exactly one session and reports
// what happens on it as a stream of events. The supervisor is its only caller.
package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// EventBuffer is the capacity of every driver's event channel.
const EventBuffer = 64

// ErrClosed is returned by operations on a driver whose process has exited.
var ErrClosed = errors.New("driver: closed")

// EventKind identifies a driver callback.
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

// Event is one callback from the driver.
type Event struct {
	Kind    EventKind
	QR      string   // EventQR
	Reason  string   // EventDisconnected
	Message *Message // EventMessage
}

// Message is an inbound message envelope.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	IsGroup   bool   `json:"isGroup"`
	Timestamp int64  `json:"timestamp"`
}

// Media is an attachment with base64 data.
type Media struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// Content is what SendMessage delivers: text, or media with an optional caption.
type Content struct {
	Text    string `json:"text,omitempty"`
	Media   *Media `json:"media,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Validate reports whether c can be sent.
func (c Content) Validate() error {
	if c.Media == nil {
		if strings.TrimSpace(c.Text) == "" {
			return errors.New("content needs text or media")
		}
		return nil
	}
	if c.Media.Mimetype == "" {
		return errors.New("media mimetype is required")
	}
	if _, err := base64.StdEncoding.DecodeString(c.Media.Data); err != nil {
		return fmt.Errorf("media data is not valid base64: %w", err)
	}
	return nil
}

// ParseMedia normalizes media given either as raw base64 or as a
// "data:<mime>;base64,<data>" URL. An explicit mimetype wins over the URL's.
func ParseMedia(m Media) (Media, error) {
	if rest, ok := strings.CutPrefix(m.Data, "data:"); ok {
		header, data, found := strings.Cut(rest, ",")
		if !found {
			return Media{}, errors.New("malformed data url")
		}
		mime, isBase64 := strings.CutSuffix(header, ";base64")
		if !isBase64 {
			return Media{}, errors.New("data url must be base64 encoded")
		}
		if m.Mimetype == "" {
			m.Mimetype = mime
		}
		m.Data = data
	}
	if m.Mimetype == "" {
		return Media{}, errors.New("media mimetype is required")
	}
	if _, err := base64.StdEncoding.DecodeString(m.Data); err != nil {
		return Media{}, fmt.Errorf("media data is not valid base64: %w", err)
	}
	return m, nil
}

// Driver controls one session's protocol connection.
type Driver interface {
	// Initialize starts (or restarts) connecting. Progress arrives as events.
	Initialize(ctx context.Context) error

	// SendMessage delivers content to target and returns the protocol message id.
	SendMessage(ctx context.Context, target string, content Content) (string, error)

	// Destroy tears the connection down. The event channel is closed afterwards.
	Destroy(ctx context.Context) error

	// Events is bounded by EventBuffer and closed when the driver stops.
	Events() <-chan Event
}

// Runtime creates drivers.
type Runtime interface {
	Start(ctx context.Context, opts StartOptions) (Driver, error)
}

// StartOptions contains the parameters for starting a session driver.
type StartOptions struct {
	SessionID string
	Env       map[string]string
}
