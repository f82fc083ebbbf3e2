// Package drivertest provides in-memory drivers for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"sessionplane/internal/driver"
)

// Sent is one recorded SendMessage call.
type Sent struct {
	Target  string
	Content driver.Content
}

// Fake is a scriptable driver. Tests push events with Emit and inspect sends.
type Fake struct {
	SessionID string

	mu          sync.Mutex
	events      chan driver.Event
	closed      bool
	initialized int
	sent        []Sent
	destroyed   bool

	// InitErr and SendErr, when set, are returned by the matching call.
	InitErr error
	SendErr error
}

func NewFake(sessionID string) *Fake {
	return &Fake{
		SessionID: sessionID,
		events:    make(chan driver.Event, driver.EventBuffer),
	}
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return driver.ErrClosed
	}
	f.initialized++
	return f.InitErr
}

func (f *Fake) SendMessage(ctx context.Context, target string, content driver.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", driver.ErrClosed
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.sent = append(f.sent, Sent{Target: target, Content: content})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *Fake) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.closeLocked()
	return nil
}

func (f *Fake) Events() <-chan driver.Event {
	return f.events
}

// Emit delivers ev as if the protocol produced it. It is a no-op once closed.
func (f *Fake) Emit(ev driver.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// Crash closes the event channel without Destroy, like a dead process.
func (f *Fake) Crash() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *Fake) closeLocked() {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

func (f *Fake) Initialized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Runtime hands out Fakes and remembers every one it started.
type Runtime struct {
	mu      sync.Mutex
	drivers map[string][]*Fake
	// StartErr, when set, fails every Start.
	StartErr error
}

func NewRuntime() *Runtime {
	return &Runtime{drivers: make(map[string][]*Fake)}
}

func (r *Runtime) Start(ctx context.Context, opts driver.StartOptions) (driver.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	f := NewFake(opts.SessionID)
	r.drivers[opts.SessionID] = append(r.drivers[opts.SessionID], f)
	return f, nil
}

// Latest returns the most recently started driver for sessionID, or nil.
func (r *Runtime) Latest(sessionID string) *Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := r.drivers[sessionID]
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}

// Started counts drivers started for sessionID.
func (r *Runtime) Started(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drivers[sessionID])
}
