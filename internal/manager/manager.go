// Package manager packs sessions onto this worker using leases.
//
// Every poll cycle the manager renews the leases it holds, drops sessions
// that were deleted, and acquires free pending or disconnected sessions up to
// its capacity. The table of owned sessions belongs to the Run goroutine;
// other components query it through Snapshot and Send.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"sessionplane/internal/driver"
	"sessionplane/internal/lease"
	"sessionplane/internal/observability"
	"sessionplane/internal/store"
)

// ErrNotOwned is returned for sessions this worker does not drive.
var ErrNotOwned = errors.New("session not owned by this worker")

// ErrStopped is returned when the manager loop is no longer running.
var ErrStopped = errors.New("manager stopped")

// Registry is the part of the session registry the manager uses.
type Registry interface {
	ListSessionsByStatus(ctx context.Context, statuses ...store.SessionStatus) ([]store.Session, error)
	ExistingSessionIDs(ctx context.Context, ids []string) ([]string, error)
	SetStatus(ctx context.Context, id string, status store.SessionStatus) error
}

// Supervised is a running session supervisor.
type Supervised interface {
	Run(ctx context.Context) error
	Destroy(ctx context.Context) error
	Send(ctx context.Context, target string, content driver.Content) (string, error)
	Status() store.SessionStatus
}

// Spawner creates a supervisor for a freshly leased session.
type Spawner interface {
	Spawn(ctx context.Context, sessionID string) (Supervised, error)
}

// Config holds configuration for the lease manager.
type Config struct {
	WorkerID       string
	MaxSessions    int
	LeaseTTL       time.Duration
	PollInterval   time.Duration
	DestroyTimeout time.Duration // Bound on tearing one supervisor down (default: 15s)
	Logger         *slog.Logger
	Instruments    *observability.Instruments
	Now            func() time.Time
}

// OwnedSession is a read-only view of one locally driven session.
type OwnedSession struct {
	SessionID   string
	Status      store.SessionStatus
	AcquiredAt  time.Time
	LastRenewed time.Time
}

type owned struct {
	id          string
	sup         Supervised
	cancel      context.CancelFunc
	done        chan struct{}
	acquiredAt  time.Time
	lastRenewed time.Time
}

type exitNotice struct {
	o   *owned
	err error
}

type lookup struct {
	sessionID string
	reply     chan Supervised
}

// Manager is the lease poll loop of one worker.
type Manager struct {
	cfg      Config
	registry Registry
	leases   lease.Store
	spawner  Spawner
	logger   *slog.Logger
	ins      *observability.Instruments

	// Confined to Run.
	owned map[string]*owned

	exits     chan exitNotice
	snapshots chan chan []OwnedSession
	lookups   chan lookup
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, registry Registry, leases lease.Store, spawner Spawner) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 15 * time.Second
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

	return &Manager{
		cfg:       cfg,
		registry:  registry,
		leases:    leases,
		spawner:   spawner,
		logger:    cfg.Logger.With("worker_id", cfg.WorkerID),
		ins:       cfg.Instruments,
		owned:     make(map[string]*owned),
		exits:     make(chan exitNotice, cfg.MaxSessions),
		snapshots: make(chan chan []OwnedSession),
		lookups:   make(chan lookup),
		loopDone:  make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. On exit every supervisor is destroyed and
// every lease released.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("lease manager starting",
		"max_sessions", m.cfg.MaxSessions,
		"lease_ttl", m.cfg.LeaseTTL,
		"poll_interval", m.cfg.PollInterval,
	)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil

		case <-ticker.C:
			m.cycle(ctx)

		case n := <-m.exits:
			m.handleExit(n)

		case reply := <-m.snapshots:
			reply <- m.snapshot()

		case req := <-m.lookups:
			if o, ok := m.owned[req.sessionID]; ok {
				req.reply <- o.sup
			} else {
				req.reply <- nil
			}
		}
	}
}

// cycle is one poll: heartbeat, prune deleted, acquire.
func (m *Manager) cycle(ctx context.Context) {
	m.renewAll(ctx)
	if ctx.Err() != nil {
		return
	}
	m.dropDeleted(ctx)
	if ctx.Err() != nil {
		return
	}
	m.acquire(ctx)
}

func (m *Manager) renewAll(ctx context.Context) {
	for _, o := range m.sortedOwned() {
		// Stamped before the call: the store's new expiry is never earlier.
		attempt := m.cfg.Now()
		ok, err := m.leases.Renew(ctx, lease.SessionKey(o.id), m.cfg.WorkerID, m.cfg.LeaseTTL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			// Unknown outcome. Stop while the next cycle and a full teardown
			// still fit before the last confirmed expiry.
			if m.cfg.Now().Sub(o.lastRenewed) >= m.renewGrace() {
				m.logger.Warn("lease renewal failing, stopping session before expiry", "session_id", o.id, "error", err)
				m.lose(o)
				m.handOver(o)
			} else {
				m.logger.Warn("lease renewal failed", "session_id", o.id, "error", err)
			}
		case !ok:
			m.logger.Warn("lease lost, stopping session", "session_id", o.id, "error", lease.ErrLeaseLost)
			m.lose(o)
		default:
			o.lastRenewed = attempt
		}
	}
}

// renewGrace is how long a session may be driven without a confirmed renewal.
// Zero or negative means any renewal error stops the session.
func (m *Manager) renewGrace() time.Duration {
	return m.cfg.LeaseTTL - m.cfg.PollInterval - m.cfg.DestroyTimeout
}

// lose tears a session down without releasing: the key is no longer ours.
func (m *Manager) lose(o *owned) {
	m.teardown(o)
	m.ins.LeaseLost.Add(context.Background(), 1, sessionAttr(o.id))
}

func (m *Manager) dropDeleted(ctx context.Context) {
	if len(m.owned) == 0 {
		return
	}
	ids := make([]string, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}

	existing, err := m.registry.ExistingSessionIDs(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("failed to check owned sessions", "error", err)
		}
		return
	}
	keep := make(map[string]bool, len(existing))
	for _, id := range existing {
		keep[id] = true
	}

	for _, id := range ids {
		if keep[id] {
			continue
		}
		o := m.owned[id]
		m.logger.Info("session deleted, stopping", "session_id", id)
		m.teardown(o)
		m.release(id)
	}
}

func (m *Manager) acquire(ctx context.Context) {
	if len(m.owned) >= m.cfg.MaxSessions {
		return
	}

	candidates, err := m.registry.ListSessionsByStatus(ctx, store.SessionStatusPending, store.SessionStatusDisconnected)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("failed to list candidate sessions", "error", err)
		}
		return
	}

	for _, c := range candidates {
		if len(m.owned) >= m.cfg.MaxSessions {
			return
		}
		if _, ok := m.owned[c.ID]; ok {
			continue
		}

		acquiredAt := m.cfg.Now()
		ok, err := m.leases.TryAcquire(ctx, lease.SessionKey(c.ID), m.cfg.WorkerID, m.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("lease acquire failed", "session_id", c.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		if err := m.start(ctx, c.ID, acquiredAt); err != nil {
			m.logger.Error("failed to start session", "session_id", c.ID, "error", err)
			m.release(c.ID)
			continue
		}
		m.ins.LeaseAcquired.Add(ctx, 1, sessionAttr(c.ID))
	}
}

func (m *Manager) start(ctx context.Context, sessionID string, acquiredAt time.Time) error {
	sup, err := m.spawner.Spawn(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("spawn supervisor: %w", err)
	}

	supCtx, cancel := context.WithCancel(ctx)
	o := &owned{
		id:          sessionID,
		sup:         sup,
		cancel:      cancel,
		done:        make(chan struct{}),
		acquiredAt:  acquiredAt,
		lastRenewed: acquiredAt,
	}
	m.owned[sessionID] = o

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := sup.Run(supCtx)
		close(o.done)
		select {
		case m.exits <- exitNotice{o: o, err: err}:
		case <-m.loopDone:
		}
	}()

	m.logger.Info("session acquired", "session_id", sessionID)
	return nil
}

func (m *Manager) handleExit(n exitNotice) {
	// Already torn down by the loop, or the id was re-acquired since.
	if m.owned[n.o.id] != n.o {
		return
	}
	if n.err != nil {
		m.logger.Warn("session supervisor exited", "session_id", n.o.id, "error", n.err)
	} else {
		m.logger.Info("session supervisor exited", "session_id", n.o.id)
	}
	m.teardown(n.o)
	m.release(n.o.id)
}

// teardown destroys o's supervisor and waits for it to stop.
func (m *Manager) teardown(o *owned) {
	delete(m.owned, o.id)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DestroyTimeout)
	defer cancel()

	if err := o.sup.Destroy(ctx); err != nil {
		m.logger.Warn("destroy supervisor failed", "session_id", o.id, "error", err)
	}
	o.cancel()

	select {
	case <-o.done:
	case <-ctx.Done():
		m.logger.Error("supervisor did not stop in time", "session_id", o.id)
	}
}

// handOver marks a session this worker stopped driving as disconnected so the
// next poll on any worker picks it up. Only called while the lease is still ours.
func (m *Manager) handOver(o *owned) {
	if o.sup.Status() != store.SessionStatusReady {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollInterval)
	defer cancel()
	if err := m.registry.SetStatus(ctx, o.id, store.SessionStatusDisconnected); err != nil {
		m.logger.Warn("failed to hand session over", "session_id", o.id, "error", err)
	}
}

func (m *Manager) release(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.leases.Release(ctx, lease.SessionKey(sessionID), m.cfg.WorkerID); err != nil {
		m.logger.Warn("lease release failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) shutdown() {
	m.logger.Info("lease manager stopping", "owned", len(m.owned))
	for _, o := range m.sortedOwned() {
		m.teardown(o)
		m.handOver(o)
		m.release(o.id)
	}
	close(m.loopDone)
	m.wg.Wait()
}

func (m *Manager) sortedOwned() []*owned {
	out := make([]*owned, 0, len(m.owned))
	for _, o := range m.owned {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) snapshot() []OwnedSession {
	out := make([]OwnedSession, 0, len(m.owned))
	for _, o := range m.sortedOwned() {
		out = append(out, OwnedSession{
			SessionID:   o.id,
			Status:      o.sup.Status(),
			AcquiredAt:  o.acquiredAt,
			LastRenewed: o.lastRenewed,
		})
	}
	return out
}

// Snapshot returns the sessions this worker currently drives.
func (m *Manager) Snapshot(ctx context.Context) ([]OwnedSession, error) {
	reply := make(chan []OwnedSession, 1)
	select {
	case m.snapshots <- reply:
	case <-m.loopDone:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadySessions returns the ids of locally driven sessions in state ready.
func (m *Manager) ReadySessions(ctx context.Context) ([]string, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range snap {
		if s.Status == store.SessionStatusReady {
			ids = append(ids, s.SessionID)
		}
	}
	return ids, nil
}

// Owns reports whether this worker drives sessionID.
func (m *Manager) Owns(ctx context.Context, sessionID string) bool {
	sup, err := m.supervisor(ctx, sessionID)
	return err == nil && sup != nil
}

// Send delivers a message through the local supervisor of sessionID.
func (m *Manager) Send(ctx context.Context, sessionID, target string, content driver.Content) (string, error) {
	sup, err := m.supervisor(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sup == nil {
		return "", ErrNotOwned
	}
	return sup.Send(ctx, target, content)
}

func (m *Manager) supervisor(ctx context.Context, sessionID string) (Supervised, error) {
	req := lookup{sessionID: sessionID, reply: make(chan Supervised, 1)}
	select {
	case m.lookups <- req:
	case <-m.loopDone:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case sup := <-req.reply:
		return sup, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sessionAttr labels per-session measurements.
func sessionAttr(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("session.id", id))
}
