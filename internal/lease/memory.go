package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process lease store with the same semantics as
// RedisStore. Useful for single-process deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryLease
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store driven by now; nil means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[string]memoryLease),
	}
}

// live returns the lease for key if it has not expired. Caller holds mu.
func (s *MemoryStore) live(key string) (memoryLease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !s.now().Before(l.expiresAt) {
		delete(s.leases, key)
		return memoryLease{}, false
	}
	return l, true
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.live(key); held {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.live(key)
	if !held || l.owner != owner {
		return false, nil
	}
	l.expiresAt = s.now().Add(ttl)
	s.leases[key] = l
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.live(key); held && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// Owner returns the current holder of key, or "" when it is free.
func (s *MemoryStore) Owner(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, _ := s.live(key)
	return l.owner, nil
}

// Delete removes key regardless of its owner.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.leases, key)
	return nil
}
