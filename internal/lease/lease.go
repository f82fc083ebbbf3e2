// Package lease implements time-bounded exclusive ownership of sessions
// across worker processes.
//
// A lease is a key holding the owner's worker id with a TTL. Acquire is
// create-if-absent, renew and release only succeed for the current owner,
// and expiry is the crash-recovery path: a worker that dies stops renewing
// and its sessions become acquirable after at most one TTL.
package lease

import (
	"context"
	"errors"
	"time"
)

// KeyPrefix namespaces session leases in the lease store.
const KeyPrefix = "lock:session:"

// ErrLeaseLost reports that a lease could not be renewed by its holder.
var ErrLeaseLost = errors.New("lease: lost")

// Store is the primitive set every lease backend provides.
type Store interface {
	// TryAcquire creates key owned by owner if no live lease exists.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Renew extends key by ttl only if owner still holds it.
	// It reports false when the lease expired or belongs to someone else.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release deletes key only if owner holds it.
	Release(ctx context.Context, key, owner string) error
}

// SessionKey returns the lease key of a session.
func SessionKey(sessionID string) string {
	return KeyPrefix + sessionID
}
