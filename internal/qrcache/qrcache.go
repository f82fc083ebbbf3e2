// Package qrcache holds the latest pairing code of each pending session so
// any HTTP surface can render it while the session waits to be linked.
package qrcache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/skip2/go-qrcode"
)

// TTL bounds how long a pairing code is served. Drivers rotate codes well
// before this.
const TTL = 2 * time.Minute

const keyPrefix = "qr:session:"

// ErrNoCode is returned when a session has no current pairing code.
var ErrNoCode = errors.New("qrcache: no pairing code")

// Cache stores pairing codes per session.
type Cache interface {
	Put(ctx context.Context, sessionID, code string) error
	Get(ctx context.Context, sessionID string) (string, error)
	Clear(ctx context.Context, sessionID string) error
}

// DataURL renders code as a PNG QR image encoded as a data URL.
func DataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Redis keeps codes in Redis with TTL so every worker surface can serve them.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Put(ctx context.Context, sessionID, code string) error {
	return c.client.Set(ctx, keyPrefix+sessionID, code, TTL).Err()
}

func (c *Redis) Get(ctx context.Context, sessionID string) (string, error) {
	code, err := c.client.Get(ctx, keyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoCode
	}
	return code, err
}

func (c *Redis) Clear(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, keyPrefix+sessionID).Err()
}

// Memory is a process-local Cache.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	codes map[string]memoryEntry
}

type memoryEntry struct {
	code      string
	expiresAt time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, codes: make(map[string]memoryEntry)}
}

func (c *Memory) Put(_ context.Context, sessionID, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[sessionID] = memoryEntry{code: code, expiresAt: c.now().Add(TTL)}
	return nil
}

func (c *Memory) Get(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.codes[sessionID]
	if !ok || !c.now().Before(e.expiresAt) {
		delete(c.codes, sessionID)
		return "", ErrNoCode
	}
	return e.code, nil
}

func (c *Memory) Clear(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.codes, sessionID)
	return nil
}
