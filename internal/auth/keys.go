// Package auth issues and hashes API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key prefixes make leaked keys recognizable.
const (
	TenantKeyPrefix  = "sp_"
	SessionKeyPrefix = "sps_"
)

// GenerateKey returns prefix followed by 32 random bytes in hex.
func GenerateKey(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("entropy failure: %w", err)
	}
	return prefix + hex.EncodeToString(raw), nil
}

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
