package cache

import (
	"errors"
	"time"
)

// NoExpiration is the TTL reported for entries stored without an expiry.
const NoExpiration time.Duration = -1

// ErrInvalidClear is returned by Clear unless exactly one of namespace and key is set.
var ErrInvalidClear = errors.New("cache: clear needs exactly one of namespace or key")

// Store defines the contract for all storage backends. Stored payloads are
// immutable: Set must not keep the caller's slice, and callers must not
// modify a slice returned by Get or GetWithTTL.
type Store interface {
	// GetWithTTL returns the payload and its remaining lifetime. Expired
	// entries are reported as misses and removed.
	GetWithTTL(key string) (time.Duration, []byte, bool)
	Get(key string) ([]byte, bool)
	// Set inserts or overwrites key. An expire <= 0 stores the entry without expiry.
	Set(key string, payload []byte, expire time.Duration) error
	// Clear removes every key starting with namespace, or the single key.
	Clear(namespace, key string) (int, error)
	Close() error // For graceful shutdown/cleanup
}

// Entry is one memoized response.
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// Size returns the number of bytes the entry charges against the budget.
func (e *Entry) Size() int64 {
	return int64(len(e.Payload))
}

// Expired reports whether the entry's expiry has been reached at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime at now, or NoExpiration.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return NoExpiration
	}
	return e.ExpiresAt.Sub(now)
}
