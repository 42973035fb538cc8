// Package lithub memoizes expensive dataset queries in a byte-budgeted cache.
//
// Handlers compose the pieces explicitly: build a key, ask the Memo for the
// payload, and let it run the query only on a miss.
package lithub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TimRepke/lithub/cache"
	"github.com/TimRepke/lithub/coder"
	"golang.org/x/sync/singleflight"
)

// Status tells whether a payload was served from the cache.
type Status string

const (
	StatusHit  Status = "HIT"
	StatusMiss Status = "MISS"
)

// Memo serves payloads from a cache.Store and fills it on misses.
type Memo struct {
	store  cache.Store
	cfg    *Config
	logger *slog.Logger

	// Concurrent misses for the same key run the computation once and share the result.
	group singleflight.Group
}

// NewMemo wires a store with cfg. A nil cfg uses DefaultConfig.
func NewMemo(store cache.Store, cfg *Config, logger *slog.Logger) *Memo {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if cfg.KeyBuilder == nil {
		withKeys := *cfg
		withKeys.KeyBuilder = DefaultKeyBuilder
		cfg = &withKeys
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memo{store: store, cfg: cfg, logger: logger}
}

// Key builds the cache key for op called with args and kwargs under namespace.
func (m *Memo) Key(op, namespace string, args []any, kwargs map[string]any) string {
	return m.cfg.KeyBuilder(op, namespace, args, kwargs)
}

// Payload returns the cached payload for key, or computes, encodes and stores it.
// A ttl of zero uses Config.DefaultTTL; a negative ttl stores without expiry.
// Errors from compute or the coder are returned and nothing is cached.
func (m *Memo) Payload(ctx context.Context, key string, ttl time.Duration, c coder.Coder, compute func(context.Context) (any, error)) ([]byte, Status, error) {
	if payload, ok := m.store.Get(key); ok {
		return payload, StatusHit, nil
	}

	// The computation outlives the first caller so that callers sharing it are not cancelled with it.
	shared := context.WithoutCancel(ctx)
	result, err, _ := m.group.Do(key, func() (any, error) {
		if payload, ok := m.store.Get(key); ok {
			return payload, nil
		}
		value, err := compute(shared)
		if err != nil {
			return nil, err
		}
		payload, err := c.Encode(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		m.save(key, payload, ttl)
		return payload, nil
	})
	if err != nil {
		return nil, StatusMiss, err
	}
	return result.([]byte), StatusMiss, nil
}

func (m *Memo) save(key string, payload []byte, ttl time.Duration) {
	if m.cfg.MaxPayloadBytes > 0 && len(payload) > m.cfg.MaxPayloadBytes {
		m.logger.Debug("payload too large to cache", slog.String("cacheKey", key), slog.Int("bytes", len(payload)))
		return
	}
	switch {
	case ttl == 0:
		ttl = m.cfg.DefaultTTL
	case ttl < 0:
		ttl = 0
	}
	if err := m.store.Set(key, payload, ttl); err != nil {
		m.logger.Error("Failed to cache payload", slog.String("cacheKey", key), slog.Any("error", err.Error()))
	}
}

// Clear forwards to the store: exactly one of namespace and key must be set.
func (m *Memo) Clear(namespace, key string) (int, error) {
	return m.store.Clear(namespace, key)
}

// Invalidate removes every cached payload in namespace.
func (m *Memo) Invalidate(namespace string) (int, error) {
	return m.Clear(namespace, "")
}

// Forget removes the payload cached under key.
func (m *Memo) Forget(key string) (int, error) {
	return m.Clear("", key)
}

// Fetch is Payload for typed results: on a hit the payload is decoded into T
// with the same coder that encoded it.
func Fetch[T any](ctx context.Context, m *Memo, key string, ttl time.Duration, c coder.Coder, compute func(context.Context) (T, error)) (T, Status, error) {
	var zero T
	payload, status, err := m.Payload(ctx, key, ttl, c, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		return zero, status, err
	}
	var out T
	if err := c.DecodeInto(payload, &out); err != nil {
		return zero, status, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, status, nil
}
