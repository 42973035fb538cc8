package cache

import (
	"bytes"
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with a hard byte budget and oldest-first eviction.
// Reads never refresh an entry's age.
type InMemory struct {
	mutex sync.Mutex
	// Insertion order, oldest at the front
	fifo    *list.List
	entries map[string]*list.Element
	// Hard memory limit in bytes
	maxBytes int64
	// Current total size of all stored payloads
	currentBytes int64

	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures an InMemory store.
type Option func(*InMemory)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *InMemory) { m.now = now }
}

// WithLogger sets the logger used for eviction messages.
func WithLogger(logger *slog.Logger) Option {
	return func(m *InMemory) { m.logger = logger }
}

// WithMetrics records hits, misses, evictions and occupancy.
func WithMetrics(metrics *Metrics) Option {
	return func(m *InMemory) { m.metrics = metrics }
}

// NewInMemory creates a store holding at most maxBytes of payload.
func NewInMemory(maxBytes int64, opts ...Option) *InMemory {
	m := &InMemory{
		fifo:     list.New(),
		entries:  make(map[string]*list.Element),
		maxBytes: maxBytes,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key, dropping it if expired. Callers hold the mutex.
func (m *InMemory) lookup(key string) *Entry {
	element, ok := m.entries[key]
	if !ok {
		m.metrics.miss()
		return nil
	}
	entry := element.Value.(*Entry)
	if entry.Expired(m.now()) {
		m.remove(element)
		m.metrics.expired(1)
		m.metrics.miss()
		return nil
	}
	m.metrics.hit()
	return entry
}

func (m *InMemory) GetWithTTL(key string) (time.Duration, []byte, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		return 0, nil, false
	}
	return entry.TTL(m.now()), entry.Payload, true
}

func (m *InMemory) Get(key string) ([]byte, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		return nil, false
	}
	return entry.Payload, true
}

// Set stores payload under key, evicting the oldest entries until it fits.
// An entry larger than the whole budget is still admitted, alone. The store
// keeps its own copy of payload.
func (m *InMemory) Set(key string, payload []byte, expire time.Duration) error {
	now := m.now()
	entry := &Entry{Key: key, Payload: bytes.Clone(payload), CreatedAt: now}
	if expire > 0 {
		entry.ExpiresAt = now.Add(expire)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if element, ok := m.entries[key]; ok {
		m.remove(element)
	}
	m.ensureCapacity(entry.Size())

	m.entries[key] = m.fifo.PushBack(entry)
	m.currentBytes += entry.Size()
	m.metrics.occupancy(m.currentBytes, len(m.entries))
	return nil
}

// ensureCapacity drops the oldest entries until n more bytes fit. Callers hold the mutex.
func (m *InMemory) ensureCapacity(n int64) {
	headroom := m.maxBytes - m.currentBytes - n
	if headroom >= 0 {
		return
	}
	m.logger.Info("cache is full", slog.Int64("overhead", headroom), slog.Int("entries", len(m.entries)))
	for headroom < 0 {
		oldest := m.fifo.Front()
		if oldest == nil {
			break
		}
		evicted := m.remove(oldest)
		headroom += evicted.Size()
		m.metrics.evicted()
		m.logger.Debug("dropping cache entry to make space", slog.String("key", evicted.Key))
	}
}

// remove unlinks element and releases its bytes. Callers hold the mutex.
func (m *InMemory) remove(element *list.Element) *Entry {
	entry := m.fifo.Remove(element).(*Entry)
	delete(m.entries, entry.Key)
	m.currentBytes -= entry.Size()
	m.metrics.occupancy(m.currentBytes, len(m.entries))
	return entry
}

// Clear removes all keys prefixed by namespace, or exactly key. Clearing a
// missing key is a no-op.
func (m *InMemory) Clear(namespace, key string) (int, error) {
	if (namespace == "") == (key == "") {
		return 0, ErrInvalidClear
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if key != "" {
		element, ok := m.entries[key]
		if !ok {
			return 0, nil
		}
		m.remove(element)
		return 1, nil
	}

	count := 0
	for k, element := range m.entries {
		if strings.HasPrefix(k, namespace) {
			m.remove(element)
			count++
		}
	}
	return count, nil
}

// PurgeExpired removes every expired entry and returns how many were dropped.
func (m *InMemory) PurgeExpired() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	count := 0
	for element := m.fifo.Front(); element != nil; {
		next := element.Next()
		if element.Value.(*Entry).Expired(now) {
			m.remove(element)
			count++
		}
		element = next
	}
	m.metrics.expired(count)
	return count
}

// Size returns the bytes currently stored.
func (m *InMemory) Size() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.currentBytes
}

// Len returns the number of stored entries, expired or not.
func (m *InMemory) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

// Close is a no-op for in-memory, but required by the interface.
func (m *InMemory) Close() error {
	return nil
}
