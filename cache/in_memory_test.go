package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(maxBytes int64, clock *fakeClock) *InMemory {
	return NewInMemory(maxBytes,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestSetCopiesPayload(t *testing.T) {
	store := newTestStore(1024, newFakeClock())

	payload := []byte("abc")
	if err := store.Set("k", payload, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	payload[0] = 'x'

	got, ok := store.Get("k")
	if !ok || string(got) != "abc" {
		t.Fatalf("expected abc, got %q ok=%v", got, ok)
	}
}

func TestExpiry(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(1024, clock)

	if err := store.Set("k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := store.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected hit with v, got %q ok=%v", got, ok)
	}
	if store.Size() != 1 {
		t.Fatalf("expected size 1, got %d", store.Size())
	}

	clock.Advance(time.Second)
	if _, ok := store.Get("k"); ok {
		t.Fatal("expected miss after expiry")
	}
	if store.Size() != 0 || store.Len() != 0 {
		t.Fatalf("expected expired entry removed, size=%d len=%d", store.Size(), store.Len())
	}
}

func TestGetWithTTL(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(1024, clock)

	ttl, payload, ok := store.GetWithTTL("missing")
	if ok || payload != nil || ttl != 0 {
		t.Fatalf("expected miss, got ttl=%v payload=%q ok=%v", ttl, payload, ok)
	}

	_ = store.Set("forever", []byte("a"), 0)
	ttl, payload, ok = store.GetWithTTL("forever")
	if !ok || ttl != NoExpiration || string(payload) != "a" {
		t.Fatalf("expected no-expiry hit, got ttl=%v payload=%q ok=%v", ttl, payload, ok)
	}

	_ = store.Set("brief", []byte("b"), 10*time.Second)
	clock.Advance(4 * time.Second)
	ttl, payload, ok = store.GetWithTTL("brief")
	if !ok || ttl != 6*time.Second || string(payload) != "b" {
		t.Fatalf("expected 6s remaining, got ttl=%v payload=%q ok=%v", ttl, payload, ok)
	}

	clock.Advance(6 * time.Second)
	ttl, payload, ok = store.GetWithTTL("brief")
	if ok || payload != nil || ttl != 0 {
		t.Fatalf("expected expired miss, got ttl=%v payload=%q ok=%v", ttl, payload, ok)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(100, clock)

	for i, size := range []int{20, 20, 20, 20} {
		if err := store.Set(fmt.Sprintf("k%d", i), bytes.Repeat([]byte{'x'}, size), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		clock.Advance(time.Millisecond)
	}
	if store.Size() != 80 {
		t.Fatalf("expected 80 bytes, got %d", store.Size())
	}

	// Reading k0 must not protect it from eviction.
	if _, ok := store.Get("k0"); !ok {
		t.Fatal("expected k0 present")
	}

	if err := store.Set("new", bytes.Repeat([]byte{'y'}, 30), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if store.Size() > 100 {
		t.Fatalf("expected size <= 100, got %d", store.Size())
	}
	if store.Size() != 90 {
		t.Fatalf("expected exactly one eviction leaving 90 bytes, got %d", store.Size())
	}
	if _, ok := store.Get("k0"); ok {
		t.Fatal("expected oldest entry k0 evicted")
	}
	for _, k := range []string{"k1", "k2", "k3", "new"} {
		if _, ok := store.Get(k); !ok {
			t.Fatalf("expected %s to survive", k)
		}
	}
}

func TestOversizedEntryAdmittedAlone(t *testing.T) {
	store := newTestStore(10, newFakeClock())
	_ = store.Set("a", []byte("12345"), 0)
	_ = store.Set("b", []byte("12345"), 0)

	if err := store.Set("huge", bytes.Repeat([]byte{'z'}, 25), 0); err != nil {
		t.Fatalf("expected oversized set to succeed, got %v", err)
	}
	if store.Len() != 1 || store.Size() != 25 {
		t.Fatalf("expected only the oversized entry, len=%d size=%d", store.Len(), store.Size())
	}
	if _, ok := store.Get("huge"); !ok {
		t.Fatal("expected oversized entry present")
	}
}

func TestOverwriteAccounting(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(10, clock)

	_ = store.Set("a", []byte("1234"), 0)
	_ = store.Set("b", []byte("1234"), 0)
	// Overwriting a shrinks the total and moves a behind b.
	_ = store.Set("a", []byte("12"), 0)
	if store.Size() != 6 {
		t.Fatalf("expected 6 bytes after overwrite, got %d", store.Size())
	}

	_ = store.Set("c", []byte("123456"), 0)
	if _, ok := store.Get("b"); ok {
		t.Fatal("expected b, now the oldest, to be evicted")
	}
	if _, ok := store.Get("a"); !ok {
		t.Fatal("expected rewritten a to survive")
	}
	if store.Size() != 8 {
		t.Fatalf("expected 8 bytes, got %d", store.Size())
	}
}

func TestClearNamespace(t *testing.T) {
	store := newTestStore(1024, newFakeClock())
	_ = store.Set("ns:a", []byte("1"), 0)
	_ = store.Set("ns:b", []byte("2"), 0)
	_ = store.Set("other:c", []byte("3"), 0)

	n, err := store.Clear("ns", "")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if store.Len() != 1 || store.Size() != 1 {
		t.Fatalf("expected only other:c left, len=%d size=%d", store.Len(), store.Size())
	}
	if _, ok := store.Get("other:c"); !ok {
		t.Fatal("expected other:c to remain")
	}
}

func TestClearKey(t *testing.T) {
	store := newTestStore(1024, newFakeClock())
	_ = store.Set("ns:a", []byte("1"), 0)

	n, err := store.Clear("", "ns:a")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 removed, got %d err=%v", n, err)
	}
	n, err = store.Clear("", "ns:a")
	if err != nil || n != 0 {
		t.Fatalf("expected missing key to be a no-op, got %d err=%v", n, err)
	}
}

func TestClearRequiresExactlyOneTarget(t *testing.T) {
	store := newTestStore(1024, newFakeClock())
	if _, err := store.Clear("", ""); !errors.Is(err, ErrInvalidClear) {
		t.Fatalf("expected ErrInvalidClear, got %v", err)
	}
	if _, err := store.Clear("ns", "ns:a"); !errors.Is(err, ErrInvalidClear) {
		t.Fatalf("expected ErrInvalidClear, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(1024, clock)
	_ = store.Set("short", []byte("123"), time.Second)
	_ = store.Set("long", []byte("45"), time.Hour)
	_ = store.Set("forever", []byte("6"), 0)

	clock.Advance(time.Minute)
	if n := store.PurgeExpired(); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if store.Len() != 2 || store.Size() != 3 {
		t.Fatalf("expected 2 entries / 3 bytes, got %d / %d", store.Len(), store.Size())
	}
}

func TestConcurrentSets(t *testing.T) {
	store := newTestStore(1<<20, newFakeClock())

	const workers = 64
	var wg sync.WaitGroup
	var want int64
	for i := 0; i < workers; i++ {
		payload := bytes.Repeat([]byte{'p'}, i+1)
		want += int64(len(payload))
		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()
			_ = store.Set(fmt.Sprintf("key-%d", i), payload, time.Hour)
			_, _ = store.Get(fmt.Sprintf("key-%d", (i+1)%workers))
		}(i, payload)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		got, ok := store.Get(fmt.Sprintf("key-%d", i))
		if !ok || len(got) != i+1 {
			t.Fatalf("key-%d: expected %d bytes, got %d ok=%v", i, i+1, len(got), ok)
		}
	}
	if store.Size() != want {
		t.Fatalf("expected accounting %d, got %d", want, store.Size())
	}
}

func TestMetricsRecorded(t *testing.T) {
	clock := newFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	store := NewInMemory(10,
		WithClock(clock.Now),
		WithMetrics(metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	_ = store.Set("a", []byte("123456"), time.Second)
	_, _ = store.Get("a")
	_, _ = store.Get("b")
	_ = store.Set("c", []byte("123456"), 0)
	_ = store.Set("d", []byte("1"), time.Second)
	clock.Advance(time.Second)
	_, _ = store.Get("d")

	if got := testutil.ToFloat64(metrics.Hits); got != 1 {
		t.Fatalf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Misses); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Evictions); got != 1 {
		t.Fatalf("expected 1 eviction, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Expirations); got != 1 {
		t.Fatalf("expected 1 expiration, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Bytes); got != 6 {
		t.Fatalf("expected 6 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Entries); got != 1 {
		t.Fatalf("expected 1 entry, got %v", got)
	}
}

func TestInMemoryImplementsStore(t *testing.T) {
	var _ Store = NewInMemory(1)
}
