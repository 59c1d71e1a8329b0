package limiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manenim/adaptive-rate-limiter/pkg/clock"
)

type memoryEntry struct {
	count     int64
	log       []time.Time // ascending
	expiresAt time.Time   // zero means no expiry
}

// MemoryStore is an in-process Store with the same semantics as RedisStore.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisStore when you
// need a single global limit across multiple instances.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*memoryEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore. Expiry is measured against
// clk; a nil clk means the system clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryStore{
		clock:   clk,
		entries: make(map[string]*memoryEntry),
	}
}

// live returns the entry for key, dropping it first if it has expired.
// Caller holds m.mu.
func (m *MemoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) getOrCreate(key string, now time.Time) *memoryEntry {
	if e := m.live(key, now); e != nil {
		return e
	}
	e := &memoryEntry{}
	m.entries[key] = e
	return e
}

func (m *MemoryStore) IncrementCheck(ctx context.Context, key string, limit int64, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("increment check", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e := m.getOrCreate(key, now)
	e.count++
	if e.count == 1 || e.expiresAt.IsZero() {
		e.expiresAt = now.Add(window)
	}

	if e.count > limit {
		return OverLimit, nil
	}
	return limit - e.count, nil
}

func (m *MemoryStore) SlidingWindowCheck(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("sliding window check", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.getOrCreate(key, m.clock.Now())

	cutoff := now.Add(-window)
	stale := 0
	for stale < len(e.log) && !e.log[stale].After(cutoff) {
		stale++
	}
	if stale > 0 {
		e.log = append(e.log[:0], e.log[stale:]...)
	}

	count := int64(len(e.log))
	if count >= limit {
		return OverLimit, nil
	}

	i := sort.Search(len(e.log), func(i int) bool { return e.log[i].After(now) })
	e.log = append(e.log, time.Time{})
	copy(e.log[i+1:], e.log[i:])
	e.log[i] = now
	e.expiresAt = m.clock.Now().Add(window)

	return limit - count - 1, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, storeErr("get", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key, m.clock.Now())
	if e == nil {
		return 0, false, nil
	}
	return e.count, true, nil
}

func (m *MemoryStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("increment", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e := m.getOrCreate(key, now)
	e.count++
	e.expiresAt = now.Add(ttl)
	return e.count, nil
}

// Sweep removes every expired key. Reads already skip expired keys, so this
// only bounds memory for identities that stopped sending requests.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports how many keys are held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartJanitor sweeps expired keys every interval until ctx is done.
func (m *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}
