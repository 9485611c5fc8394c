package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rizwan4701798/cacheserver/internal/events"
)

// recordingSink captures every event published during a test, in order.
type recordingSink struct {
	events []events.Event
}

func (r *recordingSink) Publish(ev events.Event) {
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []events.Type {
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// fakeClock lets tests advance time deterministically instead of
// sleeping past real TTLs.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *fakeClock) Now() time.Time          { return c.now }

func newTestEngine(capacity int, sink *recordingSink, clock *fakeClock) *Engine {
	opts := []Option{withClock(clock.Now)}
	if sink != nil {
		opts = append(opts, WithSink(sink))
	}
	return NewEngine(capacity, opts...)
}

func ttl(seconds int) *int { return &seconds }

// S1 — basic CRUD on a fresh engine.
func TestScenarioBasicCRUD(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(2, nil, clock)

	if !e.Create("a", 1.0, nil) {
		t.Fatal("Create(a) expected true")
	}
	if v := e.Read("a"); v != 1.0 {
		t.Fatalf("Read(a) = %v, want 1.0", v)
	}
	if !e.Update("a", 2.0, nil) {
		t.Fatal("Update(a) expected true")
	}
	if !e.Delete("a") {
		t.Fatal("Delete(a) expected true")
	}
	if v := e.Read("a"); v != nil {
		t.Fatalf("Read(a) after delete = %v, want nil", v)
	}
}

// S2 — LFU eviction: "b" (freq=1) is evicted over "a" (freq=2, bumped by
// a prior read), and the ItemEvicted event names "b".
func TestScenarioLFUEviction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	sink := &recordingSink{}
	e := newTestEngine(2, sink, clock)

	e.Create("a", 1, nil)
	e.Create("b", 2, nil)
	e.Read("a") // bumps a to freq 2
	e.Create("c", 3, nil)

	if v := e.Read("b"); v != nil {
		t.Fatalf("expected b to be evicted, got %v", v)
	}
	if v := e.Read("a"); v != 1 {
		t.Fatalf("expected a to survive, got %v", v)
	}
	if v := e.Read("c"); v != 3 {
		t.Fatalf("expected c to be present, got %v", v)
	}

	var evicted *events.Event
	for i := range sink.events {
		if sink.events[i].Type == events.ItemEvicted {
			evicted = &sink.events[i]
			break
		}
	}
	if evicted == nil {
		t.Fatal("expected an ItemEvicted event")
	}
	if evicted.Key != "b" {
		t.Fatalf("expected b to be the eviction victim, got %s", evicted.Key)
	}
}

// S3 — TTL expiration observed on read.
func TestScenarioTTLExpirationOnRead(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	sink := &recordingSink{}
	e := newTestEngine(1, sink, clock)

	e.Create("k", "v", ttl(1))
	clock.advance(1100 * time.Millisecond)

	if v := e.Read("k"); v != nil {
		t.Fatalf("expected nil after TTL expiry, got %v", v)
	}

	found := false
	for _, ev := range sink.events {
		if ev.Type == events.ItemExpired && ev.Key == "k" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an ItemExpired event for k")
	}
}

// S4 is exercised at the pubsub layer (internal/pubsub), not the engine.

// S5 — duplicate create is rejected and the original value survives.
func TestScenarioDuplicateCreate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(10, nil, clock)

	if !e.Create("k", 1, nil) {
		t.Fatal("first Create(k) expected true")
	}
	if e.Create("k", 2, nil) {
		t.Fatal("second Create(k) expected false")
	}
	if v := e.Read("k"); v != 1 {
		t.Fatalf("Read(k) = %v, want 1", v)
	}
}

func TestBlankKeyIsNonFatalNegative(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(10, nil, clock)

	if e.Create("", 1, nil) {
		t.Fatal("Create(\"\") expected false")
	}
	if e.Create("   ", 1, nil) {
		t.Fatal("Create(\"   \") expected false")
	}
	if v := e.Read(""); v != nil {
		t.Fatalf("Read(\"\") = %v, want nil", v)
	}
	if e.Update("", 1, nil) {
		t.Fatal("Update(\"\") expected false")
	}
	if e.Delete("") {
		t.Fatal("Delete(\"\") expected false")
	}
	if e.Len() != 0 {
		t.Fatalf("expected state untouched, Len() = %d", e.Len())
	}
}

func TestDoubleDeleteIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(10, nil, clock)

	e.Create("k", 1, nil)
	if !e.Delete("k") {
		t.Fatal("first Delete(k) expected true")
	}
	if e.Delete("k") {
		t.Fatal("second Delete(k) expected false")
	}
}

func TestUpdatePreservesTTLWhenOmitted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(10, nil, clock)

	e.Create("k", 1, ttl(10))
	e.Update("k", 2, nil)
	clock.advance(5 * time.Second)

	if v := e.Read("k"); v != 2 {
		t.Fatalf("Read(k) = %v, want 2 (still alive, TTL preserved)", v)
	}

	clock.advance(6 * time.Second)
	if v := e.Read("k"); v != nil {
		t.Fatalf("Read(k) = %v, want nil (original TTL should have elapsed)", v)
	}
}

func TestUpdateReplacesTTLWhenSupplied(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(10, nil, clock)

	e.Create("k", 1, ttl(1))
	e.Update("k", 2, ttl(100))
	clock.advance(2 * time.Second)

	if v := e.Read("k"); v != 2 {
		t.Fatalf("Read(k) = %v, want 2 (new TTL should still be alive)", v)
	}
}

func TestUpdateDoesNotBumpFrequency(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(2, nil, clock)

	e.Create("a", 1, nil)
	e.Create("b", 2, nil)
	e.Update("a", 10, nil) // must NOT bump a's frequency
	e.Create("c", 3, nil)  // should evict "a" (still freq 1), not "b"

	if v := e.Read("a"); v != nil {
		t.Fatalf("expected a to be evicted (Update must not bump frequency), got %v", v)
	}
	if v := e.Read("b"); v != 2 {
		t.Fatalf("expected b to survive, got %v", v)
	}
}

func TestEvictionAlwaysPrecedesInsertOnFullCreate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	sink := &recordingSink{}
	e := newTestEngine(1, sink, clock)

	e.Create("a", 1, nil)
	e.Create("b", 2, nil) // at capacity, must evict a before inserting b

	// The first event is a's own ItemAdded; b's Create must then emit
	// ItemEvicted (for a) before its ItemAdded.
	types := sink.types()
	if len(types) != 3 || types[0] != events.ItemAdded || types[1] != events.ItemEvicted || types[2] != events.ItemAdded {
		t.Fatalf("expected [ItemAdded, ItemEvicted, ItemAdded], got %v", types)
	}
	if e.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", e.Len())
	}
}

func TestNonPositiveTTLIsImmediateExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(10, nil, clock)

	e.Create("k", "v", ttl(0))
	if v := e.Read("k"); v != nil {
		t.Fatalf("Read(k) = %v, want nil (ttl<=0 is an immediate-expiry hint)", v)
	}
}

func TestNewEnginePanicsOnNonPositiveCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewEngine(0) to panic")
		}
	}()
	NewEngine(0)
}

// Invariant check: |primary| never exceeds capacity under a mixed
// workload, and the frequency index stays consistent with the primary
// map's key set.
func TestInvariantsUnderMixedWorkload(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEngine(50, nil, clock)

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := 0; i < 500; i++ {
		k := keys[i%len(keys)]
		switch i % 4 {
		case 0:
			e.Create(k, i, nil)
		case 1:
			e.Read(k)
		case 2:
			e.Update(k, i, nil)
		case 3:
			e.Delete(k)
		}
		if e.Len() > 50 {
			t.Fatalf("|primary| exceeded capacity: %d", e.Len())
		}
	}

	e.mu.Lock()
	if len(e.primary) != e.freq.len() {
		t.Fatalf("primary/frequency-index size skew: %d vs %d", len(e.primary), e.freq.len())
	}
	for key := range e.primary {
		if _, ok := e.freq.frequencyOf(key); !ok {
			t.Fatalf("key %q present in primary map but absent from frequency index", key)
		}
	}
	e.mu.Unlock()
}

// S6 — concurrent writers converge on a single, consistent engine state.
// Two simulated clients hammer the same Engine with random CRUD ops
// against a shared key set; run with -race this catches any place the
// single-mutex invariant of spec.md §5 was actually violated, which a
// sequential round-robin loop never can.
func TestConcurrentWritersConverge(t *testing.T) {
	const (
		clients  = 2
		opsEach  = 10000
		keyCount = 12
	)
	e := NewEngine(50)

	keys := make([]string, keyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			for i := 0; i < opsEach; i++ {
				k := keys[(clientID*31+i)%keyCount]
				switch i % 4 {
				case 0:
					e.Create(k, i, nil)
				case 1:
					e.Read(k)
				case 2:
					e.Update(k, i, nil)
				case 3:
					e.Delete(k)
				}
			}
		}(c)
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Invariant 1: |primary| never exceeds capacity.
	if len(e.primary) > e.capacity {
		t.Fatalf("|primary| exceeded capacity: %d > %d", len(e.primary), e.capacity)
	}
	// Invariant 2: the frequency index tracks exactly the primary map's keys.
	if len(e.primary) != e.freq.len() {
		t.Fatalf("primary/frequency-index size skew: %d vs %d", len(e.primary), e.freq.len())
	}
	// Invariant 3: every primary-map key has a frequency-index entry.
	for key := range e.primary {
		if _, ok := e.freq.frequencyOf(key); !ok {
			t.Fatalf("key %q present in primary map but absent from frequency index", key)
		}
	}
}
