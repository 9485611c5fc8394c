package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rizwan4701798/cacheserver/internal/events"
	"github.com/rs/zerolog"
)

// record is what the primary map actually stores: a wrapper around the
// visible Entry. Bucket membership lives in the frequency index, which
// tracks each key's node in its own map.
type record struct {
	entry *Entry
}

// Engine is the cache's "brain": a bounded associative store with
// per-entry TTL, approximate-LFU admission/eviction, and an event hook.
// All four CRUD operations and the expiration sweep execute under a
// single mutex covering the primary map, the frequency index, and
// minFrequency — the serialization guarantee the data model's invariants
// depend on.
type Engine struct {
	mu       sync.Mutex
	primary  map[string]*record
	freq     *frequencyIndex
	capacity int

	sink    events.Sink
	metrics Metrics
	logger  zerolog.Logger

	now func() time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSink wires the engine's event hook. Without it, events are
// discarded (events.NoopSink).
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics wires a Metrics recorder. Without it, metrics are
// discarded (NoopMetrics).
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger wires the structured logging sink used to report internal
// invariant violations that were self-healed. Without it, logging is
// silent (zerolog.Nop()).
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// withClock overrides the engine's notion of "now"; used by tests that
// need deterministic TTL behavior instead of real sleeps.
func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine with the given fixed capacity.
// Construction with a non-positive capacity is a configuration fault and
// is fatal — it panics, matching spec.md §4.1's "Construction with
// non-positive capacity is fatal."
func NewEngine(capacity int, opts ...Option) *Engine {
	if capacity <= 0 {
		panic(fmt.Sprintf("cache: capacity must be positive, got %d", capacity))
	}
	e := &Engine{
		primary:  make(map[string]*record),
		freq:     newFrequencyIndex(),
		capacity: capacity,
		sink:     events.NoopSink{},
		metrics:  NoopMetrics{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func isBlank(key string) bool {
	return strings.TrimSpace(key) == ""
}

// Create inserts value under key if key is not already present. If the
// cache is at capacity, one entry is evicted first. ttl, when non-nil,
// is the entry's time-to-live in seconds; a non-positive value is an
// immediate-expiry hint rather than a rejection (see DESIGN.md's
// resolution of the open question).
func (e *Engine) Create(key string, value any, ttl *int) bool {
	if isBlank(key) {
		return false
	}

	e.mu.Lock()
	if _, exists := e.primary[key]; exists {
		e.mu.Unlock()
		return false
	}

	if len(e.primary) >= e.capacity {
		e.evictLocked()
	}

	now := e.now()
	ent := &Entry{
		Value:          value,
		Frequency:      1,
		LastAccessedAt: now,
	}
	if ttl != nil {
		ent.ExpiresAt = expiryFor(now, *ttl)
	}
	e.primary[key] = &record{entry: ent}
	e.freq.insert(key)
	e.metrics.SetEntries(len(e.primary))
	// The hand-off to the sink happens while mu is still held: the
	// critical section covers emission, not delivery (spec.md §5).
	e.sink.Publish(events.Event{Type: events.ItemAdded, Key: key, Value: value, Timestamp: now.UTC()})
	e.mu.Unlock()

	e.metrics.Created()
	return true
}

// expiryFor resolves a TTL-in-seconds hint to an absolute instant.
// ttl <= 0 expires the entry immediately: the instant returned lies just
// before now, so the entry will be swept or observed as expired on the
// very next lookup.
func expiryFor(now time.Time, ttl int) time.Time {
	if ttl <= 0 {
		return now.Add(-time.Nanosecond)
	}
	return now.Add(time.Duration(ttl) * time.Second)
}

// Read returns the value stored under key, or nil if key is blank,
// absent, or expired. A hit bumps the entry's frequency and last-access
// time; an expired hit removes the entry and emits ItemExpired instead.
func (e *Engine) Read(key string) any {
	if isBlank(key) {
		return nil
	}

	e.mu.Lock()
	rec, ok := e.primary[key]
	if !ok {
		e.mu.Unlock()
		e.metrics.Miss()
		return nil
	}

	now := e.now()
	if rec.entry.IsExpired(now) {
		e.removeLocked(key)
		e.metrics.SetEntries(len(e.primary))
		e.sink.Publish(events.Event{Type: events.ItemExpired, Key: key, Timestamp: now.UTC()})
		e.mu.Unlock()
		e.metrics.Expired()
		return nil
	}

	rec.entry.LastAccessedAt = now
	rec.entry.Frequency++
	e.healFrequencySkew(key, rec.entry.Frequency)
	e.freq.bump(key)
	value := rec.entry.Value
	e.mu.Unlock()

	e.metrics.Hit()
	return value
}

// Update replaces the value stored under key, provided key is present
// and not expired. Frequency is left unchanged — only Read bumps it. If
// ttl is nil, the prior ExpiresAt is preserved; otherwise it is replaced.
func (e *Engine) Update(key string, value any, ttl *int) bool {
	if isBlank(key) {
		return false
	}

	e.mu.Lock()
	rec, ok := e.primary[key]
	if !ok {
		e.mu.Unlock()
		return false
	}

	now := e.now()
	if rec.entry.IsExpired(now) {
		e.removeLocked(key)
		e.metrics.SetEntries(len(e.primary))
		e.sink.Publish(events.Event{Type: events.ItemExpired, Key: key, Timestamp: now.UTC()})
		e.mu.Unlock()
		e.metrics.Expired()
		return false
	}

	rec.entry.Value = value
	rec.entry.LastAccessedAt = now
	if ttl != nil {
		rec.entry.ExpiresAt = expiryFor(now, *ttl)
	}
	e.sink.Publish(events.Event{Type: events.ItemUpdated, Key: key, Value: value, Timestamp: now.UTC()})
	e.mu.Unlock()

	e.metrics.Updated()
	return true
}

// Delete removes key unconditionally (whether or not it is expired) and
// reports whether a key was actually removed.
func (e *Engine) Delete(key string) bool {
	if isBlank(key) {
		return false
	}

	e.mu.Lock()
	if _, ok := e.primary[key]; !ok {
		e.mu.Unlock()
		return false
	}
	e.removeLocked(key)
	e.metrics.SetEntries(len(e.primary))
	e.sink.Publish(events.Event{Type: events.ItemRemoved, Key: key, Timestamp: e.now().UTC()})
	e.mu.Unlock()

	e.metrics.Deleted()
	return true
}

// removeLocked drops key from both the primary map and the frequency
// index. Caller must hold e.mu.
func (e *Engine) removeLocked(key string) {
	delete(e.primary, key)
	e.freq.remove(key)
}

// evictLocked selects and removes the LFU victim — the longest-resident
// key in the lowest-populated frequency bucket — and emits ItemEvicted
// before the caller proceeds to insert. Caller must hold e.mu.
func (e *Engine) evictLocked() {
	key, freq, ok := e.freq.victim()
	if !ok {
		e.logger.Warn().Msg("cache: eviction requested but frequency index is empty; healing from primary map")
		e.healEmptyIndex()
		key, freq, ok = e.freq.victim()
		if !ok {
			return
		}
	}
	delete(e.primary, key)
	e.freq.remove(key)
	e.metrics.Evicted()
	e.sink.Publish(events.Event{
		Type:      events.ItemEvicted,
		Key:       key,
		Reason:    fmt.Sprintf("LFU eviction (frequency: %d)", freq),
		Timestamp: e.now().UTC(),
	})
}

// healFrequencySkew detects a key present in the primary map whose
// Entry.Frequency has drifted from the frequency index's bucket
// membership — an internal invariant violation — and logs it. The
// index's own bump() is always the source of truth for bucket placement,
// so a frequency drift is only logged. A key missing from the index
// altogether is logged and re-registered at frequency 1.
func (e *Engine) healFrequencySkew(key string, entryFreq int) {
	indexFreq, ok := e.freq.frequencyOf(key)
	if !ok {
		e.logger.Warn().Str("key", key).Msg("cache: key present in primary map but absent from frequency index; re-registering")
		e.freq.insert(key)
		return
	}
	if indexFreq != entryFreq-1 {
		e.logger.Warn().Str("key", key).Int("entryFrequency", entryFreq).Int("indexFrequency", indexFreq).
			Msg("cache: frequency skew between primary map and frequency index")
	}
}

// healEmptyIndex rebuilds the frequency index from the primary map when
// the index has gone empty while the primary map still has entries — a
// structural violation that should never happen, but is healed rather
// than allowed to panic or evict nothing.
func (e *Engine) healEmptyIndex() {
	if len(e.primary) == 0 {
		return
	}
	e.logger.Warn().Int("entries", len(e.primary)).Msg("cache: frequency index empty with non-empty primary map; rebuilding")
	for key, rec := range e.primary {
		e.freq.insert(key)
		// insert always starts at freq 1; bump up to the entry's
		// recorded frequency so eviction order is as close to
		// correct as the available bookkeeping allows.
		for i := 1; i < rec.entry.Frequency; i++ {
			e.freq.bump(key)
		}
	}
}

// Sweep scans every entry and removes those that are expired, emitting
// ItemExpired for each. It acquires the same mutex as the CRUD
// operations, so it never observes a torn state, and never blocks a
// foreground caller for longer than one full-table scan.
func (e *Engine) Sweep() {
	e.mu.Lock()
	now := e.now()
	var expired []string
	for key, rec := range e.primary {
		if rec.entry.IsExpired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		e.removeLocked(key)
		e.sink.Publish(events.Event{Type: events.ItemExpired, Key: key, Timestamp: now.UTC()})
	}
	if len(expired) > 0 {
		e.metrics.SetEntries(len(e.primary))
	}
	e.mu.Unlock()

	for range expired {
		e.metrics.Expired()
	}
}

// RunSweeper runs Sweep on a fixed cadence until ctx is canceled. It is
// meant to be run on its own goroutine (the "periodic expiration sweep"
// task of spec.md §5); the ticker's own sleep is the task's only
// suspension point, so it never holds the engine mutex while idle.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Len reports how many entries are currently live.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.primary)
}

// Snapshot returns a point-in-time copy of every live entry, for the
// persistence snapshotter. It does not mutate frequency or last-access
// bookkeeping.
func (e *Engine) Snapshot() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.primary))
	for key, rec := range e.primary {
		out = append(out, Snapshot{
			Key:            key,
			Value:          rec.entry.Value,
			ExpiresAt:      rec.entry.ExpiresAt,
			Frequency:      rec.entry.Frequency,
			LastAccessedAt: rec.entry.LastAccessedAt,
		})
	}
	return out
}

// Restore loads entries from a prior Snapshot, used on cold start when
// persistence is enabled. It skips entries that are already expired and
// never evicts — if the snapshot exceeds capacity, remaining entries are
// dropped and logged, matching the "volatile, process-lifetime only"
// non-goal: persistence is advisory, not a durability guarantee.
func (e *Engine) Restore(entries []Snapshot) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	restored := 0
	for _, s := range entries {
		if isBlank(s.Key) {
			continue
		}
		if _, exists := e.primary[s.Key]; exists {
			continue
		}
		ent := &Entry{
			Value:          s.Value,
			ExpiresAt:      s.ExpiresAt,
			Frequency:      s.Frequency,
			LastAccessedAt: s.LastAccessedAt,
		}
		if ent.IsExpired(now) {
			continue
		}
		if len(e.primary) >= e.capacity {
			e.logger.Warn().Int("dropped", len(entries)-restored).Msg("cache: snapshot exceeds capacity, remaining entries dropped")
			break
		}
		if ent.Frequency < 1 {
			ent.Frequency = 1
		}
		e.primary[s.Key] = &record{entry: ent}
		e.freq.insert(s.Key)
		for i := 1; i < ent.Frequency; i++ {
			e.freq.bump(s.Key)
		}
		restored++
	}
	e.metrics.SetEntries(len(e.primary))
	return restored
}
