// Package pubsub fans cache events out to subscribed connections. It is
// the spec's Subscription Registry: a concurrent client_id → subscription
// map, mutated rarely (connect/subscribe/disconnect) and read on every
// single emitted event, so the read path must never block on a lock held
// by a writer.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/rizwan4701798/cacheserver/internal/events"
	"github.com/rs/zerolog"
)

// Notifier is how the registry hands an event to a connected client. The
// Connection Session implements this; delivery failure (a broken or slow
// peer) is reported back as an error so the registry can evict it.
type Notifier interface {
	Notify(events.Event) error
	CloseSession()
}

// subscription is the registry's private record: a client plus the set
// of event types it currently wants. An empty set means "subscribed to
// nothing" — the registry skips such clients entirely.
type subscription struct {
	notifier Notifier
	wanted   map[events.Type]struct{}
}

func (s *subscription) wants(t events.Type) bool {
	_, ok := s.wanted[t]
	return ok
}

// Registry is the Subscription Registry. Its client table is stored
// copy-on-write, the same technique the teacher's shard/store.go uses for
// the cache's own primary map — repurposed here because the registry's
// actual access pattern (many concurrent lock-free reads on every
// Dispatch, rare synchronized writes on connect/subscribe/disconnect) is
// exactly what COW is for, whereas the cache's own primary map needed the
// single mutex spec.md §5 mandates instead.
type Registry struct {
	clients atomic.Value // map[string]*subscription
	writeMu sync.Mutex   // serializes mutate; readers never take it
	logger  zerolog.Logger
	metrics Metrics
}

// Metrics is the narrow interface the registry reports subscriber-count
// changes through.
type Metrics interface {
	SetSubscribers(n int)
}

// NoopMetrics discards subscriber-count updates.
type NoopMetrics struct{}

func (NoopMetrics) SetSubscribers(int) {}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger zerolog.Logger, metrics Metrics) *Registry {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	r := &Registry{logger: logger, metrics: metrics}
	r.clients.Store(make(map[string]*subscription))
	return r
}

func (r *Registry) snapshot() map[string]*subscription {
	return r.clients.Load().(map[string]*subscription)
}

// mutate performs a copy-on-write update: copy the current map, apply fn,
// atomically swap it in. Writers from different sessions (and Dispatch's
// eviction of broken clients) are serialized by writeMu so no update is
// lost; Dispatch's reads of the current snapshot never wait on it. The
// reported subscriber count covers clients with a non-empty event set.
func (r *Registry) mutate(fn func(map[string]*subscription)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.snapshot()
	next := make(map[string]*subscription, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.clients.Store(next)
	subscribers := 0
	for _, sub := range next {
		if len(sub.wanted) > 0 {
			subscribers++
		}
	}
	r.metrics.SetSubscribers(subscribers)
}

// AddClient registers a newly connected client with an empty event set —
// subscribed to nothing until it calls Subscribe.
func (r *Registry) AddClient(id string, notifier Notifier) {
	r.mutate(func(m map[string]*subscription) {
		m[id] = &subscription{notifier: notifier, wanted: make(map[events.Type]struct{})}
	})
}

// Subscribe replaces id's subscribed set with types. An empty or nil
// types replaces it with the full event-type universe, per spec.md
// §4.3's "Subscribe" contract.
func (r *Registry) Subscribe(id string, types []events.Type) {
	wanted := toSet(types)
	if len(wanted) == 0 {
		wanted = toSet(events.All)
	}
	r.mutate(func(m map[string]*subscription) {
		sub, ok := m[id]
		if !ok {
			return
		}
		clone := *sub
		clone.wanted = wanted
		m[id] = &clone
	})
}

// Unsubscribe clears id's subscribed set when types is empty, or
// subtracts types from it otherwise.
func (r *Registry) Unsubscribe(id string, types []events.Type) {
	r.mutate(func(m map[string]*subscription) {
		sub, ok := m[id]
		if !ok {
			return
		}
		clone := *sub
		if len(types) == 0 {
			clone.wanted = make(map[events.Type]struct{})
		} else {
			clone.wanted = make(map[events.Type]struct{}, len(sub.wanted))
			for t := range sub.wanted {
				clone.wanted[t] = struct{}{}
			}
			for _, t := range types {
				delete(clone.wanted, t)
			}
		}
		m[id] = &clone
	})
}

// RemoveClient drops id from the registry entirely, called when its
// session ends.
func (r *Registry) RemoveClient(id string) {
	r.mutate(func(m map[string]*subscription) {
		delete(m, id)
	})
}

// Dispatch hands ev to every client subscribed to its type. It never
// takes the engine's mutex — only this registry's own COW snapshot — so
// a slow subscriber can never stall the cache. A write failure evicts
// that one client and closes its session; every other delivery proceeds.
func (r *Registry) Dispatch(ev events.Event) {
	clients := r.snapshot()
	var broken []string
	for id, sub := range clients {
		if !sub.wants(ev.Type) {
			continue
		}
		if err := sub.notifier.Notify(ev); err != nil {
			r.logger.Warn().Err(err).Str("clientId", id).Msg("pubsub: notification delivery failed, evicting client")
			broken = append(broken, id)
		}
	}
	for _, id := range broken {
		if sub, ok := clients[id]; ok {
			sub.notifier.CloseSession()
		}
		r.RemoveClient(id)
	}
}

func toSet(types []events.Type) map[events.Type]struct{} {
	set := make(map[events.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
