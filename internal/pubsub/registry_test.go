package pubsub

import (
	"errors"
	"sync"
	"testing"

	"github.com/rizwan4701798/cacheserver/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
	fail   bool
}

func (f *fakeNotifier) Notify(ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) CloseSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// S4 — a client subscribed only to ItemAdded receives the add but not
// the subsequent delete.
func TestScenarioSubscriptionFilter(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("B", n)
	r.Subscribe("B", []events.Type{events.ItemAdded})

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})
	r.Dispatch(events.Event{Type: events.ItemRemoved, Key: "x"})

	require.Equal(t, 1, n.count())
	require.Equal(t, events.ItemAdded, n.events[0].Type)
}

func TestEmptySubscriptionSetReceivesNothing(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("A", n)
	// never subscribed: the empty set means "nothing", not "everything"

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})

	require.Equal(t, 0, n.count())
}

func TestSubscribeWithEmptyTypesMeansEverything(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("A", n)
	r.Subscribe("A", nil)

	for _, typ := range events.All {
		r.Dispatch(events.Event{Type: typ, Key: "x"})
	}

	require.Equal(t, len(events.All), n.count())
}

func TestSubscribeReplacesNotUnions(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("A", n)
	r.Subscribe("A", []events.Type{events.ItemAdded, events.ItemRemoved})
	r.Subscribe("A", []events.Type{events.ItemUpdated}) // replaces, not unions

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})
	r.Dispatch(events.Event{Type: events.ItemUpdated, Key: "x"})

	require.Equal(t, 1, n.count(), "only ItemUpdated should be delivered")
}

func TestUnsubscribeWithNoArgsClearsAll(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("A", n)
	r.Subscribe("A", nil)
	r.Unsubscribe("A", nil)

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})
	require.Equal(t, 0, n.count())
}

func TestUnsubscribeWithArgsSubtracts(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("A", n)
	r.Subscribe("A", []events.Type{events.ItemAdded, events.ItemRemoved})
	r.Unsubscribe("A", []events.Type{events.ItemAdded})

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})
	r.Dispatch(events.Event{Type: events.ItemRemoved, Key: "x"})

	require.Equal(t, 1, n.count())
	require.Equal(t, events.ItemRemoved, n.events[0].Type)
}

func TestBrokenWriterIsEvictedWithoutAffectingOthers(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	good := &fakeNotifier{}
	bad := &fakeNotifier{fail: true}
	r.AddClient("good", good)
	r.AddClient("bad", bad)
	r.Subscribe("good", nil)
	r.Subscribe("bad", nil)

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})

	require.Equal(t, 1, good.count())
	require.True(t, bad.closed, "expected the broken notifier's session to be closed")

	// Evicted client receives nothing further.
	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "y"})
	require.Equal(t, 2, good.count())
}

func TestRemoveClientStopsDelivery(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	n := &fakeNotifier{}
	r.AddClient("A", n)
	r.Subscribe("A", nil)
	r.RemoveClient("A")

	r.Dispatch(events.Event{Type: events.ItemAdded, Key: "x"})
	require.Equal(t, 0, n.count())
}
