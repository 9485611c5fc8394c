package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher fans an event out to whichever connected clients are
// subscribed to its type. The Subscription Registry is the Dispatcher in
// production; tests can substitute a recorder.
type Dispatcher interface {
	Dispatch(Event)
}

// Bus decouples the engine's publish from the registry's (potentially
// slower) fan-out, the same way the teacher's WriteBackPolicy decouples a
// cache write from the backing-store write: a buffered channel plus one
// background worker. Publish, called with the engine's mutex held, only
// ever does a non-blocking channel send and never the fan-out itself.
type Bus struct {
	ch         chan Event
	dispatcher Dispatcher
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewBus starts the background worker. buffer bounds how many emitted
// events may be outstanding before Publish starts dropping them; a full
// buffer means subscribers are falling behind, not that the engine should
// slow down to match them.
func NewBus(dispatcher Dispatcher, buffer int, logger zerolog.Logger) *Bus {
	b := &Bus{
		ch:         make(chan Event, buffer),
		dispatcher: dispatcher,
		logger:     logger,
	}
	b.wg.Add(1)
	go b.worker()
	return b
}

// Publish enqueues ev for fan-out. It never blocks: under sustained
// pressure it drops the event and logs a warning, exactly as the
// teacher's write-back queue drops writes under pressure rather than
// stall the cache.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn().Str("eventType", string(ev.Type)).Str("key", ev.Key).
			Msg("event bus queue full, dropping event")
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for ev := range b.ch {
		b.dispatcher.Dispatch(ev)
	}
}

// Close stops accepting new events and waits for the worker to drain the
// queue it already has.
func (b *Bus) Close() {
	close(b.ch)
	b.wg.Wait()
}
