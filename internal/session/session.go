package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rizwan4701798/cacheserver/internal/events"
	"github.com/rizwan4701798/cacheserver/internal/pubsub"
	"github.com/rs/zerolog"
)

// notifyQueueSize bounds how many pending notifications a session will
// hold before it is considered backed up. A full queue means the client
// is a slow or broken peer, not that the rest of the fleet should wait
// on it (spec.md §4.3: "a slow or broken peer is detected by a write
// failure... other deliveries continue").
const notifyQueueSize = 64

// notifyWriteTimeout bounds how long a single notification write may
// block on a stalled TCP peer before it is treated as a write failure.
const notifyWriteTimeout = 5 * time.Second

// Engine is the subset of internal/cache.Engine a session needs. Narrowed
// to an interface so sessions can be tested against a fake.
type Engine interface {
	Create(key string, value any, ttl *int) bool
	Read(key string) any
	Update(key string, value any, ttl *int) bool
	Delete(key string) bool
}

// Registry is the subset of internal/pubsub.Registry a session needs.
type Registry interface {
	AddClient(id string, notifier pubsub.Notifier)
	Subscribe(id string, types []events.Type)
	Unsubscribe(id string, types []events.Type)
	RemoveClient(id string)
}

// Metrics is the narrow interface a session reports connection lifecycle
// events through.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

// NoopMetrics discards connection-lifecycle events.
type NoopMetrics struct{}

func (NoopMetrics) ConnectionOpened() {}
func (NoopMetrics) ConnectionClosed() {}

// Session is the Connection Session: one goroutine per accepted
// connection, reading framed requests, driving the engine, and writing
// back responses. Asynchronous notifications are handed off to a
// dedicated writer goroutine over a bounded queue, so one connection
// reading a backlog of events can never stall delivery to any other
// connection the way a shared dispatch path would (spec.md §4.3).
type Session struct {
	ID       string
	conn     net.Conn
	engine   Engine
	registry Registry
	logger   zerolog.Logger
	metrics  Metrics

	writeMu   sync.Mutex
	enc       *json.Encoder
	closeOnce sync.Once

	notifyCh     chan events.Event
	writerWG     sync.WaitGroup
	writeTimeout time.Duration
}

// New constructs a Session bound to an already-accepted connection. The
// caller is expected to invoke Run on it (typically from a freshly
// spawned goroutine).
func New(id string, conn net.Conn, engine Engine, registry Registry, logger zerolog.Logger, metrics Metrics) *Session {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Session{
		ID:           id,
		conn:         conn,
		engine:       engine,
		registry:     registry,
		logger:       logger.With().Str("clientId", id).Logger(),
		metrics:      metrics,
		enc:          json.NewEncoder(conn),
		notifyCh:     make(chan events.Event, notifyQueueSize),
		writeTimeout: notifyWriteTimeout,
	}
}

// Run reads framed request records until end-of-stream, cancellation, or
// a malformed-JSON fault, dispatching each to the engine or registry and
// writing back a response. It registers and deregisters the session with
// the registry so notifications can reach it for as long as it runs, and
// starts the dedicated goroutine that drains queued notifications onto
// the wire.
func (s *Session) Run(ctx context.Context) {
	s.metrics.ConnectionOpened()
	s.registry.AddClient(s.ID, s)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.CloseSession()
		case <-done:
		}
	}()

	s.writerWG.Add(1)
	go s.runNotifyWriter(done)

	// Close the connection first so a writer goroutine blocked on a
	// stalled peer unblocks immediately, then signal done and wait for it
	// to exit before tearing down the rest of the session's state.
	defer func() {
		s.CloseSession()
		close(done)
		s.writerWG.Wait()
		s.registry.RemoveClient(s.ID)
		s.metrics.ConnectionClosed()
	}()

	dec := json.NewDecoder(s.conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("session: malformed request, closing connection")
			return
		}

		resp := s.handle(req)
		if err := s.writeResponse(resp); err != nil {
			s.logger.Warn().Err(err).Msg("session: failed writing response, closing connection")
			return
		}
	}
}

// runNotifyWriter drains queued notifications and writes each to the
// wire under a short deadline: a peer that has stopped reading fails the
// write instead of blocking this goroutine (and therefore nothing else)
// indefinitely. It exits when the session closes or done fires.
func (s *Session) runNotifyWriter(done <-chan struct{}) {
	defer s.writerWG.Done()
	for {
		select {
		case ev := <-s.notifyCh:
			if err := s.writeNotification(ev); err != nil {
				s.logger.Warn().Err(err).Msg("session: notification write failed, closing connection")
				s.CloseSession()
				return
			}
		case <-done:
			return
		}
	}
}

// handle dispatches a single decoded Request to the engine or registry
// and builds the matching Response, per spec.md §4.4.
func (s *Session) handle(req Request) Response {
	switch req.Operation {
	case OpCreate:
		ok := s.engine.Create(req.Key, req.Value, req.ExpirationSeconds)
		return Response{Success: ok}
	case OpRead:
		return ReadResponse(s.engine.Read(req.Key))
	case OpUpdate:
		ok := s.engine.Update(req.Key, req.Value, req.ExpirationSeconds)
		return Response{Success: ok}
	case OpDelete:
		ok := s.engine.Delete(req.Key)
		return Response{Success: ok}
	case OpSubscribe:
		s.registry.Subscribe(s.ID, eventTypes(req.SubscribedEventTypes))
		return Response{Success: true}
	case OpUnsubscribe:
		s.registry.Unsubscribe(s.ID, eventTypes(req.SubscribedEventTypes))
		return Response{Success: true}
	default:
		return Response{Success: false, Error: "Invalid operation"}
	}
}

// Notify implements pubsub.Notifier: it enqueues ev for the session's own
// writer goroutine and never blocks. A full queue means this one peer is
// slow or stuck; reporting that back as an error lets the registry evict
// it without the Dispatch loop ever waiting on this connection's write
// (spec.md §4.3: "Delivery must not block other clients").
func (s *Session) Notify(ev events.Event) error {
	select {
	case s.notifyCh <- ev:
		return nil
	default:
		return fmt.Errorf("session: notification queue full (capacity %d)", notifyQueueSize)
	}
}

// writeNotification writes ev to the wire under a bounded deadline so a
// peer that has stopped reading fails the write instead of blocking this
// session's dedicated writer goroutine indefinitely.
func (s *Session) writeNotification(ev events.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.enc.Encode(&Response{IsNotification: true, Event: &ev})
}

func (s *Session) writeResponse(resp Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(&resp)
}

// CloseSession closes the underlying connection, unblocking any read or
// write in progress. Safe to call multiple times and concurrently.
func (s *Session) CloseSession() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
