// Package server binds the listening socket and spawns a session per
// accepted connection.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionFactory builds a Session for a freshly accepted connection. The
// real wiring passes session.New bound to the shared engine and
// registry; tests can substitute a recorder.
type SessionFactory func(id string, conn net.Conn) interface{ Run(context.Context) }

// Listener is spec.md §4.5: bind once, accept in a loop, spawn one
// session per connection, and shut down cooperatively.
type Listener struct {
	ln      net.Listener
	factory SessionFactory
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// New binds addr (host:port) and returns a Listener ready to Serve.
// Binding failure is a configuration fault and is returned, not panicked
// — the CLI entrypoint treats it as fatal per spec.md §6.
func New(addr string, factory SessionFactory, logger zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, factory: factory, logger: logger}, nil
}

// Addr reports the bound address, useful when port 0 was requested.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is canceled or the listener is
// closed. Each accepted connection gets a fresh client identifier and its
// own goroutine. Accept failures while shutting down are silent; any
// other accept failure is logged and serving continues.
func (l *Listener) Serve(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.ln.Close()
		case <-stopped:
		}
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error().Err(err).Msg("server: accept failed")
			continue
		}

		id := uuid.NewString()
		sess := l.factory(id, conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			sess.Run(ctx)
		}()
	}
}

// Shutdown stops accepting new connections, closes the listener (already
// handled by ctx cancellation driving Serve's own goroutine, but this
// covers callers that invoke Shutdown directly), and waits up to timeout
// for outstanding sessions to exit.
func (l *Listener) Shutdown(timeout time.Duration) {
	_ = l.ln.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn().Msg("server: shutdown timed out waiting for sessions to exit")
	}
}
