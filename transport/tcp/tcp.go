// Package tcp adapts raw TCP connections to the broker's session engine: it
// owns the net.Listener accept loop and, per connection, the frame.Read
// loop that feeds broker.Server.Receive. Structurally grounded on the
// reference broker's QUIC listener (ready/done signaling, a WaitGroup that
// bounds graceful shutdown) with the transport swapped for plain TCP.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/stompd/broker/broker"
	"github.com/stompd/broker/frame"
)

// Server listens on a TCP address and bridges each accepted connection to a
// broker.Server.
type Server struct {
	addr string
	eng  *broker.Server
	lim  frame.Limits
	l    *slog.Logger

	ready chan struct{}
	done  chan struct{}
}

// New creates a Server that will listen on addr and dispatch frames to eng.
func New(addr string, eng *broker.Server, lim frame.Limits, l *slog.Logger) *Server {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:  addr,
		eng:   eng,
		lim:   lim,
		l:     l.With("transport", "tcp"),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ListenAndServe runs the accept loop until ctx is canceled, closing the
// listener and waiting (bounded, best-effort) for in-flight connections to
// finish before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcp: listen: %w", err)
	}

	connWg := &sync.WaitGroup{}
	defer func() {
		_ = ln.Close()

		timeout := time.After(30 * time.Second)
		waited := make(chan struct{})
		go func() {
			connWg.Wait()
			close(waited)
		}()
		select {
		case <-timeout:
			s.l.Warn("closing tcp listener after timeout, dropping in-flight connections")
		case <-waited:
			s.l.Info("closing tcp listener after all connections done")
		}
		close(s.done)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	close(s.ready)
	s.l.Info("tcp server started", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}

		connWg.Add(1)
		go func() {
			defer connWg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// ReadyForConnections blocks until the listener is accepting or timeout
// elapses.
func (s *Server) ReadyForConnections(timeout time.Duration) bool {
	select {
	case <-time.After(timeout):
		return false
	case <-s.ready:
		return true
	}
}

// Done reports when the server has fully stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// serve reads frames off conn until it errors or the session closes,
// calling eng.Receive for each one in arrival order (§5).
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := s.eng.Accept(conn)
	r := bufio.NewReader(conn)

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.Done():
		}
	}()

	for {
		f, err := frame.Read(r, s.lim)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.l.Debug("frame read error, closing", "conn", c.ID(), "err", err)
			}
			c.Close()
			return
		}
		if f == nil {
			// Lone heartbeat newline: activity only, no frame to dispatch.
			c.Touch()
			continue
		}
		s.eng.Receive(c, f)
		select {
		case <-c.Done():
			return
		default:
		}
	}
}
