// Package ws adapts STOMP-over-WebSocket connections (the SockJS-less
// "raw" binary/text subprotocol most browser STOMP clients speak) to the
// broker's session engine, using gorilla/websocket for the handshake and
// frame transport instead of the hand-rolled protocol upgrade the retrieval
// pack's reference clients implement.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stompd/broker/broker"
	"github.com/stompd/broker/frame"
)

// Server serves STOMP framed as WebSocket text messages on one HTTP path.
type Server struct {
	addr string
	path string
	eng  *broker.Server
	lim  frame.Limits
	l    *slog.Logger

	upgrader websocket.Upgrader

	ready chan struct{}
	done  chan struct{}
}

// New creates a Server that will listen on addr and upgrade requests to
// path, dispatching frames to eng.
func New(addr, path string, eng *broker.Server, lim frame.Limits, l *slog.Logger) *Server {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if path == "" {
		path = "/stomp"
	}
	return &Server{
		addr: addr,
		path: path,
		eng:  eng,
		lim:  lim,
		l:    l.With("transport", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ListenAndServe runs an HTTP server on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		close(s.ready)
		s.l.Info("ws server started", "addr", s.addr, "path", s.path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("ws: listen: %w", err)
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errc
		close(s.done)
		return nil
	case err := <-errc:
		close(s.done)
		return err
	}
}

// ReadyForConnections blocks until the server is accepting or timeout
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

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Debug("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sink := &messageWriter{conn: conn}
	c := s.eng.Accept(sink)

	go func() {
		<-c.Done()
		_ = conn.Close()
	}()

	src := &messageReader{conn: conn}
	rd := bufio.NewReader(src)

	for {
		f, err := frame.Read(rd, s.lim)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.l.Debug("frame read error, closing", "conn", c.ID(), "err", err)
			}
			c.Close()
			return
		}
		if f == nil {
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

// messageWriter implements io.Writer over a websocket.Conn, sending each
// Write call as one text message. frame.Write issues several Writes per
// frame (header block, body, NUL terminator), so one STOMP frame usually
// spans more than one WebSocket message.
type messageWriter struct {
	conn *websocket.Conn
}

func (m *messageWriter) Write(p []byte) (int, error) {
	if err := m.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// messageReader implements io.Reader over a websocket.Conn by concatenating
// each inbound message's bytes into the read buffer frame.Read expects,
// since STOMP's line-oriented parser wants a continuous byte stream.
type messageReader struct {
	conn *websocket.Conn
	buf  []byte
}

func (m *messageReader) Read(p []byte) (int, error) {
	for len(m.buf) == 0 {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		m.buf = data
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}
