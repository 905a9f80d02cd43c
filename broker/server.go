// Package broker wires the session, destination, subscription, and txn
// packages into the command dispatcher described by §4.2-§4.5: the CONNECT
// state machine, per-frame routing to a Handler, and teardown.
package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	stomp "github.com/stompd/broker"
	"github.com/stompd/broker/auth"
	"github.com/stompd/broker/config"
	"github.com/stompd/broker/destination"
	"github.com/stompd/broker/frame"
	"github.com/stompd/broker/heartbeat"
	"github.com/stompd/broker/internal/idgen"
	"github.com/stompd/broker/internal/metrics"
	"github.com/stompd/broker/internal/workerpool"
	"github.com/stompd/broker/session"
)

// Server is the transport-agnostic session engine: it owns the destination
// registry, the connection table, and the negotiated live-transaction
// counter, and drives each Conn's state machine as frames arrive.
// Transports (transport/tcp, transport/ws) construct one Server and hand it
// raw byte streams via Accept; they do not implement any STOMP semantics.
type Server struct {
	cfg config.Config
	l   *slog.Logger

	registry *destination.Registry
	handler  Handler
	auther   auth.Provider
	pool     *workerpool.Pool

	liveTx atomic.Int64

	mu    sync.Mutex
	conns map[string]*Conn
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithHandler overrides the command dispatcher; the default is
// DefaultHandler, implementing standard STOMP 1.2 semantics.
func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithAuth installs an auth.Provider consulted on CONNECT when the server
// is configured as secured. Defaults to auth.AllowAll.
func WithAuth(p auth.Provider) Option {
	return func(s *Server) { s.auther = p }
}

// NewServer builds a Server from cfg, applying defaults for any zero field.
func NewServer(cfg config.Config, l *slog.Logger, opts ...Option) (*Server, error) {
	cfg.SetDefaults()
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	pool, err := workerpool.New(cfg.DispatchPoolSize, l)
	if err != nil {
		return nil, fmt.Errorf("broker: build worker pool: %w", err)
	}
	fallback, err := fallbackKind(cfg.DefaultDestinationKind)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		l:        l,
		registry: destination.NewRegistry(cfg.AutoGCDestinations, fallback, pool, l),
		auther:   auth.AllowAll,
		pool:     pool,
		conns:    make(map[string]*Conn),
	}
	s.handler = &DefaultHandler{srv: s}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// fallbackKind validates Config.DefaultDestinationKind against the two
// names a destination can be created with, per §3.
func fallbackKind(name string) (stomp.DestinationKind, error) {
	switch name {
	case "queue":
		return stomp.KindQueue, nil
	case "topic":
		return stomp.KindTopic, nil
	default:
		return 0, fmt.Errorf("broker: default_destination_kind %q: %w", name, destination.ErrUnknownDestinationKind)
	}
}

// updateTxMetric republishes the server-wide live transaction gauge. The
// counter itself is mutated by txn.Manager (each Session's Manager shares
// this Server's liveTx via the pointer passed to session.New); this just
// re-exports its current value to Prometheus after a Begin/Delete/DestroyAll,
// replacing the reference implementation's process-global static counter
// (§9 Open Question) with one scoped to this Server.
func (s *Server) updateTxMetric() {
	metrics.SetLiveTransactions(s.liveTx.Load())
}

// Accept registers a new connection over sink (the transport's byte stream)
// and returns the Conn for the transport's read loop to feed frames into via
// Receive. The Conn starts in CONNECTING and is torn down automatically
// when its Session closes.
func (s *Server) Accept(sink io.Writer) *Conn {
	id := idgen.NewSessionID()
	sess := session.New(id, sink, s.cfg.WriteQueueSize, &s.liveTx, s.l)
	c := &Conn{Session: sess, srv: s}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	sess.OnClose(func() { s.teardown(c) })
	metrics.SetActiveConnections(len(s.conns))
	return c
}

// teardown implements §4.5 steps 2-3 for c: subscriptions and transactions
// beyond what session.Close already destroys. Heartbeat cancellation and the
// close-hook step (§4.5 steps 1, 4) are handled by session.Session.Close
// itself; this hook runs as one of those close hooks.
func (s *Server) teardown(c *Conn) {
	for _, sub := range c.Subscriptions.All() {
		s.registry.Unsubscribe(sub.Destination, sub.ID, c.ID())
	}
	// Session.Close already ran Transactions.DestroyAll before this hook
	// fires; republish the gauge so it doesn't go stale with this
	// connection's transactions still counted as live.
	s.updateTxMetric()

	s.mu.Lock()
	delete(s.conns, c.ID())
	n := len(s.conns)
	s.mu.Unlock()
	metrics.SetActiveConnections(n)
}

// Receive is the engine's single entry point: transports parse bytes into
// frames and call Receive(conn, frame) for each one, in arrival order,
// matching §5's "each connection serviced as a stream of frame events on a
// single execution context." Receive must not be called concurrently for
// the same Conn.
func (s *Server) Receive(c *Conn, f *frame.Frame) {
	c.Touch()

	switch c.State() {
	case session.StateConnecting:
		s.receiveConnecting(c, f)
	case session.StateConnected:
		s.receiveConnected(c, f)
	default: // StateClosed
	}
}

func (s *Server) receiveConnecting(c *Conn, f *frame.Frame) {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		s.negotiateConnect(c, f)
	default:
		c.Fail("not connected", f)
	}
}

func (s *Server) receiveConnected(c *Conn, f *frame.Frame) {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		c.Fail("already connected", f)
	case frame.SEND:
		s.handler.HandleSend(c, f)
	case frame.SUBSCRIBE:
		s.handler.HandleSubscribe(c, f)
	case frame.UNSUBSCRIBE:
		s.handler.HandleUnsubscribe(c, f)
	case frame.BEGIN:
		s.handler.HandleBegin(c, f)
	case frame.COMMIT:
		s.handler.HandleCommit(c, f)
	case frame.ABORT:
		s.handler.HandleAbort(c, f)
	case frame.ACK:
		s.handler.HandleAck(c, f)
	case frame.NACK:
		s.handler.HandleNack(c, f)
	case frame.DISCONNECT:
		s.handler.HandleDisconnect(c, f)
	case frame.PING:
		// A lone newline heartbeat; already handled by c.Touch above.
	default:
		c.Fail(fmt.Sprintf("unsupported command: %s", f.Command), f)
	}
}

// negotiateConnect implements §4.2 CONNECT handling steps 1-4.
func (s *Server) negotiateConnect(c *Conn, f *frame.Frame) {
	version, ok := negotiateVersion(f, s.cfg.SupportedVersions)
	if !ok {
		c.Fail("unsupported protocol version", f)
		return
	}

	if s.cfg.Secured {
		login, _ := f.Headers.Get(frame.HeaderLogin)
		passcode, _ := f.Headers.Get(frame.HeaderPasscode)
		okAuth, err := s.auther.Authenticate(context.Background(), login, passcode)
		if err != nil || !okAuth {
			c.Fail("authentication failed", f)
			return
		}
	}

	cx, cy := parseHeartBeat(f.Headers.GetDefault(frame.HeaderHeartBeat, "0,0"))
	ping, pong := heartbeat.Negotiate(cx, cy, s.cfg.HeartBeat.SX, s.cfg.HeartBeat.SY)

	c.Version = version
	c.Ping = ping
	c.Pong = pong
	c.SetState(session.StateConnected)

	hb := heartbeat.New(ping, pong)
	c.StartHeartbeat(hb, func() bool {
		return c.Write(frame.New(frame.PING)) == nil
	}, func() {
		s.l.Debug("heartbeat idle timeout, closing", "conn", c.ID())
		c.Close()
	})

	connected := frame.New(frame.CONNECTED)
	connected.Headers.Set(frame.HeaderVersion, version)
	connected.Headers.Set(frame.HeaderSession, c.ID())
	connected.Headers.Set(frame.HeaderHeartBeat, fmt.Sprintf("%d,%d", ping.Milliseconds(), pong.Milliseconds()))
	_ = c.Write(connected)
	s.handler.HandleConnect(c, f)
	metrics.IncOp(string(frame.CONNECT))
}

// negotiateVersion picks the highest version present in both accept-version
// and supported, per §4.2 step 1 ("accept the highest common").
func negotiateVersion(f *frame.Frame, supported []string) (string, bool) {
	accept, ok := f.Headers.Get(frame.HeaderAcceptVer)
	if !ok || accept == "" {
		accept = "1.0"
	}
	requested := splitComma(accept)
	best := ""
	for _, v := range requested {
		for _, sv := range supported {
			if v == sv && higherVersion(v, best) {
				best = v
			}
		}
	}
	return best, best != ""
}

func higherVersion(v, than string) bool {
	if than == "" {
		return true
	}
	return v > than
}

// splitComma splits s on commas, dropping empty segments (so a trailing or
// doubled comma doesn't produce a spurious empty version/heartbeat field).
func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseHeartBeat parses a "cx,cy" heart-beat header value, defaulting both
// to 0 on any malformed input (treated as "no heartbeat requested").
func parseHeartBeat(raw string) (cx, cy int) {
	parts := splitComma(raw)
	if len(parts) != 2 {
		return 0, 0
	}
	cx = atoiOrZero(parts[0])
	cy = atoiOrZero(parts[1])
	return cx, cy
}

// atoiOrZero parses a non-negative heart-beat field, treating anything
// malformed (including a negative value) as "no heartbeat requested".
func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Registry exposes the destination registry for transports and tests that
// need to inspect destinations directly (e.g. management endpoints).
func (s *Server) Registry() *destination.Registry { return s.registry }

// Pool exposes the dispatch worker pool so a Handler can offload fan-out
// work (§5 "different connections may be serviced in parallel").
func (s *Server) Pool() *workerpool.Pool { return s.pool }

// Close releases the server's worker pool. Individual connections are torn
// down by their own Session.Close, not by Server.Close.
func (s *Server) Close() {
	s.pool.Release()
}
