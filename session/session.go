// Package session implements the per-connection state machine (§4.2, §4.5):
// CONNECTING → CONNECTED → CLOSED, heartbeat timers, and ownership of the
// connection's subscriptions and transactions.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/stompd/broker/frame"
	"github.com/stompd/broker/heartbeat"
	"github.com/stompd/broker/internal/metrics"
	"github.com/stompd/broker/subscription"
	"github.com/stompd/broker/txn"
)

// State is one of the three session lifecycle states (§4.2).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "CLOSED"
	}
}

// ErrQueueFull is returned by Write when the outbound queue is saturated;
// Write has then already started closing the session itself (§9).
var ErrQueueFull = errors.New("session: write queue full")

// ErrClosed is returned by Write after the session has closed.
var ErrClosed = errors.New("session: closed")

// Session is one long-lived connection's state: identity, write sink,
// lifecycle state, heartbeat supervisor, and its owned Subscriptions and
// Transactions (§3 Connection).
type Session struct {
	id string
	l  *slog.Logger

	state atomic.Int32

	out       chan *frame.Frame
	closeOnce sync.Once
	closed    chan struct{}
	writerDone chan struct{}

	Subscriptions *subscription.Table
	Transactions  *txn.Manager

	hb *heartbeat.Supervisor

	closeHooks []func()
	hooksMu    sync.Mutex
}

// New creates a Session bound to sink (the connection's byte stream) with
// the given outbound queue capacity and starts the writer goroutine that
// drains the outbound queue. Callers call StartHeartbeat to begin
// heartbeats once ping/pong periods are negotiated on CONNECT.
func New(id string, sink io.Writer, queueSize int, global *atomic.Int64, l *slog.Logger) *Session {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Session{
		id:            id,
		l:             l.With("conn", id),
		out:           make(chan *frame.Frame, queueSize),
		closed:        make(chan struct{}),
		writerDone:    make(chan struct{}),
		Subscriptions: subscription.NewTable(),
		Transactions:  txn.NewManager(id, global),
	}
	s.state.Store(int32(StateConnecting))
	go s.writeLoop(sink)
	return s
}

// ID implements stomp.Conn.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState transitions the session to the given state.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// Write enqueues f for the writer goroutine. It never blocks the caller
// (the dispatcher): a full queue closes this session instead (§9 "overfull
// queues should close the offending consumer rather than block the
// producer").
func (s *Session) Write(f *frame.Frame) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.out <- f:
		return nil
	default:
		s.l.Warn("write queue full, closing connection")
		go s.Close()
		return ErrQueueFull
	}
}

func (s *Session) writeLoop(sink io.Writer) {
	defer close(s.writerDone)
	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			if err := frame.Write(sink, f); err != nil {
				s.l.Debug("write error, closing", "err", err)
				metrics.IncError("write", "transport")
				go s.Close()
				return
			}
		case <-s.closed:
			// Drain whatever is already queued so a RECEIPT/ERROR sent
			// immediately before close still reaches the socket, then stop.
			s.drainOnce(sink)
			return
		}
	}
}

func (s *Session) drainOnce(sink io.Writer) {
	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			_ = frame.Write(sink, f)
		default:
			return
		}
	}
}

// StartHeartbeat installs and runs the negotiated heartbeat supervisor. It
// must be called at most once, after CONNECT negotiation (§4.2 step 3).
func (s *Session) StartHeartbeat(hb *heartbeat.Supervisor, onPing func() bool, onIdle func()) {
	s.hb = hb
	go hb.Run(onPing, onIdle)
}

// Touch records connection activity (§5 "any received byte updates it").
func (s *Session) Touch() {
	if s.hb != nil {
		s.hb.Touch()
	}
}

// OnClose registers a hook invoked once, during teardown, after
// transactions have been destroyed (§4.5 step 4). Subscriptions are not
// removed by Session; a close hook (broker.Server's teardown) does that.
func (s *Session) OnClose(fn func()) {
	s.hooksMu.Lock()
	s.closeHooks = append(s.closeHooks, fn)
	s.hooksMu.Unlock()
}

// Close tears the session down per §4.5: cancel heartbeat timers, wait for
// the writer to flush what is queued, drop transactions, then run close
// hooks. Subscriptions are left to a close hook, since the destination
// registry lives above this package. Safe to call more than once and from
// multiple goroutines; only the first call does anything.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		if s.hb != nil {
			s.hb.Stop()
		}
		<-s.writerDone
		// s.out is deliberately never closed: a Write racing this Close
		// may still enqueue into it after writeLoop has stopped draining,
		// and closing a channel a concurrent sender might use would panic.
		// The channel is simply abandoned and garbage collected with the
		// Session.

		s.Transactions.DestroyAll()

		s.hooksMu.Lock()
		hooks := s.closeHooks
		s.hooksMu.Unlock()
		for _, hook := range hooks {
			hook()
		}
	})
}

// Done reports whether the session has closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) String() string {
	return fmt.Sprintf("session{id=%s, state=%s}", s.id, s.State())
}
