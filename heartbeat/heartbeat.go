// Package heartbeat implements the bidirectional heartbeat supervisor
// (§4.2 negotiation, §5 "two periodic timers per connection").
package heartbeat

import (
	"sync/atomic"
	"time"
)

// Negotiate computes the ping/pong periods from the client's requested
// {cx, cy} and the server's configured {sx, sy}, per §4.2 step 3.
// ping is how often the server sends PING; pong is how often the server
// expects client activity. The Supervisor disconnects after more than
// 2×pong without activity.
func Negotiate(cx, cy, sx, sy int) (ping, pong time.Duration) {
	if cx == 0 || sy == 0 {
		ping = 0
	} else {
		ping = time.Duration(max(cx, sy)) * time.Millisecond
	}
	if sx == 0 || cy == 0 {
		pong = 0
	} else {
		pong = time.Duration(max(sx, cy)) * time.Millisecond
	}
	return ping, pong
}

// Supervisor owns the two timers for one connection: a ticker that fires
// PING emission every `ping`, and a check that fires every `pong` to test
// whether the connection has been idle for more than 2×pong.
type Supervisor struct {
	ping time.Duration
	pong time.Duration

	lastActivity atomic.Int64 // unix nanos, monotonic enough for this process's lifetime

	stop chan struct{}
	done chan struct{}
}

// New creates a Supervisor with the negotiated periods. A zero period
// disables that timer, per §4.2.
func New(ping, pong time.Duration) *Supervisor {
	s := &Supervisor{ping: ping, pong: pong, stop: make(chan struct{}), done: make(chan struct{})}
	s.Touch()
	return s
}

// Touch records activity now; any received byte should call this.
func (s *Supervisor) Touch() {
	s.lastActivity.Store(nowNano())
}

var nowNano = func() int64 { return time.Now().UnixNano() }

// Run blocks, calling onPing every `ping` interval and onIdle once if the
// connection has gone more than 2×pong without activity (idle is always
// terminal: onIdle has no way to keep the loop running). It returns when
// Stop is called, onPing returns false, or onIdle fires.
func (s *Supervisor) Run(onPing func() bool, onIdle func()) {
	defer close(s.done)

	var pingC, pongC <-chan time.Time
	if s.ping > 0 {
		t := time.NewTicker(s.ping)
		defer t.Stop()
		pingC = t.C
	}
	if s.pong > 0 {
		t := time.NewTicker(s.pong)
		defer t.Stop()
		pongC = t.C
	}
	if pingC == nil && pongC == nil {
		<-s.stop
		return
	}

	for {
		select {
		case <-s.stop:
			return
		case <-pingC:
			if !onPing() {
				return
			}
		case <-pongC:
			idleFor := time.Duration(nowNano()-s.lastActivity.Load()) * time.Nanosecond
			if idleFor > 2*s.pong {
				onIdle()
				return
			}
		}
	}
}

// Stop terminates Run and waits for it to return.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
