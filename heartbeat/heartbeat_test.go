package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name           string
		cx, cy, sx, sy int
		wantPing       time.Duration
		wantPong       time.Duration
	}{
		{"both zero", 0, 0, 0, 0, 0, 0},
		{"client disables ping via cx=0", 0, 5000, 1000, 1000, 0, 5000 * time.Millisecond},
		{"server disables pong via sx=0", 1000, 1000, 0, 1000, 1000 * time.Millisecond, 0},
		{"symmetric negotiation picks max", 2000, 3000, 1000, 5000, 5000 * time.Millisecond, 3000 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ping, pong := Negotiate(tc.cx, tc.cy, tc.sx, tc.sy)
			assert.Equal(t, tc.wantPing, ping)
			assert.Equal(t, tc.wantPong, pong)
		})
	}
}

func TestSupervisor_IdleTriggersDisconnect(t *testing.T) {
	s := New(0, 10*time.Millisecond)
	idled := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(func() bool { return true }, func() {
			close(idled)
		})
		close(done)
	}()

	select {
	case <-idled:
	case <-time.After(time.Second):
		t.Fatal("expected idle callback to fire")
	}
	<-done
}

func TestSupervisor_TouchPreventsIdle(t *testing.T) {
	s := New(0, 20*time.Millisecond)
	stopped := make(chan struct{})
	idled := make(chan struct{})
	go func() {
		s.Run(func() bool { return true }, func() { close(idled) })
		close(stopped)
	}()

	touchDeadline := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(touchDeadline) {
		s.Touch()
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	<-stopped
	select {
	case <-idled:
		t.Fatal("idle callback fired despite regular Touch calls")
	default:
	}
}
