package broker

import (
	"bufio"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stompd/broker/config"
	"github.com/stompd/broker/frame"
)

// testConn wires a Server's Accept to an in-process pipe so tests can send
// frames in via Receive and read the server's byte stream back out as
// decoded frames, without a real transport.
type testConn struct {
	c      *Conn
	frames chan *frame.Frame
	errs   chan error
}

func newTestConn(t *testing.T, srv *Server) *testConn {
	t.Helper()
	pr, pw := io.Pipe()
	c := srv.Accept(pw)
	t.Cleanup(func() {
		c.Close()
		_ = pr.Close()
		_ = pw.Close()
	})

	tc := &testConn{c: c, frames: make(chan *frame.Frame, 256), errs: make(chan error, 1)}
	go func() {
		r := bufio.NewReader(pr)
		for {
			f, err := frame.Read(r, frame.DefaultLimits())
			if err != nil {
				tc.errs <- err
				return
			}
			if f == nil {
				continue
			}
			tc.frames <- f
		}
	}()
	return tc
}

func (tc *testConn) send(srv *Server, f *frame.Frame) {
	srv.Receive(tc.c, f)
}

func (tc *testConn) expect(t *testing.T, cmd frame.Command) *frame.Frame {
	t.Helper()
	select {
	case f := <-tc.frames:
		require.Equal(t, cmd, f.Command, "unexpected frame: %+v", f)
		return f
	case err := <-tc.errs:
		t.Fatalf("connection closed while waiting for %s: %v", cmd, err)
		return nil
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", cmd)
		return nil
	}
}

func (tc *testConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-tc.frames:
		t.Fatalf("expected no frame, got %+v", f)
	case <-time.After(d):
	}
}

func testServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{}
	cfg.SetDefaults()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnect_NegotiatesVersionAndHeartbeat(t *testing.T) {
	srv := testServer(t, nil)
	tc := newTestConn(t, srv)

	tc.send(srv, frame.NewWithHeaders(frame.CONNECT, frame.HeaderAcceptVer, "1.0,1.1,1.2", frame.HeaderHeartBeat, "1000,1000"))
	f := tc.expect(t, frame.CONNECTED)

	v, _ := f.Headers.Get(frame.HeaderVersion)
	require.Equal(t, "1.2", v)
	require.True(t, f.Headers.Has(frame.HeaderSession))
	hb, _ := f.Headers.Get(frame.HeaderHeartBeat)
	require.Equal(t, "1000,1000", hb)
}

func TestConnect_UnsupportedVersionCloses(t *testing.T) {
	srv := testServer(t, nil)
	tc := newTestConn(t, srv)

	tc.send(srv, frame.NewWithHeaders(frame.CONNECT, frame.HeaderAcceptVer, "9.9"))
	tc.expect(t, frame.ERROR)
	select {
	case <-tc.c.Done():
	case <-time.After(time.Second):
		t.Fatal("expected connection to close after ERROR")
	}
}

func TestConnect_SecondConnectWhileConnectedErrors(t *testing.T) {
	srv := testServer(t, nil)
	tc := newTestConn(t, srv)

	tc.send(srv, frame.NewWithHeaders(frame.CONNECT, frame.HeaderAcceptVer, "1.2"))
	tc.expect(t, frame.CONNECTED)

	tc.send(srv, frame.NewWithHeaders(frame.CONNECT, frame.HeaderAcceptVer, "1.2"))
	f := tc.expect(t, frame.ERROR)
	msg, _ := f.Headers.Get(frame.HeaderMessage)
	require.Contains(t, msg, "already connected")
}

func TestConnect_FrameBeforeConnectErrors(t *testing.T) {
	srv := testServer(t, nil)
	tc := newTestConn(t, srv)

	tc.send(srv, frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a"))
	f := tc.expect(t, frame.ERROR)
	msg, _ := f.Headers.Get(frame.HeaderMessage)
	require.Contains(t, msg, "not connected")
}

// connectedConn returns a CONNECTED test connection ready to exercise
// §4.3/§8 command handling.
func connectedConn(t *testing.T, srv *Server) *testConn {
	t.Helper()
	tc := newTestConn(t, srv)
	tc.send(srv, frame.NewWithHeaders(frame.CONNECT, frame.HeaderAcceptVer, "1.2"))
	tc.expect(t, frame.CONNECTED)
	return tc
}

func subscribe(t *testing.T, srv *Server, tc *testConn, id, dest, ack string) {
	t.Helper()
	f := frame.NewWithHeaders(frame.SUBSCRIBE, frame.HeaderID, id, frame.HeaderDestination, dest)
	if ack != "" {
		f.Headers.Set(frame.HeaderAck, ack)
	}
	tc.send(srv, f)
}

// TestS1_BasicCommit is testable property S1 (§8): three SENDs inside a
// transaction dispatch, in order, only on COMMIT.
func TestS1_BasicCommit(t *testing.T) {
	srv := testServer(t, nil)
	sub := connectedConn(t, srv)
	subscribe(t, srv, sub, "sub-0", "/queue/a", "")

	pub := connectedConn(t, srv)
	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))
	for _, body := range []string{"Hello", "World", "!!!"} {
		f := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a", frame.HeaderTransaction, "my-tx")
		f.Body = []byte(body)
		pub.send(srv, f)
	}
	pub.send(srv, frame.NewWithHeaders(frame.COMMIT, frame.HeaderTransaction, "my-tx"))

	for _, want := range []string{"Hello", "World", "!!!"} {
		m := sub.expect(t, frame.MESSAGE)
		require.Equal(t, want, string(m.Body))
	}
}

// TestS2_Abort is testable property S2: an aborted transaction dispatches
// nothing.
func TestS2_Abort(t *testing.T) {
	srv := testServer(t, nil)
	sub := connectedConn(t, srv)
	subscribe(t, srv, sub, "sub-0", "/queue/a", "")

	pub := connectedConn(t, srv)
	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))
	for _, body := range []string{"Hello", "World", "!!!"} {
		f := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a", frame.HeaderTransaction, "my-tx")
		f.Body = []byte(body)
		pub.send(srv, f)
	}
	pub.send(srv, frame.NewWithHeaders(frame.ABORT, frame.HeaderTransaction, "my-tx"))

	sub.expectNone(t, 200*time.Millisecond)
}

// TestS3_DuplicateBegin is testable property S3.
func TestS3_DuplicateBegin(t *testing.T) {
	srv := testServer(t, nil)
	pub := connectedConn(t, srv)

	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))
	for _, body := range []string{"Hello", "World"} {
		f := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a", frame.HeaderTransaction, "my-tx")
		f.Body = []byte(body)
		pub.send(srv, f)
	}
	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))

	f := pub.expect(t, frame.ERROR)
	msg, _ := f.Headers.Get(frame.HeaderMessage)
	require.Contains(t, msg, "Already existing transaction")
}

// TestS4_CommitUnknownTx is testable property S4.
func TestS4_CommitUnknownTx(t *testing.T) {
	srv := testServer(t, nil)
	sub := connectedConn(t, srv)
	subscribe(t, srv, sub, "sub-0", "/queue/a", "")

	pub := connectedConn(t, srv)
	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))
	for _, body := range []string{"a", "b", "c"} {
		f := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a", frame.HeaderTransaction, "my-tx")
		f.Body = []byte(body)
		pub.send(srv, f)
	}
	pub.send(srv, frame.NewWithHeaders(frame.COMMIT, frame.HeaderTransaction, "illegal"))

	f := pub.expect(t, frame.ERROR)
	msg, _ := f.Headers.Get(frame.HeaderMessage)
	require.Contains(t, msg, "Unknown transaction")
	require.Equal(t, int64(0), srv.liveTx.Load())
	sub.expectNone(t, 200*time.Millisecond)
}

// TestS5_FrameCap is testable property S5.
func TestS5_FrameCap(t *testing.T) {
	srv := testServer(t, func(c *config.Config) { c.MaxFrameInTransaction = 2 })
	sub := connectedConn(t, srv)
	subscribe(t, srv, sub, "sub-0", "/queue/a", "")

	pub := connectedConn(t, srv)
	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))
	for _, body := range []string{"a", "b", "c"} {
		f := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a", frame.HeaderTransaction, "my-tx")
		f.Body = []byte(body)
		pub.send(srv, f)
	}
	pub.send(srv, frame.NewWithHeaders(frame.COMMIT, frame.HeaderTransaction, "my-tx"))

	f := pub.expect(t, frame.ERROR)
	msg, _ := f.Headers.Get(frame.HeaderMessage)
	require.Contains(t, msg, "too many frames")
	require.Equal(t, int64(0), srv.liveTx.Load())
	sub.expectNone(t, 200*time.Millisecond)
}

// TestS6_Chunked5000 is testable property S6.
func TestS6_Chunked5000(t *testing.T) {
	srv := testServer(t, func(c *config.Config) {
		c.TransactionChunkSize = 100
		c.MaxFrameInTransaction = 10000
		// The subscriber is not read until COMMIT returns, so its write
		// queue must hold every message; a full queue closes the connection.
		c.WriteQueueSize = 5000
	})
	sub := connectedConn(t, srv)
	subscribe(t, srv, sub, "sub-0", "/queue/a", "")

	pub := connectedConn(t, srv)
	pub.send(srv, frame.NewWithHeaders(frame.BEGIN, frame.HeaderTransaction, "my-tx"))
	const n = 5000
	for i := 0; i < n; i++ {
		f := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/a", frame.HeaderTransaction, "my-tx")
		f.Body = []byte("Hello-" + strconv.Itoa(i))
		pub.send(srv, f)
	}
	pub.send(srv, frame.NewWithHeaders(frame.COMMIT, frame.HeaderTransaction, "my-tx"))

	for i := 0; i < n; i++ {
		m := sub.expect(t, frame.MESSAGE)
		require.Equal(t, "Hello-"+strconv.Itoa(i), string(m.Body))
	}
}

// TestNack_RedeliversOriginalMessageToAnotherSubscriber verifies a Queue
// NACK re-dispatches the message that was actually delivered, not an
// empty-bodied frame built from the NACK's own headers.
func TestNack_RedeliversOriginalMessageToAnotherSubscriber(t *testing.T) {
	srv := testServer(t, nil)
	sub1 := connectedConn(t, srv)
	subscribe(t, srv, sub1, "sub-1", "/queue/work", "client")
	sub2 := connectedConn(t, srv)
	subscribe(t, srv, sub2, "sub-2", "/queue/work", "client")

	pub := connectedConn(t, srv)
	send := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/work")
	send.Body = []byte("payload")
	pub.send(srv, send)

	m := sub1.expect(t, frame.MESSAGE)
	require.Equal(t, "payload", string(m.Body))
	ackID, ok := m.Headers.Get(frame.HeaderAck)
	require.True(t, ok)

	sub1.send(srv, frame.NewWithHeaders(frame.NACK, frame.HeaderID, ackID))

	redelivered := sub2.expect(t, frame.MESSAGE)
	require.Equal(t, "payload", string(redelivered.Body))
}

// TestNack_ClientModeCumulativeRedeliversEveryEarlierMessage verifies §4.1's
// "client mode: remove id and all earlier ids ... reporting each as nack'd"
// combined with "on Queue nack, each nack'd MESSAGE is re-dispatched": a
// cumulative NACK must redeliver every message it implicitly nacks, not just
// the one named in the NACK frame's id header.
func TestNack_ClientModeCumulativeRedeliversEveryEarlierMessage(t *testing.T) {
	srv := testServer(t, nil)
	sub1 := connectedConn(t, srv)
	subscribe(t, srv, sub1, "sub-1", "/queue/work", "client")

	pub := connectedConn(t, srv)
	for _, body := range []string{"one", "two", "three"} {
		send := frame.NewWithHeaders(frame.SEND, frame.HeaderDestination, "/queue/work")
		send.Body = []byte(body)
		pub.send(srv, send)
	}

	var lastAckID string
	for range 3 {
		m := sub1.expect(t, frame.MESSAGE)
		lastAckID, _ = m.Headers.Get(frame.HeaderAck)
	}

	sub2 := connectedConn(t, srv)
	subscribe(t, srv, sub2, "sub-2", "/queue/work", "client")

	sub1.send(srv, frame.NewWithHeaders(frame.NACK, frame.HeaderID, lastAckID))

	for _, want := range []string{"one", "two", "three"} {
		redelivered := sub2.expect(t, frame.MESSAGE)
		require.Equal(t, want, string(redelivered.Body))
	}
}
