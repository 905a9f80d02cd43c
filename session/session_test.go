package session

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/stompd/broker/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WriteDeliversToSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf syncBuffer
	s := New("c1", &buf, 16, nil, nil)
	defer s.Close()

	require.NoError(t, s.Write(frame.New(frame.RECEIPT)))
	require.Eventually(t, func() bool { return buf.Len() > 0 }, time.Second, time.Millisecond)
}

// TestSession_FullQueueClosesConnection intentionally wedges the writer
// goroutine (blockingWriter does not return from Write until released), so
// it is not checked with goleak.VerifyNone: that stuck goroutine is the
// scenario under test. It is released when the test ends so it does not
// outlive the test and trip the goleak checks of later tests.
func TestSession_FullQueueClosesConnection(t *testing.T) {
	release := make(chan struct{})
	s := New("c1", blockingWriter{release: release}, 1, nil, nil)
	defer func() {
		close(release)
		<-s.writerDone
	}()
	// The writer goroutine blocks on the first frame it dequeues until
	// released, so the queue (capacity 1) fills after one more Write.
	_ = s.Write(frame.New(frame.RECEIPT))
	time.Sleep(10 * time.Millisecond) // let writeLoop pick up the first frame and block
	_ = s.Write(frame.New(frame.RECEIPT))
	err := s.Write(frame.New(frame.RECEIPT))
	assert.ErrorIs(t, err, ErrQueueFull)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session to close after queue overflow")
	}
}

func TestSession_CloseRunsHooksAndDestroysTransactions(t *testing.T) {
	defer goleak.VerifyNone(t)

	var global atomic.Int64
	s := New("c1", &syncBuffer{}, 16, &global, nil)
	s.Transactions.Begin("t1")
	require.Equal(t, int64(1), global.Load())

	var hookRan bool
	s.OnClose(func() { hookRan = true })

	s.Close()
	assert.True(t, hookRan)
	assert.Equal(t, int64(0), global.Load())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New("c1", &syncBuffer{}, 16, nil, nil)
	s.Close()
	assert.NotPanics(t, func() { s.Close() })
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type blockingWriter struct{ release chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}
