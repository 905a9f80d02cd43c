// Package txn implements the transaction manager (§4.3 BEGIN/COMMIT/ABORT):
// a per-connection, size-bounded buffer of SEND/ACK/NACK frames that
// commit or abort atomically.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/stompd/broker/frame"
)

// Transaction buffers frames for one BEGIN...COMMIT|ABORT cycle.
type Transaction struct {
	ID     string
	ConnID string

	mu     sync.Mutex
	buffer []*frame.Frame
}

func newTransaction(id, connID string) *Transaction {
	return &Transaction{ID: id, ConnID: connID}
}

// Append adds a frame to the buffer, returning the new length and false if
// max (>0) would be exceeded by this append.
func (t *Transaction) Append(f *frame.Frame, max int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max > 0 && len(t.buffer) >= max {
		return len(t.buffer), false
	}
	t.buffer = append(t.buffer, f)
	return len(t.buffer), true
}

// Frames returns a snapshot of the buffered frames in insertion order.
func (t *Transaction) Frames() []*frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*frame.Frame, len(t.buffer))
	copy(out, t.buffer)
	return out
}

// Len reports the current buffer length.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Manager holds every live transaction for one connection, keyed by tx-id.
// It is partitioned by connection so it is contended only by that
// connection's own goroutine (§5).
type Manager struct {
	connID string
	global *atomic.Int64 // server-wide live transaction count, shared across connections

	mu   sync.Mutex
	byID map[string]*Transaction
}

// NewManager returns an empty transaction manager scoped to one connection.
// global, if non-nil, is a server-wide counter this manager keeps in sync
// on every Begin/Delete/DestroyAll, replacing the reference implementation's
// process-wide static counter with an instance the server owns (§9).
func NewManager(connID string, global *atomic.Int64) *Manager {
	return &Manager{connID: connID, global: global, byID: make(map[string]*Transaction)}
}

// Begin creates a new empty Transaction for id, failing if id is already
// live on this connection (§4.3 BEGIN, testable property #2).
func (m *Manager) Begin(id string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[id]; exists {
		return nil, false
	}
	tx := newTransaction(id, m.connID)
	m.byID[id] = tx
	if m.global != nil {
		m.global.Add(1)
	}
	return tx, true
}

// Get returns the live transaction for id, if any.
func (m *Manager) Get(id string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	return tx, ok
}

// Delete removes the transaction for id (used by COMMIT and ABORT).
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; ok {
		delete(m.byID, id)
		if m.global != nil {
			m.global.Add(-1)
		}
	}
}

// DestroyAll drops every transaction on this connection without replay,
// per the observed "cap failure destroys all transactions of the
// connection" policy (§7, §9 Open Question — resolved: scope stays
// connection-wide, matching the reference behavior it was distilled from).
// It returns the number of transactions destroyed.
func (m *Manager) DestroyAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.byID)
	m.byID = make(map[string]*Transaction)
	if m.global != nil && n > 0 {
		m.global.Add(-int64(n))
	}
	return n
}

// Count reports how many transactions are currently live on this
// connection.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
