// Package subscription models one client's live interest in a destination
// (§3 Subscription, §4.1 ack/nack bookkeeping).
package subscription

import (
	"sync"

	stomp "github.com/stompd/broker"
	"github.com/stompd/broker/frame"
)

// Pending is a delivered message awaiting ack/nack: enough of the original
// MESSAGE to redeliver it verbatim if it gets nacked (§4.1 "a nack'd
// message is redispatched").
type Pending struct {
	ID      string
	Body    []byte
	Headers *frame.Headers
}

// Subscription is one record per SUBSCRIBE: owning connection, id (unique
// per connection), destination name, ack mode, and a pending-ack queue of
// delivered-but-unacknowledged messages. The destination is referenced by
// name only (§9: "model as owning-by-name") so Subscription never holds a
// pointer back to its Destination.
type Subscription struct {
	ID          string
	Conn        stomp.Conn
	Destination string
	AckMode     stomp.AckMode

	mu          sync.Mutex
	pendingAcks []Pending // delivered messages awaiting ack/nack, oldest first
}

// New creates a Subscription with an empty pending-ack queue.
func New(id string, conn stomp.Conn, destination string, mode stomp.AckMode) *Subscription {
	return &Subscription{
		ID:          id,
		Conn:        conn,
		Destination: destination,
		AckMode:     mode,
	}
}

// TrackPending records a delivered message (its id, body and headers)
// awaiting ack, unless the ack mode is auto (which expects no ack at all).
// Retaining the body/headers is what lets a later NACK redeliver the actual
// message instead of the empty NACK frame.
func (s *Subscription) TrackPending(messageID string, body []byte, headers *frame.Headers) {
	if s.AckMode == stomp.AckAuto {
		return
	}
	s.mu.Lock()
	s.pendingAcks = append(s.pendingAcks, Pending{ID: messageID, Body: body, Headers: headers})
	s.mu.Unlock()
}

// Resolve looks up messageID in the pending queue and removes it plus,
// for client (cumulative) mode, every earlier entry. It returns the removed
// entries in delivery order, or nil if messageID was never pending here.
func (s *Subscription) Resolve(messageID string) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.pendingAcks {
		if p.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	var removed []Pending
	switch s.AckMode {
	case stomp.AckClientIndividual:
		removed = []Pending{s.pendingAcks[idx]}
		s.pendingAcks = append(s.pendingAcks[:idx], s.pendingAcks[idx+1:]...)
	default: // client: cumulative through idx
		removed = append(removed, s.pendingAcks[:idx+1]...)
		s.pendingAcks = s.pendingAcks[idx+1:]
	}
	return removed
}

// PendingCount reports how many messages await ack, for tests/metrics.
func (s *Subscription) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingAcks)
}

// Table indexes a connection's live subscriptions by id, enforcing the
// invariant that no two live subscriptions on the same connection share an
// id (§3).
type Table struct {
	mu   sync.RWMutex
	byID map[string]*Subscription
}

// NewTable returns an empty subscription table for one connection.
func NewTable() *Table {
	return &Table{byID: make(map[string]*Subscription)}
}

// Add registers sub, failing if its id is already present.
func (t *Table) Add(sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[sub.ID]; exists {
		return false
	}
	t.byID[sub.ID] = sub
	return true
}

// Get returns the subscription with the given id, if any.
func (t *Table) Get(id string) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.byID[id]
	return sub, ok
}

// Remove deletes the subscription with the given id, returning it.
func (t *Table) Remove(id string) (*Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return sub, ok
}

// FindByAckID scans every subscription in the table for one whose pending
// queue contains ackID, returning it without mutating any queue. Used by
// ACK/NACK handling to locate the owning subscription (§4.3).
func (t *Table) FindByAckID(ackID string) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.byID {
		sub.mu.Lock()
		found := false
		for _, p := range sub.pendingAcks {
			if p.ID == ackID {
				found = true
				break
			}
		}
		sub.mu.Unlock()
		if found {
			return sub, true
		}
	}
	return nil, false
}

// All returns a snapshot slice of every live subscription, for teardown.
func (t *Table) All() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Subscription, 0, len(t.byID))
	for _, sub := range t.byID {
		out = append(out, sub)
	}
	return out
}

// Len reports how many subscriptions are live.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
