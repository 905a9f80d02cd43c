// Package destination implements the destination registry (§4.1): the
// mapping from destination name to a Topic (fan-out) or Queue
// (round-robin) that owns the subscriber list and dispatches SEND frames.
package destination

import (
	"fmt"
	"log/slog"
	"sync"

	stomp "github.com/stompd/broker"
	"github.com/stompd/broker/frame"
	"github.com/stompd/broker/internal/idgen"
	"github.com/stompd/broker/internal/metrics"
	"github.com/stompd/broker/internal/workerpool"
	"github.com/stompd/broker/subscription"
)

// Destination fans a SEND out to one or more subscribers.
type Destination interface {
	Name() string
	Kind() stomp.DestinationKind
	Subscribe(sub *subscription.Subscription)
	Unsubscribe(id string, connID string) (removed bool, empty bool)
	Dispatch(send *frame.Frame) []dispatchResult
	// Redeliver re-dispatches a single message to a fresh subscriber,
	// skipping the one that just nacked it if another exists (Queue only;
	// Topic redelivery is a no-op since every subscriber already has it).
	Redeliver(messageID string, body []byte, headers *frame.Headers, skip *subscription.Subscription) []dispatchResult
	NumSubscriptions() int
}

// dispatchResult pairs a subscriber with the MESSAGE frame written to it,
// used by callers that need to know what was actually sent (tests, and the
// fan-out count the broker records on its dispatch span).
type dispatchResult struct {
	Sub     *subscription.Subscription
	Message *frame.Frame
}

// buildMessage copies SEND headers onto a MESSAGE frame bound for sub,
// stripping headers that must not be forwarded verbatim and adding the
// subscription/message-id/ack headers, per Topic.transform in the original
// implementation (§4 SUPPLEMENTED FEATURES).
func buildMessage(send *frame.Frame, sub *subscription.Subscription, messageID string) *frame.Frame {
	headers := send.Headers.Without(frame.HeaderReceipt)
	headers.Set(frame.HeaderSubscription, sub.ID)
	headers.Set(frame.HeaderMessageID, messageID)
	if sub.AckMode != stomp.AckAuto {
		headers.Set(frame.HeaderAck, messageID)
	}
	return &frame.Frame{Command: frame.MESSAGE, Headers: headers, Body: send.Body}
}

// Topic fans a SEND out to every current subscriber (§4.1 Topic).
type Topic struct {
	name string
	pool *workerpool.Pool
	mu   sync.Mutex
	subs []*subscription.Subscription
}

func newTopic(name string, pool *workerpool.Pool) *Topic { return &Topic{name: name, pool: pool} }

func (t *Topic) Name() string                    { return t.name }
func (t *Topic) Kind() stomp.DestinationKind      { return stomp.KindTopic }
func (t *Topic) NumSubscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic) Subscribe(sub *subscription.Subscription) {
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
}

func (t *Topic) Unsubscribe(id, connID string) (removed, empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.ID == id && s.Conn.ID() == connID {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return true, len(t.subs) == 0
		}
	}
	return false, len(t.subs) == 0
}

func (t *Topic) snapshot() []*subscription.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subscription.Subscription, len(t.subs))
	copy(out, t.subs)
	return out
}

// Dispatch fans send out to every current subscriber. When a worker pool is
// configured, each subscriber's delivery runs on the pool concurrently
// (§5 "different connections may be serviced in parallel"); Dispatch still
// blocks until every fan-out has been attempted so callers (transaction
// replay, tests) observe a consistent view of what was sent.
func (t *Topic) Dispatch(send *frame.Frame) []dispatchResult {
	subs := t.snapshot()
	if t.pool == nil || len(subs) <= 1 {
		results := make([]dispatchResult, 0, len(subs))
		for _, sub := range subs {
			results = append(results, deliverOne(sub, buildMessage(send, sub, idgen.NewMessageID())))
		}
		return results
	}

	results := make([]dispatchResult, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for i, sub := range subs {
		i, sub := i, sub
		msg := buildMessage(send, sub, idgen.NewMessageID())
		t.pool.Submit(func() {
			defer wg.Done()
			results[i] = deliverOne(sub, msg)
		})
	}
	wg.Wait()
	return results
}

// Redeliver on a Topic is a no-op: every current subscriber already
// received its own copy, so a NACK from one subscriber does not affect the
// others (there is no shared copy to hand to a different subscriber).
func (t *Topic) Redeliver(string, []byte, *frame.Headers, *subscription.Subscription) []dispatchResult {
	return nil
}

// Queue load-balances a SEND across subscribers by strict round robin,
// re-dispatching on NACK (§4.1 Queue).
type Queue struct {
	name   string
	mu     sync.Mutex
	subs   []*subscription.Subscription
	cursor int
}

func newQueue(name string) *Queue { return &Queue{name: name} }

func (q *Queue) Name() string                   { return q.name }
func (q *Queue) Kind() stomp.DestinationKind     { return stomp.KindQueue }
func (q *Queue) NumSubscriptions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *Queue) Subscribe(sub *subscription.Subscription) {
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
}

func (q *Queue) Unsubscribe(id, connID string) (removed, empty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subs {
		if s.ID == id && s.Conn.ID() == connID {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			if len(q.subs) > 0 {
				q.cursor %= len(q.subs)
			} else {
				q.cursor = 0
			}
			return true, len(q.subs) == 0
		}
	}
	return false, len(q.subs) == 0
}

// next selects and advances the round-robin cursor under the lock, skipping
// the excluded subscription if more than one candidate exists.
func (q *Queue) next(exclude *subscription.Subscription) (*subscription.Subscription, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.subs) == 0 {
		return nil, false
	}
	for attempt := 0; attempt < len(q.subs); attempt++ {
		sub := q.subs[q.cursor%len(q.subs)]
		q.cursor = (q.cursor + 1) % len(q.subs)
		if exclude == nil || sub.ID != exclude.ID || sub.Conn.ID() != exclude.Conn.ID() || len(q.subs) == 1 {
			return sub, true
		}
	}
	return nil, false
}

func (q *Queue) Dispatch(send *frame.Frame) []dispatchResult {
	sub, ok := q.next(nil)
	if !ok {
		// No subscribers: the message is dropped, no persistence (§4.1).
		return nil
	}
	msg := buildMessage(send, sub, idgen.NewMessageID())
	return []dispatchResult{deliverOne(sub, msg)}
}

func (q *Queue) Redeliver(messageID string, body []byte, headers *frame.Headers, skip *subscription.Subscription) []dispatchResult {
	sub, ok := q.next(skip)
	if !ok {
		return nil
	}
	h := headers.Without(frame.HeaderSubscription, frame.HeaderAck)
	h.Set(frame.HeaderSubscription, sub.ID)
	if sub.AckMode != stomp.AckAuto {
		h.Set(frame.HeaderAck, messageID)
	}
	msg := &frame.Frame{Command: frame.MESSAGE, Headers: h, Body: body}
	return []dispatchResult{deliverOne(sub, msg)}
}

// deliverOne writes msg to sub.Conn and tracks it as pending if the ack
// mode requires one. A write failure closes only that subscriber's
// connection (§7 "Dispatch-time failures ... close only that subscriber's
// connection"); the caller (dispatch loop) does not propagate the error to
// the sender.
func deliverOne(sub *subscription.Subscription, msg *frame.Frame) dispatchResult {
	messageID, _ := msg.Headers.Get(frame.HeaderMessageID)
	if sub.AckMode != stomp.AckAuto {
		sub.TrackPending(messageID, msg.Body, msg.Headers)
	}
	if err := sub.Conn.Write(msg); err != nil {
		metrics.IncError("dispatch", "write")
	} else {
		metrics.IncOp("MESSAGE")
	}
	return dispatchResult{Sub: sub, Message: msg}
}

// Registry maps destination names to Destinations, creating them lazily and
// removing them when their last subscriber leaves (if AutoGC).
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Destination
	AutoGC   bool
	Fallback stomp.DestinationKind
	pool     *workerpool.Pool
	l        *slog.Logger
}

// NewRegistry returns an empty registry. l may be nil, in which case a
// no-op logger is used. pool may be nil, in which case Topic fan-out runs
// synchronously on the dispatching goroutine.
func NewRegistry(autoGC bool, fallback stomp.DestinationKind, pool *workerpool.Pool, l *slog.Logger) *Registry {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		byName:   make(map[string]Destination),
		AutoGC:   autoGC,
		Fallback: fallback,
		pool:     pool,
		l:        l,
	}
}

// GetOrCreate returns the named Destination, creating one of the requested
// kind (or the registry's fallback, if kind is KindAuto) if it doesn't
// exist yet.
func (r *Registry) GetOrCreate(name string, kind stomp.DestinationKind) Destination {
	r.mu.RLock()
	d, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return d
	}

	if kind == stomp.KindAuto {
		kind = stomp.KindForName(name, r.Fallback)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byName[name]; ok {
		return d
	}
	var nd Destination
	if kind == stomp.KindQueue {
		nd = newQueue(name)
	} else {
		nd = newTopic(name, r.pool)
	}
	r.byName[name] = nd
	r.l.Debug("destination created", "name", name, "kind", kind)
	return nd
}

// Lookup returns the named Destination without creating it.
func (r *Registry) Lookup(name string) (Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Subscribe attaches sub to the destination named by sub.Destination,
// creating it if necessary.
func (r *Registry) Subscribe(sub *subscription.Subscription, kind stomp.DestinationKind) {
	d := r.GetOrCreate(sub.Destination, kind)
	d.Subscribe(sub)
}

// Unsubscribe removes the subscription with the given id from the named
// destination, GC'ing the destination if it becomes empty and AutoGC is on.
func (r *Registry) Unsubscribe(destName, subID, connID string) bool {
	r.mu.RLock()
	d, ok := r.byName[destName]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	removed, empty := d.Unsubscribe(subID, connID)
	if removed && empty && r.AutoGC {
		r.mu.Lock()
		if cur, ok := r.byName[destName]; ok && cur.NumSubscriptions() == 0 {
			delete(r.byName, destName)
			r.l.Debug("destination garbage collected", "name", destName)
		}
		r.mu.Unlock()
	}
	return removed
}

// Dispatch routes a SEND frame to the named destination, creating it
// lazily if it does not exist (§4.1 "Created lazily on first SUBSCRIBE or
// SEND").
func (r *Registry) Dispatch(destName string, send *frame.Frame) []dispatchResult {
	d := r.GetOrCreate(destName, stomp.KindAuto)
	return d.Dispatch(send)
}

// Redeliver re-dispatches a nacked message if the owning subscription's
// destination is a Queue, round-robining again and skipping the
// originating subscriber when another candidate exists (§4.1). It is a
// no-op for Topics and for unknown destinations.
func (r *Registry) Redeliver(destName, messageID string, body []byte, headers *frame.Headers, skip *subscription.Subscription) {
	d, ok := r.Lookup(destName)
	if !ok {
		return
	}
	if q, isQueue := d.(*Queue); isQueue {
		results := q.Redeliver(messageID, body, headers, skip)
		if len(results) > 0 {
			metrics.IncOp("MESSAGE_REDELIVERED")
		}
	}
}

// ErrUnknownDestinationKind wraps a rejected Config.DefaultDestinationKind
// value in broker.NewServer, which validates it before it ever reaches
// GetOrCreate (GetOrCreate itself only ever receives KindAuto/KindTopic/
// KindQueue constants, never a raw string).
var ErrUnknownDestinationKind = fmt.Errorf("destination: unknown kind")
