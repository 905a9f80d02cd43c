package broker

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	stomp "github.com/stompd/broker"
	"github.com/stompd/broker/frame"
	"github.com/stompd/broker/internal/metrics"
	"github.com/stompd/broker/internal/observability"
	"github.com/stompd/broker/subscription"
)

// Handler is the command dispatcher's plug-in surface (§9): "the original
// exposes every command as an overridable callback; re-architect as an
// interface whose default methods implement the standard semantics and
// whose alternate implementations can be substituted per server instance."
// Go has no default interface methods, so the idiom is DefaultHandler:
// embed it in a custom type and override only the methods you need.
type Handler interface {
	HandleConnect(c *Conn, f *frame.Frame)
	HandleSend(c *Conn, f *frame.Frame)
	HandleSubscribe(c *Conn, f *frame.Frame)
	HandleUnsubscribe(c *Conn, f *frame.Frame)
	HandleBegin(c *Conn, f *frame.Frame)
	HandleCommit(c *Conn, f *frame.Frame)
	HandleAbort(c *Conn, f *frame.Frame)
	HandleAck(c *Conn, f *frame.Frame)
	HandleNack(c *Conn, f *frame.Frame)
	HandleDisconnect(c *Conn, f *frame.Frame)
}

// DefaultHandler implements the standard STOMP 1.2 semantics of §4.3.
// Embed it in a custom Handler and override individual methods to change
// behavior for one server instance while keeping the rest.
type DefaultHandler struct {
	srv *Server
}

var _ Handler = (*DefaultHandler)(nil)

// HandleSend implements SEND (§4.3 SEND): buffers into a transaction if
// requested, otherwise dispatches immediately.
func (h *DefaultHandler) HandleSend(c *Conn, f *frame.Frame) {
	if !f.Headers.Has(frame.HeaderDestination) {
		c.Fail("Missing destination header", f)
		return
	}

	if txID, inTx := f.Headers.Get(frame.HeaderTransaction); inTx {
		tx, ok := c.Transactions.Get(txID)
		if !ok {
			c.Transactions.DestroyAll()
			h.srv.updateTxMetric()
			c.Fail(fmt.Sprintf("Unknown transaction: %s", txID), f)
			return
		}
		if _, ok := tx.Append(f, h.srv.cfg.MaxFrameInTransaction); !ok {
			c.Transactions.DestroyAll()
			h.srv.updateTxMetric()
			c.Fail("too many frames in transaction", f)
			return
		}
		c.SendReceipt(f)
		return
	}

	h.dispatchSend(c, f)
	c.SendReceipt(f)
}

func (h *DefaultHandler) dispatchSend(c *Conn, f *frame.Frame) {
	dest, _ := f.Headers.Get(frame.HeaderDestination)

	_, span := observability.Tracer().Start(context.Background(), "stomp.dispatch",
		trace.WithAttributes(attribute.String("stomp.destination", dest)))
	defer span.End()

	start := time.Now()
	results := h.srv.registry.Dispatch(dest, f)
	metrics.ObserveDispatch(time.Since(start))
	span.SetAttributes(attribute.Int("stomp.dispatch.fanout", len(results)))
	metrics.IncOp(string(frame.SEND))
}

// HandleSubscribe implements SUBSCRIBE (§4.3).
func (h *DefaultHandler) HandleSubscribe(c *Conn, f *frame.Frame) {
	id, ok := f.Headers.Get(frame.HeaderID)
	if !ok {
		c.Fail("Missing id header", f)
		return
	}
	dest, ok := f.Headers.Get(frame.HeaderDestination)
	if !ok {
		c.Fail("Missing destination header", f)
		return
	}
	if _, exists := c.Subscriptions.Get(id); exists {
		c.Fail("duplicate subscription id", f)
		return
	}
	ackRaw, _ := f.Headers.Get(frame.HeaderAck)
	mode, ok := stomp.ParseAckMode(ackRaw)
	if !ok {
		c.Fail(fmt.Sprintf("invalid ack mode: %s", ackRaw), f)
		return
	}

	sub := subscription.New(id, c, dest, mode)
	c.Subscriptions.Add(sub)
	h.srv.registry.Subscribe(sub, stomp.KindAuto)
	metrics.IncOp(string(frame.SUBSCRIBE))
	c.SendReceipt(f)
}

// HandleUnsubscribe implements UNSUBSCRIBE (§4.3).
func (h *DefaultHandler) HandleUnsubscribe(c *Conn, f *frame.Frame) {
	id, ok := f.Headers.Get(frame.HeaderID)
	if !ok {
		c.Fail("Missing id header", f)
		return
	}
	sub, ok := c.Subscriptions.Remove(id)
	if !ok {
		c.Fail("unknown subscription", f)
		return
	}
	h.srv.registry.Unsubscribe(sub.Destination, sub.ID, c.ID())
	metrics.IncOp(string(frame.UNSUBSCRIBE))
	c.SendReceipt(f)
}

// HandleBegin implements BEGIN (§4.3, testable property #2).
func (h *DefaultHandler) HandleBegin(c *Conn, f *frame.Frame) {
	txID, ok := f.Headers.Get(frame.HeaderTransaction)
	if !ok {
		c.Fail("Missing transaction header", f)
		return
	}
	if _, ok := c.Transactions.Begin(txID); !ok {
		c.Fail(fmt.Sprintf("Already existing transaction: %s", txID), f)
		return
	}
	h.srv.updateTxMetric()
	metrics.IncOp(string(frame.BEGIN))
	c.SendReceipt(f)
}

// HandleCommit implements COMMIT (§4.3, testable properties #1, #5, #6).
func (h *DefaultHandler) HandleCommit(c *Conn, f *frame.Frame) {
	txID, ok := f.Headers.Get(frame.HeaderTransaction)
	if !ok {
		c.Fail("Missing transaction header", f)
		return
	}
	tx, ok := c.Transactions.Get(txID)
	if !ok {
		c.Transactions.DestroyAll()
		h.srv.updateTxMetric()
		c.Fail(fmt.Sprintf("Unknown transaction: %s", txID), f)
		return
	}

	_, span := observability.Tracer().Start(context.Background(), "stomp.transaction.commit",
		trace.WithAttributes(attribute.String("stomp.transaction", txID)))
	defer span.End()

	frames := tx.Frames()
	span.SetAttributes(attribute.Int("stomp.transaction.frame_count", len(frames)))
	c.Transactions.Delete(txID)
	h.srv.updateTxMetric()

	h.replay(c, frames)
	metrics.IncOp(string(frame.COMMIT))
	c.SendReceipt(f)
}

// replay dispatches a committed transaction's buffered frames in insertion
// order, chunked per Config.TransactionChunkSize so other connections make
// progress on a very large transaction (§4.3 "Chunking", testable
// property #6).
func (h *DefaultHandler) replay(c *Conn, frames []*frame.Frame) {
	chunk := h.srv.cfg.TransactionChunkSize
	if chunk <= 0 {
		h.replayChunk(c, frames)
		return
	}
	for start := 0; start < len(frames); start += chunk {
		end := min(start+chunk, len(frames))
		h.replayChunk(c, frames[start:end])
		if end < len(frames) {
			runtime.Gosched()
		}
	}
}

func (h *DefaultHandler) replayChunk(c *Conn, frames []*frame.Frame) {
	for _, buffered := range frames {
		h.replayOne(c, buffered)
	}
}

func (h *DefaultHandler) replayOne(c *Conn, buffered *frame.Frame) {
	switch buffered.Command {
	case frame.SEND:
		h.dispatchSend(c, buffered)
	case frame.ACK:
		h.applyAck(c, buffered)
	case frame.NACK:
		h.applyNack(c, buffered)
	}
}

// HandleAbort implements ABORT (§4.3, testable properties #1, #3).
func (h *DefaultHandler) HandleAbort(c *Conn, f *frame.Frame) {
	txID, ok := f.Headers.Get(frame.HeaderTransaction)
	if !ok {
		c.Fail("Missing transaction header", f)
		return
	}
	if _, ok := c.Transactions.Get(txID); !ok {
		c.Transactions.DestroyAll()
		h.srv.updateTxMetric()
		c.Fail(fmt.Sprintf("Unknown transaction: %s", txID), f)
		return
	}
	_, span := observability.Tracer().Start(context.Background(), "stomp.transaction.abort",
		trace.WithAttributes(attribute.String("stomp.transaction", txID)))
	defer span.End()

	c.Transactions.Delete(txID)
	h.srv.updateTxMetric()
	metrics.IncOp(string(frame.ABORT))
	c.SendReceipt(f)
}

// HandleAck implements ACK (§4.3).
func (h *DefaultHandler) HandleAck(c *Conn, f *frame.Frame) {
	h.handleAckOrNack(c, f, false)
}

// HandleNack implements NACK (§4.3).
func (h *DefaultHandler) HandleNack(c *Conn, f *frame.Frame) {
	h.handleAckOrNack(c, f, true)
}

func (h *DefaultHandler) handleAckOrNack(c *Conn, f *frame.Frame, nack bool) {
	_, ok := f.Headers.Get(frame.HeaderID)
	if !ok {
		c.Fail("Missing id header", f)
		return
	}

	if txID, inTx := f.Headers.Get(frame.HeaderTransaction); inTx {
		tx, ok := c.Transactions.Get(txID)
		if !ok {
			c.Transactions.DestroyAll()
			h.srv.updateTxMetric()
			c.Fail(fmt.Sprintf("Unknown transaction: %s", txID), f)
			return
		}
		if _, ok := tx.Append(f, h.srv.cfg.MaxFrameInTransaction); !ok {
			c.Transactions.DestroyAll()
			h.srv.updateTxMetric()
			c.Fail("too many frames in transaction", f)
			return
		}
		c.SendReceipt(f)
		return
	}

	if nack {
		h.applyNack(c, f)
	} else {
		h.applyAck(c, f)
	}
	c.SendReceipt(f)
}

func (h *DefaultHandler) applyAck(c *Conn, f *frame.Frame) {
	ackID, _ := f.Headers.Get(frame.HeaderID)
	sub, ok := c.Subscriptions.FindByAckID(ackID)
	if !ok {
		h.unknownAck(c, f)
		return
	}
	sub.Resolve(ackID)
	metrics.IncOp(string(frame.ACK))
}

func (h *DefaultHandler) applyNack(c *Conn, f *frame.Frame) {
	ackID, _ := f.Headers.Get(frame.HeaderID)
	sub, ok := c.Subscriptions.FindByAckID(ackID)
	if !ok {
		h.unknownAck(c, f)
		return
	}
	removed := sub.Resolve(ackID)
	for _, pm := range removed {
		h.srv.registry.Redeliver(sub.Destination, pm.ID, pm.Body, pm.Headers, sub)
	}
	metrics.IncOp(string(frame.NACK))
}

// unknownAck implements §4.3: "If the ack-id is unknown, the frame is
// ignored (or ERROR if strict mode)."
func (h *DefaultHandler) unknownAck(c *Conn, f *frame.Frame) {
	if h.srv.cfg.StrictAck {
		c.Fail("unknown ack id", f)
	}
}

// HandleDisconnect implements DISCONNECT (§4.3, §4.5).
func (h *DefaultHandler) HandleDisconnect(c *Conn, f *frame.Frame) {
	c.SendReceipt(f)
	c.Close()
}

// HandleConnect is unused on DefaultHandler: negotiation happens once, in
// Server.negotiateConnect, before a Conn is handed to the Handler at all,
// since it must run before the state machine reaches CONNECTED. It is part
// of the interface so alternate Handlers can intercept post-negotiation
// bookkeeping (e.g. audit logging) without re-implementing negotiation.
func (h *DefaultHandler) HandleConnect(c *Conn, f *frame.Frame) {}
