package broker

import (
	"time"

	"github.com/stompd/broker/frame"
	"github.com/stompd/broker/session"
)

// Conn is the per-connection handle a Handler operates on: the session
// state machine plus the fields CONNECT negotiation fills in and the
// Server it belongs to (for reaching the destination registry, config,
// and auth provider).
type Conn struct {
	*session.Session
	srv *Server

	Version string
	Ping    time.Duration
	Pong    time.Duration
}

// SendReceipt writes a RECEIPT for f's "receipt" header, if present, per
// §4.4: "Every frame bearing receipt: X demands a RECEIPT frame ... sent
// after the command's side effects are visible." Callers invoke this after
// applying the command's effects.
func (c *Conn) SendReceipt(f *frame.Frame) {
	if id, ok := f.Headers.Get(frame.HeaderReceipt); ok {
		_ = c.Write(frame.NewReceipt(id))
	}
}

// Fail sends an ERROR frame with message and closes the connection, per
// §4.4/§7: "any ERROR frame is followed by connection close."
func (c *Conn) Fail(message string, offending *frame.Frame) {
	var body []byte
	if offending != nil {
		body = []byte(offending.String())
	}
	_ = c.Write(frame.NewError(message, body))
	c.Close()
}
