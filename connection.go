package stomp

import "github.com/stompd/broker/frame"

// Conn is the surface the destination registry, subscription table and
// transaction manager need from a connection session: a stable identity and
// a way to push a frame to it. session.Session implements this; tests use
// lightweight fakes. Keeping this minimal (rather than importing the full
// session.Session type) avoids an import cycle between session and
// destination/txn/subscription.
type Conn interface {
	ID() string
	Write(f *frame.Frame) error
}
