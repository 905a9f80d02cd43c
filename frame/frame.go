// Package frame implements the STOMP 1.2 frame model: commands, ordered
// headers, and the text wire encoding described in
// https://stomp.github.io/stomp-specification-1.2.html.
package frame

import "fmt"

// Command identifies the STOMP verb of a Frame.
type Command string

const (
	CONNECT     Command = "CONNECT"
	STOMP       Command = "STOMP"
	CONNECTED   Command = "CONNECTED"
	SEND        Command = "SEND"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	ACK         Command = "ACK"
	NACK        Command = "NACK"
	BEGIN       Command = "BEGIN"
	COMMIT      Command = "COMMIT"
	ABORT       Command = "ABORT"
	DISCONNECT  Command = "DISCONNECT"
	MESSAGE     Command = "MESSAGE"
	RECEIPT     Command = "RECEIPT"
	ERROR       Command = "ERROR"
	PING        Command = ""
)

// Reserved header names the engine reads or writes.
const (
	HeaderDestination  = "destination"
	HeaderID           = "id"
	HeaderSubscription = "subscription"
	HeaderAck          = "ack"
	HeaderMessageID    = "message-id"
	HeaderTransaction  = "transaction"
	HeaderReceipt      = "receipt"
	HeaderReceiptID    = "receipt-id"
	HeaderHeartBeat    = "heart-beat"
	HeaderContentLen   = "content-length"
	HeaderMessage      = "message"
	HeaderVersion      = "version"
	HeaderSession      = "session"
	HeaderLogin        = "login"
	HeaderPasscode     = "passcode"
	HeaderAcceptVer    = "accept-version"
	HeaderHost         = "host"
)

// Headers is an ordered header multimap: STOMP frames may repeat a header
// name, and the first occurrence wins on read while all are preserved on
// the wire, matching the 1.2 spec's "only the first header entry SHOULD be
// used" rule.
type Headers struct {
	keys   []string
	values []string
}

// NewHeaders returns an empty ordered header set.
func NewHeaders() *Headers {
	return &Headers{}
}

// Set appends a header, keeping insertion order. Use Set even to update a
// value that already exists earlier; Get always returns the first entry so
// later Sets act as additions, matching STOMP's repeated-header semantics.
func (h *Headers) Set(key, value string) *Headers {
	h.keys = append(h.keys, key)
	h.values = append(h.values, value)
	return h
}

// Get returns the first value for key and whether it was present.
func (h *Headers) Get(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	for i, k := range h.keys {
		if k == key {
			return h.values[i], true
		}
	}
	return "", false
}

// GetDefault returns the first value for key, or def if absent.
func (h *Headers) GetDefault(key, def string) string {
	if v, ok := h.Get(key); ok {
		return v
	}
	return def
}

// Has reports whether key is present at least once.
func (h *Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Each iterates headers in wire order.
func (h *Headers) Each(fn func(key, value string)) {
	if h == nil {
		return
	}
	for i, k := range h.keys {
		fn(k, h.values[i])
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return NewHeaders()
	}
	c := &Headers{
		keys:   make([]string, len(h.keys)),
		values: make([]string, len(h.values)),
	}
	copy(c.keys, h.keys)
	copy(c.values, h.values)
	return c
}

// Without returns a clone with every occurrence of the given keys removed.
func (h *Headers) Without(keys ...string) *Headers {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := NewHeaders()
	h.Each(func(k, v string) {
		if _, skip := drop[k]; !skip {
			out.Set(k, v)
		}
	})
	return out
}

// Len returns the number of header entries (including repeats).
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Frame is a complete STOMP protocol unit.
type Frame struct {
	Command Command
	Headers *Headers
	Body    []byte
}

// New builds a Frame with a fresh, empty header set.
func New(cmd Command) *Frame {
	return &Frame{Command: cmd, Headers: NewHeaders()}
}

// NewWithHeaders builds a Frame from key/value pairs, applied in order.
func NewWithHeaders(cmd Command, kv ...string) *Frame {
	f := New(cmd)
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers.Set(kv[i], kv[i+1])
	}
	return f
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s{headers=%d, body=%dB}", f.Command, f.Headers.Len(), len(f.Body))
}

// NewError builds an ERROR frame with the given human-readable message and
// optional body, echoing the offending frame per §4.4/§7.
func NewError(message string, body []byte) *Frame {
	f := New(ERROR)
	f.Headers.Set(HeaderMessage, message)
	if body != nil {
		f.Headers.Set(HeaderContentLen, fmt.Sprintf("%d", len(body)))
		f.Body = body
	}
	return f
}

// NewReceipt builds a RECEIPT frame for the given receipt id.
func NewReceipt(receiptID string) *Frame {
	f := New(RECEIPT)
	f.Headers.Set(HeaderReceiptID, receiptID)
	return f
}
