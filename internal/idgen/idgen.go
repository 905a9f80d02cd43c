// Package idgen centralizes id generation for sessions and messages. The
// reference broker allocates correlation ids from a fixed byte pool sized
// to its wire protocol; this engine has no such wire constraint, so it
// generates UUIDs instead, grounded on the same google/uuid dependency the
// reference pulls in for connector correlation ids.
package idgen

import "github.com/google/uuid"

// NewMessageID returns a fresh unique message id, suitable for the
// "message-id" header of a MESSAGE frame.
func NewMessageID() string {
	return uuid.NewString()
}

// NewSessionID returns a fresh unique session id, suitable for the
// "session" header of a CONNECTED frame.
func NewSessionID() string {
	return "sess-" + uuid.NewString()
}
