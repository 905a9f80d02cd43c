// Package stomp holds the shared vocabulary of the broker's session
// engine: ack modes and the handful of cross-package constants every other
// package in this module depends on. Concrete state lives in subscription,
// destination, txn, session and broker.
package stomp

import "strings"

// AckMode is the acknowledgement discipline negotiated on SUBSCRIBE via the
// "ack" header, defaulting to AckAuto.
type AckMode string

const (
	AckAuto             AckMode = "auto"
	AckClient           AckMode = "client"
	AckClientIndividual AckMode = "client-individual"
)

// ParseAckMode maps a raw header value to an AckMode, defaulting to
// AckAuto for an empty string and returning false for anything else
// unrecognized.
func ParseAckMode(raw string) (AckMode, bool) {
	switch AckMode(raw) {
	case "":
		return AckAuto, true
	case AckAuto, AckClient, AckClientIndividual:
		return AckMode(raw), true
	default:
		return "", false
	}
}

// DestinationKind distinguishes fan-out Topics from load-balancing Queues.
type DestinationKind int

const (
	KindAuto DestinationKind = iota
	KindTopic
	KindQueue
)

// KindForName infers a destination's kind from its name, per §3: names
// starting with "/topic/" are topics, "/queue/" are queues, and any other
// configured name defaults to the server's configured fallback kind.
func KindForName(name string, fallback DestinationKind) DestinationKind {
	switch {
	case strings.HasPrefix(name, "/topic/"):
		return KindTopic
	case strings.HasPrefix(name, "/queue/"):
		return KindQueue
	default:
		return fallback
	}
}
