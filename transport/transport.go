// Package transport defines the reliable/unreliable packet endpoint
// described in §4.1: two logical channels (CONTROL and GAMEPLAY) over
// an unreliable datagram network, exposing only the narrow surface the
// Session Runner and Rollback Engine need.
package transport

import (
	"errors"
	"time"
)

// Channel is one of the two logical channels named in §4.1. CONTROL is
// reliable and ordered; GAMEPLAY is unreliable. A Transport
// implementation is free to choose how that contract is met (a
// reliable-UDP library, a QUIC stream+datagram pair, …) — callers only
// ever see these two logical channels.
type Channel int

const (
	// ChannelControl carries session management and chat traffic.
	// Reliable, ordered.
	ChannelControl Channel = iota

	// ChannelGameplay carries the Rollback Engine's wire protocol.
	// Unreliable; may be dropped or reordered.
	ChannelGameplay
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "CONTROL"
	case ChannelGameplay:
		return "GAMEPLAY"
	default:
		return "UNKNOWN"
	}
}

// PeerHandle identifies one connected remote peer. The zero value
// never refers to a live peer.
type PeerHandle uint32

// EventKind classifies a polled Event.
type EventKind int

const (
	EventNone EventKind = iota
	EventConnected
	EventDisconnected
	EventReceived
)

// Event is what Poll returns: a peer connecting, disconnecting, or a
// single message arriving on one channel.
type Event struct {
	Kind    EventKind
	Peer    PeerHandle
	Channel Channel
	Data    []byte
}

// ErrPollTimeout is returned by Poll when the deadline is reached
// without any event arriving — "must return promptly once the
// deadline is reached, even if no event occurred" (§4.1).
var ErrPollTimeout = errors.New("transport: poll deadline reached")

// Transport is the reliable/unreliable packet endpoint described in
// §4.1. Every method runs on the single cooperative CPU thread (§5);
// Poll is the only method that may block, and only up to its
// deadline.
type Transport interface {
	// Start binds the local endpoint. maxPeers is the number of remote
	// peers the session expects (MAX_PLAYERS - 1 at most); the
	// implementations in this module do not enforce it as a limit.
	Start(localPort int, maxPeers int) error

	// Dial connects to a remote peer, returning a handle once the
	// underlying connection attempt has been initiated. The
	// Connected event for this peer arrives later, via Poll.
	Dial(address string) (PeerHandle, error)

	// Send transmits data to peer on channel. reliable is honored
	// only as a sanity check: CONTROL is always sent reliably and
	// GAMEPLAY is always sent unreliably, matching the fixed
	// per-channel contract in §4.1's table; a mismatched reliable
	// argument is a programmer error and panics rather than silently
	// changing delivery semantics.
	Send(peer PeerHandle, ch Channel, data []byte, reliable bool) error

	// Broadcast transmits data to every connected peer on channel.
	Broadcast(ch Channel, data []byte) error

	// Poll waits for the next event, blocking no longer than
	// deadline. It returns (Event{}, ErrPollTimeout) if the deadline
	// passes with nothing to report.
	Poll(deadline time.Time) (Event, error)

	// Disconnect tears down peer. graceful requests an orderly
	// close (used when the local peer is shutting the session down);
	// when false, the connection is torn down immediately (used when
	// dropping a misbehaving peer).
	Disconnect(peer PeerHandle, graceful bool) error

	// Reset discards peer and any buffered state for it (sequence
	// numbers, pending reliable sends) — used before re-dialing a peer
	// that previously existed under the same handle space, per §4.2's
	// reconnection flow. faketransport's Reset does nothing;
	// quictransport's closes the connection as Disconnect(peer, false)
	// does.
	Reset(peer PeerHandle) error

	// Close releases the local endpoint entirely.
	Close() error
}
