package transport

import (
	"errors"
	"time"
)

var (
	// ErrNotStarted indicates an operation that requires an active service.
	ErrNotStarted = errors.New("transport: not started")
	// ErrUnknownPeer indicates the peer is not currently reachable.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("transport: closed")
)

// PeerID is an opaque, stable peer identifier. Equality and ordering are
// defined on the raw value; display names are never part of identity.
type PeerID string

// SessionState mirrors the session states reported by the underlying
// transport for one peer.
type SessionState int

const (
	// SessionUnknown is reported for states this layer does not recognize.
	SessionUnknown SessionState = iota
	// SessionConnecting means session establishment with the peer started.
	SessionConnecting
	// SessionConnected means an encrypted session to the peer is up.
	SessionConnected
	// SessionNotConnected means the session to the peer ended or failed.
	SessionNotConnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// Delegate receives transport notifications. Every callback may fire from
// an arbitrary transport-owned goroutine, concurrently with any other
// callback; implementations must only package the arguments into an event
// and hand it off, never block or mutate shared state directly.
type Delegate interface {
	// PeerFound reports a peer that became visible to browsing.
	PeerFound(id PeerID, displayName string)
	// PeerLost reports a peer that dropped out of browsing visibility.
	PeerLost(id PeerID)
	// InvitationReceived reports an inbound invitation. Exactly one call of
	// accept decides it; accept(false) declines.
	InvitationReceived(id PeerID, displayName string, context []byte, accept func(bool))
	// SessionStateChanged reports a session state transition for a peer.
	SessionStateChanged(id PeerID, displayName string, state SessionState)
	// DataReceived reports one payload received from a connected peer.
	DataReceived(from PeerID, payload []byte)
	// BrowseFailed reports that browsing could not start or stopped fatally.
	BrowseFailed(err error)
	// AdvertiseFailed reports that advertising could not start or stopped fatally.
	AdvertiseFailed(err error)
}

// Transport is the platform boundary this module orchestrates on top of.
//
// Stop calls are idempotent: stopping a service that is not running is a
// no-op and never returns an error. Close releases everything and makes
// the transport unusable.
type Transport interface {
	// SetDelegate installs the callback receiver. Must be called before any
	// Start call.
	SetDelegate(d Delegate)

	StartBrowsing() error
	StopBrowsing()

	StartAdvertising() error
	StopAdvertising()

	// Recreate tears down and rebuilds the underlying browse/advertise
	// service objects. Required after a lifecycle pause: the services are
	// not safely restartable once stopped. Established sessions survive.
	Recreate() error

	// Invite asks the peer to join a session, bounded by timeout. The
	// outcome arrives later as SessionStateChanged events.
	Invite(peer PeerID, context []byte, timeout time.Duration) error

	// Send delivers one best-effort payload to each listed connected peer.
	Send(payload []byte, to []PeerID) error

	// CancelConnection tears down any session or pending attempt to peer.
	CancelConnection(peer PeerID)

	// Disconnect tears down every established session.
	Disconnect()

	Close() error
}
