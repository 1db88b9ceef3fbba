package mesh

import (
	"time"

	"nearlink/transport"
)

// PeerState is the orchestration-level view of one peer, derived from
// registry membership and discovery visibility.
type PeerState int

const (
	// StateNotPresent means the peer is neither visible nor a member.
	StateNotPresent PeerState = iota
	// StateDiscovered means the peer is visible but has no session.
	StateDiscovered
	// StateConnecting means session establishment is in flight.
	StateConnecting
	// StateConnected means the peer is a connected registry member.
	StateConnected
)

func (s PeerState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "not_present"
	}
}

// Peer is one registered mesh member as exposed to the UI boundary.
// Selected gates outbound test payloads; it never affects connection
// management.
type Peer struct {
	ID          transport.PeerID
	DisplayName string
	Selected    bool
	Connected   bool
	// DiscoveredAt is the first sighting of this peer in the current
	// establishment attempt; cleared once the session connects.
	DiscoveredAt *time.Time
}

// LocalIdentity names this device on the mesh. The ID is the tie-break
// key; the display name is cosmetic.
type LocalIdentity struct {
	ID          transport.PeerID
	DisplayName string
}

// localInitiates reports whether the local side is the one that invites
// in the pair (local, remote). Exactly one side of any pair satisfies
// this, which is what prevents duplicate simultaneous invitations.
func localInitiates(local, remote transport.PeerID) bool {
	return local < remote
}
