package mesh

import (
	"sort"
	"time"

	"nearlink/transport"
)

// registry tracks registered members, discovery visibility, first-seen
// timestamps, and per-peer retry counters. It is owned by the coordinator
// run loop and accessed only from there, so it carries no locking.
type registry struct {
	members   map[transport.PeerID]*Peer
	visible   map[transport.PeerID]string
	firstSeen map[transport.PeerID]time.Time
	retries   map[transport.PeerID]int
}

func newRegistry() *registry {
	return &registry{
		members:   make(map[transport.PeerID]*Peer),
		visible:   make(map[transport.PeerID]string),
		firstSeen: make(map[transport.PeerID]time.Time),
		retries:   make(map[transport.PeerID]int),
	}
}

// noteSighting records the first-seen timestamp for a peer if none is
// recorded. Any category of sighting counts: discovery, an inbound
// invitation, or a connecting transition.
func (r *registry) noteSighting(id transport.PeerID, now time.Time) {
	if _, ok := r.firstSeen[id]; !ok {
		r.firstSeen[id] = now
	}
}

func (r *registry) firstSeenAt(id transport.PeerID) (time.Time, bool) {
	t, ok := r.firstSeen[id]
	return t, ok
}

func (r *registry) clearFirstSeen(id transport.PeerID) {
	delete(r.firstSeen, id)
}

func (r *registry) setVisible(id transport.PeerID, displayName string) {
	r.visible[id] = displayName
}

func (r *registry) dropVisible(id transport.PeerID) {
	delete(r.visible, id)
}

func (r *registry) isVisible(id transport.PeerID) bool {
	_, ok := r.visible[id]
	return ok
}

// ensureMember returns the member entry for id, creating it if needed.
// A newly created entry starts disconnected with the given selection
// default.
func (r *registry) ensureMember(id transport.PeerID, displayName string, selected bool) *Peer {
	if p, ok := r.members[id]; ok {
		if displayName != "" {
			p.DisplayName = displayName
		}
		return p
	}
	p := &Peer{ID: id, DisplayName: displayName, Selected: selected}
	if ts, ok := r.firstSeen[id]; ok {
		seen := ts
		p.DiscoveredAt = &seen
	}
	r.members[id] = p
	return p
}

func (r *registry) member(id transport.PeerID) *Peer {
	return r.members[id]
}

func (r *registry) removeMember(id transport.PeerID) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

// stateOf derives the orchestration-level state of a peer.
func (r *registry) stateOf(id transport.PeerID) PeerState {
	if p, ok := r.members[id]; ok {
		if p.Connected {
			return StateConnected
		}
		return StateConnecting
	}
	if r.isVisible(id) {
		return StateDiscovered
	}
	return StateNotPresent
}

// connectedIDs returns every connected member, unordered.
func (r *registry) connectedIDs() []transport.PeerID {
	var out []transport.PeerID
	for id, p := range r.members {
		if p.Connected {
			out = append(out, id)
		}
	}
	return out
}

// selectedConnectedIDs returns connected members currently selected as
// payload targets, unordered.
func (r *registry) selectedConnectedIDs() []transport.PeerID {
	var out []transport.PeerID
	for id, p := range r.members {
		if p.Connected && p.Selected {
			out = append(out, id)
		}
	}
	return out
}

// memberList returns a defensive copy of the members sorted by display
// name, then ID for a stable order.
func (r *registry) memberList() []Peer {
	out := make([]Peer, 0, len(r.members))
	for _, p := range r.members {
		cp := *p
		if p.DiscoveredAt != nil {
			ts := *p.DiscoveredAt
			cp.DiscoveredAt = &ts
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *registry) bumpRetry(id transport.PeerID) int {
	r.retries[id]++
	return r.retries[id]
}

func (r *registry) clearRetry(id transport.PeerID) {
	delete(r.retries, id)
}
