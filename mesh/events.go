package mesh

import "nearlink/transport"

type discoveryKind int

const (
	discoveryFound discoveryKind = iota
	discoveryLost
	discoveryFailed
)

// discoveryEvent carries one browsing notification.
type discoveryEvent struct {
	kind        discoveryKind
	peer        transport.PeerID
	displayName string
	err         error
}

// advertisingEvent carries an inbound invitation or an advertise failure.
type advertisingEvent struct {
	peer        transport.PeerID
	displayName string
	context     []byte
	accept      func(bool)
	err         error
}

// sessionEvent carries one session state transition.
type sessionEvent struct {
	peer        transport.PeerID
	displayName string
	state       transport.SessionState
}

// dataEvent carries one received payload.
type dataEvent struct {
	from    transport.PeerID
	payload []byte
}

// funnelDelegate adapts transport callbacks into funnel pushes. Each
// callback only packages its arguments and enqueues; the coordinator run
// loop does all the work.
type funnelDelegate struct {
	c *Coordinator
}

var _ transport.Delegate = (*funnelDelegate)(nil)

func (d *funnelDelegate) PeerFound(id transport.PeerID, displayName string) {
	d.c.discoveryEvents.push(discoveryEvent{kind: discoveryFound, peer: id, displayName: displayName})
}

func (d *funnelDelegate) PeerLost(id transport.PeerID) {
	d.c.discoveryEvents.push(discoveryEvent{kind: discoveryLost, peer: id})
}

func (d *funnelDelegate) BrowseFailed(err error) {
	d.c.discoveryEvents.push(discoveryEvent{kind: discoveryFailed, err: err})
}

func (d *funnelDelegate) InvitationReceived(id transport.PeerID, displayName string, context []byte, accept func(bool)) {
	d.c.advertisingEvents.push(advertisingEvent{peer: id, displayName: displayName, context: context, accept: accept})
}

func (d *funnelDelegate) AdvertiseFailed(err error) {
	d.c.advertisingEvents.push(advertisingEvent{err: err})
}

func (d *funnelDelegate) SessionStateChanged(id transport.PeerID, displayName string, state transport.SessionState) {
	d.c.sessionEvents.push(sessionEvent{peer: id, displayName: displayName, state: state})
}

func (d *funnelDelegate) DataReceived(from transport.PeerID, payload []byte) {
	d.c.dataEvents.push(dataEvent{from: from, payload: payload})
}
