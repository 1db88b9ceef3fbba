package transport

import (
	"sync"
	"time"
)

// Hub connects in-process MemoryTransport nodes. It models the radio: an
// advertising node is visible to every browsing node, invitations travel
// between attached nodes, and established links carry payloads. Used by
// tests and by the loopback demo mode.
type Hub struct {
	mu    sync.Mutex
	nodes map[PeerID]*MemoryTransport
	links map[linkKey]bool
}

type linkKey struct{ a, b PeerID }

func orderedLink(x, y PeerID) linkKey {
	if x < y {
		return linkKey{x, y}
	}
	return linkKey{y, x}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes: make(map[PeerID]*MemoryTransport),
		links: make(map[linkKey]bool),
	}
}

// Attach creates a transport for id and joins it to the hub.
func (h *Hub) Attach(id PeerID, displayName string) *MemoryTransport {
	t := &MemoryTransport{
		hub:    h,
		id:     id,
		name:   displayName,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
	}
	go t.dispatchLoop()

	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

// DropLink severs an established link without touching discovery
// visibility, simulating an unexpected radio drop. Both sides observe a
// not-connected transition.
func (h *Hub) DropLink(a, b PeerID) {
	h.mu.Lock()
	key := orderedLink(a, b)
	linked := h.links[key]
	delete(h.links, key)
	na, nb := h.nodes[a], h.nodes[b]
	h.mu.Unlock()

	if !linked {
		return
	}
	if na != nil {
		na.notifySessionState(b, h.displayName(b), SessionNotConnected)
	}
	if nb != nil {
		nb.notifySessionState(a, h.displayName(a), SessionNotConnected)
	}
}

// Linked reports whether a and b currently share an established link.
func (h *Hub) Linked(a, b PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[orderedLink(a, b)]
}

func (h *Hub) displayName(id PeerID) string {
	if n, ok := h.nodes[id]; ok {
		return n.name
	}
	return ""
}

func (h *Hub) establish(a, b PeerID) {
	h.mu.Lock()
	h.links[orderedLink(a, b)] = true
	h.mu.Unlock()
}

func (h *Hub) sever(a, b PeerID, notify bool) {
	h.mu.Lock()
	key := orderedLink(a, b)
	linked := h.links[key]
	delete(h.links, key)
	na, nb := h.nodes[a], h.nodes[b]
	nameA, nameB := "", ""
	if na != nil {
		nameA = na.name
	}
	if nb != nil {
		nameB = nb.name
	}
	h.mu.Unlock()

	if !linked || !notify {
		return
	}
	if na != nil {
		na.notifySessionState(b, nameB, SessionNotConnected)
	}
	if nb != nil {
		nb.notifySessionState(a, nameA, SessionNotConnected)
	}
}

func (h *Hub) linksOf(id PeerID) []PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []PeerID
	for key, ok := range h.links {
		if !ok {
			continue
		}
		switch id {
		case key.a:
			out = append(out, key.b)
		case key.b:
			out = append(out, key.a)
		}
	}
	return out
}

func (h *Hub) detach(id PeerID) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

// MemoryTransport is the hub-backed Transport implementation. Delegate
// callbacks are delivered in order on a single dispatch goroutine per
// node, mirroring how a platform transport serializes its callbacks onto
// an internal queue the caller does not control.
type MemoryTransport struct {
	hub  *Hub
	id   PeerID
	name string

	mu          sync.Mutex
	delegate    Delegate
	browsing    bool
	advertising bool
	closed      bool

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

// ID returns the peer ID this node is attached under.
func (t *MemoryTransport) ID() PeerID { return t.id }

func (t *MemoryTransport) SetDelegate(d Delegate) {
	t.mu.Lock()
	t.delegate = d
	t.mu.Unlock()
}

func (t *MemoryTransport) dispatchLoop() {
	for {
		select {
		case fn := <-t.events:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *MemoryTransport) enqueue(fn func()) {
	select {
	case t.events <- fn:
	case <-t.done:
	}
}

func (t *MemoryTransport) currentDelegate() Delegate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delegate
}

func (t *MemoryTransport) notifySessionState(peer PeerID, name string, state SessionState) {
	t.enqueue(func() {
		if d := t.currentDelegate(); d != nil {
			d.SessionStateChanged(peer, name, state)
		}
	})
}

func (t *MemoryTransport) StartBrowsing() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.browsing = true
	t.mu.Unlock()

	// Report every node that is already advertising.
	t.hub.mu.Lock()
	var visible []*MemoryTransport
	for id, node := range t.hub.nodes {
		if id == t.id {
			continue
		}
		node.mu.Lock()
		if node.advertising {
			visible = append(visible, node)
		}
		node.mu.Unlock()
	}
	t.hub.mu.Unlock()

	for _, node := range visible {
		id, name := node.id, node.name
		t.enqueue(func() {
			if d := t.currentDelegate(); d != nil {
				d.PeerFound(id, name)
			}
		})
	}
	return nil
}

func (t *MemoryTransport) StopBrowsing() {
	t.mu.Lock()
	t.browsing = false
	t.mu.Unlock()
}

func (t *MemoryTransport) StartAdvertising() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.advertising = true
	t.mu.Unlock()

	t.hub.mu.Lock()
	var watchers []*MemoryTransport
	for id, node := range t.hub.nodes {
		if id == t.id {
			continue
		}
		node.mu.Lock()
		if node.browsing {
			watchers = append(watchers, node)
		}
		node.mu.Unlock()
	}
	t.hub.mu.Unlock()

	for _, w := range watchers {
		w := w
		w.enqueue(func() {
			if d := w.currentDelegate(); d != nil {
				d.PeerFound(t.id, t.name)
			}
		})
	}
	return nil
}

func (t *MemoryTransport) StopAdvertising() {
	t.mu.Lock()
	wasAdvertising := t.advertising
	t.advertising = false
	t.mu.Unlock()

	if !wasAdvertising {
		return
	}

	t.hub.mu.Lock()
	var watchers []*MemoryTransport
	for id, node := range t.hub.nodes {
		if id == t.id {
			continue
		}
		node.mu.Lock()
		if node.browsing {
			watchers = append(watchers, node)
		}
		node.mu.Unlock()
	}
	t.hub.mu.Unlock()

	for _, w := range watchers {
		w := w
		w.enqueue(func() {
			if d := w.currentDelegate(); d != nil {
				d.PeerLost(t.id)
			}
		})
	}
}

// Recreate has no service objects to rebuild in memory; restarting
// browsing after it reports visible advertisers again.
func (t *MemoryTransport) Recreate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *MemoryTransport) Invite(peer PeerID, context []byte, timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	t.hub.mu.Lock()
	target := t.hub.nodes[peer]
	var targetAdvertising bool
	if target != nil {
		target.mu.Lock()
		targetAdvertising = target.advertising
		target.mu.Unlock()
	}
	t.hub.mu.Unlock()

	if target == nil || !targetAdvertising {
		// Unreachable invitee: the attempt resolves as a failed session.
		t.notifySessionState(peer, t.hub.displayName(peer), SessionNotConnected)
		return nil
	}

	t.notifySessionState(peer, target.name, SessionConnecting)

	var once sync.Once
	decided := make(chan bool, 1)
	accept := func(ok bool) {
		once.Do(func() { decided <- ok })
	}

	target.enqueue(func() {
		if d := target.currentDelegate(); d != nil {
			d.InvitationReceived(t.id, t.name, context, accept)
		} else {
			accept(false)
		}
	})

	go func() {
		var accepted bool
		select {
		case accepted = <-decided:
		case <-time.After(timeout):
			once.Do(func() {})
		case <-t.done:
			return
		}
		if !accepted {
			t.notifySessionState(peer, target.name, SessionNotConnected)
			return
		}
		t.hub.establish(t.id, peer)
		target.notifySessionState(t.id, t.name, SessionConnecting)
		target.notifySessionState(t.id, t.name, SessionConnected)
		t.notifySessionState(peer, target.name, SessionConnected)
	}()
	return nil
}

func (t *MemoryTransport) Send(payload []byte, to []PeerID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)

	for _, peer := range to {
		if !t.hub.Linked(t.id, peer) {
			continue
		}
		t.hub.mu.Lock()
		target := t.hub.nodes[peer]
		t.hub.mu.Unlock()
		if target == nil {
			continue
		}
		target.enqueue(func() {
			if d := target.currentDelegate(); d != nil {
				d.DataReceived(t.id, buf)
			}
		})
	}
	return nil
}

func (t *MemoryTransport) CancelConnection(peer PeerID) {
	t.hub.sever(t.id, peer, true)
}

func (t *MemoryTransport) Disconnect() {
	for _, peer := range t.hub.linksOf(t.id) {
		t.hub.sever(t.id, peer, true)
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.browsing = false
		t.advertising = false
		t.mu.Unlock()

		for _, peer := range t.hub.linksOf(t.id) {
			t.hub.sever(t.id, peer, false)
		}
		t.hub.detach(t.id)
		close(t.done)
	})
	return nil
}
