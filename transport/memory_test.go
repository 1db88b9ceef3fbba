package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type recordingDelegate struct {
	mu          sync.Mutex
	found       []PeerID
	lost        []PeerID
	states      map[PeerID]SessionState
	payloads    [][]byte
	invitations []PeerID
	acceptAll   bool
}

func newRecordingDelegate(acceptAll bool) *recordingDelegate {
	return &recordingDelegate{
		states:    make(map[PeerID]SessionState),
		acceptAll: acceptAll,
	}
}

func (r *recordingDelegate) PeerFound(id PeerID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, id)
}

func (r *recordingDelegate) PeerLost(id PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, id)
}

func (r *recordingDelegate) InvitationReceived(id PeerID, displayName string, context []byte, accept func(bool)) {
	r.mu.Lock()
	r.invitations = append(r.invitations, id)
	ok := r.acceptAll
	r.mu.Unlock()
	accept(ok)
}

func (r *recordingDelegate) SessionStateChanged(id PeerID, displayName string, state SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = state
}

func (r *recordingDelegate) DataReceived(from PeerID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.payloads = append(r.payloads, buf)
}

func (r *recordingDelegate) BrowseFailed(err error)    {}
func (r *recordingDelegate) AdvertiseFailed(err error) {}

func (r *recordingDelegate) stateOf(id PeerID) SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

func (r *recordingDelegate) sawPeer(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.found {
		if f == id {
			return true
		}
	}
	return false
}

func (r *recordingDelegate) lostPeer(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lost {
		if l == id {
			return true
		}
	}
	return false
}

func (r *recordingDelegate) payloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestHubDiscoveryVisibility(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("aaaa", "Alpha")
	b := hub.Attach("bbbb", "Bravo")
	defer a.Close()
	defer b.Close()

	da := newRecordingDelegate(true)
	db := newRecordingDelegate(true)
	a.SetDelegate(da)
	b.SetDelegate(db)

	if err := a.StartBrowsing(); err != nil {
		t.Fatalf("start browsing: %v", err)
	}
	if err := b.StartAdvertising(); err != nil {
		t.Fatalf("start advertising: %v", err)
	}

	waitFor(t, time.Second, func() bool { return da.sawPeer("bbbb") }, "browser to see advertiser")

	b.StopAdvertising()
	waitFor(t, time.Second, func() bool { return da.lostPeer("bbbb") }, "browser to see advertiser go away")
}

func TestHubInviteAcceptAndSend(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("aaaa", "Alpha")
	b := hub.Attach("bbbb", "Bravo")
	defer a.Close()
	defer b.Close()

	da := newRecordingDelegate(true)
	db := newRecordingDelegate(true)
	a.SetDelegate(da)
	b.SetDelegate(db)

	if err := b.StartAdvertising(); err != nil {
		t.Fatalf("start advertising: %v", err)
	}
	if err := a.Invite("bbbb", nil, time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return da.stateOf("bbbb") == SessionConnected && db.stateOf("aaaa") == SessionConnected
	}, "both sides connected")

	if !hub.Linked("aaaa", "bbbb") {
		t.Fatal("hub should report an established link")
	}

	want := []byte("ping over the mesh")
	if err := a.Send(want, []PeerID{"bbbb"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return db.payloadCount() == 1 }, "payload delivery")

	db.mu.Lock()
	got := db.payloads[0]
	db.mu.Unlock()
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %q want %q", got, want)
	}
}

func TestHubInviteDeclined(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("aaaa", "Alpha")
	b := hub.Attach("bbbb", "Bravo")
	defer a.Close()
	defer b.Close()

	da := newRecordingDelegate(true)
	db := newRecordingDelegate(false)
	a.SetDelegate(da)
	b.SetDelegate(db)

	if err := b.StartAdvertising(); err != nil {
		t.Fatalf("start advertising: %v", err)
	}
	if err := a.Invite("bbbb", nil, time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return da.stateOf("bbbb") == SessionNotConnected
	}, "declined invitation to resolve as not connected")

	if hub.Linked("aaaa", "bbbb") {
		t.Fatal("declined invitation must not establish a link")
	}
}

func TestHubDropLinkNotifiesBothSides(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("aaaa", "Alpha")
	b := hub.Attach("bbbb", "Bravo")
	defer a.Close()
	defer b.Close()

	da := newRecordingDelegate(true)
	db := newRecordingDelegate(true)
	a.SetDelegate(da)
	b.SetDelegate(db)

	if err := b.StartAdvertising(); err != nil {
		t.Fatalf("start advertising: %v", err)
	}
	if err := a.Invite("bbbb", nil, time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return da.stateOf("bbbb") == SessionConnected && db.stateOf("aaaa") == SessionConnected
	}, "both sides connected")

	hub.DropLink("aaaa", "bbbb")
	waitFor(t, time.Second, func() bool {
		return da.stateOf("bbbb") == SessionNotConnected && db.stateOf("aaaa") == SessionNotConnected
	}, "both sides to observe the drop")
}

func TestStopCallsAreIdempotent(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("aaaa", "Alpha")
	defer a.Close()
	a.SetDelegate(newRecordingDelegate(true))

	a.StopBrowsing()
	a.StopBrowsing()
	a.StopAdvertising()
	a.StopAdvertising()

	if err := a.StartBrowsing(); err != nil {
		t.Fatalf("start browsing after redundant stops: %v", err)
	}
	a.StopBrowsing()
	a.StopBrowsing()
}

func TestInviteUnknownPeerResolvesNotConnected(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("aaaa", "Alpha")
	defer a.Close()

	da := newRecordingDelegate(true)
	a.SetDelegate(da)

	if err := a.Invite("missing", nil, 50*time.Millisecond); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return da.stateOf("missing") == SessionNotConnected
	}, "unknown invitee to resolve as not connected")
}
