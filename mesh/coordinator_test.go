package mesh

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"nearlink/lifecycle"
	"nearlink/transport"
)

type inviteCall struct {
	peer    transport.PeerID
	timeout time.Duration
}

type sendCall struct {
	payload []byte
	to      []transport.PeerID
}

// fakeTransport records every call and lets tests drive the delegate
// directly.
type fakeTransport struct {
	mu       sync.Mutex
	delegate transport.Delegate

	browseErr    error
	advertiseErr error

	invites      []inviteCall
	sends        []sendCall
	cancels      []transport.PeerID
	browseStarts int
	browseStops  int
	advStarts    int
	advStops     int
	recreates    int
	disconnects  int
}

var _ transport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) SetDelegate(d transport.Delegate) {
	f.mu.Lock()
	f.delegate = d
	f.mu.Unlock()
}

func (f *fakeTransport) StartBrowsing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browseErr != nil {
		return f.browseErr
	}
	f.browseStarts++
	return nil
}

func (f *fakeTransport) StopBrowsing() {
	f.mu.Lock()
	f.browseStops++
	f.mu.Unlock()
}

func (f *fakeTransport) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advertiseErr != nil {
		return f.advertiseErr
	}
	f.advStarts++
	return nil
}

func (f *fakeTransport) StopAdvertising() {
	f.mu.Lock()
	f.advStops++
	f.mu.Unlock()
}

func (f *fakeTransport) Recreate() error {
	f.mu.Lock()
	f.recreates++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Invite(peer transport.PeerID, context []byte, timeout time.Duration) error {
	f.mu.Lock()
	f.invites = append(f.invites, inviteCall{peer: peer, timeout: timeout})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(payload []byte, to []transport.PeerID) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	targets := make([]transport.PeerID, len(to))
	copy(targets, to)
	f.mu.Lock()
	f.sends = append(f.sends, sendCall{payload: buf, to: targets})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CancelConnection(peer transport.PeerID) {
	f.mu.Lock()
	f.cancels = append(f.cancels, peer)
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func (f *fakeTransport) invitesTo(peer transport.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.invites {
		if inv.peer == peer {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) lastSend() (sendCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return sendCall{}, false
	}
	return f.sends[len(f.sends)-1], true
}

func (f *fakeTransport) counts() (browseStarts, browseStops, advStarts, advStops, recreates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.browseStarts, f.browseStops, f.advStarts, f.advStops, f.recreates
}

// emit helpers drive the installed delegate the way a transport would.

func (f *fakeTransport) emitFound(id transport.PeerID, name string) {
	f.delegate.PeerFound(id, name)
}

func (f *fakeTransport) emitLost(id transport.PeerID) {
	f.delegate.PeerLost(id)
}

func (f *fakeTransport) emitState(id transport.PeerID, name string, s transport.SessionState) {
	f.delegate.SessionStateChanged(id, name, s)
}

func (f *fakeTransport) emitData(from transport.PeerID, payload []byte) {
	f.delegate.DataReceived(from, payload)
}

func (f *fakeTransport) emitInvitation(id transport.PeerID, name string, accept func(bool)) {
	f.delegate.InvitationReceived(id, name, nil, accept)
}

func newTestCoordinator(t *testing.T, localID transport.PeerID, mutate func(*Options)) (*Coordinator, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	opts := Options{
		Identity:           LocalIdentity{ID: localID, DisplayName: "Local"},
		Transport:          ft,
		BackupInviteDelay:  60 * time.Millisecond,
		RestartDebounce:    30 * time.Millisecond,
		InviteTimeout:      time.Second,
		RetryInviteTimeout: 500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c, ft
}

func memberNamed(c *Coordinator, id transport.PeerID) (Peer, bool) {
	for _, p := range c.CurrentSnapshot().Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

func TestLowerIDInvitesOnDiscovery(t *testing.T) {
	_, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitFound("zzzz", "Zulu")
	waitFor(t, time.Second, func() bool { return ft.invitesTo("zzzz") == 1 }, "invitation to higher-ID peer")

	ft.mu.Lock()
	timeout := ft.invites[0].timeout
	ft.mu.Unlock()
	if timeout != time.Second {
		t.Fatalf("first-contact timeout = %v, want 1s", timeout)
	}
}

func TestHigherIDWaitsForInvitation(t *testing.T) {
	_, ft := newTestCoordinator(t, "zzzz", nil)

	ft.emitFound("aaaa", "Alpha")
	settle(t, 100*time.Millisecond, func() bool { return ft.inviteCount() == 0 },
		"higher-ID side must not invite")
}

func TestNoReinviteWhileMember(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitFound("zzzz", "Zulu")
	waitFor(t, time.Second, func() bool { return ft.invitesTo("zzzz") == 1 }, "first invitation")

	ft.emitState("zzzz", "Zulu", transport.SessionConnecting)
	waitFor(t, time.Second, func() bool {
		_, ok := memberNamed(c, "zzzz")
		return ok
	}, "membership after connecting")

	// A re-announcement while establishment is in flight must not spawn
	// a second invitation.
	ft.emitFound("zzzz", "Zulu")
	settle(t, 100*time.Millisecond, func() bool { return ft.invitesTo("zzzz") == 1 },
		"no duplicate invitation for a member")
}

func TestInvitationAlwaysAccepted(t *testing.T) {
	_, ft := newTestCoordinator(t, "zzzz", nil)

	accepted := make(chan bool, 1)
	ft.emitInvitation("aaaa", "Alpha", func(ok bool) { accepted <- ok })

	select {
	case ok := <-accepted:
		if !ok {
			t.Fatal("invitation must be accepted")
		}
	case <-time.After(time.Second):
		t.Fatal("accept callback never invoked")
	}
}

func TestConnectedPeerAppearsInSnapshot(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitFound("zzzz", "Zulu")
	ft.emitState("zzzz", "Zulu", transport.SessionConnecting)
	ft.emitState("zzzz", "Zulu", transport.SessionConnected)

	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "zzzz")
		return ok && p.Connected && p.Selected
	}, "connected selected member in snapshot")
}

func TestAutoSelectOffLeavesNewPeersUnselected(t *testing.T) {
	off := false
	c, ft := newTestCoordinator(t, "aaaa", func(o *Options) { o.AutoSelectNewPeers = &off })

	ft.emitState("zzzz", "Zulu", transport.SessionConnecting)
	ft.emitState("zzzz", "Zulu", transport.SessionConnected)

	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "zzzz")
		return ok && p.Connected && !p.Selected
	}, "connected unselected member")
}

func TestInitiatorReinvitesAfterUnexpectedLoss(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitFound("zzzz", "Zulu")
	waitFor(t, time.Second, func() bool { return ft.invitesTo("zzzz") == 1 }, "initial invitation")
	ft.emitState("zzzz", "Zulu", transport.SessionConnecting)
	ft.emitState("zzzz", "Zulu", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "zzzz")
		return ok && p.Connected
	}, "connected")

	// Unexpected drop while still visible: the initiating side re-invites
	// immediately with the shorter retry timeout.
	ft.emitState("zzzz", "Zulu", transport.SessionNotConnected)
	waitFor(t, time.Second, func() bool { return ft.invitesTo("zzzz") == 2 }, "immediate re-invitation")

	ft.mu.Lock()
	last := ft.invites[len(ft.invites)-1]
	ft.mu.Unlock()
	if last.timeout != 500*time.Millisecond {
		t.Fatalf("retry timeout = %v, want 500ms", last.timeout)
	}
}

func TestNonInitiatorArmsBackupInviteTimer(t *testing.T) {
	c, ft := newTestCoordinator(t, "zzzz", nil)

	ft.emitFound("aaaa", "Alpha")
	ft.emitState("aaaa", "Alpha", transport.SessionConnecting)
	ft.emitState("aaaa", "Alpha", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "aaaa")
		return ok && p.Connected
	}, "connected")

	ft.emitState("aaaa", "Alpha", transport.SessionNotConnected)

	// No immediate invitation from the non-initiating side.
	settle(t, 20*time.Millisecond, func() bool { return ft.inviteCount() == 0 },
		"non-initiator must not invite immediately")

	// The backup timer fires and, with the peer still visible and still
	// disconnected, sends the backup invitation.
	waitFor(t, time.Second, func() bool { return ft.invitesTo("aaaa") == 1 }, "backup invitation")
}

func TestBackupInviteSkippedWhenPeerNoLongerVisible(t *testing.T) {
	c, ft := newTestCoordinator(t, "zzzz", nil)

	ft.emitFound("aaaa", "Alpha")
	ft.emitState("aaaa", "Alpha", transport.SessionConnecting)
	ft.emitState("aaaa", "Alpha", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "aaaa")
		return ok && p.Connected
	}, "connected")

	ft.emitState("aaaa", "Alpha", transport.SessionNotConnected)
	ft.emitLost("aaaa")

	settle(t, 200*time.Millisecond, func() bool { return ft.inviteCount() == 0 },
		"backup invite must re-check visibility at fire time")
}

func TestBackupInviteSupersededByIncomingConnection(t *testing.T) {
	c, ft := newTestCoordinator(t, "zzzz", nil)

	ft.emitFound("aaaa", "Alpha")
	ft.emitState("aaaa", "Alpha", transport.SessionConnecting)
	ft.emitState("aaaa", "Alpha", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "aaaa")
		return ok && p.Connected
	}, "connected")

	ft.emitState("aaaa", "Alpha", transport.SessionNotConnected)

	// The peer re-initiates before the backup timer fires.
	ft.emitState("aaaa", "Alpha", transport.SessionConnecting)

	settle(t, 200*time.Millisecond, func() bool { return ft.inviteCount() == 0 },
		"backup invite must not fire once establishment restarted")
}

func TestInboundInvitationCancelsBackupTimer(t *testing.T) {
	c, ft := newTestCoordinator(t, "zzzz", nil)

	ft.emitFound("aaaa", "Alpha")
	ft.emitState("aaaa", "Alpha", transport.SessionConnecting)
	ft.emitState("aaaa", "Alpha", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "aaaa")
		return ok && p.Connected
	}, "connected")

	ft.emitState("aaaa", "Alpha", transport.SessionNotConnected)
	ft.emitInvitation("aaaa", "Alpha", func(bool) {})

	settle(t, 200*time.Millisecond, func() bool { return ft.inviteCount() == 0 },
		"invitation from the peer must cancel the backup timer")
}

func TestStaleNotConnectedIsNoOp(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitState("zzzz", "Zulu", transport.SessionNotConnected)

	settle(t, 100*time.Millisecond, func() bool {
		return ft.inviteCount() == 0 && len(c.CurrentSnapshot().Peers) == 0
	}, "stale not-connected must not mutate state or invite")
}

func TestAckRoundTrip(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitState("zzzz", "Zulu", transport.SessionConnecting)
	ft.emitState("zzzz", "Zulu", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "zzzz")
		return ok && p.Connected
	}, "connected")

	// A data payload is acknowledged back to its sender.
	ft.emitData("zzzz", []byte("probe"))
	waitFor(t, time.Second, func() bool { return ft.sendCount() == 1 }, "ack send")

	send, _ := ft.lastSend()
	if !bytes.Equal(send.payload, AckPayload) {
		t.Fatalf("ack payload = %v, want %v", send.payload, AckPayload)
	}
	if len(send.to) != 1 || send.to[0] != "zzzz" {
		t.Fatalf("ack targets = %v, want [zzzz]", send.to)
	}

	// An inbound ack marker terminates the exchange.
	ft.emitData("zzzz", AckPayload)
	settle(t, 100*time.Millisecond, func() bool { return ft.sendCount() == 1 },
		"ack marker must not be acknowledged again")
}

func TestSendTestPayloadTargetsOnlySelectedConnected(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitState("bbbb", "Bravo", transport.SessionConnecting)
	ft.emitState("bbbb", "Bravo", transport.SessionConnected)
	ft.emitState("cccc", "Charlie", transport.SessionConnecting)
	ft.emitState("cccc", "Charlie", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		b, okB := memberNamed(c, "bbbb")
		ch, okC := memberNamed(c, "cccc")
		return okB && okC && b.Connected && ch.Connected
	}, "both connected")

	c.TogglePeerSelection("cccc")
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "cccc")
		return ok && !p.Selected
	}, "deselection")

	c.SendTestPayload([]byte("hello"))
	waitFor(t, time.Second, func() bool { return ft.sendCount() == 1 }, "send")

	send, _ := ft.lastSend()
	if len(send.to) != 1 || send.to[0] != "bbbb" {
		t.Fatalf("targets = %v, want [bbbb]", send.to)
	}
}

func TestDeliberateDisconnectDoesNotReconnect(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	ft.emitFound("zzzz", "Zulu")
	waitFor(t, time.Second, func() bool { return ft.invitesTo("zzzz") == 1 }, "initial invitation")
	ft.emitState("zzzz", "Zulu", transport.SessionConnecting)
	ft.emitState("zzzz", "Zulu", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "zzzz")
		return ok && p.Connected
	}, "connected")

	c.DisconnectPeer("zzzz")
	waitFor(t, time.Second, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.cancels) == 1 && ft.cancels[0] == "zzzz"
	}, "cancel call")

	// The resulting loss report is expected and must not re-invite even
	// though the peer is still discovery-visible.
	ft.emitState("zzzz", "Zulu", transport.SessionNotConnected)
	settle(t, 200*time.Millisecond, func() bool { return ft.invitesTo("zzzz") == 1 },
		"no reconnection after deliberate disconnect")
}

func TestToggleBrowsingGuardsDoubleStart(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)

	c.ToggleBrowsing()
	waitFor(t, time.Second, func() bool { return c.CurrentSnapshot().Browsing }, "browsing on")
	c.ToggleBrowsing()
	waitFor(t, time.Second, func() bool { return !c.CurrentSnapshot().Browsing }, "browsing off")

	starts, stops, _, _, _ := ft.counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("browse starts=%d stops=%d, want 1/1", starts, stops)
	}
}

func TestLifecycleBackgroundStopsAndForegroundRestarts(t *testing.T) {
	pub := lifecycle.NewPublisher()
	c, ft := newTestCoordinator(t, "aaaa", func(o *Options) { o.Lifecycle = pub })

	c.ToggleBrowsing()
	c.ToggleAdvertising()
	waitFor(t, time.Second, func() bool {
		snap := c.CurrentSnapshot()
		return snap.Browsing && snap.Advertising
	}, "services on")

	pub.Transition(lifecycle.Background)
	waitFor(t, time.Second, func() bool {
		snap := c.CurrentSnapshot()
		return !snap.Browsing && !snap.Advertising
	}, "services paused in background")

	pub.Transition(lifecycle.Foreground)
	waitFor(t, time.Second, func() bool {
		snap := c.CurrentSnapshot()
		return snap.Browsing && snap.Advertising
	}, "services restarted after debounce")

	browseStarts, _, advStarts, _, recreates := ft.counts()
	if recreates != 1 {
		t.Fatalf("recreates = %d, want 1", recreates)
	}
	if browseStarts != 2 || advStarts != 2 {
		t.Fatalf("starts browse=%d adv=%d, want 2/2", browseStarts, advStarts)
	}
}

func TestRestartDebounceSupersession(t *testing.T) {
	pub := lifecycle.NewPublisher()
	c, ft := newTestCoordinator(t, "aaaa", func(o *Options) {
		o.Lifecycle = pub
		o.RestartDebounce = 80 * time.Millisecond
	})

	c.ToggleBrowsing()
	waitFor(t, time.Second, func() bool { return c.CurrentSnapshot().Browsing }, "browsing on")

	// Rapid background/foreground flaps: only the final foreground may
	// trigger a restart, and only once the debounce elapses.
	for i := 0; i < 3; i++ {
		pub.Transition(lifecycle.Background)
		pub.Transition(lifecycle.Foreground)
	}

	waitFor(t, time.Second, func() bool {
		_, _, _, _, recreates := ft.counts()
		return recreates == 1
	}, "single recreate after flapping")

	settle(t, 150*time.Millisecond, func() bool {
		_, _, _, _, recreates := ft.counts()
		return recreates == 1
	}, "superseded debounce timers must not fire")
}

func TestBackgroundCancelsBackupTimers(t *testing.T) {
	pub := lifecycle.NewPublisher()
	c, ft := newTestCoordinator(t, "zzzz", func(o *Options) {
		o.Lifecycle = pub
		o.BackupInviteDelay = 100 * time.Millisecond
	})

	ft.emitFound("aaaa", "Alpha")
	ft.emitState("aaaa", "Alpha", transport.SessionConnecting)
	ft.emitState("aaaa", "Alpha", transport.SessionConnected)
	waitFor(t, time.Second, func() bool {
		p, ok := memberNamed(c, "aaaa")
		return ok && p.Connected
	}, "connected")

	ft.emitState("aaaa", "Alpha", transport.SessionNotConnected)
	pub.Transition(lifecycle.Background)

	settle(t, 300*time.Millisecond, func() bool { return ft.inviteCount() == 0 },
		"background must cancel pending backup invites")
}

func TestBrowseStartFailureLogsAndStaysOff(t *testing.T) {
	c, ft := newTestCoordinator(t, "aaaa", nil)
	ft.mu.Lock()
	ft.browseErr = transport.ErrNotStarted
	ft.mu.Unlock()

	c.ToggleBrowsing()
	settle(t, 100*time.Millisecond, func() bool { return !c.CurrentSnapshot().Browsing },
		"failed browse start must leave browsing off")

	waitFor(t, time.Second, func() bool {
		for _, e := range c.Logbook().Entries() {
			if len(e.Message) > 0 && e.Message[0] == 'F' {
				return true
			}
		}
		return false
	}, "failure logged")
}
