package mesh

import (
	"strings"
	"testing"
	"time"

	"nearlink/transport"
)

func startHubNode(t *testing.T, hub *transport.Hub, id transport.PeerID, name string) *Coordinator {
	t.Helper()
	c, err := New(Options{
		Identity:           LocalIdentity{ID: id, DisplayName: name},
		Transport:          hub.Attach(id, name),
		BackupInviteDelay:  80 * time.Millisecond,
		RestartDebounce:    30 * time.Millisecond,
		InviteTimeout:      time.Second,
		RetryInviteTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	c.Start()
	t.Cleanup(func() { c.Close() })
	c.ToggleBrowsing()
	c.ToggleAdvertising()
	return c
}

func connectedCount(c *Coordinator) int {
	n := 0
	for _, p := range c.CurrentSnapshot().Peers {
		if p.Connected {
			n++
		}
	}
	return n
}

func logbookContains(c *Coordinator, substr string) bool {
	for _, e := range c.Logbook().Entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestTwoNodesAutoConnect(t *testing.T) {
	hub := transport.NewHub()
	a := startHubNode(t, hub, "aaaa", "Alpha")
	b := startHubNode(t, hub, "bbbb", "Bravo")

	waitFor(t, 3*time.Second, func() bool {
		return connectedCount(a) == 1 && connectedCount(b) == 1
	}, "both nodes connected")

	// Exactly one side initiated.
	if !logbookContains(a, "inviting") {
		t.Fatal("lower-ID node should have invited")
	}
	if logbookContains(b, "inviting") {
		t.Fatal("higher-ID node must not invite")
	}
	if !logbookContains(b, "Accepting invitation") {
		t.Fatal("higher-ID node should have accepted an invitation")
	}
}

func TestPayloadAckAcrossHub(t *testing.T) {
	hub := transport.NewHub()
	a := startHubNode(t, hub, "aaaa", "Alpha")
	b := startHubNode(t, hub, "bbbb", "Bravo")

	waitFor(t, 3*time.Second, func() bool {
		return connectedCount(a) == 1 && connectedCount(b) == 1
	}, "both nodes connected")

	a.SendTestPayload([]byte("hello from alpha"))

	waitFor(t, 3*time.Second, func() bool {
		return logbookContains(b, "Received 16 bytes")
	}, "receiver to log the payload")
	waitFor(t, 3*time.Second, func() bool {
		return logbookContains(a, "Delivery confirmed")
	}, "sender to log the delivery confirmation")
}

func TestDroppedLinkReconnects(t *testing.T) {
	hub := transport.NewHub()
	a := startHubNode(t, hub, "aaaa", "Alpha")
	b := startHubNode(t, hub, "bbbb", "Bravo")

	waitFor(t, 3*time.Second, func() bool {
		return connectedCount(a) == 1 && connectedCount(b) == 1
	}, "initial connection")

	hub.DropLink("aaaa", "bbbb")

	waitFor(t, 3*time.Second, func() bool {
		return connectedCount(a) == 1 && connectedCount(b) == 1 && hub.Linked("aaaa", "bbbb")
	}, "reconnection after unexpected drop")

	if !logbookContains(a, "Reconnecting") {
		t.Fatal("initiating side should log the reconnection attempt")
	}
}

func TestThreeNodeFullMesh(t *testing.T) {
	hub := transport.NewHub()
	a := startHubNode(t, hub, "aaaa", "Alpha")
	b := startHubNode(t, hub, "bbbb", "Bravo")
	c := startHubNode(t, hub, "cccc", "Charlie")

	waitFor(t, 5*time.Second, func() bool {
		return connectedCount(a) == 2 && connectedCount(b) == 2 && connectedCount(c) == 2
	}, "full mesh of three")

	// Middle node both invited (toward cccc) and accepted (from aaaa).
	if !logbookContains(b, "inviting") || !logbookContains(b, "Accepting invitation") {
		t.Fatal("middle node should have played both roles")
	}
}
