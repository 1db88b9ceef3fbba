package mesh

import (
	"testing"
	"time"

	"nearlink/transport"
)

func peerID(s string) transport.PeerID {
	return transport.PeerID(s)
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

// settle waits long enough for queued events to drain, then asserts cond
// still holds. Used for "nothing happened" checks.
func settle(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	time.Sleep(d)
	if !cond() {
		t.Fatalf("condition violated: %s", msg)
	}
}
