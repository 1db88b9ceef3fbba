package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestBroadcasterValidatesConfig(t *testing.T) {
	_, err := StartBroadcaster(Config{DisplayName: "Alpha", ListeningPort: 9000})
	if err == nil {
		t.Fatal("missing device ID must be rejected")
	}
	_, err = StartBroadcaster(Config{SelfDeviceID: "dev-1", DisplayName: "Alpha"})
	if err == nil {
		t.Fatal("missing port must be rejected")
	}
}

func TestBroadcasterRegistersServiceWithIdentityTXT(t *testing.T) {
	var gotInstance, gotService string
	var gotPort int
	var gotText []string

	cfg := Config{
		SelfDeviceID:  "dev-1",
		DisplayName:   "Alpha",
		ListeningPort: 9000,
		Fingerprint:   "abcd1234",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotPort, gotText = instance, service, port, text
			return nil, nil
		},
	}

	b, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster: %v", err)
	}
	defer b.Stop()

	if gotInstance != "Alpha" || gotService != DefaultService || gotPort != 9000 {
		t.Fatalf("registered %q %q %d", gotInstance, gotService, gotPort)
	}

	want := map[string]string{"device_id": "dev-1", "version": "1", "fingerprint": "abcd1234"}
	got := txtToMap(gotText)
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("TXT %s = %q, want %q", k, got[k], v)
		}
	}
}

type fakeBrowser struct {
	mu      sync.Mutex
	entries []*zeroconf.ServiceEntry
}

func (f *fakeBrowser) set(entries ...*zeroconf.ServiceEntry) {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
}

func (f *fakeBrowser) browse(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	entries := make([]*zeroconf.ServiceEntry, len(f.entries))
	copy(entries, f.entries)
	f.mu.Unlock()

	go func() {
		for _, e := range entries {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func serviceEntry(deviceID, instance string, port int) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: *zeroconf.NewServiceRecord(instance, DefaultService, DefaultDomain),
		Port:          port,
		Text:          []string{"device_id=" + deviceID, "version=1"},
	}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	return entry
}

func newTestScanner(t *testing.T, fb *fakeBrowser) *PeerScanner {
	t.Helper()
	s, err := NewPeerScanner(Config{
		SelfDeviceID:    "self",
		RefreshInterval: time.Hour, // only explicit Refresh drives scans
		ScanTimeout:     50 * time.Millisecond,
		browseFn:        fb.browse,
	})
	if err != nil {
		t.Fatalf("NewPeerScanner: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func drainEvents(s *PeerScanner) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestScannerEmitsFoundThenLost(t *testing.T) {
	fb := &fakeBrowser{}
	fb.set(serviceEntry("dev-2", "Bravo", 9001))
	s := newTestScanner(t, fb)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	events := drainEvents(s)
	if len(events) == 0 || events[0].Type != EventPeerFound || events[0].Peer.DeviceID != "dev-2" {
		t.Fatalf("expected found event for dev-2, got %v", events)
	}

	peers := s.ListPeers()
	if len(peers) != 1 || peers[0].DisplayName != "Bravo" || peers[0].Port != 9001 {
		t.Fatalf("peers = %v", peers)
	}

	// Next scan returns nothing: the device is gone.
	fb.set()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := s.Refresh(ctx2); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	events = drainEvents(s)
	var lost bool
	for _, ev := range events {
		if ev.Type == EventPeerLost && ev.Peer.DeviceID == "dev-2" {
			lost = true
		}
	}
	if !lost {
		t.Fatalf("expected lost event, got %v", events)
	}
	if got := len(s.ListPeers()); got != 0 {
		t.Fatalf("peer list length = %d, want 0", got)
	}
}

func TestScannerIgnoresSelfAndUnidentifiedEntries(t *testing.T) {
	fb := &fakeBrowser{}
	noID := serviceEntry("", "Anonymous", 9002)
	noID.Text = []string{"version=1"}
	fb.set(serviceEntry("self", "Me", 9000), noID)
	s := newTestScanner(t, fb)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got := len(s.ListPeers()); got != 0 {
		t.Fatalf("peer list length = %d, want 0", got)
	}
}

func TestScannerStopIsIdempotent(t *testing.T) {
	fb := &fakeBrowser{}
	s := newTestScanner(t, fb)
	s.Stop()
	s.Stop()
}

func TestParseEntryDefaultsNameFromHost(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: *zeroconf.NewServiceRecord("", DefaultService, DefaultDomain),
		HostName:      "bravo.local.",
		Port:          9001,
		Text:          []string{"device_id=dev-2"},
	}

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatal("entry should parse")
	}
	if peer.DisplayName != "bravo.local." {
		t.Fatalf("display name = %q", peer.DisplayName)
	}
}
