package mesh

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"nearlink/lifecycle"
	"nearlink/transport"
)

var log = logging.Logger("mesh")

const (
	// DefaultBackupInviteDelay is the fixed wait before the non-initiating
	// side of a lost session sends a backup invitation.
	DefaultBackupInviteDelay = 3 * time.Second
	// DefaultRestartDebounce is the settle time between returning to the
	// foreground and recreating the transport services.
	DefaultRestartDebounce = 1 * time.Second
	// DefaultInviteTimeout bounds first-contact invitations.
	DefaultInviteTimeout = 30 * time.Second
	// DefaultRetryInviteTimeout bounds reconnection invitations; shorter
	// than first contact so a wedged retry resolves quickly.
	DefaultRetryInviteTimeout = 10 * time.Second

	defaultLogbookRetention = 500
)

// AckPayload is the reserved delivery-confirmation marker. The leading
// ASCII ACK control byte keeps it distinguishable from text payloads.
var AckPayload = []byte{0x06, 'A', 'C', 'K'}

// PeerArchive persists peer session history across runs. Implementations
// are called from the coordinator run loop and must not block for long.
type PeerArchive interface {
	RecordPeerConnected(id transport.PeerID, displayName string, when time.Time) error
	RecordPeerDisconnected(id transport.PeerID, when time.Time) error
}

// Options configures a Coordinator. Identity and Transport are required.
type Options struct {
	Identity  LocalIdentity
	Transport transport.Transport

	// Lifecycle, when set, drives background/foreground pause and resume.
	Lifecycle lifecycle.Notifier
	// Logbook to append activity to; one is created when nil.
	Logbook *Logbook
	// Archive, when set, records connect/disconnect history.
	Archive PeerArchive

	// AutoSelectNewPeers controls whether newly registered peers start
	// selected as payload targets. Defaults to true.
	AutoSelectNewPeers *bool

	BackupInviteDelay  time.Duration
	RestartDebounce    time.Duration
	InviteTimeout      time.Duration
	RetryInviteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logbook == nil {
		out.Logbook = NewLogbook(defaultLogbookRetention)
	}
	if out.BackupInviteDelay <= 0 {
		out.BackupInviteDelay = DefaultBackupInviteDelay
	}
	if out.RestartDebounce <= 0 {
		out.RestartDebounce = DefaultRestartDebounce
	}
	if out.InviteTimeout <= 0 {
		out.InviteTimeout = DefaultInviteTimeout
	}
	if out.RetryInviteTimeout <= 0 {
		out.RetryInviteTimeout = DefaultRetryInviteTimeout
	}
	return out
}

func (o Options) validate() error {
	if o.Identity.ID == "" {
		return errors.New("mesh: local peer ID is required")
	}
	if o.Identity.DisplayName == "" {
		return errors.New("mesh: local display name is required")
	}
	if o.Transport == nil {
		return errors.New("mesh: transport is required")
	}
	return nil
}

func (o Options) autoSelect() bool {
	if o.AutoSelectNewPeers == nil {
		return true
	}
	return *o.AutoSelectNewPeers
}

// Snapshot is an immutable view of coordinator state for the UI boundary.
type Snapshot struct {
	LocalID     transport.PeerID
	LocalName   string
	Browsing    bool
	Advertising bool
	Peers       []Peer
}

// armedTimer pairs a running timer with the generation it was armed
// under. A firing whose generation no longer matches the table entry was
// superseded and must do nothing.
type armedTimer struct {
	gen   uint64
	timer *time.Timer
}

// Coordinator serializes all transport, timer, lifecycle, and command
// events onto one run loop and owns every piece of orchestration state.
// All exported methods are safe from any goroutine.
type Coordinator struct {
	opts Options
	tr   transport.Transport

	discoveryEvents   *funnel[discoveryEvent]
	advertisingEvents *funnel[advertisingEvent]
	sessionEvents     *funnel[sessionEvent]
	dataEvents        *funnel[dataEvent]
	commands          *funnel[func()]

	phaseCh chan lifecycle.Phase

	// Run-loop-owned state. Never touched from other goroutines.
	reg             *registry
	backupTimers    map[transport.PeerID]*armedTimer
	restartTimer    *armedTimer
	timerGen        uint64
	browsing        bool
	advertising     bool
	wantBrowsing    bool
	wantAdvertising bool
	expectedDrops   map[transport.PeerID]bool

	snapshot atomic.Value // Snapshot

	listenerMu sync.Mutex
	listeners  map[chan struct{}]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a Coordinator and installs it as the transport delegate.
// Call Start to begin processing events.
func New(opts Options) (*Coordinator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	c := &Coordinator{
		opts:              opts,
		tr:                opts.Transport,
		discoveryEvents:   newFunnel[discoveryEvent](),
		advertisingEvents: newFunnel[advertisingEvent](),
		sessionEvents:     newFunnel[sessionEvent](),
		dataEvents:        newFunnel[dataEvent](),
		commands:          newFunnel[func()](),
		reg:               newRegistry(),
		backupTimers:      make(map[transport.PeerID]*armedTimer),
		expectedDrops:     make(map[transport.PeerID]bool),
		listeners:         make(map[chan struct{}]struct{}),
		done:              make(chan struct{}),
	}
	c.tr.SetDelegate(&funnelDelegate{c: c})
	if opts.Lifecycle != nil {
		c.phaseCh = opts.Lifecycle.Subscribe()
	}
	c.snapshot.Store(c.buildSnapshot())
	return c, nil
}

// Identity returns the local identity.
func (c *Coordinator) Identity() LocalIdentity { return c.opts.Identity }

// Logbook returns the activity log.
func (c *Coordinator) Logbook() *Logbook { return c.opts.Logbook }

// Start launches the run loop.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Close stops the run loop, cancels timers, discards buffered events,
// and closes the transport.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() {
		if c.opts.Lifecycle != nil && c.phaseCh != nil {
			c.opts.Lifecycle.Unsubscribe(c.phaseCh)
		}
		close(c.done)
		c.wg.Wait()

		c.discoveryEvents.close()
		c.advertisingEvents.close()
		c.sessionEvents.close()
		c.dataEvents.close()
		c.commands.close()

		// Timers are owned by the run loop, which has exited.
		for _, at := range c.backupTimers {
			at.timer.Stop()
		}
		if c.restartTimer != nil {
			c.restartTimer.timer.Stop()
		}
	})
	return c.tr.Close()
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	var phaseCh chan lifecycle.Phase
	if c.phaseCh != nil {
		phaseCh = c.phaseCh
	}
	for {
		select {
		case ev := <-c.discoveryEvents.events():
			c.handleDiscovery(ev)
		case ev := <-c.advertisingEvents.events():
			c.handleAdvertising(ev)
		case ev := <-c.sessionEvents.events():
			c.handleSession(ev)
		case ev := <-c.dataEvents.events():
			c.handleData(ev)
		case cmd := <-c.commands.events():
			cmd()
		case phase := <-phaseCh:
			c.handlePhase(phase)
		case <-c.done:
			return
		}
		c.commit()
	}
}

// CurrentSnapshot returns the latest committed state view.
func (c *Coordinator) CurrentSnapshot() Snapshot {
	return c.snapshot.Load().(Snapshot)
}

// SubscribeChanges registers a change-notification channel. A token is
// delivered (non-blocking) after every committed mutation; read the
// snapshot to observe the new state.
func (c *Coordinator) SubscribeChanges() chan struct{} {
	ch := make(chan struct{}, 1)
	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()
	return ch
}

// UnsubscribeChanges removes a channel registered with SubscribeChanges.
func (c *Coordinator) UnsubscribeChanges(ch chan struct{}) {
	c.listenerMu.Lock()
	delete(c.listeners, ch)
	c.listenerMu.Unlock()
}

func (c *Coordinator) buildSnapshot() Snapshot {
	return Snapshot{
		LocalID:     c.opts.Identity.ID,
		LocalName:   c.opts.Identity.DisplayName,
		Browsing:    c.browsing,
		Advertising: c.advertising,
		Peers:       c.reg.memberList(),
	}
}

// commit publishes the current state and pings change listeners. Run
// loop only.
func (c *Coordinator) commit() {
	c.snapshot.Store(c.buildSnapshot())
	c.listenerMu.Lock()
	for ch := range c.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.listenerMu.Unlock()
}

func (c *Coordinator) logf(format string, args ...any) {
	c.opts.Logbook.Logf(format, args...)
	log.Debugf(format, args...)
}

// enqueueCommand submits work to the run loop. Safe from any goroutine.
func (c *Coordinator) enqueueCommand(fn func()) {
	c.commands.push(fn)
}

// ToggleBrowsing starts browsing if stopped, stops it if running.
func (c *Coordinator) ToggleBrowsing() {
	c.enqueueCommand(func() {
		if c.browsing {
			c.tr.StopBrowsing()
			c.browsing = false
			c.wantBrowsing = false
			c.logf("Stopped browsing")
			return
		}
		if err := c.tr.StartBrowsing(); err != nil {
			c.logf("Failed to start browsing: %v", err)
			return
		}
		c.browsing = true
		c.wantBrowsing = true
		c.logf("Started browsing")
	})
}

// ToggleAdvertising starts advertising if stopped, stops it if running.
func (c *Coordinator) ToggleAdvertising() {
	c.enqueueCommand(func() {
		if c.advertising {
			c.tr.StopAdvertising()
			c.advertising = false
			c.wantAdvertising = false
			c.logf("Stopped advertising")
			return
		}
		if err := c.tr.StartAdvertising(); err != nil {
			c.logf("Failed to start advertising: %v", err)
			return
		}
		c.advertising = true
		c.wantAdvertising = true
		c.logf("Started advertising")
	})
}

// TogglePeerSelection flips whether a registered peer receives test
// payloads. Unknown peers are a logged no-op.
func (c *Coordinator) TogglePeerSelection(id transport.PeerID) {
	c.enqueueCommand(func() {
		p := c.reg.member(id)
		if p == nil {
			c.logf("Cannot toggle selection: %s is not a session member", id)
			return
		}
		p.Selected = !p.Selected
		c.logf("Peer %s selected=%t", p.DisplayName, p.Selected)
	})
}

// SendTestPayload sends payload to every selected connected peer.
func (c *Coordinator) SendTestPayload(payload []byte) {
	c.enqueueCommand(func() {
		targets := c.reg.selectedConnectedIDs()
		if len(targets) == 0 {
			c.logf("No selected connected peers to send to")
			return
		}
		if err := c.tr.Send(payload, targets); err != nil {
			c.logf("Send failed: %v", err)
			return
		}
		c.logf("Sent %d bytes to %d peer(s)", len(payload), len(targets))
	})
}

// DisconnectPeer deliberately tears down the session to one peer.
// Deliberate teardown does not trigger reconnection.
func (c *Coordinator) DisconnectPeer(id transport.PeerID) {
	c.enqueueCommand(func() {
		if c.reg.member(id) == nil {
			c.logf("Cannot disconnect %s: not a session member", id)
			return
		}
		c.expectedDrops[id] = true
		c.tr.CancelConnection(id)
		c.logf("Disconnecting peer %s", id)
	})
}

// DisconnectSession deliberately tears down every session.
func (c *Coordinator) DisconnectSession() {
	c.enqueueCommand(func() {
		for _, id := range c.reg.connectedIDs() {
			c.expectedDrops[id] = true
		}
		c.tr.Disconnect()
		c.logf("Disconnecting session")
	})
}

// ClearLogs empties the logbook.
func (c *Coordinator) ClearLogs() {
	c.enqueueCommand(func() {
		c.opts.Logbook.Clear()
	})
}
