// Package lan implements the mesh transport over real LAN services:
// mDNS discovery for visibility and framed, encrypted TCP sessions for
// invitations and data.
package lan

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"nearlink/discovery"
	"nearlink/network"
	"nearlink/transport"
)

var log = logging.Logger("lan")

const (
	// DefaultInviteResponseTimeout bounds the wait for the remote
	// accept/decline after an invite is delivered.
	DefaultInviteResponseTimeout = 30 * time.Second
)

type broadcastFunc func(discovery.Config) (*discovery.Broadcaster, error)
type scannerFunc func(discovery.Config) (*discovery.PeerScanner, error)

// Options configures a LANTransport.
type Options struct {
	Identity    network.LocalIdentity
	Fingerprint string

	// Service and Domain override the mDNS defaults.
	Service string
	Domain  string

	// ListeningPort fixes the TCP port; zero picks one automatically.
	ListeningPort int

	RefreshInterval       time.Duration
	ScanTimeout           time.Duration
	InviteResponseTimeout time.Duration

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	broadcastFn broadcastFunc
	scannerFn   scannerFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.InviteResponseTimeout <= 0 {
		out.InviteResponseTimeout = DefaultInviteResponseTimeout
	}
	if out.broadcastFn == nil {
		out.broadcastFn = discovery.StartBroadcaster
	}
	if out.scannerFn == nil {
		out.scannerFn = discovery.NewPeerScanner
	}
	return out
}

func (o Options) validate() error {
	if o.Identity.DeviceID == "" {
		return errors.New("lan: device ID is required")
	}
	if o.Identity.DisplayName == "" {
		return errors.New("lan: display name is required")
	}
	if len(o.Identity.PrivateKey) == 0 || len(o.Identity.PublicKey) == 0 {
		return errors.New("lan: identity key pair is required")
	}
	return nil
}

// endpoint is one invitable LAN peer as last seen by the scanner.
type endpoint struct {
	displayName string
	hostName    string
	addresses   []string
	port        int
}

// LANTransport bridges mDNS discovery and TCP sessions into the
// transport interface the mesh coordinator drives.
type LANTransport struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	delegate    transport.Delegate
	endpoints   map[transport.PeerID]endpoint
	sessions    map[transport.PeerID]*network.Session
	pending     map[transport.PeerID]context.CancelFunc
	scanner     *discovery.PeerScanner
	broadcaster *discovery.Broadcaster
	server      *network.Server
	closed      bool
}

// New creates a LANTransport. Services stay down until the Start calls.
func New(options Options) (*LANTransport, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LANTransport{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[transport.PeerID]endpoint),
		sessions:  make(map[transport.PeerID]*network.Session),
		pending:   make(map[transport.PeerID]context.CancelFunc),
	}, nil
}

// SetDelegate installs the callback receiver.
func (l *LANTransport) SetDelegate(d transport.Delegate) {
	l.mu.Lock()
	l.delegate = d
	l.mu.Unlock()
}

func (l *LANTransport) currentDelegate() transport.Delegate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delegate
}

func (l *LANTransport) discoveryConfig() discovery.Config {
	return discovery.Config{
		Service:         l.opts.Service,
		Domain:          l.opts.Domain,
		RefreshInterval: l.opts.RefreshInterval,
		ScanTimeout:     l.opts.ScanTimeout,
		SelfDeviceID:    l.opts.Identity.DeviceID,
		DisplayName:     l.opts.Identity.DisplayName,
		Fingerprint:     l.opts.Fingerprint,
	}
}

// StartBrowsing begins mDNS scanning. Found and lost peers arrive as
// delegate callbacks.
func (l *LANTransport) StartBrowsing() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.scanner != nil {
		l.mu.Unlock()
		return nil
	}

	scanner, err := l.opts.scannerFn(l.discoveryConfig())
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create peer scanner: %w", err)
	}
	if err := scanner.Start(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("start peer scanner: %w", err)
	}
	l.scanner = scanner
	l.mu.Unlock()

	l.wg.Add(1)
	go l.scanLoop(scanner)
	return nil
}

// StopBrowsing halts scanning. Established sessions are unaffected.
func (l *LANTransport) StopBrowsing() {
	l.mu.Lock()
	scanner := l.scanner
	l.scanner = nil
	l.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}
}

// StartAdvertising binds the TCP listener and registers the mDNS
// service announcing it.
func (l *LANTransport) StartAdvertising() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.server != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	server, err := network.Listen(":"+strconv.Itoa(l.opts.ListeningPort), network.HandshakeOptions{
		Identity:          l.opts.Identity,
		KeepAliveInterval: l.opts.KeepAliveInterval,
		KeepAliveTimeout:  l.opts.KeepAliveTimeout,
	})
	if err != nil {
		return fmt.Errorf("start session listener: %w", err)
	}

	cfg := l.discoveryConfig()
	cfg.ListeningPort = server.Port()
	broadcaster, err := l.opts.broadcastFn(cfg)
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("start broadcaster: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		broadcaster.Stop()
		_ = server.Close()
		return transport.ErrClosed
	}
	l.server = server
	l.broadcaster = broadcaster
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(server)
	return nil
}

// StopAdvertising withdraws the mDNS record and stops accepting inbound
// sessions. Established sessions are unaffected.
func (l *LANTransport) StopAdvertising() {
	l.mu.Lock()
	broadcaster := l.broadcaster
	server := l.server
	l.broadcaster = nil
	l.server = nil
	l.mu.Unlock()

	broadcaster.Stop()
	if server != nil {
		_ = server.Close()
	}
}

// Recreate tears down the browse and advertise service objects so they
// can be started fresh. Established sessions survive.
func (l *LANTransport) Recreate() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	l.mu.Unlock()

	l.StopBrowsing()
	l.StopAdvertising()
	return nil
}

// Invite dials the peer's announced endpoint, performs the handshake,
// and delivers an invitation. The outcome arrives as session state
// events.
func (l *LANTransport) Invite(peer transport.PeerID, inviteContext []byte, timeout time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	ep, known := l.endpoints[peer]
	if !known {
		l.mu.Unlock()
		return transport.ErrUnknownPeer
	}
	if _, up := l.sessions[peer]; up {
		l.mu.Unlock()
		return nil
	}
	if _, inflight := l.pending[peer]; inflight {
		l.mu.Unlock()
		return nil
	}

	if timeout <= 0 {
		timeout = l.opts.InviteResponseTimeout
	}
	attemptCtx, cancel := context.WithTimeout(l.ctx, timeout)
	l.pending[peer] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.dialAndInvite(attemptCtx, peer, ep, inviteContext, timeout)
	return nil
}

// Send delivers the payload to each listed peer with an established
// session. Peers without one are skipped.
func (l *LANTransport) Send(payload []byte, to []transport.PeerID) error {
	l.mu.Lock()
	targets := make(map[transport.PeerID]*network.Session, len(to))
	for _, peer := range to {
		if sess, up := l.sessions[peer]; up {
			targets[peer] = sess
		}
	}
	l.mu.Unlock()

	var firstErr error
	for peer, sess := range targets {
		if err := sess.SendData(payload); err != nil {
			log.Warnw("send failed", "peer", peer, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CancelConnection tears down the session or pending attempt to peer.
func (l *LANTransport) CancelConnection(peer transport.PeerID) {
	l.mu.Lock()
	sess := l.sessions[peer]
	cancel := l.pending[peer]
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Disconnect()
	}
}

// Disconnect tears down every established session.
func (l *LANTransport) Disconnect() {
	l.mu.Lock()
	sessions := make([]*network.Session, 0, len(l.sessions))
	for _, sess := range l.sessions {
		sessions = append(sessions, sess)
	}
	l.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Disconnect()
	}
}

// Close stops all services and sessions and releases the transport.
func (l *LANTransport) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.StopBrowsing()
	l.StopAdvertising()
	l.Disconnect()
	l.wg.Wait()
	return nil
}

func (l *LANTransport) scanLoop(scanner *discovery.PeerScanner) {
	defer l.wg.Done()

	for {
		select {
		case ev, ok := <-scanner.Events():
			if !ok {
				return
			}
			l.handleScanEvent(ev)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *LANTransport) handleScanEvent(ev discovery.Event) {
	peer := transport.PeerID(ev.Peer.DeviceID)

	switch ev.Type {
	case discovery.EventPeerFound:
		l.mu.Lock()
		l.endpoints[peer] = endpoint{
			displayName: ev.Peer.DisplayName,
			hostName:    ev.Peer.HostName,
			addresses:   append([]string(nil), ev.Peer.Addresses...),
			port:        ev.Peer.Port,
		}
		d := l.delegate
		l.mu.Unlock()
		if d != nil {
			d.PeerFound(peer, ev.Peer.DisplayName)
		}
	case discovery.EventPeerLost:
		l.mu.Lock()
		delete(l.endpoints, peer)
		d := l.delegate
		l.mu.Unlock()
		if d != nil {
			d.PeerLost(peer)
		}
	}
}

func (l *LANTransport) acceptLoop(server *network.Server) {
	defer l.wg.Done()

	for {
		select {
		case sess, ok := <-server.Incoming():
			if !ok {
				return
			}
			l.wg.Add(1)
			go l.handleInbound(sess)
		case err, ok := <-server.Errors():
			if !ok {
				return
			}
			log.Warnw("listener error", "err", err)
		case <-l.ctx.Done():
			return
		}
	}
}

// handleInbound waits for the invite that must open every inbound
// session, then surfaces it to the delegate for a decision.
func (l *LANTransport) handleInbound(sess *network.Session) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.InviteResponseTimeout)
	defer cancel()

	payload, err := sess.ReceiveMessage(ctx)
	if err != nil {
		_ = sess.Close()
		return
	}
	msgType, err := network.DecodeMessageType(payload)
	if err != nil || msgType != network.TypeInvite {
		log.Debugw("inbound session opened without invite", "peer", sess.PeerDeviceID(), "type", msgType)
		_ = sess.Close()
		return
	}

	var invite network.InviteMessage
	if err := json.Unmarshal(payload, &invite); err != nil {
		_ = sess.Close()
		return
	}

	peer := transport.PeerID(sess.PeerDeviceID())
	name := sess.PeerDisplayName()
	if invite.FromName != "" {
		name = invite.FromName
	}
	inviteContext, err := base64.StdEncoding.DecodeString(invite.Context)
	if err != nil {
		inviteContext = nil
	}

	d := l.currentDelegate()
	if d == nil {
		_ = sess.Close()
		return
	}

	var once sync.Once
	accept := func(ok bool) {
		once.Do(func() {
			response := network.InviteResponse{
				Type:         network.TypeInviteResponse,
				FromDeviceID: l.opts.Identity.DeviceID,
				Accepted:     ok,
				Timestamp:    time.Now().UnixMilli(),
			}
			if !ok {
				_ = sess.SendMessage(response)
				_ = sess.Close()
				return
			}

			l.emitState(peer, name, transport.SessionConnecting)
			if err := sess.SendMessage(response); err != nil {
				_ = sess.Close()
				l.emitState(peer, name, transport.SessionNotConnected)
				return
			}
			l.adoptSession(peer, name, sess)
		})
	}

	d.InvitationReceived(peer, name, inviteContext, accept)
}

func (l *LANTransport) dialAndInvite(ctx context.Context, peer transport.PeerID, ep endpoint, inviteContext []byte, timeout time.Duration) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		if cancel, ok := l.pending[peer]; ok {
			delete(l.pending, peer)
			cancel()
		}
		l.mu.Unlock()
	}()

	l.emitState(peer, ep.displayName, transport.SessionConnecting)

	sess, err := l.dialEndpoint(ctx, ep, timeout)
	if err != nil {
		log.Debugw("dial failed", "peer", peer, "err", err)
		l.emitState(peer, ep.displayName, transport.SessionNotConnected)
		return
	}

	if err := sess.SendMessage(network.InviteMessage{
		Type:         network.TypeInvite,
		FromDeviceID: l.opts.Identity.DeviceID,
		FromName:     l.opts.Identity.DisplayName,
		Context:      base64.StdEncoding.EncodeToString(inviteContext),
		Timestamp:    time.Now().UnixMilli(),
	}); err != nil {
		_ = sess.Close()
		l.emitState(peer, ep.displayName, transport.SessionNotConnected)
		return
	}

	payload, err := sess.ReceiveMessage(ctx)
	if err != nil {
		_ = sess.Close()
		l.emitState(peer, ep.displayName, transport.SessionNotConnected)
		return
	}
	var response network.InviteResponse
	if err := json.Unmarshal(payload, &response); err != nil || response.Type != network.TypeInviteResponse || !response.Accepted {
		_ = sess.Close()
		l.emitState(peer, ep.displayName, transport.SessionNotConnected)
		return
	}

	name := ep.displayName
	if remote := sess.PeerDisplayName(); remote != "" {
		name = remote
	}
	l.adoptSession(peer, name, sess)
}

func (l *LANTransport) dialEndpoint(ctx context.Context, ep endpoint, timeout time.Duration) (*network.Session, error) {
	candidates := append([]string(nil), ep.addresses...)
	if ep.hostName != "" {
		candidates = append(candidates, ep.hostName)
	}
	if len(candidates) == 0 {
		return nil, transport.ErrUnknownPeer
	}

	opts := network.HandshakeOptions{
		Identity:          l.opts.Identity,
		ConnectionTimeout: timeout,
		KeepAliveInterval: l.opts.KeepAliveInterval,
		KeepAliveTimeout:  l.opts.KeepAliveTimeout,
	}

	var lastErr error
	for _, host := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sess, err := network.Dial(net.JoinHostPort(host, strconv.Itoa(ep.port)), opts)
		if err == nil {
			return sess, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// adoptSession records an established session and starts its receive
// loop. An existing session for the same peer is replaced.
func (l *LANTransport) adoptSession(peer transport.PeerID, name string, sess *network.Session) {
	l.mu.Lock()
	old := l.sessions[peer]
	l.sessions[peer] = sess
	l.mu.Unlock()

	if old != nil && old != sess {
		_ = old.Close()
	}

	l.emitState(peer, name, transport.SessionConnected)

	l.wg.Add(1)
	go l.receiveLoop(peer, name, sess)
}

func (l *LANTransport) receiveLoop(peer transport.PeerID, name string, sess *network.Session) {
	defer l.wg.Done()

	for {
		payload, err := sess.ReceiveMessage(l.ctx)
		if err != nil {
			break
		}

		msgType, err := network.DecodeMessageType(payload)
		if err != nil || msgType != network.TypeData {
			continue
		}
		var msg network.DataMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		plaintext, err := sess.DecryptData(msg)
		if err != nil {
			log.Warnw("discarding undecryptable payload", "peer", peer, "err", err)
			continue
		}

		if d := l.currentDelegate(); d != nil {
			d.DataReceived(peer, plaintext)
		}
	}

	_ = sess.Close()

	l.mu.Lock()
	stillOurs := l.sessions[peer] == sess
	if stillOurs {
		delete(l.sessions, peer)
	}
	l.mu.Unlock()

	if stillOurs {
		l.emitState(peer, name, transport.SessionNotConnected)
	}
}

func (l *LANTransport) emitState(peer transport.PeerID, name string, state transport.SessionState) {
	if d := l.currentDelegate(); d != nil {
		d.SessionStateChanged(peer, name, state)
	}
}
