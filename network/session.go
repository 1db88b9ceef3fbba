package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nearlink/crypto"
)

var (
	// ErrPongTimeout indicates keepalive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// SessionState represents the lifecycle state of one session.
type SessionState string

const (
	StateConnecting    SessionState = "CONNECTING"
	StateReady         SessionState = "READY"
	StateIdle          SessionState = "IDLE"
	StateDisconnecting SessionState = "DISCONNECTING"
	StateDisconnected  SessionState = "DISCONNECTED"
)

// SessionOptions controls runtime behavior of a Session.
type SessionOptions struct {
	LocalDeviceID     string
	PeerDeviceID      string
	PeerDisplayName   string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// Session is one framed, encrypted TCP session with a peer device.
// Keepalive ping/pong detects silent drops; data payloads travel sealed
// under the handshake-derived session key.
type Session struct {
	conn net.Conn

	sessionKey []byte

	localDeviceID   string
	peerDeviceID    string
	peerDisplayName string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   SessionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn net.Conn, sessionKey []byte, options SessionOptions) *Session {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	s := &Session{
		conn:              conn,
		sessionKey:        append([]byte(nil), sessionKey...),
		localDeviceID:     options.LocalDeviceID,
		peerDeviceID:      options.PeerDeviceID,
		peerDisplayName:   options.PeerDisplayName,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   options.AutoRespondPing,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	s.touchActivity()
	s.setState(StateReady)
	go s.readLoop()
	go s.keepAliveLoop()
	return s
}

// PeerDeviceID returns the authenticated remote device ID.
func (s *Session) PeerDeviceID() string { return s.peerDeviceID }

// PeerDisplayName returns the remote display name from the handshake.
func (s *Session) PeerDisplayName() string { return s.peerDisplayName }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done is closed when the session is fully disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// LastError returns the terminal session error, if any.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// SendMessage marshals a protocol message and writes it as one frame.
func (s *Session) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return s.sendRaw(payload)
}

// SendData seals plaintext under the session key and sends it as a data
// message.
func (s *Session) SendData(plaintext []byte) error {
	ciphertext, nonce, err := crypto.Seal(s.sessionKey, plaintext)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	return s.SendMessage(DataMessage{
		Type:         TypeData,
		FromDeviceID: s.localDeviceID,
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Timestamp:    time.Now().UnixMilli(),
	})
}

// DecryptData opens a received data message.
func (s *Session) DecryptData(msg DataMessage) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	return crypto.Open(s.sessionKey, nonce, ciphertext)
}

func (s *Session) sendRaw(payload []byte) error {
	if s.State() == StateDisconnected {
		if err := s.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := WriteFrame(s.conn, payload); err != nil {
		s.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	s.touchActivity()
	if msgType, err := DecodeMessageType(payload); err == nil && msgType != TypePing && msgType != TypePong {
		s.setState(StateReady)
	}
	return nil
}

// ReceiveMessage waits for the next non-keepalive inbound frame.
func (s *Session) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.inbound:
		return payload, nil
	case <-s.closed:
		if err := s.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends a bye and closes the session.
func (s *Session) Disconnect() error {
	s.setState(StateDisconnecting)
	_ = s.SendMessage(ByeMessage{
		Type:         TypeBye,
		FromDeviceID: s.localDeviceID,
		Timestamp:    time.Now().UnixMilli(),
	})
	return s.Close()
}

// Close terminates the session.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(s.conn, s.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}
			s.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		s.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			s.setState(StateIdle)
			if s.autoRespondPing {
				_ = s.SendMessage(PongMessage{
					Type:         TypePong,
					FromDeviceID: s.localDeviceID,
					Timestamp:    time.Now().UnixMilli(),
				})
			}
		case TypePong:
			s.ackPong()
			s.setState(StateIdle)
		case TypeBye:
			s.setState(StateDisconnecting)
			s.closeWithError(nil)
			return
		default:
			s.setState(StateReady)
			select {
			case s.inbound <- payload:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Session) keepAliveLoop() {
	checkEvery := s.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.State() == StateDisconnected {
				return
			}
			if s.waitingPongExpired() {
				s.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idleFor < s.keepAliveInterval {
				continue
			}
			if s.isWaitingPong() {
				continue
			}

			if err := s.SendMessage(PingMessage{
				Type:         TypePing,
				FromDeviceID: s.localDeviceID,
				Timestamp:    time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			s.setWaitingPong(time.Now().Add(s.keepAliveTimeout))
			s.setState(StateIdle)
		case <-s.closed:
			return
		}
	}
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setWaitingPong(deadline time.Time) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = true
	s.pongDeadline = deadline
}

func (s *Session) ackPong() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = false
	s.pongDeadline = time.Time{}
}

func (s *Session) isWaitingPong() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong
}

func (s *Session) waitingPongExpired() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong && time.Now().After(s.pongDeadline)
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.setState(StateDisconnected)
		_ = s.conn.Close()
		close(s.closed)
	})
}
