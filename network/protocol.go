// Package network implements framed, encrypted TCP sessions between
// nearlink devices: a signed handshake with ephemeral key exchange, an
// invite/accept message pair, sealed data payloads, and keepalive.
package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"nearlink/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle sessions.
	DefaultKeepAliveInterval = 20 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeInvite             = "invite"
	TypeInviteResponse     = "invite_response"
	TypeData               = "data"
	TypeBye                = "bye"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity contains local device values required to build handshake
// messages.
type LocalIdentity struct {
	DeviceID    string
	DisplayName string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge opens the inbound handshake with a server nonce.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is the signed connection handshake payload.
type HandshakeMessage struct {
	Type              string `json:"type"`
	DeviceID          string `json:"device_id"`
	DisplayName       string `json:"display_name"`
	IdentityPublicKey string `json:"identity_public_key"`
	ExchangePublicKey string `json:"exchange_public_key"`
	ChallengeNonce    string `json:"challenge_nonce"`
	ProtocolVersion   int    `json:"protocol_version"`
	Timestamp         int64  `json:"timestamp"`
	Signature         string `json:"signature"`
}

// InviteMessage asks the remote device to join a mesh session.
type InviteMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	FromName     string `json:"from_name"`
	Context      string `json:"context,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// InviteResponse accepts or declines an invitation.
type InviteResponse struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Accepted     bool   `json:"accepted"`
	Timestamp    int64  `json:"timestamp"`
}

// DataMessage carries one sealed payload.
type DataMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Ciphertext   string `json:"ciphertext"`
	Nonce        string `json:"nonce"`
	Timestamp    int64  `json:"timestamp"`
}

// ByeMessage signals graceful session teardown.
type ByeMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PingMessage is a keepalive probe.
type PingMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PongMessage answers a keepalive probe.
type PongMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors to the remote side.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// BuildHandshakeMessage builds and signs a handshake message binding the
// server's challenge nonce.
func BuildHandshakeMessage(identity LocalIdentity, exchangePublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	return buildHandshake(identity, exchangePublicKey, challengeNonce, TypeHandshake)
}

// BuildHandshakeResponse builds and signs the responder's handshake.
func BuildHandshakeResponse(identity LocalIdentity, exchangePublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	return buildHandshake(identity, exchangePublicKey, challengeNonce, TypeHandshakeResponse)
}

func buildHandshake(identity LocalIdentity, exchangePublicKey []byte, challengeNonce, msgType string) (HandshakeMessage, error) {
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return HandshakeMessage{}, errors.New("invalid local identity private key")
	}
	if len(identity.PublicKey) != ed25519.PublicKeySize {
		return HandshakeMessage{}, errors.New("invalid local identity public key")
	}

	msg := HandshakeMessage{
		Type:              msgType,
		DeviceID:          identity.DeviceID,
		DisplayName:       identity.DisplayName,
		IdentityPublicKey: base64.StdEncoding.EncodeToString(identity.PublicKey),
		ExchangePublicKey: base64.StdEncoding.EncodeToString(exchangePublicKey),
		ChallengeNonce:    challengeNonce,
		ProtocolVersion:   ProtocolVersion,
		Timestamp:         time.Now().UnixMilli(),
	}

	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return HandshakeMessage{}, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	signature, err := crypto.Sign(identity.PrivateKey, signable)
	if err != nil {
		return HandshakeMessage{}, fmt.Errorf("sign handshake payload: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHandshakeMessage verifies the signature and protocol version and
// returns the peer's identity public key.
func VerifyHandshakeMessage(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.IdentityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid identity public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}

	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, ErrInvalidSignature
	}
	return publicKey, nil
}

func makeVersionMismatchError(got int64) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

func decodeHandshake(payload []byte) (HandshakeMessage, error) {
	var msg HandshakeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HandshakeMessage{}, fmt.Errorf("decode handshake: %w", err)
	}
	return msg, nil
}
