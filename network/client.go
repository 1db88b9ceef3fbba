package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"nearlink/crypto"
)

// Dial connects to a peer, performs the handshake, and returns a ready
// Session.
func Dial(address string, options HandshakeOptions) (*Session, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challengePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	challengeType, err := DecodeMessageType(challengePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if challengeType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(challengePayload)
	}
	if challengeType != TypeHandshakeChallenge {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeChallenge, challengeType)
	}

	var challenge HandshakeChallenge
	if err := json.Unmarshal(challengePayload, &challenge); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode handshake challenge: %w", err)
	}

	localExchangeKey, err := crypto.GenerateEphemeralKey()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	handshake, err := BuildHandshakeMessage(opts.Identity, localExchangeKey.PublicKey().Bytes(), challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	payload, err := EncodeJSON(handshake)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	responsePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(responsePayload)
	}
	if msgType != TypeHandshakeResponse {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeResponse, msgType)
	}

	response, err := decodeHandshake(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := VerifyHandshakeMessage(response); err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}
	if response.ChallengeNonce != challenge.Nonce {
		_ = conn.Close()
		return nil, errors.New("handshake response nonce mismatch")
	}

	sessionKey, err := deriveSessionKey(localExchangeKey, response.ExchangePublicKey, opts.Identity.DeviceID, response.DeviceID, challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newSession(conn, sessionKey, SessionOptions{
		LocalDeviceID:     opts.Identity.DeviceID,
		PeerDeviceID:      response.DeviceID,
		PeerDisplayName:   response.DisplayName,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
		AutoRespondPing:   opts.autoRespondPingEnabled(),
	}), nil
}

func decodeRemoteError(payload []byte) error {
	remoteErr := ErrorMessage{}
	if err := json.Unmarshal(payload, &remoteErr); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
}
