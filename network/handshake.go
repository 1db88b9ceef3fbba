package network

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"nearlink/crypto"
)

// HandshakeOptions configures handshake and session behavior for both
// Listen and Dial.
type HandshakeOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DisplayName == "" {
		return errors.New("local display name is required")
	}
	if len(o.Identity.PrivateKey) == 0 {
		return errors.New("local identity private key is required")
	}
	if len(o.Identity.PublicKey) == 0 {
		return errors.New("local identity public key is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func deriveSessionKey(localExchangeKey *ecdh.PrivateKey, peerExchangePublicBase64, localDeviceID, peerDeviceID, challengeNonceBase64 string) ([]byte, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerExchangePublicBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer exchange public key: %w", err)
	}
	peerPublicKey, err := crypto.ParseExchangePublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.SharedSecret(localExchangeKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	challengeNonce, err := base64.StdEncoding.DecodeString(challengeNonceBase64)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	return crypto.DeriveSessionKey(sharedSecret, localDeviceID, peerDeviceID, challengeNonce)
}
