package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the AEAD key length produced by derivation.
	SessionKeySize = 32
	// SessionNonceSize is the handshake challenge nonce length.
	SessionNonceSize = 32

	sessionKDFInfo = "nearlink session v1"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKey creates a fresh X25519 private key for one
// handshake. Ephemeral keys are never persisted.
func GenerateEphemeralKey() (*ecdh.PrivateKey, error) {
	key, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return key, nil
}

// ParseExchangePublicKey parses a raw 32-byte X25519 public key.
func ParseExchangePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	key, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse exchange public key: %w", err)
	}
	return key, nil
}

// SharedSecret computes the X25519 shared secret for a handshake.
func SharedSecret(private *ecdh.PrivateKey, peerPublic *ecdh.PublicKey) ([]byte, error) {
	secret, err := private.ECDH(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey derives the symmetric session key from the shared
// secret, both peer IDs, and the handshake challenge nonce via
// HKDF-SHA256. Both sides must order the IDs identically: lexicographic
// order of the raw ID strings, which is also the invitation tie-break
// order, so the salt is reproducible without negotiation.
func DeriveSessionKey(sharedSecret []byte, peerA, peerB string, challengeNonce []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}
	if len(challengeNonce) != SessionNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(challengeNonce), SessionNonceSize)
	}
	if peerB < peerA {
		peerA, peerB = peerB, peerA
	}

	salt := make([]byte, 0, len(peerA)+len(peerB)+len(challengeNonce)+2)
	salt = append(salt, peerA...)
	salt = append(salt, 0)
	salt = append(salt, peerB...)
	salt = append(salt, 0)
	salt = append(salt, challengeNonce...)

	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte(sessionKDFInfo))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// NewChallengeNonce returns a fresh handshake challenge nonce.
func NewChallengeNonce() ([]byte, error) {
	nonce := make([]byte, SessionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	return nonce, nil
}
