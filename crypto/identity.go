// Package crypto provides the key material and primitives for nearlink
// sessions: a persistent Ed25519 identity keypair, an ephemeral X25519
// exchange with HKDF session-key derivation, and AEAD payload sealing.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	identityPrivatePEMType = "NEARLINK IDENTITY PRIVATE KEY"
	identityPublicPEMType  = "NEARLINK IDENTITY PUBLIC KEY"
)

// EnsureIdentityKeyPair loads the device identity keypair from disk,
// generating it on first run. The public key file is rewritten whenever
// it is missing or disagrees with the private key.
func EnsureIdentityKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := loadIdentityPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := loadIdentityPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := saveIdentityPublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	if err := saveIdentityPrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := saveIdentityPublicKey(publicPath, publicKey); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

func loadIdentityPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode identity private key: no PEM block")
	}
	if block.Type != identityPrivatePEMType {
		return nil, fmt.Errorf("decode identity private key: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode identity private key: invalid size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

func loadIdentityPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity public key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode identity public key: no PEM block")
	}
	if block.Type != identityPublicPEMType {
		return nil, fmt.Errorf("decode identity public key: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode identity public key: invalid size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

func saveIdentityPrivateKey(path string, key ed25519.PrivateKey) error {
	block := &pem.Block{Type: identityPrivatePEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity private key: %w", err)
	}
	return nil
}

func saveIdentityPublicKey(path string, key ed25519.PublicKey) error {
	block := &pem.Block{Type: identityPublicPEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write identity public key: %w", err)
	}
	return nil
}

// Sign signs data with the device identity key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify checks an identity-key signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of an
// identity public key, used in handshake diagnostics.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}
