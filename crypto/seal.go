package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext with ChaCha20-Poly1305 under the session key
// and returns the ciphertext and the random nonce used.
func Seal(sessionKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(sessionKey) != chacha20poly1305.KeySize {
		return nil, nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), chacha20poly1305.KeySize)
	}

	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts and authenticates a Seal output.
func Open(sessionKey, nonce, ciphertext []byte) ([]byte, error) {
	if len(sessionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), chacha20poly1305.KeySize)
	}
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}
