package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a derived channel key.
const KeySize = chacha20poly1305.KeySize

const channelKeyInfo = "meshcal/v1/channel|"

// ErrUnsealable is returned by Open for payloads that fail authentication.
var ErrUnsealable = errors.New("payload failed to open")

// DeriveKey expands a share-link key into the AEAD key for one calendar.
// Peers holding the same share key and calendar id derive the same key.
func DeriveKey(shareKey, calendarID string) ([]byte, error) {
	if shareKey == "" {
		return nil, errors.New("empty share key")
	}
	r := hkdf.New(sha256.New, []byte(shareKey), nil, []byte(channelKeyInfo+calendarID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 bound to aad. The output
// is nonce || ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, aad), nil
}

// Open reverses Seal.
func Open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrUnsealable
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrUnsealable
	}
	return pt, nil
}
