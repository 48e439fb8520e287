package services

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrVaultOpen is returned for any envelope that fails to decrypt. The
// cause (tamper, truncation, wrong key) is deliberately not distinguished
// and no ciphertext is echoed.
var ErrVaultOpen = errors.New("vault: cannot open envelope")

// VaultService seals processor credentials with XChaCha20-Poly1305 before
// they touch the database. Every call to Encrypt draws a fresh random
// nonce, so equal plaintexts produce unequal envelopes.
type VaultService struct {
	key []byte
}

// NewVaultService builds a vault from a 64-hex-char key. A malformed key
// is a deployment error and fails construction.
func NewVaultService(keyHex string) (*VaultService, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("vault: key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &VaultService{key: key}, nil
}

// Encrypt seals plaintext into a base64 envelope of nonce||ciphertext.
func (v *VaultService) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 envelope produced by Encrypt. The returned
// plaintext must stay request-scoped; callers never persist or log it.
func (v *VaultService) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", ErrVaultOpen
	}
	if len(raw) <= chacha20poly1305.NonceSizeX {
		return "", ErrVaultOpen
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", ErrVaultOpen
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrVaultOpen
	}
	return string(plaintext), nil
}
