// Package vault seals generated key material at rest with an authenticated
// symmetric cipher. The key-encryption key is loaded once at process start
// and never leaves this package.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const blobVersion = byte(1)

var (
	ErrKeySize     = errors.New("vault: key must be 32 bytes")
	ErrMalformed   = errors.New("vault: malformed blob")
	ErrWrongKey    = errors.New("vault: decryption failed")
	ErrUnsupported = errors.New("vault: unsupported blob version")
)

type Vault struct {
	aead  cipher.AEAD
	keyID string
}

// New builds a vault around a 32-byte key-encryption key.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	sum := sha256.Sum256(key)
	return &Vault{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID is a short non-secret fingerprint of the active key, stored next to
// ciphertext so rotation tooling can tell which key sealed a blob.
func (v *Vault) KeyID() string { return v.keyID }

// Seal encrypts plaintext into a versioned blob: version || nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+16)
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	return v.aead.Seal(blob, nonce, plaintext, nil), nil
}

// Unseal decrypts a blob produced by Seal. Called only on explicit
// user-triggered export and by offline rotation, never implicitly.
func (v *Vault) Unseal(blob []byte) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+16 {
		return nil, ErrMalformed
	}
	if blob[0] != blobVersion {
		return nil, ErrUnsupported
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ct := blob[1+chacha20poly1305.NonceSizeX:]
	pt, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrWrongKey
	}
	return pt, nil
}

// ReEncrypt decrypts blob under old and seals it under next. Used by the
// offline rotation command; the request path never calls this.
func ReEncrypt(old, next *Vault, blob []byte) ([]byte, error) {
	pt, err := old.Unseal(blob)
	if err != nil {
		return nil, err
	}
	return next.Seal(pt)
}
