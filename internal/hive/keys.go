// Package hive talks to a Hive (graphene) node and handles the key
// derivation, serialization and signing the chain requires.
package hive

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"

	"github.com/ecobank/hivemint/internal/domain"
)

// Role names one of the four authorities of a chain account.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleActive  Role = "active"
	RolePosting Role = "posting"
	RoleMemo    Role = "memo"
)

// Roles in the order they are derived and displayed.
var Roles = []Role{RoleOwner, RoleActive, RolePosting, RoleMemo}

// KeyPair is one derived key in its wire encodings.
type KeyPair struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// KeySet holds the full authority set for a new account.
type KeySet map[Role]KeyPair

// DeriveKeys derives the standard authority set from an account name and
// master password, matching the chain convention: the private key for a
// role is sha256(name + role + password).
func DeriveKeys(name, password, prefix string) (KeySet, error) {
	if password == "" {
		return nil, fmt.Errorf("hive: empty password")
	}
	set := make(KeySet, len(Roles))
	for _, role := range Roles {
		seed := name + string(role) + password
		digest := sha256.Sum256([]byte(seed))
		priv := secp256k1.PrivKeyFromBytes(digest[:])
		set[role] = KeyPair{
			Public:  EncodePublic(priv.PubKey(), prefix),
			Private: EncodeWIF(priv),
		}
	}
	return set, nil
}

// GeneratePassword returns a fresh random master password in the familiar
// P-prefixed base58 form.
func GeneratePassword() (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("hive: entropy: %w", err)
	}
	return "P" + base58.Encode(entropy), nil
}

// PublicFromWIF derives the prefixed public key for a WIF private key.
func PublicFromWIF(wif, prefix string) (string, error) {
	priv, err := DecodeWIF(wif)
	if err != nil {
		return "", err
	}
	return EncodePublic(priv.PubKey(), prefix), nil
}

// EncodeWIF encodes a private key in wallet import format.
func EncodeWIF(priv *secp256k1.PrivateKey) string {
	payload := make([]byte, 0, 37)
	payload = append(payload, 0x80)
	payload = append(payload, priv.Serialize()...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(payload, second[:4]...))
}

// DecodeWIF parses a wallet-import-format private key.
func DecodeWIF(wif string) (*secp256k1.PrivateKey, error) {
	raw, err := base58.Decode(wif)
	if err != nil {
		return nil, fmt.Errorf("hive: wif: %w", err)
	}
	if len(raw) != 37 || raw[0] != 0x80 {
		return nil, fmt.Errorf("hive: wif: bad length or version")
	}
	payload, check := raw[:33], raw[33:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], check) {
		return nil, fmt.Errorf("hive: wif: checksum mismatch")
	}
	return secp256k1.PrivKeyFromBytes(payload[1:]), nil
}

// EncodePublic encodes a public key with the chain's address prefix and a
// ripemd160 checksum, e.g. STM8Gs...
func EncodePublic(pub *secp256k1.PublicKey, prefix string) string {
	compressed := pub.SerializeCompressed()
	h := ripemd160.New()
	h.Write(compressed)
	check := h.Sum(nil)[:4]
	return prefix + base58.Encode(append(compressed, check...))
}

// DecodePublic parses a prefixed public key back into its 33 compressed bytes.
func DecodePublic(s, prefix string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("hive: public key missing %q prefix", prefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, fmt.Errorf("hive: public key: %w", err)
	}
	if len(raw) != 37 {
		return nil, fmt.Errorf("hive: public key: bad length")
	}
	key, check := raw[:33], raw[33:]
	h := ripemd160.New()
	h.Write(key)
	if !bytes.Equal(h.Sum(nil)[:4], check) {
		return nil, fmt.Errorf("hive: public key: checksum mismatch")
	}
	return key, nil
}

var accountNameRe = regexp.MustCompile(`^[a-z][a-z0-9]{2,}(?:[.-][a-z0-9]{3,})*$`)

// ValidateAccountName enforces the chain's account naming rules.
func ValidateAccountName(name string) error {
	if len(name) < 3 || len(name) > 16 {
		return domain.ErrInvalidAccountName
	}
	if strings.HasSuffix(name, "-") || strings.HasSuffix(name, ".") {
		return domain.ErrInvalidAccountName
	}
	for _, bad := range []string{"--", "..", "-.", ".-"} {
		if strings.Contains(name, bad) {
			return domain.ErrInvalidAccountName
		}
	}
	if !accountNameRe.MatchString(name) {
		return domain.ErrInvalidAccountName
	}
	return nil
}
