// Package identity derives and persists a node's stable NodeId/pseudoId
// (spec §3 Entities) and seals the administrator private key at rest,
// grounded on the teacher's env_encrypt.go passphrase-sealing pattern
// (Argon2id-derived key, chacha20poly1305 AEAD) rather than its
// hardware-fingerprint identity derivation (go-node/identity.go,
// fingerprint.go) — the spec calls for a plain 128-bit random id, not a
// device fingerprint, so only the sealing idiom is carried over.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cyberexe1/mujhack/internal/meshkind"
)

// NewNodeID generates a fresh 128-bit random NodeId (spec §3).
func NewNodeID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	return hex.EncodeToString(b), nil
}

// PseudoID derives the short display handle from a NodeId (spec §3):
// "user_" + first 8 hex chars.
func PseudoID(nodeID string) string {
	if len(nodeID) < 8 {
		return "user_" + nodeID
	}
	return "user_" + nodeID[:8]
}

// saltSize mirrors the teacher's env.enc format (env_encrypt.go); the nonce
// size is chacha20poly1305.NonceSizeX.
const (
	saltSize = 16
)

// SealAdminPrivateKey encrypts the admin X25519 private key under a
// passphrase-derived Argon2id key (m=64MiB, t=2, p=1, matching the
// teacher's kdf tuning), producing salt||nonce||ciphertext.
func SealAdminPrivateKey(passphrase string, priv [32]byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, 32)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	ct := aead.Seal(nil, nonce, priv[:], nil)
	out := make([]byte, 0, saltSize+chacha20poly1305.NonceSizeX+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenAdminPrivateKey reverses SealAdminPrivateKey.
func OpenAdminPrivateKey(passphrase string, sealed []byte) ([32]byte, error) {
	var priv [32]byte
	min := saltSize + chacha20poly1305.NonceSizeX
	if len(sealed) <= min {
		return priv, fmt.Errorf("%w: sealed admin key too short", meshkind.ErrMalformedEnvelope)
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ct := sealed[saltSize+chacha20poly1305.NonceSizeX:]
	key := argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, 32)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return priv, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return priv, fmt.Errorf("%w: wrong passphrase or corrupt key: %v", meshkind.ErrCryptoFailure, err)
	}
	if len(plain) != 32 {
		return priv, errors.New("unwrapped admin key has wrong size")
	}
	copy(priv[:], plain)
	return priv, nil
}

// EncodePublic/DecodePublic round-trip an X25519 public key for storage
// and for display (spec §6.3 adminPublicKey).
func EncodePublic(pub [32]byte) string { return base64.StdEncoding.EncodeToString(pub[:]) }

func DecodePublic(s string) ([32]byte, error) {
	var pub [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return pub, fmt.Errorf("%w: invalid admin public key", meshkind.ErrMalformedEnvelope)
	}
	copy(pub[:], raw)
	return pub, nil
}
