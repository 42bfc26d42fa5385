// Package cryptoenv builds and parses the encrypted message + wrapped
// session-key pair that the dual-mesh design propagates along separate
// paths (spec §4.5). It is grounded on the teacher's chacha20poly1305/
// nacl-adjacent envelope helpers (go-node/keywrap.go, env_encrypt.go,
// beacon_encrypt.go) but follows spec §9 design note 4 literally: the KEM
// is ephemeral X25519 + nacl box, and the AEAD is XSalsa20-Poly1305 via
// nacl secretbox, not AES-GCM — the algorithm tag is advisory text only.
package cryptoenv

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/cyberexe1/mujhack/internal/meshkind"
)

// AlgorithmTag is the advisory KEM+AEAD tag carried on the wire (spec §3,
// §9 note 4). The implementation underneath is nacl box + secretbox.
const AlgorithmTag = "x25519+aes-256-gcm"

const (
	keySize        = 32
	sessionKeySize = 32
)

// AdminKeyPair holds the administrator's X25519 public key, and the
// private half when this node is itself an admin (spec §3).
type AdminKeyPair struct {
	Public  [keySize]byte
	Private [keySize]byte // zero value when this node holds no private key
}

// GenerateAdminKeyPair creates a fresh X25519 key pair for a new admin node.
func GenerateAdminKeyPair() (AdminKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return AdminKeyPair{}, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	return AdminKeyPair{Public: *pub, Private: *priv}, nil
}

// Sealed is the pair of wire-ready values produced by Seal: the e2e
// MessageEnvelope payload, and the companion KeyEnvelope's wrappedKey.
type Sealed struct {
	Payload    string // base64(nonceM || ciphertext), for MessageEnvelope.Payload
	WrappedKey string // base64(ephemeralPub || nonceK || wrapped), for KeyEnvelope.WrappedKey
}

// Seal encrypts plaintext under a fresh session key and wraps that key to
// the admin's public key A (spec §4.5 steps 1-3).
func Seal(adminPub [keySize]byte, plaintext []byte) (Sealed, error) {
	var sessionKey [sessionKeySize]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}

	var nonceM [24]byte
	if _, err := rand.Read(nonceM[:]); err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	ct := secretbox.Seal(nil, plaintext, &nonceM, &sessionKey)
	payload := append(append([]byte{}, nonceM[:]...), ct...)

	ePub, ePriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	var nonceK [24]byte
	if _, err := rand.Read(nonceK[:]); err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	wrapped := box.Seal(nil, sessionKey[:], &nonceK, &adminPub, ePriv)
	wrappedKey := append(append(append([]byte{}, ePub[:]...), nonceK[:]...), wrapped...)

	return Sealed{
		Payload:    base64.StdEncoding.EncodeToString(payload),
		WrappedKey: base64.StdEncoding.EncodeToString(wrappedKey),
	}, nil
}

// lengthguard for wrappedKey parsing: ephemeralPub(32) + nonceK(24) + at
// least the 16-byte box overhead.
const minWrappedKeyLen = keySize + 24 + box.Overhead

// UnwrapSessionKey decrypts the session key from a KeyEnvelope's
// wrappedKey using the admin private key a (spec §4.6 step b).
func UnwrapSessionKey(adminPriv [keySize]byte, wrappedKeyB64 string) ([sessionKeySize]byte, error) {
	var sessionKey [sessionKeySize]byte
	raw, err := base64.StdEncoding.DecodeString(wrappedKeyB64)
	if err != nil {
		return sessionKey, fmt.Errorf("%w: %v", meshkind.ErrBadPayloadEncoding, err)
	}
	if len(raw) < minWrappedKeyLen {
		return sessionKey, fmt.Errorf("%w: wrappedKey too short", meshkind.ErrMalformedEnvelope)
	}
	var ePub [keySize]byte
	copy(ePub[:], raw[:keySize])
	var nonceK [24]byte
	copy(nonceK[:], raw[keySize:keySize+24])
	wrapped := raw[keySize+24:]

	opened, ok := box.Open(nil, wrapped, &nonceK, &ePub, &adminPriv)
	if !ok || len(opened) != sessionKeySize {
		return sessionKey, fmt.Errorf("%w: session key unwrap failed", meshkind.ErrCryptoFailure)
	}
	copy(sessionKey[:], opened)
	return sessionKey, nil
}

// Open decrypts a MessageEnvelope payload under an already-unwrapped
// session key (spec §4.6 step c).
func Open(sessionKey [sessionKeySize]byte, payloadB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrBadPayloadEncoding, err)
	}
	if len(raw) < 24 {
		return nil, fmt.Errorf("%w: payload too short", meshkind.ErrMalformedEnvelope)
	}
	var nonceM [24]byte
	copy(nonceM[:], raw[:24])
	ct := raw[24:]
	plain, ok := secretbox.Open(nil, ct, &nonceM, &sessionKey)
	if !ok {
		return nil, fmt.Errorf("%w: payload open failed", meshkind.ErrCryptoFailure)
	}
	return plain, nil
}
