// Package envelope defines the canonical on-wire form of mesh messages and
// keys (spec §3, §4.1) and the constructors/validators every other
// component builds on.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cyberexe1/mujhack/internal/meshkind"
)

const (
	// TypeBroadcast is a plaintext message readable by every node.
	TypeBroadcast = "broadcast"
	// TypeE2E is a ciphertext message readable only by an administrator.
	TypeE2E = "e2e"

	// DefaultTTL is the initial hop budget assigned by newBroadcast/newE2E.
	DefaultTTL = 8

	toAll   = "all"
	toAdmin = "admin"
)

// recognised meta keys, per spec §3.
var recognisedMetaKeys = map[string]bool{
	"name": true, "location": true, "contact": true, "imageRef": true,
}

// HopRecord is an append-only witness of a forwarder (spec §3).
type HopRecord struct {
	NodeID    string    `json:"nodeId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEnvelope is the unit that travels on the message path (spec §3).
type MessageEnvelope struct {
	MsgID     string            `json:"msgId"`
	Type      string            `json:"type"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Timestamp time.Time         `json:"timestamp"`
	TTL       int               `json:"ttl"`
	Hops      []HopRecord       `json:"hops"`
	Payload   string            `json:"payload"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// KeyEnvelope is the unit on the key path (spec §3). It carries no TTL and
// no hop list: it is never relayed along the forwarding loop (invariant 6).
type KeyEnvelope struct {
	MsgID      string `json:"msgId"`
	From       string `json:"from"`
	To         string `json:"to"`
	WrappedKey string `json:"wrappedKey"`
	Algorithm  string `json:"algorithm"`
}

func randomMsgID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", meshkind.ErrCryptoFailure, err)
	}
	return hex.EncodeToString(b), nil
}

func filterMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if recognisedMetaKeys[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NewBroadcast builds a fresh broadcast MessageEnvelope from `from`.
func NewBroadcast(from, content string, meta map[string]string) (MessageEnvelope, error) {
	id, err := randomMsgID()
	if err != nil {
		return MessageEnvelope{}, err
	}
	now := time.Now().UTC()
	return MessageEnvelope{
		MsgID:     id,
		Type:      TypeBroadcast,
		From:      from,
		To:        toAll,
		Timestamp: now,
		TTL:       DefaultTTL,
		Hops:      []HopRecord{{NodeID: from, Timestamp: now}},
		Payload:   content,
		Meta:      filterMeta(meta),
	}, nil
}

// NewE2E builds a fresh e2e MessageEnvelope. ciphertextPayload must already
// be base64(nonce||ciphertext) as produced by the crypto envelope (C5).
func NewE2E(from, ciphertextPayload string, meta map[string]string) (MessageEnvelope, error) {
	id, err := randomMsgID()
	if err != nil {
		return MessageEnvelope{}, err
	}
	now := time.Now().UTC()
	return MessageEnvelope{
		MsgID:     id,
		Type:      TypeE2E,
		From:      from,
		To:        toAdmin,
		Timestamp: now,
		TTL:       DefaultTTL,
		Hops:      []HopRecord{{NodeID: from, Timestamp: now}},
		Payload:   ciphertextPayload,
		Meta:      filterMeta(meta),
	}, nil
}

// NewKeyEnv builds a KeyEnvelope paired to msgId.
func NewKeyEnv(msgID, from, wrappedKey, algorithm string) KeyEnvelope {
	return KeyEnvelope{
		MsgID:      msgID,
		From:       from,
		To:         toAdmin,
		WrappedKey: wrappedKey,
		Algorithm:  algorithm,
	}
}

// AddHop returns a copy of env with one more hop appended and ttl
// decremented by 1. The caller must check TTL > 0 before forwarding
// (invariant 3); AddHop itself does not refuse to go negative so that
// callers can observe the exhausted value for logging.
func AddHop(env MessageEnvelope, nodeID string) MessageEnvelope {
	out := env
	out.Hops = make([]HopRecord, len(env.Hops), len(env.Hops)+1)
	copy(out.Hops, env.Hops)
	out.Hops = append(out.Hops, HopRecord{NodeID: nodeID, Timestamp: time.Now().UTC()})
	out.TTL = env.TTL - 1
	return out
}

// Validate rejects envelopes violating the §3 invariants it checks. hops[0]
// is only required to carry a non-empty nodeId; it is not compared with From.
func Validate(env MessageEnvelope) error {
	if env.MsgID == "" {
		return fmt.Errorf("%w: empty msgId", meshkind.ErrMalformedEnvelope)
	}
	if len(env.Hops) < 1 {
		return fmt.Errorf("%w: hops must have length >= 1", meshkind.ErrMalformedEnvelope)
	}
	if env.Hops[0].NodeID != env.From && env.Hops[0].NodeID == "" {
		return fmt.Errorf("%w: hops[0] has an empty nodeId", meshkind.ErrMalformedEnvelope)
	}
	if env.TTL > DefaultTTL {
		return fmt.Errorf("%w: ttl %d exceeds origin budget", meshkind.ErrMalformedEnvelope, env.TTL)
	}
	if env.TTL < 0 {
		return fmt.Errorf("%w: ttl %d", meshkind.ErrTtlExhausted, env.TTL)
	}
	switch env.Type {
	case TypeBroadcast:
		if env.To != toAll {
			return fmt.Errorf("%w: broadcast must target %q, got %q", meshkind.ErrWrongTypeTarget, toAll, env.To)
		}
	case TypeE2E:
		if env.To != toAdmin {
			return fmt.Errorf("%w: e2e must target %q, got %q", meshkind.ErrWrongTypeTarget, toAdmin, env.To)
		}
		if _, err := base64.StdEncoding.DecodeString(env.Payload); err != nil {
			return fmt.Errorf("%w: e2e payload must be base64: %v", meshkind.ErrBadPayloadEncoding, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", meshkind.ErrMalformedEnvelope, env.Type)
	}
	for k := range env.Meta {
		if !recognisedMetaKeys[k] {
			return fmt.Errorf("%w: unrecognised meta key %q", meshkind.ErrMalformedEnvelope, k)
		}
	}
	return nil
}

// ValidateKey rejects KeyEnvelopes violating §3 invariants.
func ValidateKey(key KeyEnvelope) error {
	if key.MsgID == "" {
		return fmt.Errorf("%w: empty msgId", meshkind.ErrMalformedEnvelope)
	}
	if key.To != toAdmin {
		return fmt.Errorf("%w: key envelope must target %q", meshkind.ErrWrongTypeTarget, toAdmin)
	}
	if _, err := base64.StdEncoding.DecodeString(key.WrappedKey); err != nil {
		return fmt.Errorf("%w: wrappedKey must be base64: %v", meshkind.ErrBadPayloadEncoding, err)
	}
	return nil
}
