package relay

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberexe1/mujhack/internal/dedupe"
	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/store"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New("node-under-test", db, dedupe.New(), nil)
}

func TestHandleMessageEnvDeliversOnce(t *testing.T) {
	r := newTestRelay(t)
	var delivered int
	r.OnMessage(func(envelope.MessageEnvelope) { delivered++ })

	env, err := envelope.NewBroadcast("peer1", "hello", nil)
	require.NoError(t, err)

	r.handleMessageEnv(env)
	r.handleMessageEnv(env) // duplicate, same msgId

	assert.Equal(t, 1, delivered, "a duplicate msgId must not be delivered twice (spec invariant 2)")
}

func TestHandleKeyEnvDeliversOnce(t *testing.T) {
	r := newTestRelay(t)
	var delivered int
	r.OnKey(func(envelope.KeyEnvelope) { delivered++ })

	key := envelope.NewKeyEnv("msg1", "peer1", "d3JhcHBlZA==", "x25519+aes-256-gcm")
	r.handleKeyEnv(key)
	r.handleKeyEnv(key)

	assert.Equal(t, 1, delivered)
}

func TestMessageAndKeyDedupeAreIndependent(t *testing.T) {
	r := newTestRelay(t)
	var msgDelivered, keyDelivered int
	r.OnMessage(func(envelope.MessageEnvelope) { msgDelivered++ })
	r.OnKey(func(envelope.KeyEnvelope) { keyDelivered++ })

	key := envelope.NewKeyEnv("shared-id", "peer1", "d3JhcHBlZA==", "")
	r.handleKeyEnv(key)

	env, err := envelope.NewE2E("peer1", "Y2lwaGVydGV4dA==", nil)
	require.NoError(t, err)
	env.MsgID = "shared-id"
	r.handleMessageEnv(env)

	assert.Equal(t, 1, keyDelivered)
	assert.Equal(t, 1, msgDelivered, "a key envelope sighting must not suppress the paired message envelope")
}

func TestTTLExhaustedEnvelopeIsStillDeliveredLocally(t *testing.T) {
	r := newTestRelay(t)
	var delivered int
	r.OnMessage(func(envelope.MessageEnvelope) { delivered++ })

	env, err := envelope.NewBroadcast("peer1", "last hop", nil)
	require.NoError(t, err)
	env.TTL = 0

	r.handleMessageEnv(env)
	assert.Equal(t, 1, delivered, "ttl=0 still delivers locally; it only stops forwarding (spec §4.3)")
}

func TestBroadcastPersistsAndDeliversLocally(t *testing.T) {
	r := newTestRelay(t)
	var delivered envelope.MessageEnvelope
	r.OnMessage(func(e envelope.MessageEnvelope) { delivered = e })

	env, err := r.Broadcast("hi everyone", nil)
	require.NoError(t, err)
	assert.Equal(t, env.MsgID, delivered.MsgID)

	msgs, err := r.log.Broadcasts()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.MsgID, msgs[0].MsgID)
}

func TestPeersReturnsCopyOfPeerSet(t *testing.T) {
	r := newTestRelay(t)
	r.peerSet["alice"] = true
	r.peerSet["bob"] = true
	peers := r.Peers()
	assert.True(t, peers["alice"])
	assert.True(t, peers["bob"])
	// Peers() must return a copy, not the live map.
	peers["carol"] = true
	assert.False(t, r.peerSet["carol"])
}
