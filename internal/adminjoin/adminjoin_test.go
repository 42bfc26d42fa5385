package adminjoin

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberexe1/mujhack/internal/cryptoenv"
	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/store"
)

func sealedEnvelopePair(t *testing.T, admin cryptoenv.AdminKeyPair, content string) (envelope.MessageEnvelope, envelope.KeyEnvelope) {
	t.Helper()
	sealed, err := cryptoenv.Seal(admin.Public, []byte(content))
	require.NoError(t, err)
	env, err := envelope.NewE2E("sender1", sealed.Payload, nil)
	require.NoError(t, err)
	key := envelope.NewKeyEnv(env.MsgID, "sender1", sealed.WrappedKey, cryptoenv.AlgorithmTag)
	return env, key
}

func newTestJoiner(t *testing.T, hasKey bool, priv [32]byte) (*Joiner, *store.Store, []store.DecryptedMessage) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	var out []store.DecryptedMessage
	j := New(db, hasKey, priv, func(dm store.DecryptedMessage) { out = append(out, dm) })
	return j, db, out
}

func TestJoinCompletesMessageThenKey(t *testing.T) {
	admin, err := cryptoenv.GenerateAdminKeyPair()
	require.NoError(t, err)
	j, db, _ := newTestJoiner(t, true, admin.Private)
	env, key := sealedEnvelopePair(t, admin, "meet at dawn")

	var got *store.DecryptedMessage
	j.onDecrypted = func(dm store.DecryptedMessage) { got = &dm }

	j.OnMessage(env)
	assert.Nil(t, got, "join must not complete before the key arrives")
	j.OnKey(key)
	require.NotNil(t, got)
	assert.Equal(t, "meet at dawn", got.Content)

	has, err := db.HasDecrypted(env.MsgID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestJoinCompletesKeyThenMessage(t *testing.T) {
	admin, err := cryptoenv.GenerateAdminKeyPair()
	require.NoError(t, err)
	j, _, _ := newTestJoiner(t, true, admin.Private)
	env, key := sealedEnvelopePair(t, admin, "meet at dusk")

	var got *store.DecryptedMessage
	j.onDecrypted = func(dm store.DecryptedMessage) { got = &dm }

	j.OnKey(key)
	assert.Nil(t, got)
	j.OnMessage(env)
	require.NotNil(t, got)
	assert.Equal(t, "meet at dusk", got.Content)
}

func TestJoinIsIdempotentOnRedeliveredKey(t *testing.T) {
	admin, err := cryptoenv.GenerateAdminKeyPair()
	require.NoError(t, err)
	j, _, _ := newTestJoiner(t, true, admin.Private)
	env, key := sealedEnvelopePair(t, admin, "repeat message")

	var calls int
	j.onDecrypted = func(store.DecryptedMessage) { calls++ }

	j.OnMessage(env)
	j.OnKey(key)
	assert.Equal(t, 1, calls)

	// Re-delivering the key (a forwarding loop re-emitting it) must not
	// re-emit a second DecryptedMessage for the same msgId.
	j.OnMessage(env)
	j.OnKey(key)
	assert.Equal(t, 1, calls, "admin join must be idempotent per msgId (spec invariant 7)")
}

func TestNonAdminNodeNeverCompletesJoin(t *testing.T) {
	var zero [32]byte
	j, _, _ := newTestJoiner(t, false, zero)
	admin, err := cryptoenv.GenerateAdminKeyPair()
	require.NoError(t, err)
	env, key := sealedEnvelopePair(t, admin, "for admin eyes only")

	var calls int
	j.onDecrypted = func(store.DecryptedMessage) { calls++ }

	j.OnMessage(env)
	j.OnKey(key)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, j.Pending(), "without an admin key the pair stays parked")
}

func TestBroadcastEnvelopesAreIgnoredByJoin(t *testing.T) {
	admin, err := cryptoenv.GenerateAdminKeyPair()
	require.NoError(t, err)
	j, _, _ := newTestJoiner(t, true, admin.Private)

	broadcast, err := envelope.NewBroadcast("sender1", "public hello", nil)
	require.NoError(t, err)
	j.OnMessage(broadcast)
	assert.Equal(t, 0, j.Pending(), "broadcast envelopes never enter the join (spec invariant 5)")
}
