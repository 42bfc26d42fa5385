package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberexe1/mujhack/internal/envelope"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadMessage(t *testing.T) {
	s := openTestStore(t)
	env, err := envelope.NewBroadcast("peer1", "hello", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(env))

	msgs, err := s.Broadcasts()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.MsgID, msgs[0].MsgID)
	assert.Equal(t, env.Payload, msgs[0].Payload)
}

func TestSaveMessageIsLastWriterWins(t *testing.T) {
	s := openTestStore(t)
	env, err := envelope.NewBroadcast("peer1", "v1", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(env))

	env.Payload = "v2"
	require.NoError(t, s.SaveMessage(env))

	msgs, err := s.MessageMesh()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].Payload)
}

func TestE2EMessagesExcludedFromBroadcasts(t *testing.T) {
	s := openTestStore(t)
	b, err := envelope.NewBroadcast("peer1", "public", nil)
	require.NoError(t, err)
	e, err := envelope.NewE2E("peer1", "Y2lwaGVy", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(b))
	require.NoError(t, s.SaveMessage(e))

	broadcasts, err := s.Broadcasts()
	require.NoError(t, err)
	require.Len(t, broadcasts, 1)
	assert.Equal(t, b.MsgID, broadcasts[0].MsgID)

	all, err := s.MessageMesh()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveAndLoadKey(t *testing.T) {
	s := openTestStore(t)
	key := envelope.NewKeyEnv("msg1", "peer1", "d3JhcHBlZA==", "x25519+aes-256-gcm")
	require.NoError(t, s.SaveKey(key))

	keys, err := s.KeyMesh()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.WrappedKey, keys[0].WrappedKey)
}

func TestHasDecryptedReflectsSaveDecrypted(t *testing.T) {
	s := openTestStore(t)
	has, err := s.HasDecrypted("msg1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.SaveDecrypted(DecryptedMessage{MsgID: "msg1", Content: "plain"}))

	has, err = s.HasDecrypted("msg1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestExportCollectsAllFourCollections(t *testing.T) {
	s := openTestStore(t)
	b, err := envelope.NewBroadcast("peer1", "public", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(b))
	key := envelope.NewKeyEnv("msg1", "peer1", "d3JhcHBlZA==", "")
	require.NoError(t, s.SaveKey(key))
	require.NoError(t, s.SaveDecrypted(DecryptedMessage{MsgID: "msg1", Content: "plain"}))

	doc, err := s.Export()
	require.NoError(t, err)
	assert.Len(t, doc.Broadcasts, 1)
	assert.Len(t, doc.MessageMesh, 1)
	assert.Len(t, doc.KeyMesh, 1)
	assert.Len(t, doc.Decrypted, 1)
}

func TestNodeStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, _, _, ok, err := s.LoadNodeState()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveNodeState("abc123", "cHVia2V5", []byte("sealedbytes")))

	nodeID, pub, sealed, ok, err := s.LoadNodeState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", nodeID)
	assert.Equal(t, "cHVia2V5", pub)
	assert.Equal(t, []byte("sealedbytes"), sealed)
}

func TestRecentDedupeReturnsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordDedupe("a", 0))
	require.NoError(t, s.RecordDedupe("b", 1))
	require.NoError(t, s.RecordDedupe("c", 0))

	recent, err := s.RecentDedupe(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "a", recent[0].MsgID)
	assert.Equal(t, "c", recent[2].MsgID)
}
