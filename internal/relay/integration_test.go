package relay

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberexe1/mujhack/internal/dedupe"
	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/hub"
	"github.com/cyberexe1/mujhack/internal/store"
)

func newHubServer(t *testing.T) string {
	t.Helper()
	h := hub.New(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newRelay(t *testing.T, nodeID string) *Relay {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), nodeID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := New(nodeID, db, dedupe.New(), nil)
	t.Cleanup(r.Close)
	return r
}

// TestBroadcastReachesSinglePeerUnderOneHub exercises spec.md scenario S1:
// a broadcast from one node is delivered to a peer under the same hub
// exactly once.
func TestBroadcastReachesSinglePeerUnderOneHub(t *testing.T) {
	hubURL := newHubServer(t)

	sender := newRelay(t, "sender000000000")
	receiver := newRelay(t, "receiver0000000")

	var delivered []envelope.MessageEnvelope
	receiver.OnMessage(func(env envelope.MessageEnvelope) { delivered = append(delivered, env) })

	sender.Dial(hubURL)
	receiver.Dial(hubURL)
	go sender.Run()
	go receiver.Run()

	require.Eventually(t, func() bool { return len(sender.Peers()) == 1 }, 2*time.Second, 20*time.Millisecond)

	env, err := sender.Broadcast("hello peer", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(delivered) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, env.MsgID, delivered[0].MsgID)
	assert.Equal(t, env.Payload, delivered[0].Payload)
}

// TestBroadcastIsNeverDuplicatedAcrossThreePeers exercises scenario S2: a
// three-node mesh under one hub relays a single broadcast without any
// receiver observing it more than once.
func TestBroadcastIsNeverDuplicatedAcrossThreePeers(t *testing.T) {
	hubURL := newHubServer(t)

	sender := newRelay(t, "sender111111111")
	b := newRelay(t, "peerbbbbbbbbbbb")
	c := newRelay(t, "peerccccccccccc")

	var bCount, cCount int
	b.OnMessage(func(envelope.MessageEnvelope) { bCount++ })
	c.OnMessage(func(envelope.MessageEnvelope) { cCount++ })

	sender.Dial(hubURL)
	b.Dial(hubURL)
	c.Dial(hubURL)
	go sender.Run()
	go b.Run()
	go c.Run()

	require.Eventually(t, func() bool { return len(sender.Peers()) == 2 }, 2*time.Second, 20*time.Millisecond)

	_, err := sender.Broadcast("hi all", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bCount == 1 && cCount == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, bCount)
	assert.Equal(t, 1, cCount)
}
