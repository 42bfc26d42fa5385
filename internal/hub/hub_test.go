package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return h, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, peerID string) {
	t.Helper()
	b, err := json.Marshal(frame{Type: "register", PeerID: peerID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestRegisterReturnsPeerList(t *testing.T) {
	_, url := newTestHubServer(t)
	a := dial(t, url)
	register(t, a, "alice")
	listFrame := readFrame(t, a)
	assert.Equal(t, "peer_list", listFrame.Type)
	assert.Empty(t, listFrame.Peers)

	b := dial(t, url)
	register(t, b, "bob")
	bobList := readFrame(t, b)
	assert.Equal(t, "peer_list", bobList.Type)
	assert.Equal(t, []string{"alice"}, bobList.Peers)

	aliceNotice := readFrame(t, a)
	assert.Equal(t, "peer_connected", aliceNotice.Type)
	assert.Equal(t, "bob", aliceNotice.PeerID)
}

func TestMeshMessageFansOutExcludingSender(t *testing.T) {
	_, url := newTestHubServer(t)
	a := dial(t, url)
	register(t, a, "alice")
	readFrame(t, a) // peer_list

	b := dial(t, url)
	register(t, b, "bob")
	readFrame(t, b)      // peer_list
	readFrame(t, a)      // peer_connected for bob

	c := dial(t, url)
	register(t, c, "carol")
	readFrame(t, c) // peer_list
	readFrame(t, a) // peer_connected for carol
	readFrame(t, b) // peer_connected for carol

	out, err := json.Marshal(frame{Type: "mesh_message", Envelope: json.RawMessage(`{"msgId":"m1"}`)})
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, out))

	bFrame := readFrame(t, b)
	assert.Equal(t, "mesh_message", bFrame.Type)
	assert.Equal(t, "alice", bFrame.FromPeer)

	cFrame := readFrame(t, c)
	assert.Equal(t, "alice", cFrame.FromPeer)

	// alice (the sender) must never receive her own frame back.
	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = a.ReadMessage()
	assert.Error(t, err, "sender must not be echoed its own mesh_message")
}

func TestReRegistrationOnBoundSessionIsRejected(t *testing.T) {
	h, url := newTestHubServer(t)
	a := dial(t, url)
	register(t, a, "alice")
	readFrame(t, a)

	register(t, a, "alice-again")
	h.mu.Lock()
	_, stillAlice := h.sessions["alice"]
	_, nowAliceAgain := h.sessions["alice-again"]
	h.mu.Unlock()
	assert.True(t, stillAlice)
	assert.False(t, nowAliceAgain)
}

func TestLastWriteWinsEvictsOldSessionOnSamePeerID(t *testing.T) {
	h, url := newTestHubServer(t)
	a := dial(t, url)
	register(t, a, "alice")
	readFrame(t, a)

	a2 := dial(t, url)
	register(t, a2, "alice")
	readFrame(t, a2)

	h.mu.Lock()
	bound := h.sessions["alice"]
	h.mu.Unlock()

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "the original session for peerId alice must be closed")
	assert.NotNil(t, bound)
}

func TestPeerCountTracksRegisteredSessions(t *testing.T) {
	h, url := newTestHubServer(t)
	assert.Equal(t, 0, h.PeerCount())
	a := dial(t, url)
	register(t, a, "alice")
	readFrame(t, a)
	assert.Equal(t, 1, h.PeerCount())
}
