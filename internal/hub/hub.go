// Package hub implements the hub relay (spec §4.4): one websocket session
// per registered peer, transparent fan-out of mesh_message frames, and
// peer_connected/peer_disconnected/peer_list bookkeeping. It never parses
// envelope contents — the envelope is opaque json.RawMessage so a newer
// node can extend the schema without upgrading the hub (spec §4.4).
//
// Grounded on the websocket-hub shape of other_examples'
// dbehnke-allstar-nexus/internal/web/ws.go (client map + broadcast loop)
// and on go-node/server-public.go's fan-out-with-loop-prevention style,
// generalised from HTTP POST replication to a persistent bidirectional
// session per peer, using github.com/gorilla/websocket (a direct
// teacher-pack dependency via Ap3pp3rs94-Chartly2.0).
package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberexe1/mujhack/internal/meshkind"
)

// MaxFrameBytes is the payload size cap on the hub (spec §6.4): 10 MiB per
// frame, rejected at ingress / session closed on violation.
const MaxFrameBytes = 10 << 20

// sendBufferSize bounds a session's outbound queue; once full, the session
// is evicted rather than stalling fan-out (spec §4.4 Back-pressure).
const sendBufferSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the wire shape of every message exchanged on /mesh (spec §6.1).
type frame struct {
	Type         string          `json:"type"`
	PeerID       string          `json:"peerId,omitempty"`
	Peers        []string        `json:"peers,omitempty"`
	Envelope     json.RawMessage `json:"envelope,omitempty"`
	FromPeer     string          `json:"fromPeer,omitempty"`
	EnvelopeType string          `json:"envelopeType,omitempty"`
}

type session struct {
	conn   *websocket.Conn
	peerID string // empty until register
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, send: make(chan []byte, sendBufferSize), closed: make(chan struct{})}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// tryEnqueue attempts a non-blocking send; returns false if the buffer is
// saturated, signalling the caller to evict this session (spec §4.4).
func (s *session) tryEnqueue(b []byte) bool {
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// Hub holds one session per registered peerId (spec §4.4).
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session // keyed by peerId, only bound sessions
	unbound  map[*session]bool   // sessions that have connected but not yet registered

	logger *log.Logger
}

// New creates an empty Hub.
func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		sessions: make(map[string]*session),
		unbound:  make(map[*session]bool),
		logger:   logger,
	}
}

// ServeHTTP upgrades an HTTP request to a websocket session and runs it
// until the connection closes. Mount at /mesh (spec §6.4).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(MaxFrameBytes)
	sess := newSession(conn)

	h.mu.Lock()
	h.unbound[sess] = true
	h.mu.Unlock()

	go h.writeLoop(sess)
	h.readLoop(sess)
}

func (h *Hub) writeLoop(sess *session) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case b, ok := <-sess.send:
			if !ok {
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.evict(sess)
				return
			}
		case <-ping.C:
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.evict(sess)
				return
			}
		case <-sess.closed:
			return
		}
	}
}

func (h *Hub) readLoop(sess *session) {
	defer h.onSessionClosed(sess)
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if len(data) > MaxFrameBytes {
			// spec §7: PayloadTooLarge -> close to peer.
			h.logger.Printf("frame too large (%d bytes) from peer=%q: %v", len(data), sess.peerID, meshkind.ErrPayloadTooLarge)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Printf("malformed frame dropped: %v", meshkind.ErrMalformedEnvelope)
			continue
		}
		h.handleFrame(sess, f)
	}
}

func (h *Hub) handleFrame(sess *session, f frame) {
	switch f.Type {
	case "register":
		h.handleRegister(sess, f.PeerID)
	case "mesh_message":
		h.handleMeshMessage(sess, f)
	default:
		h.logger.Printf("unknown frame type %q dropped", f.Type)
	}
}

// handleRegister binds a session to a peerId (spec §4.4). A session that
// already has a peerId rejects re-registration; an existing session for
// the same peerId is closed first (last-write-wins).
func (h *Hub) handleRegister(sess *session, peerID string) {
	if peerID == "" {
		return
	}
	h.mu.Lock()
	if sess.peerID != "" {
		h.mu.Unlock()
		h.logger.Printf("peer %q attempted re-register on bound session, rejected", sess.peerID)
		return
	}
	if old, ok := h.sessions[peerID]; ok {
		delete(h.sessions, peerID)
		h.mu.Unlock()
		old.close()
		h.mu.Lock()
	}
	delete(h.unbound, sess)
	sess.peerID = peerID
	h.sessions[peerID] = sess

	others := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		if id != peerID {
			others = append(others, id)
		}
	}
	peers := make([]*session, 0, len(h.sessions)-1)
	for id, s := range h.sessions {
		if id != peerID {
			peers = append(peers, s)
		}
	}
	h.mu.Unlock()

	// Broadcast peer_connected to all other sessions.
	connMsg, _ := json.Marshal(frame{Type: "peer_connected", PeerID: peerID})
	for _, p := range peers {
		h.send(p, connMsg)
	}

	// Send peer_list back to this session.
	listMsg, _ := json.Marshal(frame{Type: "peer_list", Peers: others})
	h.send(sess, listMsg)
}

// handleMeshMessage fans a mesh_message out to every other open session
// (spec §4.4): never echoed to sender, total ordering across peers not
// guaranteed.
func (h *Hub) handleMeshMessage(sess *session, f frame) {
	if len(f.Envelope) == 0 {
		h.logger.Printf("mesh_message with empty envelope dropped: %v", meshkind.ErrMalformedEnvelope)
		return
	}
	out, _ := json.Marshal(frame{
		Type:         "mesh_message",
		Envelope:     f.Envelope,
		FromPeer:     sess.peerID,
		EnvelopeType: f.EnvelopeType,
	})

	h.mu.Lock()
	recipients := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == sess.peerID {
			continue
		}
		recipients = append(recipients, s)
	}
	h.mu.Unlock()

	for _, r := range recipients {
		h.send(r, out)
	}
}

// send enqueues b on sess, evicting the session if its buffer is saturated
// (spec §4.4 Back-pressure: protects forward progress at the cost of
// forcing one reconnect).
func (h *Hub) send(sess *session, b []byte) {
	if !sess.tryEnqueue(b) {
		h.logger.Printf("peer %q write buffer saturated, evicting: %v", sess.peerID, meshkind.ErrHubSessionEvicted)
		h.evict(sess)
	}
}

func (h *Hub) evict(sess *session) {
	sess.close()
}

func (h *Hub) onSessionClosed(sess *session) {
	sess.close()
	h.mu.Lock()
	peerID := sess.peerID
	if peerID != "" {
		if cur, ok := h.sessions[peerID]; ok && cur == sess {
			delete(h.sessions, peerID)
		}
	} else {
		delete(h.unbound, sess)
	}
	var survivors []*session
	if peerID != "" {
		survivors = make([]*session, 0, len(h.sessions))
		for _, s := range h.sessions {
			survivors = append(survivors, s)
		}
	}
	h.mu.Unlock()

	if peerID != "" {
		msg, _ := json.Marshal(frame{Type: "peer_disconnected", PeerID: peerID})
		for _, s := range survivors {
			h.send(s, msg)
		}
	}
}

// PeerCount reports the number of currently registered sessions (diagnostics).
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
