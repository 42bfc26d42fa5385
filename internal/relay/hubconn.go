package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberexe1/mujhack/internal/meshkind"
)

// connState is the hub-connection sub-state-machine (spec §4.3).
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateRegistered
	stateLost
)

const (
	reconnectDelay = 3 * time.Second
	maxReconnects  = 10
)

// wireFrame mirrors hub.frame; duplicated here so the relay package does
// not need to import the hub package's internals (spec §6.1 is the
// contract, not a shared Go type).
type wireFrame struct {
	Type         string          `json:"type"`
	PeerID       string          `json:"peerId,omitempty"`
	Peers        []string        `json:"peers,omitempty"`
	Envelope     json.RawMessage `json:"envelope,omitempty"`
	FromPeer     string          `json:"fromPeer,omitempty"`
	EnvelopeType string          `json:"envelopeType,omitempty"`
}

// hubConn is one client connection to a hub (spec §4.3 Hub-connection
// sub-state-machine). A relay may hold more than one simultaneously to
// bridge disjoint hub islands (SPEC_FULL §10).
type hubConn struct {
	addr   string
	nodeID string

	mu       sync.Mutex
	state    connState
	conn     *websocket.Conn
	writeMu  sync.Mutex
	attempts int

	peersMu sync.Mutex
	peers   map[string]bool

	livenessMu sync.Mutex
	lastPingAt time.Time // last ping control frame observed from the hub (liveness only, never routing)

	incoming chan<- inboundFrame // delivered to the relay's single dispatch loop
	logger   *log.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

type inboundFrame struct {
	hub *hubConn
	f   wireFrame
}

func newHubConn(addr, nodeID string, incoming chan<- inboundFrame, logger *log.Logger) *hubConn {
	return &hubConn{
		addr:     addr,
		nodeID:   nodeID,
		peers:    make(map[string]bool),
		incoming: incoming,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

func (h *hubConn) start() {
	go h.connectLoop()
}

func (h *hubConn) connectLoop() {
	for {
		select {
		case <-h.closed:
			return
		default:
		}
		h.setState(stateConnecting)
		conn, _, err := websocket.DefaultDialer.Dial(h.addr, nil)
		if err != nil {
			h.logger.Printf("dial %s failed: %v", h.addr, err)
			if !h.scheduleReconnect() {
				return
			}
			continue
		}
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		conn.SetPingHandler(func(data string) error {
			h.livenessMu.Lock()
			h.lastPingAt = time.Now()
			h.livenessMu.Unlock()
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})

		reg := wireFrame{Type: "register", PeerID: h.nodeID}
		b, _ := json.Marshal(reg)
		if err := h.writeRaw(b); err != nil {
			h.logger.Printf("register write to %s failed: %v", h.addr, err)
			h.onLost()
			if !h.scheduleReconnect() {
				return
			}
			continue
		}
		h.setState(stateRegistered)
		h.attempts = 0
		h.readLoop(conn)
		h.onLost()
		if !h.scheduleReconnect() {
			return
		}
	}
}

func (h *hubConn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Printf("malformed frame from %s dropped: %v", h.addr, meshkind.ErrMalformedEnvelope)
			continue
		}
		select {
		case h.incoming <- inboundFrame{hub: h, f: f}:
		case <-h.closed:
			return
		}
	}
}

// scheduleReconnect waits reconnectDelay then retries, up to maxReconnects
// attempts (spec §4.3, §5 Timeouts). Returns false once attempts are
// exhausted, telling connectLoop to give up.
func (h *hubConn) scheduleReconnect() bool {
	h.mu.Lock()
	h.attempts++
	attempts := h.attempts
	h.mu.Unlock()
	if attempts > maxReconnects {
		h.logger.Printf("giving up on %s after %d attempts", h.addr, maxReconnects)
		h.setState(stateLost)
		return false
	}
	select {
	case <-time.After(reconnectDelay):
		return true
	case <-h.closed:
		return false
	}
}

func (h *hubConn) onLost() {
	h.setState(stateLost)
	h.peersMu.Lock()
	lost := make([]string, 0, len(h.peers))
	for p := range h.peers {
		lost = append(lost, p)
	}
	h.peers = make(map[string]bool)
	h.peersMu.Unlock()
	for _, p := range lost {
		select {
		case h.incoming <- inboundFrame{hub: h, f: wireFrame{Type: "peer_disconnected", PeerID: p}}:
		case <-h.closed:
			return
		}
	}
}

func (h *hubConn) setState(s connState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *hubConn) isRegistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateRegistered
}

func (h *hubConn) writeRaw(b []byte) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w", meshkind.ErrNotConnected)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// send writes a mesh_message frame. Per spec §4.3, writes attempted while
// Lost fail with NotConnected — the caller's persistence and local fan-out
// must already have succeeded by the time send is called.
func (h *hubConn) send(envelopeType string, raw json.RawMessage) error {
	if !h.isRegistered() {
		return fmt.Errorf("%w: %s", meshkind.ErrNotConnected, h.addr)
	}
	f := wireFrame{Type: "mesh_message", Envelope: raw, EnvelopeType: envelopeType}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrMalformedEnvelope, err)
	}
	if err := h.writeRaw(b); err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrNotConnected, err)
	}
	return nil
}

// lastSeen reports when this hub session last proved liveness via a ping
// control frame (SPEC_FULL §10: peer/hub liveness tracking — advisory only,
// never consulted by the TTL-only forwarding decision).
func (h *hubConn) lastSeen() time.Time {
	h.livenessMu.Lock()
	defer h.livenessMu.Unlock()
	return h.lastPingAt
}

func (h *hubConn) peerSnapshot() []string {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	out := make([]string, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *hubConn) applyPeerList(peers []string) []string {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	newSet := make(map[string]bool, len(peers))
	var added []string
	for _, p := range peers {
		newSet[p] = true
		if !h.peers[p] {
			added = append(added, p)
		}
	}
	h.peers = newSet
	return added
}

func (h *hubConn) addPeer(peerID string) {
	h.peersMu.Lock()
	h.peers[peerID] = true
	h.peersMu.Unlock()
}

func (h *hubConn) removePeer(peerID string) {
	h.peersMu.Lock()
	delete(h.peers, peerID)
	h.peersMu.Unlock()
}

func (h *hubConn) close() {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.mu.Lock()
		if h.conn != nil {
			_ = h.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = h.conn.Close()
		}
		h.mu.Unlock()
	})
}
