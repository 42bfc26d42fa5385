// Package relay implements the node relay (spec §4.3): the per-node state
// machine that dedupes, persists, delivers locally, and TTL-bounded
// forwards mesh envelopes across one or more hub sessions. Grounded on
// go-node/node.go's Node struct (mutex-guarded maps, stream handler
// dispatch) generalised from libp2p streams to the hub-and-spoke
// websocket sessions of spec §6.1 — see DESIGN.md for why libp2p itself
// is not wired.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cyberexe1/mujhack/internal/dedupe"
	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/meshkind"
	"github.com/cyberexe1/mujhack/internal/store"
)

// MessageHandler observes message envelopes delivered locally. Per spec §5
// it must not block: it either enqueues work or returns.
type MessageHandler func(envelope.MessageEnvelope)

// KeyHandler observes key envelopes delivered locally.
type KeyHandler func(envelope.KeyEnvelope)

// PeerEvent is fired for peer_connected/peer_disconnected/peer_list deltas.
type PeerEvent struct {
	Kind   string // "discovered" | "lost"
	PeerID string
}

type PeerHandler func(PeerEvent)

// Relay is a single mesh participant (spec §4.3).
type Relay struct {
	nodeID   string
	pseudoID string

	log    *store.Store
	dedupe *dedupe.Store

	hubsMu sync.Mutex
	hubs   []*hubConn

	peersMu sync.Mutex
	peerSet map[string]bool

	handlersMu   sync.Mutex
	msgHandlers  []MessageHandler
	keyHandlers  []KeyHandler
	peerHandlers []PeerHandler

	incoming chan inboundFrame
	closed   chan struct{}
	closeOne sync.Once

	logger *log.Logger
}

// New constructs a Relay. Call Dial for each hub address to connect to,
// then Run to start the dispatch loop.
func New(nodeID string, log *store.Store, ded *dedupe.Store, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log0()
	}
	return &Relay{
		nodeID:   nodeID,
		pseudoID: pseudoID(nodeID),
		log:      log,
		dedupe:   ded,
		peerSet:  make(map[string]bool),
		incoming: make(chan inboundFrame, 256),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

func log0() *log.Logger { return log.Default() }

func pseudoID(nodeID string) string {
	if len(nodeID) < 8 {
		return "user_" + nodeID
	}
	return "user_" + nodeID[:8]
}

// Dial opens (and maintains, with automatic reconnect) a hub session at
// addr, e.g. "ws://127.0.0.1:3000/mesh".
func (r *Relay) Dial(addr string) {
	hc := newHubConn(addr, r.nodeID, r.incoming, r.logger)
	r.hubsMu.Lock()
	r.hubs = append(r.hubs, hc)
	r.hubsMu.Unlock()
	hc.start()
}

// Run processes inbound frames on a single cooperative goroutine (spec
// §5): handler dispatch is always serialised with respect to log writes.
// Run blocks until Close is called.
func (r *Relay) Run() {
	for {
		select {
		case in := <-r.incoming:
			r.dispatch(in)
		case <-r.closed:
			return
		}
	}
}

func (r *Relay) dispatch(in inboundFrame) {
	switch in.f.Type {
	case "peer_list":
		added := in.hub.applyPeerList(in.f.Peers)
		r.peersMu.Lock()
		for _, p := range in.f.Peers {
			r.peerSet[p] = true
		}
		r.peersMu.Unlock()
		for _, p := range added {
			r.notifyPeer(PeerEvent{Kind: "discovered", PeerID: p})
		}
	case "peer_connected":
		in.hub.addPeer(in.f.PeerID)
		r.peersMu.Lock()
		r.peerSet[in.f.PeerID] = true
		r.peersMu.Unlock()
		r.notifyPeer(PeerEvent{Kind: "discovered", PeerID: in.f.PeerID})
	case "peer_disconnected":
		in.hub.removePeer(in.f.PeerID)
		r.peersMu.Lock()
		delete(r.peerSet, in.f.PeerID)
		r.peersMu.Unlock()
		r.notifyPeer(PeerEvent{Kind: "lost", PeerID: in.f.PeerID})
	case "mesh_message":
		if in.f.EnvelopeType == "key" {
			r.handleKeyFrame(in.f.Envelope)
		} else {
			r.handleMessageFrame(in.f.Envelope)
		}
	default:
		r.logger.Printf("unhandled frame type %q", in.f.Type)
	}
}

func (r *Relay) notifyPeer(ev PeerEvent) {
	r.handlersMu.Lock()
	hs := append([]PeerHandler(nil), r.peerHandlers...)
	r.handlersMu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (r *Relay) handleMessageFrame(raw json.RawMessage) {
	var env envelope.MessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Printf("malformed message envelope dropped: %v", meshkind.ErrMalformedEnvelope)
		return
	}
	if err := envelope.Validate(env); err != nil {
		r.logger.Printf("invalid message envelope dropped: %v", err)
		return
	}
	r.handleMessageEnv(env)
}

func (r *Relay) handleKeyFrame(raw json.RawMessage) {
	var key envelope.KeyEnvelope
	if err := json.Unmarshal(raw, &key); err != nil {
		r.logger.Printf("malformed key envelope dropped: %v", meshkind.ErrMalformedEnvelope)
		return
	}
	if err := envelope.ValidateKey(key); err != nil {
		r.logger.Printf("invalid key envelope dropped: %v", err)
		return
	}
	r.handleKeyEnv(key)
}

// handleMessageEnv implements spec §4.3's per-frame algorithm exactly.
func (r *Relay) handleMessageEnv(env envelope.MessageEnvelope) {
	if r.dedupe.Seen(env.MsgID, dedupe.KindMessage) {
		return // DuplicateFrame: silent drop
	}
	r.dedupe.Mark(env.MsgID, dedupe.KindMessage)
	if r.log != nil {
		_ = r.log.RecordDedupe(env.MsgID, int(dedupe.KindMessage))
		if err := r.log.SaveMessage(env); err != nil {
			// PersistenceFailure is fatal for this envelope: not handed to
			// observers, not forwarded (spec §4.3, §7).
			r.logger.Printf("persist message %s failed, dropping: %v", env.MsgID, err)
			return
		}
	}
	r.invokeMessageHandlers(env)
	if env.TTL > 0 {
		r.forward(env)
	}
}

// handleKeyEnv implements spec §4.3's key-path algorithm. Key envelopes
// are never forwarded (spec invariant 6).
func (r *Relay) handleKeyEnv(key envelope.KeyEnvelope) {
	if r.dedupe.Seen(key.MsgID, dedupe.KindKey) {
		return
	}
	r.dedupe.Mark(key.MsgID, dedupe.KindKey)
	if r.log != nil {
		_ = r.log.RecordDedupe(key.MsgID, int(dedupe.KindKey))
		if err := r.log.SaveKey(key); err != nil {
			r.logger.Printf("persist key %s failed, dropping: %v", key.MsgID, err)
			return
		}
	}
	r.invokeKeyHandlers(key)
}

func (r *Relay) invokeMessageHandlers(env envelope.MessageEnvelope) {
	r.handlersMu.Lock()
	hs := append([]MessageHandler(nil), r.msgHandlers...)
	r.handlersMu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (r *Relay) invokeKeyHandlers(key envelope.KeyEnvelope) {
	r.handlersMu.Lock()
	hs := append([]KeyHandler(nil), r.keyHandlers...)
	r.handlersMu.Unlock()
	for _, h := range hs {
		h(key)
	}
}

// forward re-emits addHop(env) to every hub session this relay holds
// (SPEC_FULL §10: multi-hub bridging — a node with more than one hub
// session forwards to all of them, which is precisely how two disjoint
// hub islands become connected through a shared member).
func (r *Relay) forward(env envelope.MessageEnvelope) {
	next := envelope.AddHop(env, r.pseudoID)
	raw, err := json.Marshal(next)
	if err != nil {
		r.logger.Printf("marshal forward of %s failed: %v", env.MsgID, err)
		return
	}
	r.hubsMu.Lock()
	hubs := append([]*hubConn(nil), r.hubs...)
	r.hubsMu.Unlock()
	for _, h := range hubs {
		if err := h.send("", raw); err != nil {
			// Non-fatal to local observers: already logged and delivered.
			r.logger.Printf("forward %s to %s failed: %v", env.MsgID, h.addr, err)
		}
	}
}

// Broadcast persists, fires local handlers, and emits env to every hub
// session. Returns after the hub writes are accepted (spec §4.3).
func (r *Relay) Broadcast(content string, meta map[string]string) (envelope.MessageEnvelope, error) {
	env, err := envelope.NewBroadcast(r.pseudoID, content, meta)
	if err != nil {
		return envelope.MessageEnvelope{}, err
	}
	return env, r.emitMessage(env)
}

// BroadcastE2E persists, fires local handlers, and emits an e2e envelope.
func (r *Relay) BroadcastE2E(ciphertextPayload string, meta map[string]string) (envelope.MessageEnvelope, error) {
	env, err := envelope.NewE2E(r.pseudoID, ciphertextPayload, meta)
	if err != nil {
		return envelope.MessageEnvelope{}, err
	}
	return env, r.emitMessage(env)
}

// EmitMessage persists, fires local handlers, and emits a caller-built
// envelope verbatim (used by the gateway, spec §4.7, which synthesises its
// own MessageEnvelope rather than calling Broadcast/BroadcastE2E).
func (r *Relay) EmitMessage(env envelope.MessageEnvelope) error {
	return r.emitMessage(env)
}

func (r *Relay) emitMessage(env envelope.MessageEnvelope) error {
	r.dedupe.Mark(env.MsgID, dedupe.KindMessage)
	if r.log != nil {
		if err := r.log.RecordDedupe(env.MsgID, int(dedupe.KindMessage)); err != nil {
			return err
		}
		if err := r.log.SaveMessage(env); err != nil {
			return err
		}
	}
	r.invokeMessageHandlers(env)

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrMalformedEnvelope, err)
	}
	r.hubsMu.Lock()
	hubs := append([]*hubConn(nil), r.hubs...)
	r.hubsMu.Unlock()
	var lastErr error
	for _, h := range hubs {
		if err := h.send("", raw); err != nil {
			r.logger.Printf("emit %s to %s failed: %v", env.MsgID, h.addr, err)
			lastErr = err
		}
	}
	return lastErr
}

// BroadcastKey persists, fires local handlers, and emits key to every hub
// session once (spec §4.3 broadcastKey, invariant 6: published once, never
// relayed along the forwarding loop).
func (r *Relay) BroadcastKey(key envelope.KeyEnvelope) error {
	r.dedupe.Mark(key.MsgID, dedupe.KindKey)
	if r.log != nil {
		if err := r.log.RecordDedupe(key.MsgID, int(dedupe.KindKey)); err != nil {
			return err
		}
		if err := r.log.SaveKey(key); err != nil {
			return err
		}
	}
	r.invokeKeyHandlers(key)

	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrMalformedEnvelope, err)
	}
	r.hubsMu.Lock()
	hubs := append([]*hubConn(nil), r.hubs...)
	r.hubsMu.Unlock()
	var lastErr error
	for _, h := range hubs {
		if err := h.send("key", raw); err != nil {
			r.logger.Printf("emit key %s to %s failed: %v", key.MsgID, h.addr, err)
			lastErr = err
		}
	}
	return lastErr
}

// OnMessage registers a message observer (spec §4.3).
func (r *Relay) OnMessage(h MessageHandler) {
	r.handlersMu.Lock()
	r.msgHandlers = append(r.msgHandlers, h)
	r.handlersMu.Unlock()
}

// OnKey registers a key observer.
func (r *Relay) OnKey(h KeyHandler) {
	r.handlersMu.Lock()
	r.keyHandlers = append(r.keyHandlers, h)
	r.handlersMu.Unlock()
}

// OnPeerEvent registers a peer discovery/loss observer.
func (r *Relay) OnPeerEvent(h PeerHandler) {
	r.handlersMu.Lock()
	r.peerHandlers = append(r.peerHandlers, h)
	r.handlersMu.Unlock()
}

// Peers returns a copy of the set of peer nodeIds (the ids peers register
// with at the hub) built from peer_list, peer_connected and
// peer_disconnected frames, merged across every hub session held (spec
// §4.3, SPEC_FULL §10).
func (r *Relay) Peers() map[string]bool {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	out := make(map[string]bool, len(r.peerSet))
	for p := range r.peerSet {
		out[p] = true
	}
	return out
}

// HubLiveness reports, per dialed hub address, the last time a ping
// control frame was observed on that session (SPEC_FULL §10). It is
// advisory diagnostics only — forwarding decisions remain TTL-only.
func (r *Relay) HubLiveness() map[string]time.Time {
	r.hubsMu.Lock()
	hubs := append([]*hubConn(nil), r.hubs...)
	r.hubsMu.Unlock()
	out := make(map[string]time.Time, len(hubs))
	for _, h := range hubs {
		out[h.addr] = h.lastSeen()
	}
	return out
}

// NodeID returns this relay's 128-bit identity.
func (r *Relay) NodeID() string { return r.nodeID }

// PseudoID returns the short display handle derived from NodeID.
func (r *Relay) PseudoID() string { return r.pseudoID }

// Close triggers cancellation (spec §5): stop accepting new broadcasts is
// the caller's responsibility once Close has been called; here we close
// every hub connection with a clean code and stop the dispatch loop.
// Already-logged envelopes are never discarded.
func (r *Relay) Close() {
	r.closeOne.Do(func() {
		close(r.closed)
		r.hubsMu.Lock()
		hubs := append([]*hubConn(nil), r.hubs...)
		r.hubsMu.Unlock()
		for _, h := range hubs {
			h.close()
		}
	})
}
