// Package gateway is the HTTP ingress collaborator for clients without a
// mesh relay of their own (spec §4.7). It is untrusted: it never sees
// plaintext or the session key, only the client's already-sealed
// ciphertext and wrapped key. Grounded on go-node/http_api.go's
// mux-plus-JSON-decode handler style and keysaver-server/server.go's
// writeJSON helper, routed with github.com/gorilla/mux (a direct
// teacher-pack dependency).
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cyberexe1/mujhack/internal/envelope"
)

// Emitter is the subset of *relay.Relay the gateway depends on.
type Emitter interface {
	EmitMessage(envelope.MessageEnvelope) error
	BroadcastKey(envelope.KeyEnvelope) error
}

// settleDelay is the brief pause between emitting the message envelope and
// its key envelope (spec §4.7 step 4, §5 Timeouts: ≈100ms).
const settleDelay = 100 * time.Millisecond

const defaultGatewayFrom = "gateway_user"

type submitRequest struct {
	EncryptedPayload string            `json:"encryptedPayload"`
	WrappedKey       string            `json:"wrappedKey"`
	MsgID            string            `json:"msgId"`
	From             string            `json:"from,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
}

// Gateway wires the /gateway/submit contract onto an Emitter.
type Gateway struct {
	emit   Emitter
	logger *log.Logger
}

// New creates a Gateway that emits through emit.
func New(emit Emitter, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{emit: emit, logger: logger}
}

// Routes mounts the gateway's HTTP contract onto r (spec §6.2).
func (g *Gateway) Routes(r *mux.Router) {
	r.HandleFunc("/gateway/submit", g.handleSubmit).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.EncryptedPayload == "" || req.WrappedKey == "" || req.MsgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing required field: encryptedPayload, wrappedKey, and msgId are all required",
		})
		return
	}

	from := req.From
	if from == "" {
		from = defaultGatewayFrom
	}
	now := time.Now().UTC()
	msgEnv := envelope.MessageEnvelope{
		MsgID:     req.MsgID,
		Type:      envelope.TypeE2E,
		From:      from,
		To:        "admin",
		Timestamp: now,
		TTL:       envelope.DefaultTTL,
		Hops:      []envelope.HopRecord{{NodeID: "gateway", Timestamp: now}},
		Payload:   req.EncryptedPayload,
		Meta:      req.Meta,
	}
	if err := envelope.Validate(msgEnv); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	keyEnv := envelope.NewKeyEnv(req.MsgID, from, req.WrappedKey, "")
	if err := envelope.ValidateKey(keyEnv); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Ordering is mandatory (spec §4.7): message first, key second. An
	// admin that sees only the key first simply parks it pending; the
	// ordering affects only minimum join latency, never correctness.
	if err := g.emit.EmitMessage(msgEnv); err != nil {
		g.logger.Printf("gateway emit message %s failed: %v", req.MsgID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to submit message"})
		return
	}

	go func() {
		time.Sleep(settleDelay)
		if err := g.emit.BroadcastKey(keyEnv); err != nil {
			g.logger.Printf("gateway emit key %s failed: %v", req.MsgID, err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "msgId": req.MsgID})
}
