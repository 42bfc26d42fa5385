// Command meshnode runs a single mesh participant (spec §4.3): it dials
// one or more hubs, maintains the local derived collections, optionally
// holds the administrator key pair, and exposes a small HTTP control
// surface for sending broadcasts/e2e messages and inspecting state.
// Grounded on go-node/main.go's flag-and-config bootstrap, generalised
// from libp2p host construction to relay.New + hub dialing.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cyberexe1/mujhack/internal/adminjoin"
	"github.com/cyberexe1/mujhack/internal/config"
	"github.com/cyberexe1/mujhack/internal/cryptoenv"
	"github.com/cyberexe1/mujhack/internal/dedupe"
	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/gateway"
	"github.com/cyberexe1/mujhack/internal/identity"
	"github.com/cyberexe1/mujhack/internal/relay"
	"github.com/cyberexe1/mujhack/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	hubAddr := flag.String("hub", "", "override hub address (host:port)")
	admin := flag.Bool("admin", false, "run this node as an administrator")
	adminPass := flag.String("admin-pass", "", "passphrase protecting the admin private key at rest")
	flag.Parse()

	cfg := config.Default()
	if err := cfg.LoadFile(*cfgPath); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.ApplyEnv()
	if *hubAddr != "" {
		cfg.HubAddr = *hubAddr
	}
	if *admin {
		cfg.IsAdmin = true
	}
	if *adminPass != "" {
		cfg.AdminPassword = *adminPass
	}

	logger := log.New(os.Stderr, "[node] ", log.LstdFlags)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer db.Close()

	nodeID, adminPubB64, adminPrivSealed, hasState, err := db.LoadNodeState()
	if err != nil {
		logger.Fatalf("load node state: %v", err)
	}

	var keys cryptoenv.AdminKeyPair
	hasAdminKey := false

	if !hasState {
		nodeID, err = identity.NewNodeID()
		if err != nil {
			logger.Fatalf("generate node id: %v", err)
		}
		if cfg.IsAdmin {
			keys, err = cryptoenv.GenerateAdminKeyPair()
			if err != nil {
				logger.Fatalf("generate admin key pair: %v", err)
			}
			hasAdminKey = true
			adminPubB64 = identity.EncodePublic(keys.Public)
			sealed, err := identity.SealAdminPrivateKey(cfg.AdminPassword, keys.Private)
			if err != nil {
				logger.Fatalf("seal admin key: %v", err)
			}
			adminPrivSealed = sealed
		}
		if err := db.SaveNodeState(nodeID, adminPubB64, adminPrivSealed); err != nil {
			logger.Fatalf("save node state: %v", err)
		}
	} else if cfg.IsAdmin && len(adminPrivSealed) > 0 {
		priv, err := identity.OpenAdminPrivateKey(cfg.AdminPassword, adminPrivSealed)
		if err != nil {
			logger.Fatalf("unseal admin key (wrong --admin-pass?): %v", err)
		}
		pub, err := identity.DecodePublic(adminPubB64)
		if err != nil {
			logger.Fatalf("decode admin public key: %v", err)
		}
		keys = cryptoenv.AdminKeyPair{Public: pub, Private: priv}
		hasAdminKey = true
	}

	logger.Printf("nodeId=%s pseudoId=%s admin=%v", nodeID, identity.PseudoID(nodeID), cfg.IsAdmin)

	ded := dedupe.New()
	if recent, err := db.RecentDedupe(dedupe.Cap); err != nil {
		logger.Printf("rebuild dedupe from log failed: %v", err)
	} else {
		for _, r := range recent {
			ded.Mark(r.MsgID, dedupe.Kind(r.Kind))
		}
	}

	r := relay.New(nodeID, db, ded, logger)
	r.Dial(cfg.HubURL())

	joiner := adminjoin.New(db, hasAdminKey, keys.Private, func(dm store.DecryptedMessage) {
		logger.Printf("decrypted msg %s from %s: %q", dm.MsgID, dm.From, dm.Content)
	})
	r.OnMessage(joiner.OnMessage)
	r.OnKey(joiner.OnKey)
	r.OnPeerEvent(func(ev relay.PeerEvent) {
		logger.Printf("peer %s: %s", ev.Kind, ev.PeerID)
	})

	go r.Run()
	defer r.Close()

	router := mux.NewRouter()
	gw := gateway.New(r, logger)
	gw.Routes(router)
	mountControlAPI(router, r, db, joiner, hasAdminKey, adminPubB64)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Printf("control API listening on %s", cfg.APIAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("control API: %v", err)
	}
}

// mountControlAPI wires the node's own HTTP surface (spec §6.3): broadcast
// submission, the export audit endpoint, and peer/identity introspection.
// Grounded on go-node/server-control.go's mux.Router control-plane split.
func mountControlAPI(r *mux.Router, rel *relay.Relay, db *store.Store, joiner *adminjoin.Joiner, hasAdminKey bool, adminPubB64 string) {
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"nodeId":       rel.NodeID(),
			"pseudoId":     rel.PseudoID(),
			"isAdmin":      hasAdminKey,
			"adminPublic":  adminPubB64,
			"peers":        rel.Peers(),
			"pendingJoins": joiner.Pending(),
			"hubLiveness":  rel.HubLiveness(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/broadcast", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Content string            `json:"content"`
			Meta    map[string]string `json:"meta,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || strings.TrimSpace(body.Content) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
			return
		}
		env, err := rel.Broadcast(body.Content, body.Meta)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"msgId": env.MsgID})
	}).Methods(http.MethodPost)

	r.HandleFunc("/send-e2e", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			AdminPublic string            `json:"adminPublic"`
			Content     string            `json:"content"`
			Meta        map[string]string `json:"meta,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		adminPub, err := identity.DecodePublic(body.AdminPublic)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		sealed, err := cryptoenv.Seal(adminPub, []byte(body.Content))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		env, err := rel.BroadcastE2E(sealed.Payload, body.Meta)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		key := envelope.NewKeyEnv(env.MsgID, rel.PseudoID(), sealed.WrappedKey, cryptoenv.AlgorithmTag)
		if err := rel.BroadcastKey(key); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"msgId": env.MsgID})
	}).Methods(http.MethodPost)

	r.HandleFunc("/export", func(w http.ResponseWriter, req *http.Request) {
		doc, err := db.Export()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
