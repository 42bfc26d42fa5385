// Command meshhub runs a hub relay (spec §4.4): a local relay process
// exposing a bidirectional message channel to registered peers and
// fanning out frames between them. Grounded on go-node/main.go's
// flag-driven bootstrap and dual-listener (public vs control) split.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cyberexe1/mujhack/internal/hub"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:3000", "hub bind address")
	path := flag.String("path", "/mesh", "peer session path")
	flag.Parse()

	if v := os.Getenv("MESH_HUB_BIND"); v != "" {
		*addr = v
	}

	logger := log.New(os.Stderr, "[hub] ", log.LstdFlags)
	h := hub.New(logger)

	mux := http.NewServeMux()
	mux.HandleFunc(*path, h.ServeHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Printf("listening on %s%s", *addr, *path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("hub server: %v", err)
	}
}
