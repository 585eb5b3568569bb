// Package debugserver exposes a read-only HTTP/WebSocket diagnostics
// surface over the connection core: pool sizes and a live Hub event
// feed. It is strictly observability tooling, not the RPC plugin
// surface package rpc/api provide — it exposes no mutating endpoint.
package debugserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fjl/memsize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/query"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
)

// Server serves the diagnostics endpoints described above.
type Server struct {
	db    *store.AddressBook
	h     *hub.Hub
	stage *staging.Staging
	q     *query.Query

	log    *log.Logger
	http   *http.Server
	upgrad websocket.Upgrader
}

// New builds a Server; call ListenAndServe to start it.
func New(addr string, db *store.AddressBook, h *hub.Hub, stage *staging.Staging, q *query.Query) *Server {
	s := &Server{
		db:    db,
		h:     h,
		stage: stage,
		q:     q,
		log:   log.New("component", "debugserver"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/staged", s.handleStaged).Methods(http.MethodGet)
	r.HandleFunc("/db", s.handleDB).Methods(http.MethodGet)
	r.HandleFunc("/memsize", s.handleMemsize).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents)

	handler := cors.AllowAll().Handler(r)
	s.http = &http.Server{Addr: addr, Handler: handler}
	return s
}

// ListenAndServe blocks serving the diagnostics surface.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	DBSize          int `json:"dbSize"`
	StagedSize      int `json:"stagedSize"`
	Connected       int `json:"connected"`
	InConnection    int `json:"inConnection"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		DBSize:       len(s.db.Entries()),
		StagedSize:   len(s.stage.Entries()),
		Connected:    len(s.q.PeersConnected()),
		InConnection: len(s.q.PeersInConnection()),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.h.Entries())
}

func (s *Server) handleStaged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stage.Entries())
}

func (s *Server) handleDB(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.db.Entries())
}

// handleMemsize reports the retained heap size of a snapshot of each
// pool, useful for spotting an address book or staging leak in a
// long-running daemon without attaching a full profiler.
func (s *Server) handleMemsize(w http.ResponseWriter, r *http.Request) {
	snapshot := struct {
		DB      []store.Entry
		Staged  []staging.Entry
		Live    []hub.Snapshot
	}{
		DB:     s.db.Entries(),
		Staged: s.stage.Entries(),
		Live:   s.h.Entries(),
	}

	sizes := memsize.Scan(snapshot)
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, sizes.Report())
}

// handleEvents upgrades to a WebSocket and streams Hub lifecycle
// events as they occur, closing when the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrad.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := s.h.Listen()
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(time.Minute))
	go drainClientReads(conn)

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// drainClientReads discards any message the client sends, solely to
// notice when it closes the connection.
func drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
