// Package spectator serves the read-only observer surface: a websocket
// stream of tape events bootstrapped by a snapshot, a snapshot REST
// endpoint, the Prometheus scrape endpoint, and the demo seeding hook.
package spectator

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/exchange"
	"github.com/synapse/exchange/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server is the spectator collaborator.
type Server struct {
	ex       *exchange.Exchange
	st       store.Store // may be nil
	metrics  http.Handler
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// New builds the spectator. st may be nil (in-memory snapshots only);
// metricsHandler serves /metrics.
func New(ex *exchange.Exchange, st store.Store, metricsHandler http.Handler) *Server {
	return &Server{
		ex:      ex,
		st:      st,
		metrics: metricsHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[Spectator] ", log.LstdFlags),
	}
}

// Router lays out the spectator endpoints. Additional surfaces (the GitHub
// ingress) are mounted by the caller.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/observer", s.handleObserver)
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/demo/timeout", s.handleDemoTimeout).Methods(http.MethodPost, http.MethodOptions)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// snapshot prefers the store so observers see history from before this
// process started; the in-memory projection is the fallback.
func (s *Server) snapshot(ctx context.Context) *core.Snapshot {
	if s.st != nil {
		snap, err := s.st.Snapshot(ctx)
		if err == nil {
			return snap
		}
		s.logger.Printf("store snapshot failed, serving memory: %v", err)
	}
	return s.ex.Snapshot()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot(r.Context()))
}

func (s *Server) handleDemoTimeout(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.ex.SeedTimeoutDemo()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": jobID})
}

// observerFrame is the envelope of the observer stream.
type observerFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleObserver subscribes one spectator: snapshot first, then every tape
// event in order until the socket dies.
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("observer upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.ex.Tape().Subscribe()
	defer unsubscribe()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(observerFrame{Type: "snapshot", Data: s.snapshot(r.Context())}); err != nil {
		return
	}

	// Observers never send anything meaningful; the read loop just detects
	// the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(observerFrame{Type: "event", Data: ev}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Spectator] encode response: %v", err)
	}
}
