package session

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synapse/exchange/internal/exchange"
)

// Dispatcher is what the session layer needs from the clearing house.
type Dispatcher interface {
	Connect(s exchange.Session) error
	Disconnect(s exchange.Session)
	Dispatch(s exchange.Session, raw []byte)
}

// Server upgrades client connections and runs their pumps.
type Server struct {
	ex       Dispatcher
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewServer wires the websocket endpoint to the exchange.
func NewServer(ex Dispatcher) *Server {
	return &Server{
		ex: ex,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from anywhere; identity comes from the signed
			// handshake, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[Session] ", log.LstdFlags),
	}
}

// Handler serves the agent websocket endpoint.
func (srv *Server) Handler() http.Handler {
	return http.HandlerFunc(srv.handleWS)
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Printf("upgrade failed: %v", err)
		return
	}

	s := newSession(conn, srv.logger)
	if err := srv.ex.Connect(s); err != nil {
		srv.logger.Printf("connect failed: %v", err)
		s.close()
		return
	}

	// Half-authed sessions are not kept around.
	authTimer := time.AfterFunc(authWait, func() {
		if s.AgentID() == "" {
			srv.logger.Printf("auth deadline passed, dropping connection")
			s.close()
		}
	})

	go s.writePump()
	s.readPump(srv.ex)

	authTimer.Stop()
	srv.ex.Disconnect(s)
}
