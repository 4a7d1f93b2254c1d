// Package session owns the client-facing websocket endpoint. Each connection
// gets one Session: a serial read loop that feeds frames into the exchange in
// arrival order, and a write pump draining a buffered send queue. A consumer
// that cannot keep up is disconnected rather than allowed to block the
// exchange.
package session

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	// authWait bounds how long a connection may stay half-authed.
	authWait = 30 * time.Second
)

// Session is one client connection.
type Session struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *log.Logger

	// mu guards the identity fields: the exchange writes them under its own
	// lock, the auth-timeout timer reads them from another goroutine.
	mu      sync.Mutex
	nonce   string
	agentID string
}

func newSession(conn *websocket.Conn, logger *log.Logger) *Session {
	return &Session{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Nonce returns the challenge nonce issued at connect.
func (s *Session) Nonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// SetNonce records the challenge nonce.
func (s *Session) SetNonce(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = nonce
}

// AgentID returns the bound identity, or "" before auth.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// Bind marks the session authenticated.
func (s *Session) Bind(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = agentID
}

// Send queues one outbound frame. Never blocks: a full queue means the
// client has stalled, and the connection is dropped instead.
func (s *Session) Send(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Printf("marshal outbound frame: %v", err)
		return
	}
	select {
	case s.send <- raw:
	case <-s.done:
	default:
		s.logger.Printf("send queue full for %s, dropping connection", s.describe())
		s.close()
	}
}

func (s *Session) describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentID != "" {
		return s.agentID
	}
	return "unauthed session"
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump feeds inbound frames to the exchange in arrival order. Runs on
// the connection's handler goroutine and returns when the socket dies.
func (s *Session) readPump(ex Dispatcher) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("read error for %s: %v", s.describe(), err)
			}
			return
		}
		ex.Dispatch(s, raw)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case raw, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
