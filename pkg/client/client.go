// Package client is a minimal Synapse agent client: it dials the exchange,
// runs the signed-nonce handshake with an Ed25519 key, and exchanges typed
// protocol frames. Used by end-to-end tests and command-line tooling.
package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synapse/exchange/internal/auth"
	"github.com/synapse/exchange/internal/protocol"
)

// readTimeout bounds every receive so a missing frame fails a test quickly.
const readTimeout = 5 * time.Second

// Client is one agent connection.
type Client struct {
	conn         *websocket.Conn
	key          ed25519.PrivateKey
	publicKeyB64 string
	agentID      string
}

// NewKey generates an Ed25519 key pair for an agent identity.
func NewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return priv, nil
}

// Dial connects to the exchange websocket endpoint with the given identity key.
func Dial(url string, key ed25519.PrivateKey) (*Client, error) {
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{
		conn:         conn,
		key:          key,
		publicKeyB64: base64.StdEncoding.EncodeToString(der),
	}, nil
}

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// AgentID returns the identity bound by Auth, or "" before it.
func (c *Client) AgentID() string { return c.agentID }

// PublicKey returns the base64 SPKI DER form of the client's public key.
func (c *Client) PublicKey() string { return c.publicKeyB64 }

// Auth waits for the challenge, signs it, and completes the handshake.
func (c *Client) Auth(agentName string) (protocol.Authed, error) {
	var authed protocol.Authed

	raw, err := c.WaitFor(protocol.TypeChallenge)
	if err != nil {
		return authed, err
	}
	var ch protocol.Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return authed, fmt.Errorf("decode challenge: %w", err)
	}

	canonical := auth.CanonicalString(protocol.Version, ch.Nonce, agentName, c.publicKeyB64)
	sig := ed25519.Sign(c.key, []byte(canonical))

	if err := c.Send(protocol.Auth{
		V:         protocol.Version,
		Type:      protocol.TypeAuth,
		AgentName: agentName,
		PublicKey: c.publicKeyB64,
		Nonce:     ch.Nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}); err != nil {
		return authed, err
	}

	raw, err = c.WaitFor(protocol.TypeAuthed)
	if err != nil {
		return authed, err
	}
	if err := json.Unmarshal(raw, &authed); err != nil {
		return authed, fmt.Errorf("decode authed: %w", err)
	}
	c.agentID = authed.AgentID
	return authed, nil
}

// Send writes one frame.
func (c *Client) Send(v any) error {
	return c.conn.WriteJSON(v)
}

// Next returns the next frame's type and raw bytes.
func (c *Client) Next() (string, json.RawMessage, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Type, raw, nil
}

// WaitFor discards frames until one of the given type arrives. An error
// frame arriving first is returned as an error.
func (c *Client) WaitFor(msgType string) (json.RawMessage, error) {
	for {
		typ, raw, err := c.Next()
		if err != nil {
			return nil, err
		}
		if typ == msgType {
			return raw, nil
		}
		if typ == protocol.TypeError {
			var em protocol.ErrorMsg
			if err := json.Unmarshal(raw, &em); err == nil {
				return nil, fmt.Errorf("server error while waiting for %s: %s", msgType, em.Message)
			}
			return nil, fmt.Errorf("server error while waiting for %s", msgType)
		}
	}
}

// WaitForError discards frames until an error frame arrives and returns its
// taxonomy code.
func (c *Client) WaitForError() (string, error) {
	for {
		typ, raw, err := c.Next()
		if err != nil {
			return "", err
		}
		if typ == protocol.TypeError {
			var em protocol.ErrorMsg
			if err := json.Unmarshal(raw, &em); err != nil {
				return "", fmt.Errorf("decode error frame: %w", err)
			}
			return em.Message, nil
		}
	}
}
