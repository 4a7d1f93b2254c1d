// Package auth implements the signed-nonce handshake: nonce generation, the
// canonical auth string, Ed25519 signature verification, and derivation of
// the durable agent identity from the client's public key.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// nonceBytes is the raw entropy per challenge nonce.
const nonceBytes = 32

// AgentIDPrefix is prepended to the key hash to form the agent id.
const AgentIDPrefix = "agent_"

// NewNonce returns a cryptographically strong random nonce, base64-encoded.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// CanonicalString builds the exact byte string the client must sign.
func CanonicalString(protoVersion int, nonce, agentName, publicKeyDerB64 string) string {
	return fmt.Sprintf("SYNAPSE_AUTH_V1|v=%d|nonce=%s|agent=%s|pub=%s",
		protoVersion, nonce, agentName, publicKeyDerB64)
}

// ParsePublicKey decodes a base64 SPKI DER blob into an Ed25519 public key.
func ParsePublicKey(publicKeyDerB64 string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(publicKeyDerB64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an Ed25519 public key")
	}
	return edPub, nil
}

// Verify checks a detached base64 Ed25519 signature over the canonical string.
func Verify(publicKeyDerB64, canonical, signatureB64 string) error {
	pub, err := ParsePublicKey(publicKeyDerB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(canonical), sig) {
		return errors.New("signature does not verify")
	}
	return nil
}

// AgentID derives the stable identity for a public key. The hash covers the
// base64 DER text, so the same key always yields the same id.
func AgentID(publicKeyDerB64 string) string {
	sum := sha256.Sum256([]byte(publicKeyDerB64))
	return AgentIDPrefix + hex.EncodeToString(sum[:])
}
