package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/synapse/exchange/internal/auth"
	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/protocol"
	"github.com/synapse/exchange/internal/tape"
)

// Dispatch routes one inbound frame. Everything except the envelope parse
// runs under the exchange mutex, so each message is atomic from first read
// to last write.
func (ex *Exchange) Dispatch(s Session, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		ex.sendError(s, err)
		return
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	if env.Type != protocol.TypeAuth && s.AgentID() == "" {
		s.Send(protocol.NewError(protocol.ErrNotAuthenticated))
		return
	}

	switch env.Type {
	case protocol.TypeAuth:
		err = ex.handleAuth(s, raw)
	case protocol.TypePostJob:
		err = ex.handlePostJob(s, raw)
	case protocol.TypeBid:
		err = ex.handleBid(s, raw)
	case protocol.TypeAward:
		err = ex.handleAward(s, raw)
	case protocol.TypeCounterOffer:
		err = ex.handleCounterOffer(s, raw)
	case protocol.TypeWorkerCounter:
		err = ex.handleWorkerCounter(s, raw)
	case protocol.TypeOfferDecision:
		err = ex.handleOfferDecision(s, raw)
	case protocol.TypeSubmit:
		err = ex.handleSubmit(s, raw)
	case protocol.TypeReview:
		err = ex.handleReview(s, raw)
	default:
		err = protocol.ErrUnknownType
	}
	if err != nil {
		ex.sendError(s, err)
	}
}

// sendError surfaces taxonomy codes to the session. Anything else is an
// internal fault: it is logged and nothing goes on the wire.
func (ex *Exchange) sendError(s Session, err error) {
	var code protocol.ErrorCode
	if errors.As(err, &code) {
		s.Send(protocol.NewError(code))
		return
	}
	ex.logger.Printf("internal error: %v", err)
}

// handleAuth runs the signed-nonce handshake: verify the signature
// over the canonical string, derive the durable agent id from the key, and
// ensure identity, ledger and reputation rows. A persistence failure here is
// fatal for the handshake and rolls back anything this call created.
func (ex *Exchange) handleAuth(s Session, raw []byte) error {
	var msg protocol.Auth
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		ex.met.AuthAttempts.WithLabelValues("rejected").Inc()
		return err
	}
	if msg.AgentName == "" {
		ex.met.AuthAttempts.WithLabelValues("rejected").Inc()
		return protocol.ErrBadAgentName
	}
	if s.Nonce() == "" || msg.Nonce != s.Nonce() {
		ex.met.AuthAttempts.WithLabelValues("rejected").Inc()
		return protocol.ErrBadNonce
	}

	canonical := auth.CanonicalString(protocol.Version, msg.Nonce, msg.AgentName, msg.PublicKey)
	if err := auth.Verify(msg.PublicKey, canonical, msg.Signature); err != nil {
		ex.met.AuthAttempts.WithLabelValues("rejected").Inc()
		return protocol.ErrSignatureFailed
	}

	id := auth.AgentID(msg.PublicKey)

	agent, agentNew := ex.agents[id], false
	if agent == nil {
		agent = &core.Agent{
			ID:          id,
			Name:        msg.AgentName,
			PublicKey:   msg.PublicKey,
			CreatedAtMs: time.Now().UnixMilli(),
		}
		ex.agents[id] = agent
		agentNew = true
	} else {
		agent.Name = msg.AgentName
	}
	acct, acctNew := ex.book.Ensure(id, ex.cfg.StartingCredits)
	rep, repNew := ex.rep.Ensure(id)

	if ex.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := ex.st.PersistIdentity(ctx, agent, acct, rep)
		cancel()
		if err != nil {
			if agentNew {
				delete(ex.agents, id)
			}
			if acctNew {
				ex.book.Drop(id)
			}
			if repNew {
				ex.rep.Drop(id)
			}
			ex.logger.Printf("auth persist for %s: %v", id, err)
			ex.met.AuthAttempts.WithLabelValues("rejected").Inc()
			return protocol.ErrDBAuth
		}
	}

	s.Bind(id)
	ex.emitTape(tape.KindAgentAuthed, map[string]any{"agentId": id, "name": agent.Name})
	ex.met.AuthAttempts.WithLabelValues("ok").Inc()
	ex.met.CreditsTotal.Set(float64(ex.book.TotalCredits()))

	s.Send(protocol.Authed{
		V:       protocol.Version,
		Type:    protocol.TypeAuthed,
		AgentID: id,
		Credits: acct.Credits,
	})
	return nil
}
