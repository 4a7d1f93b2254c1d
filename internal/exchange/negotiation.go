package exchange

import (
	"fmt"
	"time"

	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/protocol"
)

// handleCounterOffer is the requester's move: open a negotiation with a
// bidding worker, or counter inside the active one.
func (ex *Exchange) handleCounterOffer(s Session, raw []byte) error {
	var msg protocol.CounterOffer
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		return err
	}
	job := ex.jobs[msg.JobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.RequesterID != s.AgentID() {
		return protocol.ErrNotJobOwner
	}
	if job.Status != core.JobOpen {
		return protocol.ErrJobNotOpen
	}
	if !ex.hasBid(job.ID, msg.WorkerID) {
		return protocol.ErrWorkerHasNoBid
	}
	if msg.Price <= 0 {
		return protocol.ErrInvalidMessage
	}
	if msg.Price > job.Budget {
		return protocol.ErrOfferOverBudget
	}
	if !msg.Terms.Valid() {
		return protocol.ErrInvalidMessage
	}

	if neg, ok := job.Negotiation(); ok && neg.Status == core.NegotiationPending {
		if neg.WorkerID != msg.WorkerID {
			return protocol.ErrNegotiationInFlight
		}
		return ex.advanceNegotiation(job, neg, core.RoleBoss, msg.Price, *msg.Terms, msg.Notes)
	}

	// Opening offer. A closed negotiation on this job is replaced.
	var bidID string
	var bidPrice int64
	if bid := ex.latestBid(job.ID, msg.WorkerID); bid != nil {
		bidID, bidPrice = bid.ID, bid.Price
	}
	neg := &core.Negotiation{
		WorkerID: msg.WorkerID,
		BidID:    bidID,
		BidPrice: bidPrice,
		Price:    msg.Price,
		Terms:    *msg.Terms,
		Status:   core.NegotiationPending,
		Round:    1,
		History: []core.NegotiationStep{{
			Round:    1,
			FromRole: core.RoleBoss,
			Price:    msg.Price,
			Terms:    *msg.Terms,
			Notes:    msg.Notes,
			AtMs:     time.Now().UnixMilli(),
		}},
	}
	job.SetNegotiation(neg)

	ex.broadcast(protocol.TypeCounterMade, protocol.CounterMade{
		V:        protocol.Version,
		Type:     protocol.TypeCounterMade,
		JobID:    job.ID,
		WorkerID: neg.WorkerID,
		FromRole: core.RoleBoss,
		Price:    neg.Price,
		Terms:    neg.Terms,
		Round:    neg.Round,
		Notes:    msg.Notes,
	})
	ex.directed(neg.WorkerID, protocol.OfferMade{
		V:        protocol.Version,
		Type:     protocol.TypeOfferMade,
		JobID:    job.ID,
		WorkerID: neg.WorkerID,
		Price:    neg.Price,
		Terms:    neg.Terms,
		Round:    neg.Round,
		Notes:    msg.Notes,
	})
	ex.addEvidence(job.ID, "offer",
		fmt.Sprintf("requester offered %d to %s", neg.Price, neg.WorkerID),
		map[string]any{"workerId": neg.WorkerID, "price": neg.Price, "round": neg.Round})
	ex.persistJob(job)
	return nil
}

// handleWorkerCounter is the worker's counter inside the active negotiation.
func (ex *Exchange) handleWorkerCounter(s Session, raw []byte) error {
	var msg protocol.WorkerCounter
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		return err
	}
	job := ex.jobs[msg.JobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.Status != core.JobOpen {
		return protocol.ErrJobNotOpen
	}
	neg, ok := job.Negotiation()
	if !ok || neg.Status != core.NegotiationPending {
		return protocol.ErrNoActiveOffer
	}
	if neg.WorkerID != s.AgentID() {
		return protocol.ErrNotOfferTarget
	}
	if msg.Price <= 0 {
		return protocol.ErrInvalidMessage
	}
	if msg.Price > job.Budget {
		return protocol.ErrCounterOverBudget
	}
	if !msg.Terms.Valid() {
		return protocol.ErrInvalidMessage
	}
	return ex.advanceNegotiation(job, neg, core.RoleWorker, msg.Price, *msg.Terms, msg.Notes)
}

// advanceNegotiation applies one counter. Overflowing the round budget
// closes the negotiation instead and surfaces negotiation_max_rounds.
func (ex *Exchange) advanceNegotiation(job *core.Job, neg *core.Negotiation, fromRole string, price int64, terms core.Terms, notes string) error {
	if neg.Round+1 > ex.cfg.NegotiationMaxRounds {
		ex.endNegotiation(job, neg, core.NegotiationMaxRounds, "max_rounds")
		return protocol.ErrNegotiationMaxRounds
	}

	neg.Round++
	neg.Price = price
	neg.Terms = terms
	neg.History = append(neg.History, core.NegotiationStep{
		Round:    neg.Round,
		FromRole: fromRole,
		Price:    price,
		Terms:    terms,
		Notes:    notes,
		AtMs:     time.Now().UnixMilli(),
	})
	job.SetNegotiation(neg)

	ex.broadcast(protocol.TypeCounterMade, protocol.CounterMade{
		V:        protocol.Version,
		Type:     protocol.TypeCounterMade,
		JobID:    job.ID,
		WorkerID: neg.WorkerID,
		FromRole: fromRole,
		Price:    price,
		Terms:    terms,
		Round:    neg.Round,
		Notes:    notes,
	})
	ex.addEvidence(job.ID, "counter",
		fmt.Sprintf("%s countered at %d, round %d", fromRole, price, neg.Round),
		map[string]any{"fromRole": fromRole, "price": price, "round": neg.Round})
	ex.persistJob(job)
	return nil
}

// handleOfferDecision is the worker's accept or reject. Accept routes into
// the award path with the negotiated price and terms; any award-time
// failure is reported to the accepting worker only, leaving the negotiation
// pending.
func (ex *Exchange) handleOfferDecision(s Session, raw []byte) error {
	var msg protocol.OfferDecision
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		return err
	}
	job := ex.jobs[msg.JobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.Status != core.JobOpen {
		return protocol.ErrJobNotOpen
	}
	neg, ok := job.Negotiation()
	if !ok {
		return protocol.ErrNoActiveOffer
	}
	if neg.WorkerID != s.AgentID() {
		return protocol.ErrNotOfferTarget
	}
	if neg.Status != core.NegotiationPending {
		return protocol.ErrNegotiationNotPending
	}
	if msg.Decision != "accept" && msg.Decision != "reject" {
		return protocol.ErrInvalidMessage
	}

	if msg.Decision == "reject" {
		ex.broadcast(protocol.TypeOfferResponse, protocol.OfferResponse{
			V:        protocol.Version,
			Type:     protocol.TypeOfferResponse,
			JobID:    job.ID,
			WorkerID: neg.WorkerID,
			Decision: "reject",
			Notes:    msg.Notes,
		})
		ex.addEvidence(job.ID, "offer_response",
			fmt.Sprintf("%s rejected the offer", neg.WorkerID),
			map[string]any{"workerId": neg.WorkerID, "decision": "reject"})
		ex.endNegotiation(job, neg, core.NegotiationReject, "rejected")
		return nil
	}

	agreed := neg.Price
	if agreed > job.Budget {
		return protocol.ErrAgreedOverBudget
	}
	if _, err := ex.awardPrecheck(job, neg.WorkerID, agreed); err != nil {
		return err
	}

	job.SetAcceptedContract(agreed, neg.Terms)
	ex.broadcast(protocol.TypeOfferResponse, protocol.OfferResponse{
		V:        protocol.Version,
		Type:     protocol.TypeOfferResponse,
		JobID:    job.ID,
		WorkerID: neg.WorkerID,
		Decision: "accept",
		Notes:    msg.Notes,
	})
	ex.addEvidence(job.ID, "offer_response",
		fmt.Sprintf("%s accepted at %d", neg.WorkerID, agreed),
		map[string]any{"workerId": neg.WorkerID, "decision": "accept", "price": agreed})
	ex.addEvidence(job.ID, "negotiation",
		fmt.Sprintf("contract agreed at %d after round %d", agreed, neg.Round),
		map[string]any{"price": agreed, "round": neg.Round})
	ex.endNegotiation(job, neg, core.NegotiationAccept, "accepted")

	return ex.award(job, neg.WorkerID, agreed)
}

// endNegotiation closes the sub-document and broadcasts the terminal round.
func (ex *Exchange) endNegotiation(job *core.Job, neg *core.Negotiation, status core.NegotiationStatus, reason string) {
	neg.Status = status
	job.SetNegotiation(neg)

	ex.broadcast(protocol.TypeNegotiationEnded, protocol.NegotiationEnded{
		V:      protocol.Version,
		Type:   protocol.TypeNegotiationEnded,
		JobID:  job.ID,
		Reason: reason,
		Round:  neg.Round,
	})
	ex.addEvidence(job.ID, "negotiation_end",
		fmt.Sprintf("negotiation ended: %s after round %d", reason, neg.Round),
		map[string]any{"reason": reason, "round": neg.Round})
	ex.persistJob(job)
}
