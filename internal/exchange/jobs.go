package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/ledger"
	"github.com/synapse/exchange/internal/protocol"
	"github.com/synapse/exchange/internal/store"
)

// evalTimeout bounds the advisory auto-verification call.
const evalTimeout = 30 * time.Second

// previewLimit caps the submission preview broadcast to spectators.
const previewLimit = 120

func (ex *Exchange) handlePostJob(s Session, raw []byte) error {
	var msg protocol.PostJob
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		return err
	}
	if msg.Title == "" || msg.Budget <= 0 {
		return protocol.ErrInvalidMessage
	}

	acct := ex.book.Get(s.AgentID())
	if acct == nil {
		return protocol.ErrNoLedgerAccount
	}
	if acct.Spendable() < msg.Budget {
		return protocol.ErrInsufficientCredits
	}

	kind := msg.Kind
	if kind == "" {
		kind = core.JobKindSimple
	}

	job := &core.Job{
		ID:          uuid.New().String(),
		Title:       msg.Title,
		Description: msg.Description,
		Budget:      msg.Budget,
		RequesterID: s.AgentID(),
		CreatedAtMs: time.Now().UnixMilli(),
		Status:      core.JobOpen,
		Kind:        kind,
		Payload:     msg.Payload,
	}
	ex.jobs[job.ID] = job

	ex.broadcast(protocol.TypeJobPosted, protocol.JobPosted{
		V:    protocol.Version,
		Type: protocol.TypeJobPosted,
		Job:  job.Clone(),
	})
	ex.persistJob(job)
	ex.met.JobsPosted.Inc()
	ex.refreshOpenJobs()
	return nil
}

func (ex *Exchange) handleBid(s Session, raw []byte) error {
	var msg protocol.PlaceBid
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
	if msg.Price <= 0 || msg.EtaSeconds <= 0 {
		return protocol.ErrInvalidMessage
	}
	if msg.Price > job.Budget {
		return protocol.ErrBidOverBudget
	}
	if msg.Terms != nil && !msg.Terms.Valid() {
		return protocol.ErrInvalidMessage
	}

	bid := &core.Bid{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		BidderID:    s.AgentID(),
		Price:       msg.Price,
		EtaSeconds:  msg.EtaSeconds,
		CreatedAtMs: time.Now().UnixMilli(),
		Pitch:       msg.Pitch,
		Terms:       msg.Terms,
		RepSnapshot: ex.rep.Score(s.AgentID()),
	}
	ex.bids[bid.ID] = bid
	ex.jobBids[job.ID] = append(ex.jobBids[job.ID], bid.ID)

	ex.broadcast(protocol.TypeBidPosted, protocol.BidPosted{
		V:    protocol.Version,
		Type: protocol.TypeBidPosted,
		Bid:  bid.Clone(),
	})
	ex.persist("bid", func(ctx context.Context, st store.Store) error {
		return st.InsertBid(ctx, bid)
	})
	ex.met.BidsPlaced.Inc()
	return nil
}

func (ex *Exchange) handleAward(s Session, raw []byte) error {
	var msg protocol.Award
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
	return ex.award(job, msg.WorkerID, job.Budget)
}

// hasBid reports whether workerID has at least one bid on the job.
func (ex *Exchange) hasBid(jobID, workerID string) bool {
	for _, bidID := range ex.jobBids[jobID] {
		if bid := ex.bids[bidID]; bid != nil && bid.BidderID == workerID {
			return true
		}
	}
	return false
}

// latestBid returns workerID's most recent bid on the job, or nil.
func (ex *Exchange) latestBid(jobID, workerID string) *core.Bid {
	var found *core.Bid
	for _, bidID := range ex.jobBids[jobID] {
		if bid := ex.bids[bidID]; bid != nil && bid.BidderID == workerID {
			found = bid
		}
	}
	return found
}

// awardPrecheck validates both sides of a prospective contract without
// touching any state, returning the stake the worker would post.
func (ex *Exchange) awardPrecheck(job *core.Job, workerID string, price int64) (int64, error) {
	requester := ex.book.Get(job.RequesterID)
	if requester == nil {
		return 0, protocol.ErrNoLedgerAccount
	}
	worker := ex.book.Get(workerID)
	if worker == nil {
		return 0, protocol.ErrWorkerNoAccount
	}

	stake := ledger.StakeFor(job.Budget, ex.cfg.WorkerStakePct, ex.rep.Score(workerID))

	if requester.Spendable() < price {
		return 0, protocol.ErrInsufficientCredits
	}
	spare := worker.Spendable()
	if workerID == job.RequesterID {
		// Self-award shares one account; the escrow lock eats into the
		// same spendable balance the stake needs.
		spare -= price
	}
	if spare < stake {
		return 0, protocol.ErrWorkerNoStake
	}
	return stake, nil
}

// award forms the contract: escrow the price on the requester, lock the
// worker's stake, pay any agreed upfront, and arm the deadline. Both sides
// are validated before the first mutation so a failure leaves no trace.
func (ex *Exchange) award(job *core.Job, workerID string, price int64) error {
	stake, err := ex.awardPrecheck(job, workerID, price)
	if err != nil {
		return err
	}

	if err := ex.book.Lock(job.RequesterID, price); err != nil {
		return err
	}
	if err := ex.book.Lock(workerID, stake); err != nil {
		// Unreachable after the checks above; restore the escrow anyway.
		if uerr := ex.book.Unlock(job.RequesterID, price); uerr != nil {
			ex.logger.Printf("award rollback: %v", uerr)
		}
		return err
	}

	job.Status = core.JobAwarded
	job.WorkerID = workerID
	job.LockedBudget = price
	job.LockedStake = stake
	job.PaidUpfront = 0
	job.AwardedAtMs = time.Now().UnixMilli()

	ex.broadcast(protocol.TypeJobAwarded, protocol.JobAwarded{
		V:            protocol.Version,
		Type:         protocol.TypeJobAwarded,
		JobID:        job.ID,
		WorkerID:     workerID,
		BudgetLocked: price,
	})
	ex.addEvidence(job.ID, "award",
		fmt.Sprintf("awarded to %s for %d credits, stake %d", workerID, price, stake),
		map[string]any{"workerId": workerID, "price": price, "stake": stake})

	if terms, ok := job.AcceptedTerms(); ok {
		upfront := ledger.UpfrontAmount(price, terms.UpfrontPct)
		if upfront > 0 {
			if err := ex.book.TransferLocked(job.RequesterID, workerID, upfront); err != nil {
				ex.logger.Printf("upfront transfer for %s: %v", job.ID, err)
			} else {
				job.PaidUpfront = upfront
				ex.addEvidence(job.ID, "upfront",
					fmt.Sprintf("upfront %d paid to %s", upfront, workerID),
					map[string]any{"amount": upfront, "workerId": workerID})
			}
		}
	}

	ex.ledgerUpdate(job.RequesterID)
	if workerID != job.RequesterID {
		ex.ledgerUpdate(workerID)
	}

	ex.armDeadline(job)
	ex.persistJob(job)
	ex.met.JobsAwarded.Inc()
	ex.refreshOpenJobs()
	return nil
}

// armDeadline starts the contract timer using the payload override when one
// is set, remembering the intended worker and the arming's generation for
// the fire-time re-check.
func (ex *Exchange) armDeadline(job *core.Job) {
	timeout := ex.cfg.DefaultTimeoutSeconds
	if t, ok := job.TimeoutSeconds(); ok {
		timeout = t
	}
	gen := ex.sched.Arm(job.ID, timeout)
	ex.deadlineWorker[job.ID] = deadlineArm{worker: job.WorkerID, gen: gen}
}

func (ex *Exchange) disarmDeadline(jobID string) {
	delete(ex.deadlineWorker, jobID)
	ex.sched.Disarm(jobID)
}

// onDeadline runs on the timer goroutine. The contract may have settled,
// been reassigned or been rearmed since the timer was armed, so everything
// is re-checked under the lock before any mutation. The generation token
// rejects a stale fire even when the same worker holds the job again.
func (ex *Exchange) onDeadline(jobID string, gen uint64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	job := ex.jobs[jobID]
	if job == nil || job.Status != core.JobAwarded || job.WorkerID == "" {
		return
	}
	arm, ok := ex.deadlineWorker[jobID]
	if !ok || arm.gen != gen || arm.worker != job.WorkerID {
		return
	}
	ex.settleFailure(job, "timeout")
	ex.reopen(job)
}

func (ex *Exchange) handleSubmit(s Session, raw []byte) error {
	var msg protocol.Submit
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		return err
	}
	job := ex.jobs[msg.JobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.Status != core.JobAwarded {
		return protocol.ErrJobNotAwarded
	}
	if job.WorkerID != s.AgentID() {
		return protocol.ErrNotAssignedWorker
	}

	ex.disarmDeadline(job.ID)
	job.Status = core.JobInReview
	job.EnsurePayload()[core.PayloadLastSubmission] = core.Submission{
		AtMs:   time.Now().UnixMilli(),
		By:     s.AgentID(),
		Result: msg.Result,
	}

	preview := msg.Result
	if runes := []rune(preview); len(runes) > previewLimit {
		preview = string(runes[:previewLimit])
	}

	ex.broadcast(protocol.TypeJobSubmitted, protocol.JobSubmitted{
		V:        protocol.Version,
		Type:     protocol.TypeJobSubmitted,
		JobID:    job.ID,
		WorkerID: job.WorkerID,
		Bytes:    len(msg.Result),
		Preview:  preview,
	})
	ex.addEvidence(job.ID, "submit",
		fmt.Sprintf("submission received, %d bytes", len(msg.Result)),
		map[string]any{"preview": preview})

	if job.Kind == core.JobKindCoding && ex.eval != nil {
		// Advisory only; runs off the handler path and re-checks the job
		// before recording anything.
		snap := *job
		snap.Payload = make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			snap.Payload[k] = v
		}
		go ex.autoVerify(&snap, msg.Result)
	}

	ex.persistJob(job)
	return nil
}

// autoVerify calls the evaluator and records the verdict as advisory
// evidence. Settlement always waits for the requester's review.
func (ex *Exchange) autoVerify(job *core.Job, result string) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	res, err := ex.eval.Evaluate(ctx, job, result)
	cancel()

	ex.mu.Lock()
	defer ex.mu.Unlock()

	live := ex.jobs[job.ID]
	if live == nil || live.Status != core.JobInReview || live.WorkerID != job.WorkerID {
		return
	}

	verdict := map[string]any{"ok": res.OK}
	detail := "auto verification passed"
	if err != nil {
		verdict = map[string]any{"ok": false, "reason": "evaluator_error: " + err.Error()}
		detail = "auto verification unavailable"
	} else if !res.OK {
		if res.Reason != "" {
			verdict["reason"] = res.Reason
		}
		detail = "auto verification failed"
	}

	live.EnsurePayload()[core.PayloadAutoVerify] = verdict
	ex.addEvidence(live.ID, "auto_verify", detail, verdict)
	ex.persistJob(live)
}

func (ex *Exchange) handleReview(s Session, raw []byte) error {
	var msg protocol.Review
	if err := protocol.DecodeStrict(raw, &msg); err != nil {
		return err
	}
	job := ex.jobs[msg.JobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.Status != core.JobInReview {
		return protocol.ErrJobNotInReview
	}
	if job.RequesterID != s.AgentID() {
		return protocol.ErrNotJobOwner
	}
	if msg.Decision != "accept" && msg.Decision != "reject" && msg.Decision != "changes" {
		return protocol.ErrInvalidMessage
	}

	ex.broadcast(protocol.TypeJobReviewed, protocol.JobReviewed{
		V:        protocol.Version,
		Type:     protocol.TypeJobReviewed,
		JobID:    job.ID,
		Decision: msg.Decision,
		Notes:    msg.Notes,
	})
	ex.addEvidence(job.ID, "review",
		fmt.Sprintf("reviewed: %s", msg.Decision),
		map[string]any{"decision": msg.Decision, "notes": msg.Notes})

	switch msg.Decision {
	case "accept":
		ex.settleSuccess(job)
	case "reject":
		ex.settleFailure(job, "rejected")
		ex.reopen(job)
	case "changes":
		// Work resumes under the same contract: escrow, stake, upfront and
		// worker all stay in place, only the deadline restarts.
		job.Status = core.JobAwarded
		ex.armDeadline(job)
		ex.addEvidence(job.ID, "changes", "changes requested, deadline rearmed",
			map[string]any{"notes": msg.Notes})
		ex.persistJob(job)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settlement
// ---------------------------------------------------------------------------

// settleSuccess pays the remaining escrow to the worker, returns the stake,
// and credits the worker's reputation.
func (ex *Exchange) settleSuccess(job *core.Job) {
	ex.disarmDeadline(job.ID)

	remainder := job.LockedBudget - job.PaidUpfront
	if remainder < 0 {
		remainder = 0
	}
	if err := ex.book.TransferLocked(job.RequesterID, job.WorkerID, remainder); err != nil {
		ex.logger.Printf("settlement transfer for %s: %v", job.ID, err)
		return
	}
	if job.LockedStake > 0 {
		if err := ex.book.Unlock(job.WorkerID, job.LockedStake); err != nil {
			ex.logger.Printf("stake release for %s: %v", job.ID, err)
		}
	}
	rep := ex.rep.RecordCompleted(job.WorkerID)
	job.Status = core.JobCompleted

	ex.broadcast(protocol.TypeJobCompleted, protocol.JobCompleted{
		V:        protocol.Version,
		Type:     protocol.TypeJobCompleted,
		JobID:    job.ID,
		WorkerID: job.WorkerID,
		Paid:     job.LockedBudget,
	})
	ex.addEvidence(job.ID, "settlement",
		fmt.Sprintf("completed, %d credits paid to %s", job.LockedBudget, job.WorkerID),
		map[string]any{"outcome": "completed", "paid": job.LockedBudget})
	ex.repUpdate(rep)
	ex.ledgerUpdate(job.RequesterID)
	if job.WorkerID != job.RequesterID {
		ex.ledgerUpdate(job.WorkerID)
	}
	ex.persistJob(job)
	ex.met.Settlements.WithLabelValues("completed").Inc()
	ex.refreshOpenJobs()
}

// settleFailure refunds the unspent escrow, slashes the stake, and records
// the failure. Upfront already paid stays with the worker.
func (ex *Exchange) settleFailure(job *core.Job, reason string) {
	ex.disarmDeadline(job.ID)

	refund := job.LockedBudget - job.PaidUpfront
	if refund < 0 {
		refund = 0
	}
	if refund > 0 {
		if err := ex.book.Unlock(job.RequesterID, refund); err != nil {
			ex.logger.Printf("escrow refund for %s: %v", job.ID, err)
			return
		}
	}
	slash, err := ex.book.ReleaseStakeAndSlash(job.WorkerID, job.RequesterID, job.LockedStake, ex.cfg.WorkerSlashPct)
	if err != nil {
		ex.logger.Printf("stake slash for %s: %v", job.ID, err)
	}
	rep := ex.rep.RecordFailed(job.WorkerID)
	job.Status = core.JobFailed

	ex.broadcast(protocol.TypeJobFailed, protocol.JobFailed{
		V:      protocol.Version,
		Type:   protocol.TypeJobFailed,
		JobID:  job.ID,
		Reason: reason,
	})
	ex.addEvidence(job.ID, "settlement",
		fmt.Sprintf("failed (%s), refunded %d, slashed %d", reason, refund, slash),
		map[string]any{"outcome": "failed", "reason": reason, "refund": refund, "slash": slash})
	ex.repUpdate(rep)
	ex.ledgerUpdate(job.RequesterID)
	if job.WorkerID != "" && job.WorkerID != job.RequesterID {
		ex.ledgerUpdate(job.WorkerID)
	}
	ex.persistJob(job)
	ex.met.Settlements.WithLabelValues("failed").Inc()
	ex.refreshOpenJobs()
}

// reopen returns a job to the open market. From an active contract it first
// releases the outstanding escrow and the untouched stake; after a
// settlement those are already zero. The next contract negotiates fresh, so
// the accepted-contract and negotiation sub-documents are dropped.
func (ex *Exchange) reopen(job *core.Job) {
	if job.Terminal() {
		return
	}
	ex.disarmDeadline(job.ID)

	if job.Status == core.JobAwarded || job.Status == core.JobInReview {
		outstanding := job.LockedBudget - job.PaidUpfront
		if outstanding > 0 {
			if err := ex.book.Unlock(job.RequesterID, outstanding); err != nil {
				ex.logger.Printf("reopen escrow release for %s: %v", job.ID, err)
			}
		}
		if job.LockedStake > 0 && job.WorkerID != "" {
			if err := ex.book.Unlock(job.WorkerID, job.LockedStake); err != nil {
				ex.logger.Printf("reopen stake release for %s: %v", job.ID, err)
			}
		}
		ex.ledgerUpdate(job.RequesterID)
		if job.WorkerID != "" && job.WorkerID != job.RequesterID {
			ex.ledgerUpdate(job.WorkerID)
		}
	}

	job.Status = core.JobOpen
	job.WorkerID = ""
	job.LockedBudget = 0
	job.LockedStake = 0
	job.PaidUpfront = 0
	job.AwardedAtMs = 0
	delete(job.Payload, core.PayloadAcceptedTerms)
	delete(job.Payload, core.PayloadAcceptedPrice)
	delete(job.Payload, core.PayloadNegotiation)
	delete(job.Payload, core.PayloadLastSubmission)

	ex.broadcast(protocol.TypeJobUpdated, protocol.JobUpdated{
		V:    protocol.Version,
		Type: protocol.TypeJobUpdated,
		Job:  job.Clone(),
	})
	ex.persist("event_job_reopened", func(ctx context.Context, st store.Store) error {
		return st.AppendEvent(ctx, "job_reopened", map[string]any{"jobId": job.ID})
	})
	ex.persistJob(job)
	ex.refreshOpenJobs()
}
