package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/protocol"
	"github.com/synapse/exchange/internal/store"
)

// System Control API. These entry points serve in-process
// collaborators such as the GitHub ingress and the demo endpoints; they
// bypass session auth but run through exactly the same state transitions,
// events and invariants as the client paths.

// SystemEnsureAccount idempotently creates an identity with the chosen
// starting credits (zero is fine for synthetic identities). An existing
// account keeps its balance.
func (ex *Exchange) SystemEnsureAccount(agentID, agentName, publicKey string, startingCredits int64) *core.Agent {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	agent := ex.agents[agentID]
	if agent == nil {
		agent = &core.Agent{
			ID:          agentID,
			Name:        agentName,
			PublicKey:   publicKey,
			CreatedAtMs: time.Now().UnixMilli(),
		}
		ex.agents[agentID] = agent
	}
	acct, _ := ex.book.Ensure(agentID, startingCredits)
	rep, _ := ex.rep.Ensure(agentID)

	ex.persist("identity", func(ctx context.Context, st store.Store) error {
		return st.PersistIdentity(ctx, agent, acct, rep)
	})
	ex.met.CreditsTotal.Set(float64(ex.book.TotalCredits()))
	return agent
}

// SystemCreateJob posts a job on behalf of requesterID. Same rules as
// post_job; the requester must already hold a ledger account.
func (ex *Exchange) SystemCreateJob(requesterID, title, description string, budget int64, kind string, payload map[string]any) (string, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	acct := ex.book.Get(requesterID)
	if acct == nil {
		return "", protocol.ErrBadRequester
	}
	if title == "" || budget <= 0 {
		return "", protocol.ErrInvalidMessage
	}
	if acct.Spendable() < budget {
		return "", protocol.ErrInsufficientCredits
	}
	if kind == "" {
		kind = core.JobKindSimple
	}

	job := &core.Job{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Budget:      budget,
		RequesterID: requesterID,
		CreatedAtMs: time.Now().UnixMilli(),
		Status:      core.JobOpen,
		Kind:        kind,
		Payload:     payload,
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
	return job.ID, nil
}

// SystemAwardJob awards an open job directly, without requiring a bid.
func (ex *Exchange) SystemAwardJob(jobID, workerID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	job := ex.jobs[jobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.Status != core.JobOpen {
		return protocol.ErrJobNotOpen
	}
	return ex.award(job, workerID, job.Budget)
}

// SystemCompleteJob settles a contract as a success, from awarded or
// in_review. A non-empty result is recorded as the last submission first.
func (ex *Exchange) SystemCompleteJob(jobID, workerID, result string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	job, err := ex.activeContract(jobID, workerID)
	if err != nil {
		return err
	}
	if result != "" {
		job.EnsurePayload()[core.PayloadLastSubmission] = core.Submission{
			AtMs:   time.Now().UnixMilli(),
			By:     workerID,
			Result: result,
		}
	}
	ex.settleSuccess(job)
	return nil
}

// SystemFailJob settles a contract as a failure, from awarded or in_review.
// The job stays failed; reopening is a separate call.
func (ex *Exchange) SystemFailJob(jobID, workerID, reason string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	job, err := ex.activeContract(jobID, workerID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "failed"
	}
	ex.settleFailure(job, reason)
	return nil
}

// activeContract resolves a job that is mid-contract with the given worker.
func (ex *Exchange) activeContract(jobID, workerID string) (*core.Job, error) {
	job := ex.jobs[jobID]
	if job == nil {
		return nil, protocol.ErrJobNotFound
	}
	if job.Status != core.JobAwarded && job.Status != core.JobInReview {
		return nil, protocol.ErrJobNotAwarded
	}
	if job.WorkerID == "" {
		return nil, protocol.ErrJobMissingWorker
	}
	if workerID != "" && job.WorkerID != workerID {
		return nil, protocol.ErrNotAssignedWorker
	}
	return job, nil
}

// SystemReopenJob puts a non-terminal job back on the open market.
func (ex *Exchange) SystemReopenJob(jobID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	job := ex.jobs[jobID]
	if job == nil {
		return protocol.ErrJobNotFound
	}
	if job.Terminal() {
		return protocol.ErrJobNotOpen
	}
	ex.reopen(job)
	return nil
}

// SystemAddEvidence attaches an audit entry to an existing job.
func (ex *Exchange) SystemAddEvidence(jobID, kind, detail string, payload map[string]any) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.jobs[jobID] == nil {
		return protocol.ErrJobNotFound
	}
	ex.addEvidence(jobID, kind, detail, payload)
	return nil
}

// ---------------------------------------------------------------------------
// GitHub link helpers
// ---------------------------------------------------------------------------

// SystemLinkIssue maps a repository issue to a job, in memory and in the
// store when one is attached.
func (ex *Exchange) SystemLinkIssue(owner, repo string, issue int, jobID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.issueJobs[ghIssueKey{owner, repo, issue}] = jobID
	ex.persist("link_issue", func(ctx context.Context, st store.Store) error {
		return st.LinkIssue(ctx, owner, repo, issue, jobID)
	})
	return nil
}

// SystemLinkPR maps a pull request to a job.
func (ex *Exchange) SystemLinkPR(owner, repo string, pr int, jobID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.prJobs[ghPRKey{owner, repo, pr}] = jobID
	ex.persist("link_pr", func(ctx context.Context, st store.Store) error {
		return st.LinkPR(ctx, owner, repo, pr, jobID)
	})
	return nil
}

// SystemJobIDByIssue resolves an issue link, falling back to the store for
// mappings created before this process started.
func (ex *Exchange) SystemJobIDByIssue(owner, repo string, issue int) string {
	ex.mu.Lock()
	jobID := ex.issueJobs[ghIssueKey{owner, repo, issue}]
	st := ex.st
	ex.mu.Unlock()

	if jobID != "" || st == nil {
		return jobID
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	jobID, err := st.JobIDByIssue(ctx, owner, repo, issue)
	if err != nil {
		ex.logger.Printf("issue lookup %s/%s#%d: %v", owner, repo, issue, err)
		return ""
	}
	return jobID
}

// SystemJobIDByPR resolves a pull request link.
func (ex *Exchange) SystemJobIDByPR(owner, repo string, pr int) string {
	ex.mu.Lock()
	jobID := ex.prJobs[ghPRKey{owner, repo, pr}]
	st := ex.st
	ex.mu.Unlock()

	if jobID != "" || st == nil {
		return jobID
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	jobID, err := st.JobIDByPR(ctx, owner, repo, pr)
	if err != nil {
		ex.logger.Printf("pr lookup %s/%s#%d: %v", owner, repo, pr, err)
		return ""
	}
	return jobID
}

// ---------------------------------------------------------------------------
// Demo seed
// ---------------------------------------------------------------------------

// SeedTimeoutDemo stages a one-shot deadline miss: two synthetic identities,
// a one-second contract, and no submission. The timer does the rest.
func (ex *Exchange) SeedTimeoutDemo() (string, error) {
	requester := ex.SystemEnsureAccount("agent_demo_requester", "demo-requester", "", 200)
	worker := ex.SystemEnsureAccount("agent_demo_worker", "demo-worker", "", 100)

	jobID, err := ex.SystemCreateJob(requester.ID, "demo: deadline miss", "seeded timeout scenario",
		40, core.JobKindSimple, map[string]any{core.PayloadTimeoutSeconds: 1})
	if err != nil {
		return "", err
	}
	if err := ex.SystemAwardJob(jobID, worker.ID); err != nil {
		return "", err
	}
	return jobID, nil
}
