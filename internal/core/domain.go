// Package core defines the entity graph of the Synapse exchange.
// Entities live in process-owned maps keyed by opaque id; relations are id
// references, never owning pointers.
package core

// Agent is a client identified by its Ed25519 public key. The id is derived
// deterministically from the key, so it is stable across sessions and restarts.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PublicKey   string `json:"publicKey,omitempty"` // SPKI DER, base64
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Account is the per-agent credit ledger row. Locked is a reservation inside
// Credits: invariant at rest 0 <= Locked <= Credits.
type Account struct {
	AgentID string `json:"agentId"`
	Credits int64  `json:"credits"`
	Locked  int64  `json:"locked"`
}

// Spendable returns the credits not reserved by any escrow or stake.
func (a *Account) Spendable() int64 { return a.Credits - a.Locked }

// Reputation holds the monotonic settlement counters for an agent.
type Reputation struct {
	AgentID   string `json:"agentId"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Score is the Laplace-smoothed success rate in [0,1].
// An agent with no history scores 0.5.
func (r *Reputation) Score() float64 {
	return float64(r.Completed+1) / float64(r.Completed+r.Failed+2)
}

// JobStatus enumerates the job lifecycle. completed and cancelled are terminal.
type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobAwarded   JobStatus = "awarded"
	JobInReview  JobStatus = "in_review"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Job kinds. Coding jobs additionally get an advisory auto-verification
// pass on submission.
const (
	JobKindSimple = "simple"
	JobKindCoding = "coding"
)

// Job is a unit of work with a budget.
//
// WorkerID is set iff the job has been awarded (and survives into in_review,
// completed, and post-award failed states). LockedBudget, LockedStake and
// PaidUpfront track the escrow position of the active contract.
type Job struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Budget       int64          `json:"budget"`
	RequesterID  string         `json:"requesterId"`
	CreatedAtMs  int64          `json:"createdAtMs"`
	Status       JobStatus      `json:"status"`
	WorkerID     string         `json:"workerId,omitempty"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload,omitempty"`
	LockedBudget int64          `json:"lockedBudget"`
	LockedStake  int64          `json:"lockedStake"`
	PaidUpfront  int64          `json:"paidUpfront"`
	AwardedAtMs  int64          `json:"awardedAtMs,omitempty"`
}

// Terminal reports whether the job can never change again.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobCancelled
}

// Clone returns a deep copy of the job. Outbound frames and snapshots are
// marshaled outside the lock that guards the original, so they must never
// share the Payload map or its sub-documents with it.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = clonePayload(j.Payload)
	}
	return &c
}

// Bid is a worker's offer to perform a job. RepSnapshot freezes the bidder's
// reputation score at bid time so the requester sees what the book saw.
type Bid struct {
	ID          string  `json:"id"`
	JobID       string  `json:"jobId"`
	BidderID    string  `json:"bidderId"`
	Price       int64   `json:"price"`
	EtaSeconds  int64   `json:"etaSeconds"`
	CreatedAtMs int64   `json:"createdAtMs"`
	Pitch       string  `json:"pitch,omitempty"`
	Terms       *Terms  `json:"terms,omitempty"`
	RepSnapshot float64 `json:"repSnapshot"`
}

// Clone returns a copy of the bid safe to marshal outside the exchange lock.
func (b *Bid) Clone() *Bid {
	c := *b
	if b.Terms != nil {
		t := *b.Terms
		c.Terms = &t
	}
	return &c
}

// Terms are the contract conditions carried by bids and counter-offers.
// Optional on a bid; required on any counter-offer.
type Terms struct {
	UpfrontPct      float64 `json:"upfrontPct"`
	DeadlineSeconds int64   `json:"deadlineSeconds"`
	MaxRevisions    int     `json:"maxRevisions"`
}

// Valid checks the term ranges: upfrontPct in [0,1], deadlineSeconds > 0,
// maxRevisions in [0,10].
func (t *Terms) Valid() bool {
	if t == nil {
		return false
	}
	return t.UpfrontPct >= 0 && t.UpfrontPct <= 1 &&
		t.DeadlineSeconds > 0 &&
		t.MaxRevisions >= 0 && t.MaxRevisions <= 10
}

// NegotiationStatus enumerates negotiation outcomes.
type NegotiationStatus string

const (
	NegotiationPending   NegotiationStatus = "pending"
	NegotiationAccept    NegotiationStatus = "accept"
	NegotiationReject    NegotiationStatus = "reject"
	NegotiationMaxRounds NegotiationStatus = "max_rounds"
)

// Roles on a negotiation step.
const (
	RoleBoss   = "boss"
	RoleWorker = "worker"
)

// NegotiationStep is one entry in the chronological counter-offer history.
type NegotiationStep struct {
	Round    int    `json:"round"`
	FromRole string `json:"fromRole"`
	Price    int64  `json:"price"`
	Terms    Terms  `json:"terms"`
	Notes    string `json:"notes,omitempty"`
	AtMs     int64  `json:"atMs"`
}

// Negotiation is the bounded-round counter-offer exchange for one job.
// At most one exists per job; it is stored as a sub-document on the job's
// payload so persistence is a single job update.
type Negotiation struct {
	WorkerID string            `json:"workerId"`
	BidID    string            `json:"bidId"`
	BidPrice int64             `json:"bidPrice"`
	Price    int64             `json:"price"`
	Terms    Terms             `json:"terms"`
	Status   NegotiationStatus `json:"status"`
	Round    int               `json:"round"`
	History  []NegotiationStep `json:"history"`
}

func (n *Negotiation) clone() *Negotiation {
	if n == nil {
		return nil
	}
	c := *n
	c.History = append([]NegotiationStep(nil), n.History...)
	return &c
}

// Submission is the payload.lastSubmission sub-document.
type Submission struct {
	AtMs   int64  `json:"atMs"`
	By     string `json:"by"`
	Result string `json:"result"`
}

// EvidenceItem is one append-only audit entry keyed by job.
type EvidenceItem struct {
	ID      string         `json:"id"`
	AtMs    int64          `json:"atMs"`
	JobID   string         `json:"jobId"`
	Kind    string         `json:"kind"`
	Detail  string         `json:"detail"`
	Payload map[string]any `json:"payload,omitempty"`
}
