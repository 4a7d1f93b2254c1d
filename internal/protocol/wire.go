// Package protocol defines the Synapse wire protocol: UTF-8 JSON frames over
// a long-lived duplex channel. Every frame carries v (protocol version) and a
// string type; inbound frames are validated against a closed schema per type.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/synapse/exchange/internal/core"
)

// Version is the current protocol version carried in the v field.
const Version = 1

// Inbound client message types.
const (
	TypeAuth          = "auth"
	TypePostJob       = "post_job"
	TypeBid           = "bid"
	TypeAward         = "award"
	TypeCounterOffer  = "counter_offer"
	TypeWorkerCounter = "worker_counter"
	TypeOfferDecision = "offer_decision"
	TypeSubmit        = "submit"
	TypeReview        = "review"
)

// Outbound server message types.
const (
	TypeChallenge        = "challenge"
	TypeAuthed           = "authed"
	TypeError            = "error"
	TypeJobPosted        = "job_posted"
	TypeJobUpdated       = "job_updated"
	TypeBidPosted        = "bid_posted"
	TypeJobAwarded       = "job_awarded"
	TypeOfferMade        = "offer_made"
	TypeCounterMade      = "counter_made"
	TypeOfferResponse    = "offer_response"
	TypeNegotiationEnded = "negotiation_ended"
	TypeJobSubmitted     = "job_submitted"
	TypeJobReviewed      = "job_reviewed"
	TypeJobCompleted     = "job_completed"
	TypeJobFailed        = "job_failed"
	TypeLedgerUpdate     = "ledger_update"
)

// Envelope is the loose first-pass decode used for dispatch.
type Envelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Inbound messages (closed schemas)
// ---------------------------------------------------------------------------

type Auth struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	AgentName string `json:"agentName"`
	PublicKey string `json:"publicKey"` // SPKI DER, base64
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // Ed25519 detached, base64
}

type PostJob struct {
	V           int            `json:"v"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Budget      int64          `json:"budget"`
	Kind        string         `json:"kind,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type PlaceBid struct {
	V          int         `json:"v"`
	Type       string      `json:"type"`
	JobID      string      `json:"jobId"`
	Price      int64       `json:"price"`
	EtaSeconds int64       `json:"etaSeconds"`
	Pitch      string      `json:"pitch,omitempty"`
	Terms      *core.Terms `json:"terms,omitempty"`
}

type Award struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
}

type CounterOffer struct {
	V        int         `json:"v"`
	Type     string      `json:"type"`
	JobID    string      `json:"jobId"`
	WorkerID string      `json:"workerId"`
	Price    int64       `json:"price"`
	Terms    *core.Terms `json:"terms"`
	Notes    string      `json:"notes,omitempty"`
}

type WorkerCounter struct {
	V     int         `json:"v"`
	Type  string      `json:"type"`
	JobID string      `json:"jobId"`
	Price int64       `json:"price"`
	Terms *core.Terms `json:"terms"`
	Notes string      `json:"notes,omitempty"`
}

type OfferDecision struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Decision string `json:"decision"` // accept | reject
	Notes    string `json:"notes,omitempty"`
}

type Submit struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Result string `json:"result"`
}

type Review struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Decision string `json:"decision"` // accept | reject | changes
	Notes    string `json:"notes,omitempty"`
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

type Challenge struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
	NowMs int64  `json:"nowMs"`
}

type Authed struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Credits int64  `json:"credits"`
}

type ErrorMsg struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type JobPosted struct {
	V    int       `json:"v"`
	Type string    `json:"type"`
	Job  *core.Job `json:"job"`
}

type JobUpdated struct {
	V    int       `json:"v"`
	Type string    `json:"type"`
	Job  *core.Job `json:"job"`
}

type BidPosted struct {
	V    int       `json:"v"`
	Type string    `json:"type"`
	Bid  *core.Bid `json:"bid"`
}

type JobAwarded struct {
	V            int    `json:"v"`
	Type         string `json:"type"`
	JobID        string `json:"jobId"`
	WorkerID     string `json:"workerId"`
	BudgetLocked int64  `json:"budgetLocked"`
}

type OfferMade struct {
	V        int        `json:"v"`
	Type     string     `json:"type"`
	JobID    string     `json:"jobId"`
	WorkerID string     `json:"workerId"`
	Price    int64      `json:"price"`
	Terms    core.Terms `json:"terms"`
	Round    int        `json:"round"`
	Notes    string     `json:"notes,omitempty"`
}

type CounterMade struct {
	V        int        `json:"v"`
	Type     string     `json:"type"`
	JobID    string     `json:"jobId"`
	WorkerID string     `json:"workerId"`
	FromRole string     `json:"fromRole"`
	Price    int64      `json:"price"`
	Terms    core.Terms `json:"terms"`
	Round    int        `json:"round"`
	Notes    string     `json:"notes,omitempty"`
}

type OfferResponse struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

type NegotiationEnded struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
	Round  int    `json:"round"`
}

type JobSubmitted struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Bytes    int    `json:"bytes"`
	Preview  string `json:"preview"`
}

type JobReviewed struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

type JobCompleted struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Paid     int64  `json:"paid"`
}

type JobFailed struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
}

type LedgerUpdate struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Credits int64  `json:"credits"`
	Locked  int64  `json:"locked"`
}

// NewError builds the on-wire error frame for a code.
func NewError(code ErrorCode) ErrorMsg {
	return ErrorMsg{V: Version, Type: TypeError, Message: string(code)}
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// ParseEnvelope extracts v and type without enforcing the closed schema.
// Returns ErrInvalidMessage for malformed JSON or a wrong protocol version,
// and ErrUnknownType for an empty type tag.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, ErrInvalidMessage
	}
	if env.V != Version {
		return env, ErrInvalidMessage
	}
	if env.Type == "" {
		return env, ErrUnknownType
	}
	return env, nil
}

// DecodeStrict unmarshals raw into dst rejecting unknown fields.
func DecodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ErrInvalidMessage
	}
	// Trailing garbage after the object is also malformed.
	if dec.More() {
		return ErrInvalidMessage
	}
	return nil
}
