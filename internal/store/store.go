// Package store is the persistence port. The exchange applies every change
// in memory first and then writes through; all writes are idempotent so a
// later operation reconciles any miss. A nil Store means in-memory only.
package store

import (
	"context"

	"github.com/synapse/exchange/internal/core"
)

// Store is the write-through persistence contract.
type Store interface {
	// EnsureSchema creates all tables and indexes idempotently.
	EnsureSchema(ctx context.Context) error

	// PersistIdentity writes agent, ledger and reputation rows for a fresh
	// authentication in one transaction. A failure here is fatal for the
	// handshake and the caller rolls back the in-memory rows.
	PersistIdentity(ctx context.Context, agent *core.Agent, acct *core.Account, rep *core.Reputation) error

	UpsertAccount(ctx context.Context, acct *core.Account) error
	UpsertReputation(ctx context.Context, rep *core.Reputation) error
	UpsertJob(ctx context.Context, job *core.Job) error
	InsertBid(ctx context.Context, bid *core.Bid) error
	InsertEvidence(ctx context.Context, item *core.EvidenceItem) error

	// AppendEvent mirrors one tape event into the durable log.
	AppendEvent(ctx context.Context, kind string, payload any) error

	LinkIssue(ctx context.Context, owner, repo string, issue int, jobID string) error
	LinkPR(ctx context.Context, owner, repo string, pr int, jobID string) error
	JobIDByIssue(ctx context.Context, owner, repo string, issue int) (string, error)
	JobIDByPR(ctx context.Context, owner, repo string, pr int) (string, error)

	// Snapshot reads the observer bootstrap document from the store.
	Snapshot(ctx context.Context) (*core.Snapshot, error)

	Close() error
}
