// Package ledger implements the single-operator credit book: per-agent
// credits with locked reservations, escrow locks, worker stakes, upfront
// transfers, and slashing.
//
// The Book is not internally synchronized. All mutations happen inside the
// exchange state machine, which serializes every handler; nesting a
// second lock here would only hide ordering bugs.
package ledger

import (
	"fmt"
	"math"

	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/protocol"
)

// Book holds every ledger account, keyed by agent id.
type Book struct {
	accounts map[string]*core.Account
}

// NewBook creates an empty credit book.
func NewBook() *Book {
	return &Book{accounts: make(map[string]*core.Account)}
}

// Ensure creates the account with the given starting credits if it does not
// exist. Returns the account and whether it was created by this call.
func (b *Book) Ensure(agentID string, startingCredits int64) (*core.Account, bool) {
	if acct, ok := b.accounts[agentID]; ok {
		return acct, false
	}
	acct := &core.Account{AgentID: agentID, Credits: startingCredits}
	b.accounts[agentID] = acct
	return acct, true
}

// Get returns the account for an agent, or nil.
func (b *Book) Get(agentID string) *core.Account {
	return b.accounts[agentID]
}

// Drop removes an account. Only used to roll back a failed auth persist.
func (b *Book) Drop(agentID string) {
	delete(b.accounts, agentID)
}

// All returns every account. Callers must not retain the map.
func (b *Book) All() map[string]*core.Account {
	return b.accounts
}

// TotalCredits sums credits across all accounts (ledger conservation checks).
func (b *Book) TotalCredits() int64 {
	var sum int64
	for _, acct := range b.accounts {
		sum += acct.Credits
	}
	return sum
}

// Lock reserves amount inside the agent's credits.
func (b *Book) Lock(agentID string, amount int64) error {
	acct := b.accounts[agentID]
	if acct == nil {
		return protocol.ErrNoLedgerAccount
	}
	if acct.Spendable() < amount {
		return protocol.ErrInsufficientCredits
	}
	acct.Locked += amount
	return nil
}

// Unlock releases a reservation without moving money.
func (b *Book) Unlock(agentID string, amount int64) error {
	acct := b.accounts[agentID]
	if acct == nil {
		return protocol.ErrNoLedgerAccount
	}
	if amount > acct.Locked {
		return fmt.Errorf("unlock %d exceeds locked %d for %s", amount, acct.Locked, agentID)
	}
	acct.Locked -= amount
	return nil
}

// TransferLocked pays amount out of the payer's locked reservation into the
// payee's credits. This is the only way locked money leaves an account.
func (b *Book) TransferLocked(fromID, toID string, amount int64) error {
	if amount == 0 {
		return nil
	}
	from, to := b.accounts[fromID], b.accounts[toID]
	if from == nil || to == nil {
		return protocol.ErrLedgerMissing
	}
	if amount < 0 || amount > from.Locked || amount > from.Credits {
		return fmt.Errorf("transfer %d breaks invariant for %s (credits=%d locked=%d)",
			amount, fromID, from.Credits, from.Locked)
	}
	from.Locked -= amount
	from.Credits -= amount
	to.Credits += amount
	return nil
}

// ReleaseStakeAndSlash returns the worker's stake reservation and moves the
// slashed portion to the requester. Returns the slash amount.
func (b *Book) ReleaseStakeAndSlash(workerID, requesterID string, stake int64, slashPct float64) (int64, error) {
	if stake == 0 {
		return 0, nil
	}
	worker, requester := b.accounts[workerID], b.accounts[requesterID]
	if worker == nil || requester == nil {
		return 0, protocol.ErrLedgerMissing
	}
	slash := SlashAmount(stake, slashPct)
	if stake > worker.Locked || slash > worker.Credits {
		return 0, fmt.Errorf("slash %d/%d breaks invariant for %s (credits=%d locked=%d)",
			slash, stake, workerID, worker.Credits, worker.Locked)
	}
	worker.Credits -= slash
	worker.Locked -= stake
	requester.Credits += slash
	return slash, nil
}

// ---------------------------------------------------------------------------
// Stake arithmetic
// ---------------------------------------------------------------------------

const (
	baseStakeCap  = 200
	finalStakeCap = 500
)

// BaseStake is floor(budget * pct) clamped to [0, 200].
func BaseStake(budget int64, pct float64) int64 {
	return clamp(int64(math.Floor(float64(budget)*pct)), 0, baseStakeCap)
}

// StakeMultiplier scales the base stake by reputation score. Boundaries are
// inclusive on the upper tier.
func StakeMultiplier(score float64) float64 {
	switch {
	case score >= 0.75:
		return 0.5
	case score >= 0.60:
		return 1.0
	case score >= 0.45:
		return 1.5
	default:
		return 2.0
	}
}

// StakeFor computes the final worker stake for a contract, clamped to [0, 500].
func StakeFor(budget int64, pct, repScore float64) int64 {
	base := BaseStake(budget, pct)
	scaled := int64(math.Floor(float64(base) * StakeMultiplier(repScore)))
	return clamp(scaled, 0, finalStakeCap)
}

// UpfrontAmount is floor(lockedBudget * upfrontPct) clamped to [0, lockedBudget].
func UpfrontAmount(lockedBudget int64, upfrontPct float64) int64 {
	return clamp(int64(math.Floor(float64(lockedBudget)*upfrontPct)), 0, lockedBudget)
}

// SlashAmount is ceil(stake * slashPct) clamped to [0, stake].
func SlashAmount(stake int64, slashPct float64) int64 {
	return clamp(int64(math.Ceil(float64(stake)*slashPct)), 0, stake)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
