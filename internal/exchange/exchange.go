// Package exchange implements the authoritative clearing house: the job,
// bid, negotiation and review state machine, escrow and stake accounting,
// deadline enforcement, evidence, and event fanout.
//
// Every handler runs under one mutex, so each operation is atomic from its
// first read to its last write. Persistence is write-through: the
// in-memory effect is applied first, then the store is told; store failures
// outside of auth never roll back memory.
package exchange

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/synapse/exchange/internal/auth"
	"github.com/synapse/exchange/internal/config"
	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/evaluator"
	"github.com/synapse/exchange/internal/evidence"
	"github.com/synapse/exchange/internal/ledger"
	"github.com/synapse/exchange/internal/metrics"
	"github.com/synapse/exchange/internal/protocol"
	"github.com/synapse/exchange/internal/reputation"
	"github.com/synapse/exchange/internal/scheduler"
	"github.com/synapse/exchange/internal/store"
	"github.com/synapse/exchange/internal/tape"
)

// persistTimeout bounds every write-through call.
const persistTimeout = 5 * time.Second

// Session is the exchange's view of one connected client. Implementations
// must make Send safe to call from the exchange goroutine and never block.
type Session interface {
	// Nonce returns the challenge nonce issued to this session.
	Nonce() string
	// SetNonce records the challenge nonce.
	SetNonce(nonce string)
	// AgentID returns the bound identity, or "" before auth.
	AgentID() string
	// Bind marks the session authenticated as agentID.
	Bind(agentID string)
	// Send queues an outbound frame.
	Send(v any)
}

// Exchange owns the entire entity graph. All fields are guarded by mu.
type Exchange struct {
	mu  sync.Mutex
	cfg config.Config

	agents  map[string]*core.Agent
	jobs    map[string]*core.Job
	bids    map[string]*core.Bid
	jobBids map[string][]string // job id -> bid ids, insertion order

	book *ledger.Book
	rep  *reputation.Tracker
	ring *evidence.Ring

	sessions map[Session]struct{}

	// In-memory GitHub link maps, used when persistence is disabled.
	issueJobs map[ghIssueKey]string
	prJobs    map[ghPRKey]string

	bus   *tape.Bus
	sched *scheduler.Deadlines
	// deadlineWorker remembers which worker and arming each timer was meant
	// for, so a late fire after a reopen, re-award or rearm is a no-op even
	// when the same worker holds the job again.
	deadlineWorker map[string]deadlineArm
	st             store.Store // nil when persistence is disabled
	eval           evaluator.Evaluator
	met            *metrics.Metrics

	logger *log.Logger
}

type ghIssueKey struct {
	owner string
	repo  string
	issue int
}

type ghPRKey struct {
	owner string
	repo  string
	pr    int
}

// deadlineArm identifies one arming of a contract timer.
type deadlineArm struct {
	worker string
	gen    uint64
}

// New builds an exchange. st and eval may be nil; met must not be.
func New(cfg config.Config, st store.Store, eval evaluator.Evaluator, met *metrics.Metrics) *Exchange {
	ex := &Exchange{
		cfg:            cfg,
		agents:         make(map[string]*core.Agent),
		jobs:           make(map[string]*core.Job),
		bids:           make(map[string]*core.Bid),
		jobBids:        make(map[string][]string),
		book:           ledger.NewBook(),
		rep:            reputation.NewTracker(),
		ring:           evidence.NewRing(evidence.DefaultCap),
		sessions:       make(map[Session]struct{}),
		issueJobs:      make(map[ghIssueKey]string),
		prJobs:         make(map[ghPRKey]string),
		bus:            tape.NewBus(),
		deadlineWorker: make(map[string]deadlineArm),
		st:             st,
		eval:           eval,
		met:            met,
		logger:         log.New(log.Writer(), "[Exchange] ", log.LstdFlags),
	}
	ex.sched = scheduler.NewDeadlines(ex.onDeadline)
	return ex
}

// Tape exposes the event stream for the spectator.
func (ex *Exchange) Tape() *tape.Bus { return ex.bus }

// Scheduler exposes timer state for tests and shutdown.
func (ex *Exchange) Scheduler() *scheduler.Deadlines { return ex.sched }

// Close cancels timers. Store and mirror lifecycles belong to the caller.
func (ex *Exchange) Close() {
	ex.sched.StopAll()
}

// ---------------------------------------------------------------------------
// Session registry
// ---------------------------------------------------------------------------

// Connect registers a session and issues its challenge.
func (ex *Exchange) Connect(s Session) error {
	nonce, err := auth.NewNonce()
	if err != nil {
		return err
	}

	ex.mu.Lock()
	ex.sessions[s] = struct{}{}
	s.SetNonce(nonce)
	ex.mu.Unlock()

	s.Send(protocol.Challenge{
		V:     protocol.Version,
		Type:  protocol.TypeChallenge,
		Nonce: nonce,
		NowMs: time.Now().UnixMilli(),
	})
	return nil
}

// Disconnect drops the session. Ledger, reputation, jobs, and timers all
// survive a disconnect.
func (ex *Exchange) Disconnect(s Session) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	delete(ex.sessions, s)
}

// ---------------------------------------------------------------------------
// Fanout and persistence plumbing. Callers hold mu.
// ---------------------------------------------------------------------------

// broadcast sends a frame to every authed session, puts it on the tape, and
// mirrors it into the durable event log.
func (ex *Exchange) broadcast(msgType string, msg any) {
	for s := range ex.sessions {
		if s.AgentID() != "" {
			s.Send(msg)
		}
	}
	ex.emitTape(tape.KindBroadcast, msg)
	ex.persist("event_"+msgType, func(ctx context.Context, st store.Store) error {
		return st.AppendEvent(ctx, msgType, msg)
	})
}

// directed sends a frame to every session bound to one agent.
func (ex *Exchange) directed(agentID string, msg any) {
	for s := range ex.sessions {
		if s.AgentID() == agentID {
			s.Send(msg)
		}
	}
}

// ledgerUpdate notifies an agent of its new balances and tapes the change.
// Call after every ledger mutation for that agent.
func (ex *Exchange) ledgerUpdate(agentID string) {
	acct := ex.book.Get(agentID)
	if acct == nil {
		return
	}
	msg := protocol.LedgerUpdate{
		V:       protocol.Version,
		Type:    protocol.TypeLedgerUpdate,
		AgentID: agentID,
		Credits: acct.Credits,
		Locked:  acct.Locked,
	}
	ex.directed(agentID, msg)
	ex.emitTape(tape.KindLedgerUpdate, msg)
	ex.persist("ledger", func(ctx context.Context, st store.Store) error {
		return st.UpsertAccount(ctx, acct)
	})
	ex.met.CreditsTotal.Set(float64(ex.book.TotalCredits()))
}

// repUpdate tapes and persists a reputation change.
func (ex *Exchange) repUpdate(rep *core.Reputation) {
	ex.emitTape(tape.KindRepUpdate, map[string]any{
		"agentId":   rep.AgentID,
		"completed": rep.Completed,
		"failed":    rep.Failed,
		"score":     rep.Score(),
	})
	ex.persist("reputation", func(ctx context.Context, st store.Store) error {
		return st.UpsertReputation(ctx, rep)
	})
}

// addEvidence appends an audit entry, tapes it, and mirrors it durably.
func (ex *Exchange) addEvidence(jobID, kind, detail string, payload map[string]any) *core.EvidenceItem {
	item := ex.ring.Append(jobID, kind, detail, payload)
	ex.emitTape(tape.KindEvidence, item)
	ex.persist("evidence", func(ctx context.Context, st store.Store) error {
		return st.InsertEvidence(ctx, item)
	})
	return item
}

func (ex *Exchange) emitTape(kind tape.Kind, payload any) {
	ex.bus.Emit(kind, payload)
	ex.met.TapeEvents.Inc()
}

// persist runs one write-through call. Failures are logged on the tape as
// db_error_<op> and never roll back in-memory state; the next idempotent
// write reconciles.
func (ex *Exchange) persist(op string, fn func(context.Context, store.Store) error) {
	if ex.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx, ex.st); err != nil {
		ex.logger.Printf("db_error_%s: %v", op, err)
		ex.bus.Emit(tape.KindDBError, map[string]any{"op": op, "error": err.Error()})
	}
}

func (ex *Exchange) persistJob(job *core.Job) {
	ex.persist("job", func(ctx context.Context, st store.Store) error {
		return st.UpsertJob(ctx, job)
	})
}

func (ex *Exchange) refreshOpenJobs() {
	var open int
	for _, j := range ex.jobs {
		if j.Status == core.JobOpen {
			open++
		}
	}
	ex.met.OpenJobs.Set(float64(open))
}

// ---------------------------------------------------------------------------
// Snapshot (in-memory projection)
// ---------------------------------------------------------------------------

// Snapshot builds the observer bootstrap document from the in-memory
// projection. Jobs and bids are deep-copied so the caller can marshal the
// document while handlers keep mutating the originals. The spectator queries
// the store instead when persistence is on.
func (ex *Exchange) Snapshot() *core.Snapshot {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.snapshotLocked()
}

func (ex *Exchange) snapshotLocked() *core.Snapshot {
	snap := &core.Snapshot{}

	for id, agent := range ex.agents {
		view := core.AgentView{ID: id, Name: agent.Name, Score: 0.5}
		if acct := ex.book.Get(id); acct != nil {
			view.Credits, view.Locked = acct.Credits, acct.Locked
		}
		if rep := ex.rep.Get(id); rep != nil {
			view.Completed, view.Failed, view.Score = rep.Completed, rep.Failed, rep.Score()
		}
		snap.Agents = append(snap.Agents, view)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })

	for _, job := range ex.jobs {
		snap.Jobs = append(snap.Jobs, job.Clone())
	}
	sort.Slice(snap.Jobs, func(i, j int) bool {
		return snap.Jobs[i].CreatedAtMs > snap.Jobs[j].CreatedAtMs
	})

	for _, bid := range ex.bids {
		snap.Bids = append(snap.Bids, bid.Clone())
	}
	sort.Slice(snap.Bids, func(i, j int) bool {
		return snap.Bids[i].CreatedAtMs > snap.Bids[j].CreatedAtMs
	})

	snap.Evidence = ex.ring.Items()
	return snap
}
