package exchange

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse/exchange/internal/auth"
	"github.com/synapse/exchange/internal/config"
	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/metrics"
	"github.com/synapse/exchange/internal/protocol"
)

// fakeSession records outbound frames. Safe for the timer goroutine.
type fakeSession struct {
	mu      sync.Mutex
	nonce   string
	agentID string
	frames  []any
}

func (f *fakeSession) Nonce() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce
}

func (f *fakeSession) SetNonce(n string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = n
}

func (f *fakeSession) AgentID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentID
}

func (f *fakeSession) Bind(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentID = id
}

func (f *fakeSession) Send(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
}

func (f *fakeSession) Frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

// lastFrame returns the most recent frame of type T.
func lastFrame[T any](t *testing.T, s *fakeSession) T {
	t.Helper()
	frames := s.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if v, ok := frames[i].(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no frame of type %T received", zero)
	return zero
}

func hasFrame[T any](s *fakeSession, match func(T) bool) bool {
	for _, f := range s.Frames() {
		if v, ok := f.(T); ok && match(v) {
			return true
		}
	}
	return false
}

func newTestExchange(t *testing.T, cfg config.Config) *Exchange {
	t.Helper()
	ex := New(cfg, nil, nil, metrics.New(prometheus.NewRegistry()))
	t.Cleanup(ex.Close)
	return ex
}

func connect(t *testing.T, ex *Exchange) *fakeSession {
	t.Helper()
	s := &fakeSession{}
	require.NoError(t, ex.Connect(s))
	return s
}

func dispatch(t *testing.T, ex *Exchange, s *fakeSession, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	ex.Dispatch(s, raw)
}

func newKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	require.NoError(t, err)
	return priv, base64.StdEncoding.EncodeToString(der)
}

func authWithKey(t *testing.T, ex *Exchange, s *fakeSession, name string, priv ed25519.PrivateKey, pubB64 string) string {
	t.Helper()
	canonical := auth.CanonicalString(protocol.Version, s.Nonce(), name, pubB64)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(canonical)))
	dispatch(t, ex, s, protocol.Auth{
		V:         protocol.Version,
		Type:      protocol.TypeAuth,
		AgentName: name,
		PublicKey: pubB64,
		Nonce:     s.Nonce(),
		Signature: sig,
	})
	require.NotEmpty(t, s.AgentID(), "handshake must bind the session")
	return s.AgentID()
}

func authenticate(t *testing.T, ex *Exchange, s *fakeSession, name string) string {
	t.Helper()
	priv, pubB64 := newKeyPair(t)
	return authWithKey(t, ex, s, name, priv, pubB64)
}

func postJob(t *testing.T, ex *Exchange, s *fakeSession, title string, budget int64, payload map[string]any) string {
	t.Helper()
	dispatch(t, ex, s, protocol.PostJob{
		V: protocol.Version, Type: protocol.TypePostJob,
		Title: title, Budget: budget, Payload: payload,
	})
	return lastFrame[protocol.JobPosted](t, s).Job.ID
}

func placeBid(t *testing.T, ex *Exchange, s *fakeSession, jobID string, price int64, terms *core.Terms) {
	t.Helper()
	dispatch(t, ex, s, protocol.PlaceBid{
		V: protocol.Version, Type: protocol.TypeBid,
		JobID: jobID, Price: price, EtaSeconds: 2, Terms: terms,
	})
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestConnectIssuesChallenge(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)

	ch := lastFrame[protocol.Challenge](t, s)
	assert.Equal(t, protocol.Version, ch.V)
	assert.NotEmpty(t, ch.Nonce)
	assert.Equal(t, ch.Nonce, s.Nonce())
}

func TestAuthGrantsStartingCredits(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)
	id := authenticate(t, ex, s, "alice")

	authed := lastFrame[protocol.Authed](t, s)
	assert.Equal(t, id, authed.AgentID)
	assert.Equal(t, int64(1000), authed.Credits)
	assert.Equal(t, int64(1000), ex.book.Get(id).Credits)
	assert.NotNil(t, ex.rep.Get(id))
}

func TestAuthRejectsWrongNonce(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)
	priv, pubB64 := newKeyPair(t)

	canonical := auth.CanonicalString(protocol.Version, "stale-nonce", "alice", pubB64)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(canonical)))
	dispatch(t, ex, s, protocol.Auth{
		V: protocol.Version, Type: protocol.TypeAuth,
		AgentName: "alice", PublicKey: pubB64, Nonce: "stale-nonce", Signature: sig,
	})

	assert.Equal(t, string(protocol.ErrBadNonce), lastFrame[protocol.ErrorMsg](t, s).Message)
	assert.Empty(t, s.AgentID())
}

func TestAuthRejectsBadSignature(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)
	_, pubB64 := newKeyPair(t)
	otherPriv, _ := newKeyPair(t)

	canonical := auth.CanonicalString(protocol.Version, s.Nonce(), "alice", pubB64)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(otherPriv, []byte(canonical)))
	dispatch(t, ex, s, protocol.Auth{
		V: protocol.Version, Type: protocol.TypeAuth,
		AgentName: "alice", PublicKey: pubB64, Nonce: s.Nonce(), Signature: sig,
	})

	assert.Equal(t, string(protocol.ErrSignatureFailed), lastFrame[protocol.ErrorMsg](t, s).Message)
}

func TestAuthRejectsEmptyName(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)
	priv, pubB64 := newKeyPair(t)

	canonical := auth.CanonicalString(protocol.Version, s.Nonce(), "", pubB64)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(canonical)))
	dispatch(t, ex, s, protocol.Auth{
		V: protocol.Version, Type: protocol.TypeAuth,
		AgentName: "", PublicKey: pubB64, Nonce: s.Nonce(), Signature: sig,
	})

	assert.Equal(t, string(protocol.ErrBadAgentName), lastFrame[protocol.ErrorMsg](t, s).Message)
}

func TestUnauthenticatedMessagesAreRejected(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)

	dispatch(t, ex, s, protocol.PostJob{V: protocol.Version, Type: protocol.TypePostJob, Title: "t", Budget: 5})
	assert.Equal(t, string(protocol.ErrNotAuthenticated), lastFrame[protocol.ErrorMsg](t, s).Message)
}

func TestUnknownTypeAndBadVersion(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)
	authenticate(t, ex, s, "alice")

	ex.Dispatch(s, []byte(`{"v":1,"type":"warp_drive"}`))
	assert.Equal(t, string(protocol.ErrUnknownType), lastFrame[protocol.ErrorMsg](t, s).Message)

	ex.Dispatch(s, []byte(`{"v":9,"type":"post_job"}`))
	assert.Equal(t, string(protocol.ErrInvalidMessage), lastFrame[protocol.ErrorMsg](t, s).Message)
}

// ---------------------------------------------------------------------------
// Scenario 1: happy path
// ---------------------------------------------------------------------------

func TestScenarioHappyPath(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	reqID := authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")

	jobID := postJob(t, ex, requester, "t", 25, nil)
	placeBid(t, ex, worker, jobID, 10, nil)

	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
	awarded := lastFrame[protocol.JobAwarded](t, requester)
	assert.Equal(t, int64(25), awarded.BudgetLocked)

	dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "done"})
	dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "accept"})

	completed := lastFrame[protocol.JobCompleted](t, requester)
	assert.Equal(t, int64(25), completed.Paid)

	req, wrk := ex.book.Get(reqID), ex.book.Get(wrkID)
	assert.Equal(t, int64(975), req.Credits)
	assert.Equal(t, int64(0), req.Locked)
	assert.Equal(t, int64(1025), wrk.Credits)
	assert.Equal(t, int64(0), wrk.Locked)
	assert.Equal(t, int64(1), ex.rep.Get(wrkID).Completed)
	assert.Equal(t, core.JobCompleted, ex.jobs[jobID].Status)
	assert.False(t, ex.sched.Armed(jobID))
}

// ---------------------------------------------------------------------------
// Scenario 2: negotiation with upfront
// ---------------------------------------------------------------------------

func TestScenarioNegotiationWithUpfront(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	reqID := authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")

	jobID := postJob(t, ex, requester, "feature", 100, nil)
	placeBid(t, ex, worker, jobID, 80, &core.Terms{UpfrontPct: 0.2, DeadlineSeconds: 8, MaxRevisions: 1})

	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: wrkID, Price: 70,
		Terms: &core.Terms{UpfrontPct: 0.2, DeadlineSeconds: 8, MaxRevisions: 1},
	})
	offer := lastFrame[protocol.OfferMade](t, worker)
	assert.Equal(t, int64(70), offer.Price)
	assert.Equal(t, 1, offer.Round)

	dispatch(t, ex, worker, protocol.OfferDecision{
		V: protocol.Version, Type: protocol.TypeOfferDecision, JobID: jobID, Decision: "accept",
	})

	req, wrk := ex.book.Get(reqID), ex.book.Get(wrkID)
	assert.Equal(t, int64(986), req.Credits, "upfront 14 paid at award")
	assert.Equal(t, int64(56), req.Locked)
	assert.Equal(t, int64(1014), wrk.Credits)

	job := ex.jobs[jobID]
	assert.Equal(t, core.JobAwarded, job.Status)
	assert.Equal(t, int64(70), job.LockedBudget)
	assert.Equal(t, int64(14), job.PaidUpfront)

	dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "shipped"})
	dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "accept"})

	assert.Equal(t, int64(70), lastFrame[protocol.JobCompleted](t, requester).Paid)
	assert.Equal(t, int64(930), req.Credits)
	assert.Equal(t, int64(0), req.Locked)
	assert.Equal(t, int64(1070), wrk.Credits)
	assert.Equal(t, int64(0), wrk.Locked)
}

// ---------------------------------------------------------------------------
// Scenario 3: timeout and reopen
// ---------------------------------------------------------------------------

func TestScenarioTimeoutReopens(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	reqID := authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "slacker")

	jobID := postJob(t, ex, requester, "urgent", 100, map[string]any{core.PayloadTimeoutSeconds: 1})
	placeBid(t, ex, worker, jobID, 100, nil)
	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})

	ex.mu.Lock()
	assert.Equal(t, int64(7), ex.jobs[jobID].LockedStake, "fresh score 0.5 scales the 5 base by 1.5")
	ex.mu.Unlock()

	time.Sleep(1200 * time.Millisecond)

	ex.mu.Lock()
	job := ex.jobs[jobID]
	req, wrk := ex.book.Get(reqID), ex.book.Get(wrkID)
	failed := ex.rep.Get(wrkID).Failed
	settled := false
	for _, item := range ex.ring.ForJob(jobID) {
		if item.Kind == "settlement" {
			settled = true
		}
	}
	ex.mu.Unlock()

	assert.Equal(t, core.JobOpen, job.Status, "failed then reopened")
	assert.Empty(t, job.WorkerID)
	assert.GreaterOrEqual(t, failed, int64(1))
	assert.Equal(t, int64(0), wrk.Locked)
	assert.Equal(t, int64(996), wrk.Credits, "slash ceil(7*0.5)=4")
	assert.Equal(t, int64(0), req.Locked, "escrow refunded")
	assert.Equal(t, int64(1004), req.Credits)
	assert.True(t, settled, "settlement evidence recorded")
	assert.True(t, hasFrame(requester, func(f protocol.JobFailed) bool {
		return f.JobID == jobID && f.Reason == "timeout"
	}))
}

// ---------------------------------------------------------------------------
// Scenario 4: reputation smoothing
// ---------------------------------------------------------------------------

func TestScenarioReputationSmoothing(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	reqID := authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")
	_ = reqID

	runJob := func(decision string) {
		jobID := postJob(t, ex, requester, "j", 10, nil)
		placeBid(t, ex, worker, jobID, 10, nil)
		dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
		dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "r"})
		dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: decision})
	}

	runJob("accept")
	runJob("reject")

	rep := ex.rep.Get(wrkID)
	assert.Equal(t, int64(1), rep.Completed)
	assert.Equal(t, int64(1), rep.Failed)
	assert.InDelta(t, 0.5, rep.Score(), 1e-9)
}

// ---------------------------------------------------------------------------
// Scenario 5: max rounds
// ---------------------------------------------------------------------------

func TestScenarioNegotiationMaxRounds(t *testing.T) {
	cfg := config.Default()
	cfg.NegotiationMaxRounds = 2
	ex := newTestExchange(t, cfg)

	requester := connect(t, ex)
	worker := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")

	jobID := postJob(t, ex, requester, "haggle", 100, nil)
	placeBid(t, ex, worker, jobID, 90, nil)

	terms := &core.Terms{UpfrontPct: 0, DeadlineSeconds: 10, MaxRevisions: 0}
	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: wrkID, Price: 60, Terms: terms,
	})
	dispatch(t, ex, worker, protocol.WorkerCounter{
		V: protocol.Version, Type: protocol.TypeWorkerCounter,
		JobID: jobID, Price: 80, Terms: terms,
	})
	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: wrkID, Price: 65, Terms: terms,
	})

	assert.Equal(t, string(protocol.ErrNegotiationMaxRounds), lastFrame[protocol.ErrorMsg](t, requester).Message)
	ended := lastFrame[protocol.NegotiationEnded](t, worker)
	assert.Equal(t, "max_rounds", ended.Reason)
	assert.Equal(t, 2, ended.Round)
	assert.Equal(t, core.JobOpen, ex.jobs[jobID].Status)

	neg, ok := ex.jobs[jobID].Negotiation()
	require.True(t, ok)
	assert.Equal(t, core.NegotiationMaxRounds, neg.Status)
}

// ---------------------------------------------------------------------------
// Scenario 6: identity stability
// ---------------------------------------------------------------------------

func TestScenarioIdentityStability(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	priv, pubB64 := newKeyPair(t)

	first := connect(t, ex)
	id1 := authWithKey(t, ex, first, "alice", priv, pubB64)
	requester := connect(t, ex)
	authenticate(t, ex, requester, "boss")

	// Spend some credits so the second session sees a mutated ledger.
	jobID := postJob(t, ex, requester, "t", 30, nil)
	placeBid(t, ex, first, jobID, 30, nil)
	reqID := requester.AgentID()
	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: id1})
	dispatch(t, ex, first, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "ok"})
	dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "accept"})
	_ = reqID

	ex.Disconnect(first)

	second := connect(t, ex)
	id2 := authWithKey(t, ex, second, "alice", priv, pubB64)

	assert.Equal(t, id1, id2)
	authed := lastFrame[protocol.Authed](t, second)
	assert.Equal(t, int64(1030), authed.Credits, "ledger survives disconnect")
}

// ---------------------------------------------------------------------------
// Error paths
// ---------------------------------------------------------------------------

func TestPostJobValidation(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	s := connect(t, ex)
	authenticate(t, ex, s, "boss")

	dispatch(t, ex, s, protocol.PostJob{V: protocol.Version, Type: protocol.TypePostJob, Title: "", Budget: 5})
	assert.Equal(t, string(protocol.ErrInvalidMessage), lastFrame[protocol.ErrorMsg](t, s).Message)

	dispatch(t, ex, s, protocol.PostJob{V: protocol.Version, Type: protocol.TypePostJob, Title: "t", Budget: 0})
	assert.Equal(t, string(protocol.ErrInvalidMessage), lastFrame[protocol.ErrorMsg](t, s).Message)

	dispatch(t, ex, s, protocol.PostJob{V: protocol.Version, Type: protocol.TypePostJob, Title: "t", Budget: 1001})
	assert.Equal(t, string(protocol.ErrInsufficientCredits), lastFrame[protocol.ErrorMsg](t, s).Message)
}

func TestBidValidation(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	authenticate(t, ex, worker, "builder")
	jobID := postJob(t, ex, requester, "t", 25, nil)

	dispatch(t, ex, worker, protocol.PlaceBid{V: protocol.Version, Type: protocol.TypeBid, JobID: "nope", Price: 10, EtaSeconds: 2})
	assert.Equal(t, string(protocol.ErrJobNotFound), lastFrame[protocol.ErrorMsg](t, worker).Message)

	dispatch(t, ex, worker, protocol.PlaceBid{V: protocol.Version, Type: protocol.TypeBid, JobID: jobID, Price: 26, EtaSeconds: 2})
	assert.Equal(t, string(protocol.ErrBidOverBudget), lastFrame[protocol.ErrorMsg](t, worker).Message)

	dispatch(t, ex, worker, protocol.PlaceBid{V: protocol.Version, Type: protocol.TypeBid, JobID: jobID, Price: 0, EtaSeconds: 2})
	assert.Equal(t, string(protocol.ErrInvalidMessage), lastFrame[protocol.ErrorMsg](t, worker).Message)
}

func TestAwardGuards(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	stranger := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")
	authenticate(t, ex, stranger, "lurker")

	jobID := postJob(t, ex, requester, "t", 25, nil)

	// No bid yet.
	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
	assert.Equal(t, string(protocol.ErrWorkerHasNoBid), lastFrame[protocol.ErrorMsg](t, requester).Message)

	placeBid(t, ex, worker, jobID, 10, nil)

	// Only the requester can award.
	dispatch(t, ex, stranger, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
	assert.Equal(t, string(protocol.ErrNotJobOwner), lastFrame[protocol.ErrorMsg](t, stranger).Message)

	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})

	// Second award hits the closed market.
	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
	assert.Equal(t, string(protocol.ErrJobNotOpen), lastFrame[protocol.ErrorMsg](t, requester).Message)
}

func TestAwardFailsWithoutStake(t *testing.T) {
	cfg := config.Default()
	cfg.StartingCredits = 5
	ex := newTestExchange(t, cfg)

	requester := connect(t, ex)
	worker := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "broke")

	// The worker holds 5 credits; stake for budget 100 at score 0.5 is 7.
	ex.mu.Lock()
	ex.book.Get(requester.AgentID()).Credits = 1000
	ex.mu.Unlock()

	jobID := postJob(t, ex, requester, "t", 100, nil)
	placeBid(t, ex, worker, jobID, 50, nil)
	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})

	assert.Equal(t, string(protocol.ErrWorkerNoStake), lastFrame[protocol.ErrorMsg](t, requester).Message)
	assert.Equal(t, core.JobOpen, ex.jobs[jobID].Status, "failed award mutates nothing")
	assert.Equal(t, int64(0), ex.book.Get(requester.AgentID()).Locked)
}

func TestSubmitAndReviewGuards(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	stranger := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")
	authenticate(t, ex, stranger, "lurker")

	jobID := postJob(t, ex, requester, "t", 25, nil)
	placeBid(t, ex, worker, jobID, 10, nil)

	// Submit before award.
	dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "r"})
	assert.Equal(t, string(protocol.ErrJobNotAwarded), lastFrame[protocol.ErrorMsg](t, worker).Message)

	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})

	// Review before submission.
	dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "accept"})
	assert.Equal(t, string(protocol.ErrJobNotInReview), lastFrame[protocol.ErrorMsg](t, requester).Message)

	// Only the assigned worker can submit.
	dispatch(t, ex, stranger, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "r"})
	assert.Equal(t, string(protocol.ErrNotAssignedWorker), lastFrame[protocol.ErrorMsg](t, stranger).Message)

	dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "r"})

	// Only the requester reviews.
	dispatch(t, ex, worker, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "accept"})
	assert.Equal(t, string(protocol.ErrNotJobOwner), lastFrame[protocol.ErrorMsg](t, worker).Message)

	dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "maybe"})
	assert.Equal(t, string(protocol.ErrInvalidMessage), lastFrame[protocol.ErrorMsg](t, requester).Message)
}

func TestChangesReviewRearmsAndPreservesEscrow(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	reqID := authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")

	jobID := postJob(t, ex, requester, "t", 25, nil)
	placeBid(t, ex, worker, jobID, 10, nil)
	dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
	dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "draft"})
	assert.False(t, ex.sched.Armed(jobID), "submission disarms the deadline")

	dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "changes"})

	job := ex.jobs[jobID]
	assert.Equal(t, core.JobAwarded, job.Status)
	assert.Equal(t, wrkID, job.WorkerID)
	assert.Equal(t, int64(25), job.LockedBudget)
	assert.True(t, ex.sched.Armed(jobID), "changes review rearms the deadline")
	assert.Equal(t, int64(25), ex.book.Get(reqID).Locked)
}

func TestNegotiationLockAndTargetGuards(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker1 := connect(t, ex)
	worker2 := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	w1 := authenticate(t, ex, worker1, "first")
	w2 := authenticate(t, ex, worker2, "second")

	jobID := postJob(t, ex, requester, "t", 100, nil)
	placeBid(t, ex, worker1, jobID, 80, nil)
	placeBid(t, ex, worker2, jobID, 85, nil)

	terms := &core.Terms{UpfrontPct: 0, DeadlineSeconds: 10, MaxRevisions: 0}
	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: w1, Price: 60, Terms: terms,
	})

	// One active negotiation per job.
	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: w2, Price: 60, Terms: terms,
	})
	assert.Equal(t, string(protocol.ErrNegotiationInFlight), lastFrame[protocol.ErrorMsg](t, requester).Message)

	// Only the targeted worker may counter or decide.
	dispatch(t, ex, worker2, protocol.WorkerCounter{
		V: protocol.Version, Type: protocol.TypeWorkerCounter, JobID: jobID, Price: 70, Terms: terms,
	})
	assert.Equal(t, string(protocol.ErrNotOfferTarget), lastFrame[protocol.ErrorMsg](t, worker2).Message)

	dispatch(t, ex, worker2, protocol.OfferDecision{
		V: protocol.Version, Type: protocol.TypeOfferDecision, JobID: jobID, Decision: "accept",
	})
	assert.Equal(t, string(protocol.ErrNotOfferTarget), lastFrame[protocol.ErrorMsg](t, worker2).Message)

	// Price above budget is rejected before any state change.
	dispatch(t, ex, worker1, protocol.WorkerCounter{
		V: protocol.Version, Type: protocol.TypeWorkerCounter, JobID: jobID, Price: 101, Terms: terms,
	})
	assert.Equal(t, string(protocol.ErrCounterOverBudget), lastFrame[protocol.ErrorMsg](t, worker1).Message)
}

func TestWorkerRejectKeepsJobOpen(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")

	jobID := postJob(t, ex, requester, "t", 100, nil)
	placeBid(t, ex, worker, jobID, 80, nil)
	terms := &core.Terms{UpfrontPct: 0, DeadlineSeconds: 10, MaxRevisions: 0}
	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: wrkID, Price: 60, Terms: terms,
	})
	dispatch(t, ex, worker, protocol.OfferDecision{
		V: protocol.Version, Type: protocol.TypeOfferDecision, JobID: jobID, Decision: "reject",
	})

	ended := lastFrame[protocol.NegotiationEnded](t, requester)
	assert.Equal(t, "rejected", ended.Reason)
	assert.Equal(t, core.JobOpen, ex.jobs[jobID].Status)

	// A fresh negotiation can start after the rejection.
	dispatch(t, ex, requester, protocol.CounterOffer{
		V: protocol.Version, Type: protocol.TypeCounterOffer,
		JobID: jobID, WorkerID: wrkID, Price: 65, Terms: terms,
	})
	neg, ok := ex.jobs[jobID].Negotiation()
	require.True(t, ok)
	assert.Equal(t, core.NegotiationPending, neg.Status)
	assert.Equal(t, 1, neg.Round)
}

// ---------------------------------------------------------------------------
// Invariants
// ---------------------------------------------------------------------------

func TestLedgerConservationAcrossLifecycles(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	requester := connect(t, ex)
	worker := connect(t, ex)
	authenticate(t, ex, requester, "boss")
	wrkID := authenticate(t, ex, worker, "builder")

	initial := ex.book.TotalCredits()
	require.Equal(t, int64(2000), initial)

	for _, decision := range []string{"accept", "reject", "accept"} {
		jobID := postJob(t, ex, requester, "t", 20, nil)
		placeBid(t, ex, worker, jobID, 20, nil)
		dispatch(t, ex, requester, protocol.Award{V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: wrkID})
		dispatch(t, ex, worker, protocol.Submit{V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "r"})
		dispatch(t, ex, requester, protocol.Review{V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: decision})
	}

	assert.Equal(t, initial, ex.book.TotalCredits(), "settlements only move credits")
	for _, acct := range ex.book.All() {
		assert.GreaterOrEqual(t, acct.Locked, int64(0))
		assert.LessOrEqual(t, acct.Locked, acct.Credits)
	}
}
