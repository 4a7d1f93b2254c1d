package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse/exchange/internal/config"
	"github.com/synapse/exchange/internal/core"
	"github.com/synapse/exchange/internal/protocol"
)

func awardedContract(t *testing.T, ex *Exchange) (boss, worker *fakeSession, workerID, jobID string) {
	t.Helper()
	boss = connect(t, ex)
	authenticate(t, ex, boss, "boss")
	worker = connect(t, ex)
	workerID = authenticate(t, ex, worker, "builder")

	jobID = postJob(t, ex, boss, "deadline", 100, nil)
	placeBid(t, ex, worker, jobID, 100, nil)
	dispatch(t, ex, boss, protocol.Award{
		V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: workerID,
	})
	return boss, worker, workerID, jobID
}

// A fire carrying a token from a replaced arming must not settle, even though
// the job is awarded to the expected worker at that moment.
func TestStaleDeadlineFireIsIgnored(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	_, _, workerID, jobID := awardedContract(t, ex)

	ex.mu.Lock()
	arm := ex.deadlineWorker[jobID]
	ex.mu.Unlock()
	require.Equal(t, workerID, arm.worker)

	ex.onDeadline(jobID, arm.gen+1)

	ex.mu.Lock()
	assert.Equal(t, core.JobAwarded, ex.jobs[jobID].Status)
	assert.Equal(t, int64(1000), ex.book.Get(workerID).Credits)
	assert.Equal(t, int64(7), ex.book.Get(workerID).Locked)
	assert.Equal(t, int64(0), ex.rep.Get(workerID).Failed)
	ex.mu.Unlock()
	assert.True(t, ex.sched.Armed(jobID), "the real timer stays armed")
}

// The exact race the token closes: a timer that fired before the submit's
// disarm, then waited on the lock through a changes-review rearm. Status and
// worker match again, so only the generation tells the fires apart.
func TestRearmInvalidatesEarlierDeadlineFire(t *testing.T) {
	ex := newTestExchange(t, config.Default())
	boss, worker, workerID, jobID := awardedContract(t, ex)

	ex.mu.Lock()
	firstGen := ex.deadlineWorker[jobID].gen
	ex.mu.Unlock()

	dispatch(t, ex, worker, protocol.Submit{
		V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "draft",
	})
	dispatch(t, ex, boss, protocol.Review{
		V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "changes",
	})

	ex.mu.Lock()
	arm := ex.deadlineWorker[jobID]
	ex.mu.Unlock()
	require.Equal(t, workerID, arm.worker)
	require.NotEqual(t, firstGen, arm.gen, "rearm issues a fresh token")

	ex.onDeadline(jobID, firstGen)

	ex.mu.Lock()
	assert.Equal(t, core.JobAwarded, ex.jobs[jobID].Status, "stale fire must not settle the rearmed contract")
	assert.Equal(t, int64(0), ex.rep.Get(workerID).Failed)
	ex.mu.Unlock()

	// The current arming still enforces the deadline.
	ex.onDeadline(jobID, arm.gen)

	ex.mu.Lock()
	assert.Equal(t, core.JobOpen, ex.jobs[jobID].Status, "timeout settles and reopens")
	assert.Equal(t, int64(996), ex.book.Get(workerID).Credits, "slash applied once")
	assert.Equal(t, int64(0), ex.book.Get(workerID).Locked)
	assert.Equal(t, int64(1004), ex.book.Get(ex.jobs[jobID].RequesterID).Credits)
	assert.Equal(t, int64(1), ex.rep.Get(workerID).Failed)
	ex.mu.Unlock()
}
