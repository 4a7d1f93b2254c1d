// Command loadtest drives full contract lifecycles against a running
// exchange: each worker pair is a requester and a worker agent on real
// websocket sessions, posting, bidding, awarding, submitting and reviewing
// until the target count is reached.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/synapse/exchange/internal/protocol"
	"github.com/synapse/exchange/pkg/client"
)

type stats struct {
	completed uint64
	failed    uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func main() {
	url := flag.String("url", "ws://localhost:8787/ws", "exchange websocket endpoint")
	pairs := flag.Int("pairs", 4, "concurrent requester/worker pairs")
	jobs := flag.Int("jobs", 50, "contracts per pair")
	budget := flag.Int64("budget", 1, "budget per job")
	flag.Parse()

	logger := log.New(log.Writer(), "[Loadtest] ", log.LstdFlags)
	logger.Printf("starting: %d pairs x %d contracts against %s", *pairs, *jobs, *url)

	st := &stats{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			if err := runPair(*url, pair, *jobs, *budget, st); err != nil {
				logger.Printf("pair %d: %v", pair, err)
			}
		}(i)
	}
	wg.Wait()

	printResults(st, time.Since(start))
	if atomic.LoadUint64(&st.failed) > 0 {
		os.Exit(1)
	}
}

func runPair(url string, pair, jobs int, budget int64, st *stats) error {
	requester, err := dialAgent(url, fmt.Sprintf("load-requester-%d", pair))
	if err != nil {
		return err
	}
	defer requester.Close()

	worker, err := dialAgent(url, fmt.Sprintf("load-worker-%d", pair))
	if err != nil {
		return err
	}
	defer worker.Close()

	for i := 0; i < jobs; i++ {
		start := time.Now()
		if err := runContract(requester, worker, budget); err != nil {
			atomic.AddUint64(&st.failed, 1)
			return fmt.Errorf("contract %d: %w", i, err)
		}
		atomic.AddUint64(&st.completed, 1)
		st.mu.Lock()
		st.latencies = append(st.latencies, time.Since(start))
		st.mu.Unlock()
	}
	return nil
}

func dialAgent(url, name string) (*client.Client, error) {
	key, err := client.NewKey()
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(url, key)
	if err != nil {
		return nil, err
	}
	if _, err := c.Auth(name); err != nil {
		c.Close()
		return nil, fmt.Errorf("auth %s: %w", name, err)
	}
	return c, nil
}

// runContract runs one post -> bid -> award -> submit -> accept cycle.
// Broadcasts from other pairs share the stream, so every wait filters on the
// contract's own job id (the title carries a nonce to find it initially).
func runContract(requester, worker *client.Client, budget int64) error {
	title := "load-" + uuid.New().String()

	if err := requester.Send(protocol.PostJob{
		V: protocol.Version, Type: protocol.TypePostJob, Title: title, Budget: budget,
	}); err != nil {
		return err
	}
	var jobID string
	err := waitFrame(requester, protocol.TypeJobPosted, func(raw json.RawMessage) bool {
		var msg protocol.JobPosted
		if json.Unmarshal(raw, &msg) != nil || msg.Job == nil || msg.Job.Title != title {
			return false
		}
		jobID = msg.Job.ID
		return true
	})
	if err != nil {
		return fmt.Errorf("job_posted: %w", err)
	}

	if err := worker.Send(protocol.PlaceBid{
		V: protocol.Version, Type: protocol.TypeBid, JobID: jobID, Price: budget, EtaSeconds: 60,
	}); err != nil {
		return err
	}
	err = waitFrame(requester, protocol.TypeBidPosted, func(raw json.RawMessage) bool {
		var msg protocol.BidPosted
		return json.Unmarshal(raw, &msg) == nil && msg.Bid != nil &&
			msg.Bid.JobID == jobID && msg.Bid.BidderID == worker.AgentID()
	})
	if err != nil {
		return fmt.Errorf("bid_posted: %w", err)
	}

	if err := requester.Send(protocol.Award{
		V: protocol.Version, Type: protocol.TypeAward, JobID: jobID, WorkerID: worker.AgentID(),
	}); err != nil {
		return err
	}
	err = waitFrame(worker, protocol.TypeJobAwarded, func(raw json.RawMessage) bool {
		var msg protocol.JobAwarded
		return json.Unmarshal(raw, &msg) == nil && msg.JobID == jobID
	})
	if err != nil {
		return fmt.Errorf("job_awarded: %w", err)
	}

	if err := worker.Send(protocol.Submit{
		V: protocol.Version, Type: protocol.TypeSubmit, JobID: jobID, Result: "load test result",
	}); err != nil {
		return err
	}
	err = waitFrame(requester, protocol.TypeJobSubmitted, func(raw json.RawMessage) bool {
		var msg protocol.JobSubmitted
		return json.Unmarshal(raw, &msg) == nil && msg.JobID == jobID
	})
	if err != nil {
		return fmt.Errorf("job_submitted: %w", err)
	}

	if err := requester.Send(protocol.Review{
		V: protocol.Version, Type: protocol.TypeReview, JobID: jobID, Decision: "accept",
	}); err != nil {
		return err
	}
	err = waitFrame(worker, protocol.TypeJobCompleted, func(raw json.RawMessage) bool {
		var msg protocol.JobCompleted
		return json.Unmarshal(raw, &msg) == nil && msg.JobID == jobID
	})
	if err != nil {
		return fmt.Errorf("job_completed: %w", err)
	}
	return nil
}

// waitFrame discards frames until one of the given type matches.
func waitFrame(c *client.Client, msgType string, match func(json.RawMessage) bool) error {
	for {
		typ, raw, err := c.Next()
		if err != nil {
			return err
		}
		if typ == protocol.TypeError {
			var em protocol.ErrorMsg
			if json.Unmarshal(raw, &em) == nil {
				return fmt.Errorf("server error: %s", em.Message)
			}
			return fmt.Errorf("server error")
		}
		if typ == msgType && match(raw) {
			return nil
		}
	}
}

func printResults(st *stats, elapsed time.Duration) {
	completed := atomic.LoadUint64(&st.completed)
	failed := atomic.LoadUint64(&st.failed)

	fmt.Printf("\ncontracts completed: %d\n", completed)
	fmt.Printf("contracts failed:    %d\n", failed)
	fmt.Printf("elapsed:             %v\n", elapsed.Round(time.Millisecond))
	if completed > 0 {
		fmt.Printf("throughput:          %.1f contracts/sec\n", float64(completed)/elapsed.Seconds())
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.latencies) == 0 {
		return
	}
	sorted := make([]time.Duration, len(st.latencies))
	copy(sorted, st.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	fmt.Printf("latency avg:         %v\n", (total / time.Duration(len(sorted))).Round(time.Microsecond))
	fmt.Printf("latency p50:         %v\n", percentile(sorted, 50).Round(time.Microsecond))
	fmt.Printf("latency p95:         %v\n", percentile(sorted, 95).Round(time.Microsecond))
	fmt.Printf("latency max:         %v\n", sorted[len(sorted)-1].Round(time.Microsecond))
}

func percentile(sorted []time.Duration, pct int) time.Duration {
	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
