// Package evaluator defines the advisory code-evaluation collaborator used
// for coding submissions. The exchange never executes submitted code itself:
// evaluation happens out of process, and the outcome is recorded as
// auto_verify evidence only — settlement always waits for the review.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/synapse/exchange/internal/core"
)

// Result is the advisory verdict on a submission.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Evaluator judges a submitted result for a coding job.
type Evaluator interface {
	Evaluate(ctx context.Context, job *core.Job, result string) (Result, error)
}

// ---------------------------------------------------------------------------
// HTTP collaborator
// ---------------------------------------------------------------------------

// HTTPEvaluator posts submissions to an external evaluation service.
type HTTPEvaluator struct {
	url    string
	client *http.Client
}

// NewHTTPEvaluator targets the service at url.
func NewHTTPEvaluator(url string) *HTTPEvaluator {
	return &HTTPEvaluator{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type evalRequest struct {
	JobID   string         `json:"jobId"`
	Kind    string         `json:"kind"`
	Result  string         `json:"result"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Evaluate sends the submission and decodes {ok, reason}.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, job *core.Job, result string) (Result, error) {
	body, err := json.Marshal(evalRequest{
		JobID:   job.ID,
		Kind:    job.Kind,
		Result:  result,
		Payload: job.Payload,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal eval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("evaluator call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("evaluator returned %d", resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode eval response: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Deterministic keyword evaluator (tests, demos)
// ---------------------------------------------------------------------------

// KeywordEvaluator passes a submission when it contains the job's
// payload.requiredKeyword. Pure and time-bounded; no code is executed.
type KeywordEvaluator struct{}

// Evaluate checks the required keyword, passing trivially when none is set.
func (KeywordEvaluator) Evaluate(_ context.Context, job *core.Job, result string) (Result, error) {
	keyword, ok := job.RequiredKeyword()
	if !ok {
		return Result{OK: true}, nil
	}
	if strings.Contains(result, keyword) {
		return Result{OK: true}, nil
	}
	return Result{OK: false, Reason: fmt.Sprintf("missing required keyword %q", keyword)}, nil
}
