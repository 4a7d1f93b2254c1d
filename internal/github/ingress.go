// Package github turns repository webhooks into exchange System calls: an
// opened issue becomes a job, an opened pull request forms the contract, and
// the configured pay trigger (merge or green checks) settles it.
package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/synapse/exchange/internal/config"
	"github.com/synapse/exchange/internal/core"
)

// defaultBounty is the job budget when an issue carries no bounty label.
const defaultBounty = 50

// treasuryCredits funds the synthetic per-repository requester.
const treasuryCredits = 10000

// SystemAPI is the slice of the exchange the ingress drives.
type SystemAPI interface {
	SystemEnsureAccount(agentID, agentName, publicKey string, startingCredits int64) *core.Agent
	SystemCreateJob(requesterID, title, description string, budget int64, kind string, payload map[string]any) (string, error)
	SystemAwardJob(jobID, workerID string) error
	SystemCompleteJob(jobID, workerID, result string) error
	SystemFailJob(jobID, workerID, reason string) error
	SystemAddEvidence(jobID, kind, detail string, payload map[string]any) error
	SystemLinkIssue(owner, repo string, issue int, jobID string) error
	SystemLinkPR(owner, repo string, pr int, jobID string) error
	SystemJobIDByIssue(owner, repo string, issue int) string
	SystemJobIDByPR(owner, repo string, pr int) string
}

// Ingress is the webhook endpoint.
type Ingress struct {
	sys    SystemAPI
	secret string
	payOn  string
	logger *log.Logger
}

// NewIngress wires the webhook handler to the exchange.
func NewIngress(sys SystemAPI, cfg config.Config) *Ingress {
	return &Ingress{
		sys:    sys,
		secret: cfg.GithubWebhookSecret,
		payOn:  cfg.GhPayOn,
		logger: log.New(log.Writer(), "[GitHub] ", log.LstdFlags),
	}
}

// Handler serves POST /webhooks/github.
func (g *Ingress) Handler() http.Handler {
	return http.HandlerFunc(g.handle)
}

func (g *Ingress) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !g.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "issues":
		err = g.handleIssues(body)
	case "pull_request":
		err = g.handlePullRequest(body)
	case "check_suite":
		err = g.handleCheckSuite(body)
	case "ping":
		// Delivery test from the GitHub UI.
	default:
		g.logger.Printf("ignoring event %q", event)
	}
	if err != nil {
		g.logger.Printf("%s event: %v", event, err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// verifySignature checks the sha256= HMAC over the raw body. With no secret
// configured the check is skipped, which is only acceptable in development.
func (g *Ingress) verifySignature(body []byte, header string) bool {
	if g.secret == "" {
		g.logger.Printf("GITHUB_WEBHOOK_SECRET unset, accepting unsigned delivery")
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// ---------------------------------------------------------------------------
// Event payloads (only the fields we read)
// ---------------------------------------------------------------------------

type ghRepository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	FullName string `json:"full_name"`
}

type issuesEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Repository ghRepository `json:"repository"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int    `json:"number"`
		Merged bool   `json:"merged"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository ghRepository `json:"repository"`
}

type checkSuiteEvent struct {
	Action     string `json:"action"`
	CheckSuite struct {
		Conclusion   string `json:"conclusion"`
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_suite"`
	Repository ghRepository `json:"repository"`
}

// ---------------------------------------------------------------------------
// Translation into System calls
// ---------------------------------------------------------------------------

// requesterID is the synthetic treasury identity for one repository.
func requesterID(owner, repo string) string {
	return fmt.Sprintf("agent_github_%s_%s", owner, repo)
}

// workerID is the identity a repository contributor acts under.
func workerID(login string) string {
	return "agent_github_user_" + login
}

var bountyLabel = regexp.MustCompile(`^bounty:(\d+)$`)

// handleIssues posts a job for an opened issue and fails the contract when
// the issue is closed without the work being paid out.
func (g *Ingress) handleIssues(body []byte) error {
	var ev issuesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode issues event: %w", err)
	}
	owner, repo := ev.Repository.Owner.Login, ev.Repository.Name

	switch ev.Action {
	case "opened":
		budget := int64(defaultBounty)
		for _, label := range ev.Issue.Labels {
			if m := bountyLabel.FindStringSubmatch(label.Name); m != nil {
				if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && n > 0 {
					budget = n
				}
			}
		}

		requester := g.sys.SystemEnsureAccount(requesterID(owner, repo),
			"github/"+ev.Repository.FullName, "", treasuryCredits)
		jobID, err := g.sys.SystemCreateJob(requester.ID,
			ev.Issue.Title, ev.Issue.Body, budget, core.JobKindCoding,
			map[string]any{core.PayloadGithub: map[string]any{
				"owner": owner, "repo": repo, "issue": ev.Issue.Number,
			}})
		if err != nil {
			return fmt.Errorf("create job for %s#%d: %w", ev.Repository.FullName, ev.Issue.Number, err)
		}
		if err := g.sys.SystemLinkIssue(owner, repo, ev.Issue.Number, jobID); err != nil {
			return err
		}
		g.logger.Printf("issue %s#%d -> job %s (budget %d)", ev.Repository.FullName, ev.Issue.Number, jobID, budget)
		return nil

	case "closed":
		jobID := g.sys.SystemJobIDByIssue(owner, repo, ev.Issue.Number)
		if jobID == "" {
			return nil
		}
		// SystemFailJob rejects jobs that already settled, so a close after
		// a merge-triggered payout is a no-op here.
		if err := g.sys.SystemFailJob(jobID, "", "issue_closed"); err != nil {
			g.logger.Printf("fail on close %s#%d: %v", ev.Repository.FullName, ev.Issue.Number, err)
		}
		return nil
	}
	return nil
}

var issueRef = regexp.MustCompile(`#(\d+)`)

// handlePullRequest forms the contract when a PR referencing a tracked issue
// opens, and settles it on merge when the pay trigger is "merge".
func (g *Ingress) handlePullRequest(body []byte) error {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode pull_request event: %w", err)
	}
	owner, repo := ev.Repository.Owner.Login, ev.Repository.Name
	prNumber := ev.PullRequest.Number
	if prNumber == 0 {
		prNumber = ev.Number
	}

	switch ev.Action {
	case "opened":
		jobID := g.referencedJob(owner, repo, ev.PullRequest.Title+"\n"+ev.PullRequest.Body)
		if jobID == "" {
			return nil
		}
		worker := g.sys.SystemEnsureAccount(workerID(ev.PullRequest.User.Login),
			"github/"+ev.PullRequest.User.Login, "", treasuryCredits/10)
		if err := g.sys.SystemLinkPR(owner, repo, prNumber, jobID); err != nil {
			return err
		}
		if err := g.sys.SystemAwardJob(jobID, worker.ID); err != nil {
			g.logger.Printf("award job %s to %s: %v", jobID, worker.ID, err)
			return nil
		}
		g.logger.Printf("pr %s#%d -> contract on job %s for %s", ev.Repository.FullName, prNumber, jobID, worker.ID)
		return nil

	case "closed":
		jobID := g.sys.SystemJobIDByPR(owner, repo, prNumber)
		if jobID == "" {
			return nil
		}
		if !ev.PullRequest.Merged {
			if err := g.sys.SystemFailJob(jobID, "", "pr_closed_unmerged"); err != nil {
				g.logger.Printf("fail on unmerged close %s#%d: %v", ev.Repository.FullName, prNumber, err)
			}
			return nil
		}
		if g.payOn != config.PayOnMerge {
			return nil
		}
		return g.payOut(jobID, owner, repo, prNumber, "merged")
	}
	return nil
}

// handleCheckSuite settles the linked contract when the suite goes green and
// the pay trigger is "checks_success".
func (g *Ingress) handleCheckSuite(body []byte) error {
	var ev checkSuiteEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode check_suite event: %w", err)
	}
	if ev.Action != "completed" || ev.CheckSuite.Conclusion != "success" {
		return nil
	}
	if g.payOn != config.PayOnChecksSuccess {
		return nil
	}
	owner, repo := ev.Repository.Owner.Login, ev.Repository.Name
	for _, pr := range ev.CheckSuite.PullRequests {
		jobID := g.sys.SystemJobIDByPR(owner, repo, pr.Number)
		if jobID == "" {
			continue
		}
		if err := g.payOut(jobID, owner, repo, pr.Number, "checks_success"); err != nil {
			g.logger.Printf("payout for %s/%s#%d: %v", owner, repo, pr.Number, err)
		}
	}
	return nil
}

// payOut records the trigger as evidence and settles the contract.
func (g *Ingress) payOut(jobID, owner, repo string, pr int, trigger string) error {
	if err := g.sys.SystemAddEvidence(jobID, "github",
		fmt.Sprintf("pay trigger %s for %s/%s#%d", trigger, owner, repo, pr),
		map[string]any{"trigger": trigger, "owner": owner, "repo": repo, "pr": pr}); err != nil {
		g.logger.Printf("evidence for %s: %v", jobID, err)
	}
	result := fmt.Sprintf("github:%s/%s#%d", owner, repo, pr)
	if err := g.sys.SystemCompleteJob(jobID, "", result); err != nil {
		return err
	}
	g.logger.Printf("job %s paid out (%s)", jobID, trigger)
	return nil
}

// referencedJob resolves the first #N reference that maps to a tracked issue.
func (g *Ingress) referencedJob(owner, repo, text string) string {
	for _, m := range issueRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if jobID := g.sys.SystemJobIDByIssue(owner, repo, n); jobID != "" {
			return jobID
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[GitHub] encode response: %v", err)
	}
}
