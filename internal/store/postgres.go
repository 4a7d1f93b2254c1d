package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/synapse/exchange/internal/core"
)

// Postgres implements Store on database/sql with the pq driver.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to the database named by a DATABASE_URL connection string.
func Open(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}, nil
}

// NewPostgres wraps an existing handle (tests).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, logger: log.New(log.Writer(), "[Store] ", log.LstdFlags)}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// schemaStatements create every table and index. All statements are
// idempotent so startup can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id   TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		public_key TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger (
		agent_id TEXT PRIMARY KEY,
		credits  BIGINT NOT NULL,
		locked   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reputation (
		agent_id  TEXT PRIMARY KEY,
		completed BIGINT NOT NULL,
		failed    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT,
		budget        BIGINT NOT NULL,
		requester_id  TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN
			('open','awarded','in_review','completed','cancelled','failed')),
		worker_id     TEXT,
		kind          TEXT NOT NULL,
		payload       JSONB,
		locked_budget BIGINT NOT NULL DEFAULT 0,
		locked_stake  BIGINT NOT NULL DEFAULT 0,
		paid_upfront  BIGINT NOT NULL DEFAULT 0,
		awarded_at    BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	`CREATE TABLE IF NOT EXISTS bids (
		id           TEXT PRIMARY KEY,
		job_id       TEXT NOT NULL,
		bidder_id    TEXT NOT NULL,
		price        BIGINT NOT NULL,
		eta_seconds  BIGINT NOT NULL,
		created_at   BIGINT NOT NULL,
		pitch        TEXT,
		terms        JSONB,
		rep_snapshot DOUBLE PRECISION NOT NULL DEFAULT 0.5
	)`,
	`CREATE INDEX IF NOT EXISTS bids_job_id_idx ON bids (job_id)`,
	`CREATE INDEX IF NOT EXISTS bids_created_at_idx ON bids (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS job_evidence (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL,
		payload    JSONB,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_evidence_job_id_idx ON job_evidence (job_id)`,
	`CREATE INDEX IF NOT EXISTS job_evidence_created_at_idx ON job_evidence (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS events (
		id         BIGSERIAL PRIMARY KEY,
		kind       TEXT NOT NULL,
		payload    JSONB,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS github_issue_jobs (
		owner        TEXT NOT NULL,
		repo         TEXT NOT NULL,
		issue_number INT NOT NULL,
		job_id       TEXT NOT NULL,
		PRIMARY KEY (owner, repo, issue_number)
	)`,
	`CREATE TABLE IF NOT EXISTS github_pr_jobs (
		owner     TEXT NOT NULL,
		repo      TEXT NOT NULL,
		pr_number INT NOT NULL,
		job_id    TEXT NOT NULL,
		PRIMARY KEY (owner, repo, pr_number)
	)`,
}

// EnsureSchema creates the schema idempotently.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PersistIdentity writes the three rows of a fresh authentication in one
// transaction so a half-created identity can never be observed.
func (p *Postgres) PersistIdentity(ctx context.Context, agent *core.Agent, acct *core.Account, rep *core.Reputation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin identity tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, public_key, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (agent_id) DO NOTHING`,
		agent.ID, agent.Name, agent.PublicKey, agent.CreatedAtMs); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (agent_id, credits, locked)
		 VALUES ($1, $2, $3) ON CONFLICT (agent_id) DO NOTHING`,
		acct.AgentID, acct.Credits, acct.Locked); err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reputation (agent_id, completed, failed)
		 VALUES ($1, $2, $3) ON CONFLICT (agent_id) DO NOTHING`,
		rep.AgentID, rep.Completed, rep.Failed); err != nil {
		return fmt.Errorf("insert reputation: %w", err)
	}
	return tx.Commit()
}

// UpsertAccount overwrites the canonical ledger row.
func (p *Postgres) UpsertAccount(ctx context.Context, acct *core.Account) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ledger (agent_id, credits, locked) VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET credits = $2, locked = $3`,
		acct.AgentID, acct.Credits, acct.Locked)
	return err
}

// UpsertReputation overwrites the canonical reputation row.
func (p *Postgres) UpsertReputation(ctx context.Context, rep *core.Reputation) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO reputation (agent_id, completed, failed) VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET completed = $2, failed = $3`,
		rep.AgentID, rep.Completed, rep.Failed)
	return err
}

// UpsertJob overwrites the canonical job row, payload included.
func (p *Postgres) UpsertJob(ctx context.Context, job *core.Job) error {
	payload, err := marshalJSONB(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO jobs (id, title, description, budget, requester_id, created_at,
			status, worker_id, kind, payload, locked_budget, locked_stake, paid_upfront, awarded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (id) DO UPDATE SET
			status = $7, worker_id = $8, payload = $10,
			locked_budget = $11, locked_stake = $12, paid_upfront = $13, awarded_at = $14`,
		job.ID, job.Title, job.Description, job.Budget, job.RequesterID, job.CreatedAtMs,
		string(job.Status), nullString(job.WorkerID), job.Kind, payload,
		job.LockedBudget, job.LockedStake, job.PaidUpfront, nullInt64(job.AwardedAtMs))
	return err
}

// InsertBid writes a bid, doing nothing on conflict (bids never mutate).
func (p *Postgres) InsertBid(ctx context.Context, bid *core.Bid) error {
	terms, err := marshalJSONB(bid.Terms)
	if err != nil {
		return fmt.Errorf("marshal bid terms: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO bids (id, job_id, bidder_id, price, eta_seconds, created_at, pitch, terms, rep_snapshot)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
		bid.ID, bid.JobID, bid.BidderID, bid.Price, bid.EtaSeconds,
		bid.CreatedAtMs, nullString(bid.Pitch), terms, bid.RepSnapshot)
	return err
}

// InsertEvidence mirrors one evidence item, unbounded.
func (p *Postgres) InsertEvidence(ctx context.Context, item *core.EvidenceItem) error {
	payload, err := marshalJSONB(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal evidence payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO job_evidence (id, job_id, kind, detail, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		item.ID, item.JobID, item.Kind, item.Detail, payload, item.AtMs)
	return err
}

// AppendEvent appends one tape event to the durable log.
func (p *Postgres) AppendEvent(ctx context.Context, kind string, payload any) error {
	data, err := marshalJSONB(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO events (kind, payload, created_at) VALUES ($1, $2, $3)`,
		kind, data, time.Now().UnixMilli())
	return err
}

// LinkIssue records the issue → job mapping.
func (p *Postgres) LinkIssue(ctx context.Context, owner, repo string, issue int, jobID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO github_issue_jobs (owner, repo, issue_number, job_id)
		 VALUES ($1,$2,$3,$4) ON CONFLICT (owner, repo, issue_number) DO UPDATE SET job_id = $4`,
		owner, repo, issue, jobID)
	return err
}

// LinkPR records the pull request → job mapping.
func (p *Postgres) LinkPR(ctx context.Context, owner, repo string, pr int, jobID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO github_pr_jobs (owner, repo, pr_number, job_id)
		 VALUES ($1,$2,$3,$4) ON CONFLICT (owner, repo, pr_number) DO UPDATE SET job_id = $4`,
		owner, repo, pr, jobID)
	return err
}

// JobIDByIssue resolves an issue mapping; empty string when unmapped.
func (p *Postgres) JobIDByIssue(ctx context.Context, owner, repo string, issue int) (string, error) {
	var jobID string
	err := p.db.QueryRowContext(ctx,
		`SELECT job_id FROM github_issue_jobs WHERE owner = $1 AND repo = $2 AND issue_number = $3`,
		owner, repo, issue).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return jobID, err
}

// JobIDByPR resolves a PR mapping; empty string when unmapped.
func (p *Postgres) JobIDByPR(ctx context.Context, owner, repo string, pr int) (string, error) {
	var jobID string
	err := p.db.QueryRowContext(ctx,
		`SELECT job_id FROM github_pr_jobs WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
		owner, repo, pr).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return jobID, err
}

// Snapshot reads the observer bootstrap document straight from the store.
func (p *Postgres) Snapshot(ctx context.Context) (*core.Snapshot, error) {
	snap := &core.Snapshot{}

	rows, err := p.db.QueryContext(ctx,
		`SELECT a.agent_id, a.name,
			COALESCE(l.credits, 0), COALESCE(l.locked, 0),
			COALESCE(r.completed, 0), COALESCE(r.failed, 0)
		 FROM agents a
		 LEFT JOIN ledger l ON l.agent_id = a.agent_id
		 LEFT JOIN reputation r ON r.agent_id = a.agent_id
		 ORDER BY a.created_at`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v core.AgentView
		if err := rows.Scan(&v.ID, &v.Name, &v.Credits, &v.Locked, &v.Completed, &v.Failed); err != nil {
			return nil, err
		}
		rep := core.Reputation{Completed: v.Completed, Failed: v.Failed}
		v.Score = rep.Score()
		snap.Agents = append(snap.Agents, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if snap.Jobs, err = p.queryJobs(ctx); err != nil {
		return nil, err
	}
	if snap.Bids, err = p.queryBids(ctx); err != nil {
		return nil, err
	}
	if snap.Evidence, err = p.queryEvidence(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *Postgres) queryJobs(ctx context.Context) ([]*core.Job, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, title, COALESCE(description, ''), budget, requester_id, created_at,
			status, COALESCE(worker_id, ''), kind, payload,
			locked_budget, locked_stake, paid_upfront, COALESCE(awarded_at, 0)
		 FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		var (
			j       core.Job
			status  string
			payload []byte
		)
		if err := rows.Scan(&j.ID, &j.Title, &j.Description, &j.Budget, &j.RequesterID,
			&j.CreatedAtMs, &status, &j.WorkerID, &j.Kind, &payload,
			&j.LockedBudget, &j.LockedStake, &j.PaidUpfront, &j.AwardedAtMs); err != nil {
			return nil, err
		}
		j.Status = core.JobStatus(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &j.Payload); err != nil {
				p.logger.Printf("bad payload on job %s: %v", j.ID, err)
			}
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (p *Postgres) queryBids(ctx context.Context) ([]*core.Bid, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, job_id, bidder_id, price, eta_seconds, created_at,
			COALESCE(pitch, ''), terms, rep_snapshot
		 FROM bids ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	var bids []*core.Bid
	for rows.Next() {
		var (
			b     core.Bid
			terms []byte
		)
		if err := rows.Scan(&b.ID, &b.JobID, &b.BidderID, &b.Price, &b.EtaSeconds,
			&b.CreatedAtMs, &b.Pitch, &terms, &b.RepSnapshot); err != nil {
			return nil, err
		}
		if len(terms) > 0 && string(terms) != "null" {
			var t core.Terms
			if err := json.Unmarshal(terms, &t); err == nil {
				b.Terms = &t
			}
		}
		bids = append(bids, &b)
	}
	return bids, rows.Err()
}

func (p *Postgres) queryEvidence(ctx context.Context) ([]*core.EvidenceItem, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, job_id, kind, detail, payload, created_at
		 FROM job_evidence ORDER BY created_at DESC LIMIT 500`)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var items []*core.EvidenceItem
	for rows.Next() {
		var (
			item    core.EvidenceItem
			payload []byte
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.Kind, &item.Detail, &payload, &item.AtMs); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			json.Unmarshal(payload, &item.Payload)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
