// Package jobstate implements the State Manager (spec §4.9 / C9): the
// durable job store, backed by Postgres as the single source of truth with
// a Redis cache-aside projection for fast status reads.
package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Status is a job's lifecycle state (spec §4.9, §4.10).
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
	StatusRateLimited   Status = "rate_limited"
	StatusCircuitBroken Status = "circuit_broken"
)

// IsTerminal reports whether s is one from which no further transition is
// permitted (spec §4.9 invariant c). rate_limited and circuit_broken are
// dispatch-time fail-fast outcomes (spec §3 status enum, §8 scenario 4):
// once a job lands there it is not retried automatically.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRateLimited, StatusCircuitBroken:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("jobstate: job not found")

// ErrTerminalTransition is returned when a caller attempts to move a job
// out of a terminal state (spec §4.9 invariant c).
var ErrTerminalTransition = errors.New("jobstate: cannot transition out of a terminal state")

// ErrStaleTransition is returned when the compare-and-set status check
// fails because another writer already moved the job's status.
var ErrStaleTransition = errors.New("jobstate: status changed concurrently")

// Job is the durable job record (spec §3 Job).
type Job struct {
	ID                uuid.UUID
	Domain            string
	URL               string
	JobType           string
	Strategy          string
	Priority          int16
	Status            Status
	Payload           json.RawMessage
	Result            json.RawMessage
	Attempts          int
	MaxAttempts       int
	TimeoutSeconds    int
	IdempotencyKey    string
	AuthorizationMode string
	UserID            string
	IPAddress         string
	Error             string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Projection is the lightweight cache-aside view held in Redis (spec §4.9:
// "id, status, timestamps, error").
type Projection struct {
	ID          uuid.UUID  `json:"id"`
	Status      Status     `json:"status"`
	Domain      string     `json:"domain"`
	JobType     string     `json:"job_type"`
	Strategy    string     `json:"strategy"`
	Priority    int16      `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

const cacheTTL = time.Hour

func cacheKey(id uuid.UUID) string {
	return "job:state:" + id.String()
}

// Store is the durable job store with a cache-aside Redis projection.
type Store struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

// New creates a Store.
func New(db *pgxpool.Pool, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// Create persists a new job with status=pending, attempts=0 (spec §4.10
// admission step 3).
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.Status = StatusPending
	j.Attempts = 0

	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs
			(id, domain, url, job_type, strategy, priority, status, payload, attempts,
			 max_attempts, timeout_seconds, idempotency_key, authorization_mode, user_id, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.ID, j.Domain, j.URL, j.JobType, j.Strategy, j.Priority, string(j.Status), nullableJSON(j.Payload),
		j.Attempts, j.MaxAttempts, j.TimeoutSeconds, nullIfEmpty(j.IdempotencyKey), j.AuthorizationMode,
		nullIfEmpty(j.UserID), nullIfEmpty(j.IPAddress),
	)
	if err != nil {
		return fmt.Errorf("jobstate: creating job: %w", err)
	}
	return nil
}

// Get returns the full job record, reading the durable store directly —
// full records are never served from the lightweight cache projection.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, domain, url, job_type, strategy, priority, status, payload, result,
		       attempts, max_attempts, timeout_seconds, COALESCE(idempotency_key, ''),
		       authorization_mode, COALESCE(user_id, ''), COALESCE(ip_address, ''),
		       COALESCE(error, ''), created_at, started_at, completed_at
		FROM jobs WHERE id = $1`, id)

	var j Job
	err := row.Scan(&j.ID, &j.Domain, &j.URL, &j.JobType, &j.Strategy, &j.Priority, &j.Status,
		&j.Payload, &j.Result, &j.Attempts, &j.MaxAttempts, &j.TimeoutSeconds, &j.IdempotencyKey,
		&j.AuthorizationMode, &j.UserID, &j.IPAddress, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstate: getting job %s: %w", id, err)
	}
	return &j, nil
}

// GetProjection returns the lightweight status projection, preferring the
// Redis cache and falling back to the durable store on a miss or error
// (spec §4.9).
func (s *Store) GetProjection(ctx context.Context, id uuid.UUID) (*Projection, error) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, cacheKey(id)).Result()
		if err == nil {
			var p Projection
			if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
				return &p, nil
			}
		}
	}

	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p := projectionOf(j)
	s.cacheProjection(ctx, &p)
	return &p, nil
}

func projectionOf(j *Job) Projection {
	return Projection{
		ID:          j.ID,
		Status:      j.Status,
		Domain:      j.Domain,
		JobType:     j.JobType,
		Strategy:    j.Strategy,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Error:       j.Error,
	}
}

func (s *Store) cacheProjection(ctx context.Context, p *Projection) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, cacheKey(p.ID), raw, cacheTTL)
}

func (s *Store) invalidateCache(ctx context.Context, id uuid.UUID) {
	if s.rdb == nil {
		return
	}
	s.rdb.Del(ctx, cacheKey(id))
}

// TransitionOptions carries the optional side-effect fields a status
// transition may set, alongside the new status.
type TransitionOptions struct {
	Error            string
	IncrementAttempt bool
	SetStartedAt     bool
	SetCompletedAt   bool
	Result           json.RawMessage
}

// Transition performs a compare-and-set status update: it only succeeds if
// the job's current status is one of expectedFrom, enforcing spec §4.9's
// "no transition out of a terminal state" invariant and the orchestrator's
// `pending → running` single-writer guarantee (spec §4.10, §5).
func (s *Store) Transition(ctx context.Context, id uuid.UUID, expectedFrom []Status, to Status, opts TransitionOptions) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("jobstate: beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	var attempts, maxAttempts int
	var startedAt, completedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT status, attempts, max_attempts, started_at, completed_at FROM jobs WHERE id = $1 FOR UPDATE`, id).
		Scan(&current, &attempts, &maxAttempts, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobstate: locking job %s: %w", id, err)
	}

	if current.IsTerminal() {
		return ErrTerminalTransition
	}
	if !statusIn(current, expectedFrom) {
		return ErrStaleTransition
	}
	if opts.IncrementAttempt && attempts+1 > maxAttempts {
		return fmt.Errorf("jobstate: attempts would exceed max_attempts for job %s", id)
	}

	newAttempts := attempts
	if opts.IncrementAttempt {
		newAttempts++
	}

	// Timestamps are set at-most-once each (spec §4.9 invariant a).
	if opts.SetStartedAt && startedAt == nil {
		now := time.Now()
		startedAt = &now
	}
	if opts.SetCompletedAt && completedAt == nil {
		now := time.Now()
		completedAt = &now
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $1, attempts = $2, error = $3, started_at = $4, completed_at = $5, result = COALESCE($6, result)
		WHERE id = $7`,
		string(to), newAttempts, nullIfEmpty(opts.Error), startedAt, completedAt, nullableJSON(opts.Result), id,
	)
	if err != nil {
		return fmt.Errorf("jobstate: updating job %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("jobstate: committing transition for %s: %w", id, err)
	}

	s.invalidateCache(ctx, id)
	return nil
}

// Requeue moves a job directly back to pending regardless of its current
// status, resetting attempts to 0 and clearing its terminal timestamps and
// error. Unlike Transition, it does not enforce the terminal-state
// invariant: it exists solely as an explicit, operator-triggered escape
// hatch for dead-letter requeue (SPEC_FULL.md supplemented feature 5), and
// must never be reachable from a worker or API code path that isn't the
// dead-letter requeue handler.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = $1, attempts = 0, error = NULL, started_at = NULL, completed_at = NULL
		WHERE id = $2`,
		string(StatusPending), id,
	)
	if err != nil {
		return fmt.Errorf("jobstate: requeuing job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidateCache(ctx, id)
	return nil
}

func statusIn(s Status, list []Status) bool {
	if len(list) == 0 {
		return true
	}
	for _, c := range list {
		if c == s {
			return true
		}
	}
	return false
}

// RecentJobs returns up to limit of the most recently created jobs, newest
// first, for the operator status endpoint (spec §4.13).
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]Projection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, status, domain, job_type, strategy, priority, attempts, max_attempts,
		       created_at, started_at, completed_at, COALESCE(error, '')
		FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstate: listing recent jobs: %w", err)
	}
	defer rows.Close()

	var out []Projection
	for rows.Next() {
		var p Projection
		if err := rows.Scan(&p.ID, &p.Status, &p.Domain, &p.JobType, &p.Strategy, &p.Priority,
			&p.Attempts, &p.MaxAttempts, &p.CreatedAt, &p.StartedAt, &p.CompletedAt, &p.Error); err != nil {
			return nil, fmt.Errorf("jobstate: scanning job row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListJobs returns up to limit jobs ordered newest-first by (created_at,
// id), optionally filtered by domain and keyset-paginated after a given
// cursor position — the (created_at, id) of the last row a caller already
// has (SPEC_FULL.md §C Supplemented Feature 8: cursor-paginated job
// listing for the operator console).
func (s *Store) ListJobs(ctx context.Context, domain string, hasAfter bool, afterCreatedAt time.Time, afterID uuid.UUID, limit int) ([]Projection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, status, domain, job_type, strategy, priority, attempts, max_attempts,
		       created_at, started_at, completed_at, COALESCE(error, '')
		FROM jobs
		WHERE ($1 = '' OR domain = $1)
		  AND ($2 = false OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, domain, hasAfter, afterCreatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstate: listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Projection
	for rows.Next() {
		var p Projection
		if err := rows.Scan(&p.ID, &p.Status, &p.Domain, &p.JobType, &p.Strategy, &p.Priority,
			&p.Attempts, &p.MaxAttempts, &p.CreatedAt, &p.StartedAt, &p.CompletedAt, &p.Error); err != nil {
			return nil, fmt.Errorf("jobstate: scanning job row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SuccessRate reports the fraction of the last `sample` terminal jobs that
// completed successfully (spec §4.13).
func (s *Store) SuccessRate(ctx context.Context, sample int) (float64, error) {
	row := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed')::float8,
			COUNT(*)::float8
		FROM (
			SELECT status FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled', 'rate_limited', 'circuit_broken')
			ORDER BY completed_at DESC NULLS LAST
			LIMIT $1
		) recent`, sample)

	var completed, total float64
	if err := row.Scan(&completed, &total); err != nil {
		return 0, fmt.Errorf("jobstate: computing success rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return completed / total, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
