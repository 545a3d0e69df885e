// Package workflow implements the Workflow Executor (spec §4.11 / C11):
// higher-level job templates that bundle a payload shape, a post-processing
// step, and an optional webhook/Slack notification on top of one dispatched
// job. A workflow run is durable (one workflow_runs row per run) and its
// post-processing happens asynchronously once the underlying job reaches a
// terminal state, watched by a background poller.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/jobstate"
	"github.com/wisbric/nightowl/pkg/webhook"
)

// jobCreator is the minimal orchestrator surface a workflow needs: admit a
// job and read back its lightweight projection (spec §9: downstream
// packages depend only on small interfaces, never the concrete Orchestrator).
type jobCreator interface {
	CreateJob(ctx context.Context, in CreateJobInput) (CreateJobResult, error)
}

// CreateJobInput and CreateJobResult mirror internal/orchestrator's types
// structurally so this package never imports internal/orchestrator directly
// (spec §9). internal/app adapts the real Orchestrator to jobCreator.
type CreateJobInput struct {
	Domain            string
	URL               string
	JobType           string
	Strategy          string
	Priority          int16
	Payload           map[string]any
	IdempotencyKey    string
	TimeoutSeconds    int
	MaxAttempts       int
	AuthorizationMode string
	UserID            string
	IPAddress         string
}

type CreateJobResult struct {
	JobID   uuid.UUID
	Status  jobstate.Status
	Domain  string
	JobType string
}

// Run is one durable workflow_runs row (migrations/0001_init.up.sql).
type Run struct {
	ID               uuid.UUID
	WorkflowName     string
	JobID            uuid.UUID
	Input            map[string]any
	Output           map[string]any
	WebhookURL       string
	WebhookDelivered bool
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Executor admits workflow runs and polls their underlying jobs to
// completion, performing template-specific post-processing and webhook
// delivery.
type Executor struct {
	db       *pgxpool.Pool
	jobs     *jobstate.Store
	creator  jobCreator
	sender   *webhook.Sender
	logger   *slog.Logger
	pollTick time.Duration
}

// New constructs an Executor. creator is typically an adapter over
// *orchestrator.Orchestrator.
func New(db *pgxpool.Pool, jobs *jobstate.Store, creator jobCreator, sender *webhook.Sender, logger *slog.Logger) *Executor {
	return &Executor{db: db, jobs: jobs, creator: creator, sender: sender, logger: logger, pollTick: 2 * time.Second}
}

// List returns every registered template, for GET /api/v1/workflows.
func (e *Executor) List() []*Template {
	return List()
}

// Get returns a single template by name, for GET /api/v1/workflows/{name}.
func (e *Executor) Get(name string) (*Template, bool) {
	return Get(name)
}

// Submit validates input against template's schema, builds and admits the
// underlying job, and persists a workflow_runs row (spec §6.1 POST
// /workflows/{name}/run — the response describes the just-created job, not
// a final result).
func (e *Executor) Submit(ctx context.Context, templateName string, input map[string]any, authMode, userID, ipAddress string) (Run, error) {
	t, ok := Get(templateName)
	if !ok {
		return Run{}, &apierr.NotFoundError{Message: fmt.Sprintf("workflow %q not found", templateName)}
	}
	if err := validateInput(t, input); err != nil {
		return Run{}, err
	}

	domain := stringField(input, "domain")
	url := stringField(input, "url")
	if domain == "" || url == "" {
		return Run{}, &apierr.ValidationError{Message: fmt.Sprintf("workflow %q: domain and url are required", t.Name)}
	}

	payload, err := t.BuildPayload(input)
	if err != nil {
		return Run{}, err
	}

	strat := stringField(input, "strategy")
	if strat == "" {
		strat = t.DefaultStrategy
	}

	res, err := e.creator.CreateJob(ctx, CreateJobInput{
		Domain:            domain,
		URL:               url,
		JobType:           t.JobType,
		Strategy:          strat,
		Priority:          1,
		Payload:           payload,
		AuthorizationMode: authMode,
		UserID:            userID,
		IPAddress:         ipAddress,
	})
	if err != nil {
		return Run{}, fmt.Errorf("workflow: creating job for %q: %w", t.Name, err)
	}

	run := Run{
		ID:           uuid.New(),
		WorkflowName: t.Name,
		JobID:        res.JobID,
		Input:        input,
		WebhookURL:   stringField(input, "webhook_url"),
		CreatedAt:    time.Now(),
	}
	if err := e.persist(ctx, run); err != nil {
		return Run{}, fmt.Errorf("workflow: persisting run: %w", err)
	}
	return run, nil
}

func (e *Executor) persist(ctx context.Context, run Run) error {
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return err
	}
	_, err = e.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_name, job_id, input, webhook_url, webhook_delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.WorkflowName, run.JobID, inputJSON, nullIfEmpty(run.WebhookURL), false, run.CreatedAt,
	)
	return err
}

// Get fetches a single run by id, for GET /api/v1/workflows/runs/{id}-style
// introspection and for tests.
func (e *Executor) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	row := e.db.QueryRow(ctx, `
		SELECT id, workflow_name, job_id, input, output, COALESCE(webhook_url, ''), webhook_delivered, created_at, completed_at
		FROM workflow_runs WHERE id = $1`, id)
	return scanRun(row)
}

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	var inputRaw, outputRaw []byte
	if err := row.Scan(&run.ID, &run.WorkflowName, &run.JobID, &inputRaw, &outputRaw,
		&run.WebhookURL, &run.WebhookDelivered, &run.CreatedAt, &run.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Run{}, &apierr.NotFoundError{Message: "workflow run not found"}
		}
		return Run{}, err
	}
	if len(inputRaw) > 0 {
		_ = json.Unmarshal(inputRaw, &run.Input)
	}
	if len(outputRaw) > 0 {
		_ = json.Unmarshal(outputRaw, &run.Output)
	}
	return run, nil
}

// Run starts the background poller that watches pending workflow_runs rows
// for job completion and performs post-processing (spec §4.11). It blocks
// until ctx is cancelled, mirroring internal/orchestrator's ticker+select
// background-loop shape.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Executor) pollOnce(ctx context.Context) {
	rows, err := e.db.Query(ctx, `
		SELECT id, workflow_name, job_id, input, output, COALESCE(webhook_url, ''), webhook_delivered, created_at, completed_at
		FROM workflow_runs WHERE completed_at IS NULL ORDER BY created_at ASC LIMIT 50`)
	if err != nil {
		e.logger.Warn("workflow: polling runs failed", "error", err)
		return
	}
	var pending []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		pending = append(pending, run)
	}
	rows.Close()

	for _, run := range pending {
		e.processRun(ctx, run)
	}
}

func (e *Executor) processRun(ctx context.Context, run Run) {
	job, err := e.jobs.Get(ctx, run.JobID)
	if err != nil {
		if err != jobstate.ErrNotFound {
			e.logger.Warn("workflow: loading job for run", "error", err, "run_id", run.ID)
		}
		return
	}
	if !job.Status.IsTerminal() {
		return
	}

	t, ok := Get(run.WorkflowName)
	if !ok {
		e.logger.Error("workflow: unknown template for run, marking complete without post-processing",
			"run_id", run.ID, "workflow", run.WorkflowName)
		e.markCompleted(ctx, run, nil, false)
		return
	}

	var details map[string]any
	_ = json.Unmarshal(job.Result, &details)

	output, alert := t.PostProcess(run.Input, details, job.Error)

	delivered := false
	if alert {
		payload := map[string]any{"workflow": t.Name}
		for k, v := range output {
			payload[k] = v
		}
		payload["job_id"] = job.ID.String()
		payload["domain"] = job.Domain

		if run.WebhookURL != "" {
			res := e.sender.PostJSON(ctx, run.WebhookURL, payload)
			delivered = delivered || res.Delivered
		}
		if channel := stringField(run.Input, "slack_channel"); channel != "" {
			res := e.sender.PostSlack(ctx, channel, fmt.Sprintf("workflow %s alert for %s: %s", t.Name, job.Domain, canonicalJSON(output)))
			delivered = delivered || res.Delivered
		}
	}

	e.markCompleted(ctx, run, output, delivered)
}

func (e *Executor) markCompleted(ctx context.Context, run Run, output map[string]any, delivered bool) {
	outputJSON, _ := json.Marshal(output)
	_, err := e.db.Exec(ctx, `
		UPDATE workflow_runs SET output = $1, webhook_delivered = $2, completed_at = now() WHERE id = $3`,
		outputJSON, delivered, run.ID,
	)
	if err != nil {
		e.logger.Error("workflow: marking run completed", "error", err, "run_id", run.ID)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
