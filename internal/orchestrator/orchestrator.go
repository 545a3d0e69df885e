// Package orchestrator implements the Job Orchestrator (spec §4.10 / C10):
// admission (idempotency check, policy check, durable create, enqueue),
// a bounded worker pool that dispatches jobs off four priority Redis
// Streams in strict order, retry/backoff via a delayed sorted set, a
// dead-letter queue for retry-exhausted jobs, and cooperative cancellation.
//
// It composes the Credential Vault, Rate Limiter, Circuit Breaker, Policy
// Enforcer, Idempotency Engine, State Manager, Browser Pool and Strategy
// Executor built elsewhere in this module; nothing downstream of it
// (internal/workflow, internal/api) needs to import those packages
// directly — they depend only on the small interfaces this package and
// jobstate export (spec §9: "the orchestrator exposes create_job and
// get_job_status; the executor depends only on a BrowserPool capability;
// no back-pointer from executor to orchestrator").
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/artifact"
	"github.com/wisbric/nightowl/internal/breaker"
	"github.com/wisbric/nightowl/internal/idempotency"
	"github.com/wisbric/nightowl/internal/jobstate"
	"github.com/wisbric/nightowl/internal/policy"
	"github.com/wisbric/nightowl/internal/ratelimit"
	"github.com/wisbric/nightowl/internal/strategy"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/internal/vault"
)

// retryBase, retryFactor and retryJitter implement the backoff formula from
// spec §4.10 step 4: base·factor^(attempts-1) + jitter.
const (
	retryBase      = 5 * time.Second
	retryFactor    = 3.0
	retryJitterMax = 2 * time.Second
)

// Config holds the orchestrator's tunable knobs not otherwise owned by a
// component package.
type Config struct {
	WorkerCount        int
	MaxAttemptsDefault int
	TimeoutDefault     time.Duration
	ArtifactsRoot      string
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 8
	}
	if c.MaxAttemptsDefault <= 0 {
		c.MaxAttemptsDefault = 3
	}
	if c.TimeoutDefault <= 0 {
		c.TimeoutDefault = 300 * time.Second
	}
	return c
}

// Orchestrator is the Job Orchestrator (C10). Construct with New and start
// its background workers with Run.
type Orchestrator struct {
	cfg Config

	rdb    *redis.Client
	logger *slog.Logger

	policyEnforcer *policy.Enforcer
	idempotency    *idempotency.Engine
	jobs           *jobstate.Store
	vault          *vault.Vault
	pagePool       strategy.PagePool
	capturer       *artifact.Capturer
	artifactsRoot  string

	queue    *Queue
	executor *strategy.Executor

	running sync.Map // map[string]context.CancelFunc, keyed by job id
}

// captureAdapter implements strategy.Capturer over an *artifact.Capturer,
// translating between this module's string capture-kind wire format and
// artifact.Kind without making internal/strategy depend on internal/artifact.
type captureAdapter struct {
	capturer *artifact.Capturer
}

func (a captureAdapter) Capture(ctx context.Context, jobID string, page *rod.Page, kinds []string) []strategy.ArtifactResult {
	artKinds := make([]artifact.Kind, len(kinds))
	for i, k := range kinds {
		artKinds[i] = artifact.Kind(k)
	}
	results := a.capturer.Capture(ctx, jobID, page, artKinds, nil, nil)
	out := make([]strategy.ArtifactResult, len(results))
	for i, r := range results {
		out[i] = strategy.ArtifactResult{Kind: string(r.Kind), Path: r.Path, SHA256: r.SHA256, Error: r.Error}
	}
	return out
}

// New constructs an Orchestrator. consumerName should be unique per process
// (e.g. hostname+pid) so Redis Streams consumer-group bookkeeping doesn't
// collide across replicas.
func New(
	cfg Config,
	rdb *redis.Client,
	logger *slog.Logger,
	policyEnforcer *policy.Enforcer,
	idem *idempotency.Engine,
	jobs *jobstate.Store,
	v *vault.Vault,
	pagePool strategy.PagePool,
	consumerName string,
) *Orchestrator {
	cfg = cfg.withDefaults()
	capturer := artifact.New(cfg.ArtifactsRoot)
	return &Orchestrator{
		cfg:            cfg,
		rdb:            rdb,
		logger:         logger,
		policyEnforcer: policyEnforcer,
		idempotency:    idem,
		jobs:           jobs,
		vault:          v,
		pagePool:       pagePool,
		capturer:       capturer,
		artifactsRoot:  cfg.ArtifactsRoot,
		queue:          NewQueue(rdb, consumerName),
		executor:       strategy.NewExecutor(pagePool, captureAdapter{capturer}),
	}
}

// CreateJobInput is the admission request (spec §6.1 POST /api/v1/jobs).
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

// CreateJobResult is what the API surface echoes back (spec §6.1: 201
// response is {job_id, status, domain, job_type}).
type CreateJobResult struct {
	JobID     uuid.UUID
	Status    jobstate.Status
	Domain    string
	JobType   string
	Duplicate bool
}

// CreateJob runs the full admission pipeline: idempotency check, policy
// check, durable create, idempotency store, circuit-breaker gate, enqueue
// (spec §4.10 steps 1-5).
func (o *Orchestrator) CreateJob(ctx context.Context, in CreateJobInput) (CreateJobResult, error) {
	if !knownJobTypes[in.JobType] {
		return CreateJobResult{}, &apierr.ValidationError{Message: fmt.Sprintf("unknown job_type %q", in.JobType)}
	}
	if in.Priority < 0 || in.Priority > 3 {
		return CreateJobResult{}, &apierr.ValidationError{Message: "priority must be between 0 and 3"}
	}
	if in.Strategy == "" {
		in.Strategy = "vanilla"
	}

	if in.IdempotencyKey != "" {
		existing, err := o.idempotency.Check(ctx, in.IdempotencyKey)
		if err != nil {
			o.logger.Warn("idempotency check failed, proceeding with admission", "error", err)
		} else if existing != "" {
			id, err := uuid.Parse(existing)
			if err == nil {
				if job, err := o.jobs.Get(ctx, id); err == nil {
					return CreateJobResult{JobID: job.ID, Status: job.Status, Domain: job.Domain, JobType: job.JobType, Duplicate: true}, nil
				}
			}
		}
	}

	decision, err := o.policyEnforcer.Check(ctx, policy.CheckInput{
		JobID:             uuid.New().String(),
		Domain:            in.Domain,
		Strategy:          in.Strategy,
		AuthorizationMode: policy.AuthorizationMode(in.AuthorizationMode),
		UserID:            in.UserID,
		IPAddress:         in.IPAddress,
	})
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("orchestrator: policy check: %w", err)
	}
	if !decision.Allowed {
		return CreateJobResult{}, &apierr.PolicyError{Action: string(decision.Action), Reason: decision.Reason, Context: decision.Context}
	}

	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return CreateJobResult{}, &apierr.ValidationError{Message: fmt.Sprintf("encoding payload: %v", err)}
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.MaxAttemptsDefault
	}
	timeoutSeconds := in.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(o.cfg.TimeoutDefault / time.Second)
	}

	job := &jobstate.Job{
		Domain:            in.Domain,
		URL:               in.URL,
		JobType:           in.JobType,
		Strategy:          in.Strategy,
		Priority:          in.Priority,
		Payload:           payloadJSON,
		MaxAttempts:       maxAttempts,
		TimeoutSeconds:    timeoutSeconds,
		IdempotencyKey:    in.IdempotencyKey,
		AuthorizationMode: in.AuthorizationMode,
		UserID:            in.UserID,
		IPAddress:         in.IPAddress,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return CreateJobResult{}, fmt.Errorf("orchestrator: creating job: %w", err)
	}

	if in.IdempotencyKey != "" {
		if err := o.idempotency.Store(ctx, in.IdempotencyKey, job.ID.String()); err != nil {
			o.logger.Warn("idempotency store failed", "error", err, "job_id", job.ID)
		}
	}

	// Circuit-breaker gate runs at admission, not dispatch: a tripped
	// breaker fails the job fast with no executor invocation and no
	// queue entry (spec §8 scenario 4).
	br := breaker.New(o.rdb, in.Domain, 0, nil)
	cbDecision, err := br.AllowExecution(ctx)
	if err != nil {
		o.logger.Warn("circuit breaker check failed, admitting job", "error", err, "domain", in.Domain)
	} else if !cbDecision.Allowed {
		reason := fmt.Sprintf("circuit open for %s, retry after %s", in.Domain, cbDecision.RemainingCooldown)
		if tErr := o.jobs.Transition(ctx, job.ID, []jobstate.Status{jobstate.StatusPending}, jobstate.StatusCircuitBroken, jobstate.TransitionOptions{
			Error: reason, SetCompletedAt: true,
		}); tErr != nil {
			o.logger.Error("failed to mark job circuit_broken", "error", tErr, "job_id", job.ID)
		}
		return CreateJobResult{JobID: job.ID, Status: jobstate.StatusCircuitBroken, Domain: in.Domain, JobType: in.JobType}, nil
	}

	msg := QueueMessage{
		JobID:      job.ID.String(),
		Domain:     in.Domain,
		URL:        in.URL,
		JobType:    in.JobType,
		Strategy:   in.Strategy,
		Payload:    string(payloadJSON),
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := o.queue.Enqueue(ctx, in.Priority, msg); err != nil {
		return CreateJobResult{}, fmt.Errorf("orchestrator: enqueuing job: %w", err)
	}

	return CreateJobResult{JobID: job.ID, Status: jobstate.StatusPending, Domain: in.Domain, JobType: in.JobType}, nil
}

// GetJob returns the full durable job record (spec §6.1 GET /jobs/{id}).
func (o *Orchestrator) GetJob(ctx context.Context, id uuid.UUID) (*jobstate.Job, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		if err == jobstate.ErrNotFound {
			return nil, &apierr.NotFoundError{Message: fmt.Sprintf("job %s not found", id)}
		}
		return nil, err
	}
	return job, nil
}

// ListJobs exposes a cursor-paginated page of job projections, optionally
// filtered by domain (SPEC_FULL.md §C Supplemented Feature 8).
func (o *Orchestrator) ListJobs(ctx context.Context, domain string, hasAfter bool, afterCreatedAt time.Time, afterID uuid.UUID, limit int) ([]jobstate.Projection, error) {
	return o.jobs.ListJobs(ctx, domain, hasAfter, afterCreatedAt, afterID, limit)
}

// GetJobProjection returns the lightweight cache-aside status view.
func (o *Orchestrator) GetJobProjection(ctx context.Context, id uuid.UUID) (*jobstate.Projection, error) {
	p, err := o.jobs.GetProjection(ctx, id)
	if err != nil {
		if err == jobstate.ErrNotFound {
			return nil, &apierr.NotFoundError{Message: fmt.Sprintf("job %s not found", id)}
		}
		return nil, err
	}
	return p, nil
}

// CancelJob cancels a job: a pending job transitions straight to cancelled;
// a running job's executor is signalled and will finalize as cancelled when
// it observes the cancellation (spec §5 cancellation semantics).
func (o *Orchestrator) CancelJob(ctx context.Context, id uuid.UUID) error {
	if cancel, ok := o.running.Load(id.String()); ok {
		cancel.(context.CancelFunc)()
		return nil
	}
	err := o.jobs.Transition(ctx, id, []jobstate.Status{jobstate.StatusPending}, jobstate.StatusCancelled, jobstate.TransitionOptions{
		SetCompletedAt: true,
	})
	if err == jobstate.ErrNotFound {
		return &apierr.NotFoundError{Message: fmt.Sprintf("job %s not found", id)}
	}
	return err
}

// QueueStats exposes queue depth for the operator status endpoint.
func (o *Orchestrator) QueueStats(ctx context.Context) (Stats, error) {
	return o.queue.Stats(ctx)
}

// DeadLetterEntries exposes a page of the dead-letter list for inspection,
// returning the entries for this page and the list's total length.
func (o *Orchestrator) DeadLetterEntries(ctx context.Context, offset, limit int64) ([]string, int64, error) {
	return o.queue.DeadLetterEntries(ctx, offset, limit)
}

// deadLetterEnvelope mirrors the JSON shape Queue.DeadLetter writes, so a
// requeue can recover the original priority and payload from the raw entry.
type deadLetterEnvelope struct {
	QueueMessage
	FinalError string `json:"final_error"`
	DeadAt     string `json:"dead_at"`
}

// RequeueDeadLetter removes entry from the dead-letter list and resubmits
// its job at priority, resetting the durable record back to pending so the
// worker pool picks it up again (SPEC_FULL.md supplemented feature 5).
func (o *Orchestrator) RequeueDeadLetter(ctx context.Context, entry string, priority int16) error {
	var env deadLetterEnvelope
	if err := json.Unmarshal([]byte(entry), &env); err != nil {
		return &apierr.ValidationError{Message: fmt.Sprintf("malformed dead-letter entry: %v", err)}
	}

	id, err := uuid.Parse(env.JobID)
	if err != nil {
		return &apierr.ValidationError{Message: fmt.Sprintf("malformed job id in dead-letter entry: %v", err)}
	}
	if err := o.jobs.Requeue(ctx, id); err != nil {
		if err == jobstate.ErrNotFound {
			return &apierr.NotFoundError{Message: fmt.Sprintf("job %s not found", id)}
		}
		return fmt.Errorf("orchestrator: requeuing job %s: %w", id, err)
	}

	msg := QueueMessage{
		JobID: env.JobID, Domain: env.Domain, URL: env.URL, JobType: env.JobType,
		Strategy: env.Strategy, Payload: env.Payload, EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := o.queue.RequeueDeadLetter(ctx, entry, priority, msg); err != nil {
		return fmt.Errorf("orchestrator: re-enqueuing job %s: %w", id, err)
	}
	return nil
}

// Run starts the bounded worker pool, the delayed-queue promoter, and
// blocks until ctx is cancelled (spec §9: "independent long-lived tasks
// with explicit cancellation on shutdown").
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.queue.EnsureGroups(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(o.cfg.WorkerCount + 1)

	for i := 0; i < o.cfg.WorkerCount; i++ {
		go func(idx int) {
			defer wg.Done()
			o.workerLoop(ctx, idx)
		}(i)
	}
	go func() {
		defer wg.Done()
		o.delayedPromoterLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (o *Orchestrator) delayedPromoterLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.queue.PromoteDelayed(ctx); err != nil {
				o.logger.Warn("delayed queue promotion failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, ok, err := o.queue.ReadNext(ctx)
		if err != nil {
			o.logger.Error("reading from queue", "error", err, "worker", idx)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		o.dispatch(ctx, delivery)
	}
}

// dispatch runs one job's admission-to-completion dispatch cycle (spec
// §4.10 steps 1-7 of the worker side).
func (o *Orchestrator) dispatch(ctx context.Context, d Delivery) {
	log := o.logger.With("job_id", d.Message.JobID, "domain", d.Message.Domain, "job_type", d.Message.JobType)

	id, err := uuid.Parse(d.Message.JobID)
	if err != nil {
		log.Error("malformed job id on queue entry, dropping", "error", err)
		o.queue.Ack(ctx, d)
		return
	}

	// Dispatch-time throttle: the safety-layer token bucket is distinct
	// from the policy admission-time fixed-window counter (spec §4.2).
	limiter := ratelimit.New(o.rdb, d.Message.Domain, "domain", ratelimit.DefaultDomainLimits)
	rl, rlErr := limiter.AcquireWithBackoff(ctx, 1, 1)
	if rlErr == nil && !rl.Allowed {
		if err := o.jobs.Transition(ctx, id, []jobstate.Status{jobstate.StatusPending}, jobstate.StatusRateLimited, jobstate.TransitionOptions{
			Error: "dispatch-time rate limit exceeded", SetCompletedAt: true,
		}); err != nil {
			log.Error("failed to mark job rate_limited", "error", err)
		}
		o.queue.Ack(ctx, d)
		return
	}

	if err := o.jobs.Transition(ctx, id, []jobstate.Status{jobstate.StatusPending}, jobstate.StatusRunning, jobstate.TransitionOptions{
		IncrementAttempt: true, SetStartedAt: true,
	}); err != nil {
		// Another worker already claimed it, or it was cancelled/moved
		// since being read off the stream; either way this worker has
		// nothing to do but ack its own delivery.
		log.Debug("job not claimable at dispatch, skipping", "error", err)
		o.queue.Ack(ctx, d)
		return
	}
	if err := o.policyEnforcer.IncrementConcurrency(ctx, d.Message.Domain); err != nil {
		log.Warn("failed to increment concurrency counter", "error", err)
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), o.cfg.TimeoutDefault)
	o.running.Store(d.Message.JobID, cancel)
	defer func() {
		cancel()
		o.running.Delete(d.Message.JobID)
	}()

	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		log.Error("failed to load job for dispatch", "error", err)
		o.queue.Ack(ctx, d)
		return
	}
	if job.TimeoutSeconds > 0 {
		jobCtx, cancel = context.WithTimeout(context.Background(), time.Duration(job.TimeoutSeconds)*time.Second)
		o.running.Store(d.Message.JobID, cancel)
	}

	start := time.Now()
	result := o.execute(jobCtx, job)
	telemetry.JobDispatchDuration.WithLabelValues(d.Message.Domain, string(job.Status)).Observe(time.Since(start).Seconds())

	o.finalize(ctx, d, job, result, jobCtx.Err())
}

func (o *Orchestrator) execute(ctx context.Context, job *jobstate.Job) strategy.Result {
	authMode := vault.AuthorizationMode(job.AuthorizationMode)
	action, err := o.buildAction(ctx, job.JobType, job.Domain, authMode, job.Payload)
	if err != nil {
		return strategy.Result{JobID: job.ID.String(), Success: false, Error: err.Error()}
	}

	var payloadMap map[string]any
	_ = json.Unmarshal(job.Payload, &payloadMap)
	evasionLevel := peekEvasionLevel(job.Payload)
	selected := strategy.Select(job.Domain, evasionLevel)

	captureKinds := make([]string, 0)
	for _, k := range peekCaptureKinds(job.Payload) {
		captureKinds = append(captureKinds, string(k))
	}

	sj := strategy.Job{
		ID:           job.ID.String(),
		Domain:       job.Domain,
		URL:          job.URL,
		Strategy:     selected,
		Payload:      payloadMap,
		Timeout:      time.Duration(job.TimeoutSeconds) * time.Second,
		CaptureKinds: captureKinds,
	}
	return o.executor.Execute(ctx, sj, action)
}

// finalize records a job's terminal or retried outcome, per spec §4.10
// steps 3-7: success completes, retryable failure with budget remaining
// re-enqueues with backoff, otherwise the job terminates and retry-budget
// exhaustion is additionally recorded to the dead-letter queue.
func (o *Orchestrator) finalize(ctx context.Context, d Delivery, job *jobstate.Job, result strategy.Result, timeoutErr error) {
	log := o.logger.With("job_id", job.ID, "domain", job.Domain)
	br := breaker.New(o.rdb, job.Domain, 0, nil)

	if result.Success {
		resultJSON, _ := json.Marshal(result.Details)
		if err := o.jobs.Transition(ctx, job.ID, []jobstate.Status{jobstate.StatusRunning}, jobstate.StatusCompleted, jobstate.TransitionOptions{
			SetCompletedAt: true, Result: resultJSON,
		}); err != nil {
			log.Error("failed to mark job completed", "error", err)
		}
		if err := o.policyEnforcer.DecrementConcurrency(ctx, job.Domain); err != nil {
			log.Warn("failed to decrement concurrency counter", "error", err)
		}
		if err := br.RecordSuccess(ctx); err != nil {
			log.Warn("failed to record breaker success", "error", err)
		}
		o.queue.Ack(ctx, d)
		return
	}

	if timeoutErr != nil && result.Error == "" {
		result.Error = "execution timed out"
	}

	// Operator-initiated cancellation during execution.
	if timeoutErr != nil && timeoutErr.Error() == context.Canceled.Error() {
		if err := o.jobs.Transition(ctx, job.ID, []jobstate.Status{jobstate.StatusRunning}, jobstate.StatusCancelled, jobstate.TransitionOptions{
			Error: "cancelled during execution", SetCompletedAt: true,
		}); err != nil {
			log.Error("failed to mark job cancelled", "error", err)
		}
		o.policyEnforcer.DecrementConcurrency(ctx, job.Domain)
		o.queue.Ack(ctx, d)
		return
	}

	if err := br.RecordFailure(ctx, classifyError(result.Error)); err != nil {
		log.Warn("failed to record breaker failure", "error", err)
	}

	retryable := strategy.IsRetryable(fmt.Errorf("%s", result.Error))
	if retryable && job.Attempts < job.MaxAttempts {
		delay := retryBackoff(job.Attempts)
		msg := QueueMessage{
			JobID: job.ID.String(), Domain: job.Domain, URL: job.URL, JobType: job.JobType,
			Strategy: job.Strategy, Payload: string(job.Payload), EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := o.queue.EnqueueDelayed(ctx, d.Priority, msg, time.Now().Add(delay)); err != nil {
			log.Error("failed to schedule retry", "error", err)
		}
		if err := o.jobs.Transition(ctx, job.ID, []jobstate.Status{jobstate.StatusRunning}, jobstate.StatusPending, jobstate.TransitionOptions{
			Error: result.Error,
		}); err != nil {
			log.Error("failed to revert job to pending for retry", "error", err)
		}
		o.policyEnforcer.DecrementConcurrency(ctx, job.Domain)
		o.queue.Ack(ctx, d)
		return
	}

	if err := o.jobs.Transition(ctx, job.ID, []jobstate.Status{jobstate.StatusRunning}, jobstate.StatusFailed, jobstate.TransitionOptions{
		Error: result.Error, SetCompletedAt: true,
	}); err != nil {
		log.Error("failed to mark job failed", "error", err)
	}
	o.policyEnforcer.DecrementConcurrency(ctx, job.Domain)

	if retryable && job.Attempts >= job.MaxAttempts {
		msg := QueueMessage{
			JobID: job.ID.String(), Domain: job.Domain, URL: job.URL, JobType: job.JobType,
			Strategy: job.Strategy, Payload: string(job.Payload),
		}
		if err := o.queue.DeadLetter(ctx, msg, result.Error); err != nil {
			log.Error("failed to record dead letter", "error", err)
		}
	}
	o.queue.Ack(ctx, d)
}

func classifyError(msg string) string {
	if msg == "" {
		return "unknown"
	}
	return msg
}

// retryBackoff computes base·factor^(attempts-1) + jitter (spec §4.10 step
// 4); attempts is the job's attempt count after this failed attempt.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(retryBase) * math.Pow(retryFactor, float64(attempts-1)))
	jitter := time.Duration(rand.Int63n(int64(retryJitterMax)))
	return d + jitter
}
