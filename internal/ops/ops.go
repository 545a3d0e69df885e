// Package ops implements the operator surface supplemented from
// original_source/ (SPEC_FULL.md §C): rate-limit and circuit-breaker
// status/overrides, credential introspection, and overall system status.
// It is mounted onto the same /api/v1 router as internal/api, behind the
// same X-API-Key gate.
package ops

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/audit"
	"github.com/wisbric/nightowl/internal/breaker"
	"github.com/wisbric/nightowl/internal/browserpool"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/jobstate"
	"github.com/wisbric/nightowl/internal/orchestrator"
	"github.com/wisbric/nightowl/internal/ratelimit"
	"github.com/wisbric/nightowl/internal/vault"
)

// Handler groups the dependencies the operator endpoints need. It talks to
// Redis directly for the per-domain rate limiter and circuit breaker rather
// than through the orchestrator, since both are cheap value objects
// constructed per call (internal/orchestrator does the same).
type Handler struct {
	rdb       *redis.Client
	jobs      *jobstate.Store
	orch      *orchestrator.Orchestrator
	pool      *browserpool.Pool
	vault     *vault.Vault
	auditor   *audit.Writer
	logger    *slog.Logger
	startedAt time.Time
}

// New constructs a Handler.
func New(rdb *redis.Client, jobs *jobstate.Store, orch *orchestrator.Orchestrator, pool *browserpool.Pool, v *vault.Vault, auditor *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{rdb: rdb, jobs: jobs, orch: orch, pool: pool, vault: v, auditor: auditor, logger: logger, startedAt: time.Now().UTC()}
}

// Mount registers every route this package owns under r (expected to be
// mounted at /api/v1/ops).
func (h *Handler) Mount(r chi.Router) {
	r.Get("/status", h.status)
	r.Get("/rate-limits/{domain}", h.rateLimitStatus)
	r.Get("/circuits/{domain}", h.circuitStatus)
	r.Post("/circuits/{domain}/force-open", h.circuitForceOpen)
	r.Post("/circuits/{domain}/force-reset", h.circuitForceReset)
	r.Get("/credentials/{domain}", h.credentialList)
	r.Delete("/credentials/{domain}/{type}", h.credentialEvict)
}

func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	if ve, ok := apierr.AsValidation(err); ok {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", ve.Message)
		return
	}
	if ne, ok := apierr.AsNotFound(err); ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", ne.Message)
		return
	}
	logger.Error("ops: unhandled error", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}

// statusResponse is the GET /api/v1/ops/status payload (spec §4.13): health
// booleans, queue depth, and recent job history for operator dashboards.
type statusResponse struct {
	Healthy         bool                 `json:"healthy"`
	DatabaseHealthy bool                 `json:"database_healthy"`
	BrowserPool     browserPoolStatus    `json:"browser_pool"`
	Queue           queueStatusResponse  `json:"queue"`
	SuccessRate     float64              `json:"success_rate_last_100"`
	RecentJobs      []jobstate.Projection `json:"recent_jobs"`
	UptimeSeconds   float64              `json:"uptime_seconds"`
}

type browserPoolStatus struct {
	Healthy       bool `json:"healthy"`
	InstanceCount int  `json:"instance_count"`
}

type queueStatusResponse struct {
	ByPriority    [4]int64 `json:"by_priority"`
	DelayedCount  int64    `json:"delayed_count"`
	DeadLetterLen int64    `json:"dead_letter_len"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbHealthy := true
	recent, err := h.jobs.RecentJobs(ctx, 10)
	if err != nil {
		dbHealthy = false
		h.logger.Error("ops: status recent jobs query failed", "error", err)
	}

	successRate, err := h.jobs.SuccessRate(ctx, 100)
	if err != nil {
		dbHealthy = false
	}

	qstats, err := h.orch.QueueStats(ctx)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	poolHealthy := h.pool.HealthCheck(ctx)

	httpserver.Respond(w, http.StatusOK, statusResponse{
		Healthy:         dbHealthy && poolHealthy,
		DatabaseHealthy: dbHealthy,
		BrowserPool:     browserPoolStatus{Healthy: poolHealthy, InstanceCount: h.pool.InstanceCount()},
		Queue:           queueStatusResponse{ByPriority: qstats.ByPriority, DelayedCount: qstats.DelayedCount, DeadLetterLen: qstats.DeadLetterLen},
		SuccessRate:     successRate,
		RecentJobs:      recent,
		UptimeSeconds:   time.Since(h.startedAt).Seconds(),
	})
}

type rateLimitResponse struct {
	Domain string               `json:"domain"`
	Minute *ratelimit.WindowStatus `json:"minute,omitempty"`
	Hour   *ratelimit.WindowStatus `json:"hour,omitempty"`
	Limits ratelimit.Limits     `json:"limits"`
}

func (h *Handler) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	limiter := ratelimit.New(h.rdb, domain, "domain", ratelimit.DefaultDomainLimits)
	status := limiter.GetStatus(r.Context())
	httpserver.Respond(w, http.StatusOK, rateLimitResponse{
		Domain: domain, Minute: status.Minute, Hour: status.Hour, Limits: status.Limits,
	})
}

type circuitStatusResponse struct {
	Domain              string  `json:"domain"`
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	RemainingCooldown   float64 `json:"remaining_cooldown_seconds"`
	Forced              bool    `json:"forced"`
}

func (h *Handler) circuitStatus(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	br := breaker.New(h.rdb, domain, 0, nil)
	status, err := br.GetStatus(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, circuitStatusResponse{
		Domain: domain, State: status.State.String(), ConsecutiveFailures: status.ConsecutiveFailures,
		RemainingCooldown: status.RemainingCooldown.Seconds(), Forced: status.Forced,
	})
}

type forceOpenRequest struct {
	CooldownSeconds int `json:"cooldown_seconds" validate:"required,gt=0"`
}

// circuitForceOpen handles POST /api/v1/ops/circuits/{domain}/force-open.
// Forcing a circuit open is an operator override with safety implications,
// so it is audited the same way policy decisions are (SPEC_FULL.md §C
// Supplemented Feature 2).
func (h *Handler) circuitForceOpen(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var req forceOpenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	br := breaker.New(h.rdb, domain, 0, nil)
	if err := br.ForceOpen(r.Context(), time.Duration(req.CooldownSeconds)*time.Second); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	h.audit(r, domain, "force_open", true, "operator forced circuit open")
	httpserver.Respond(w, http.StatusOK, map[string]string{"domain": domain, "state": breaker.Open.String()})
}

// circuitForceReset handles POST /api/v1/ops/circuits/{domain}/force-reset.
func (h *Handler) circuitForceReset(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	br := breaker.New(h.rdb, domain, 0, nil)
	if err := br.ForceReset(r.Context()); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	h.audit(r, domain, "force_reset", true, "operator forced circuit reset")
	httpserver.Respond(w, http.StatusOK, map[string]string{"domain": domain, "state": breaker.Closed.String()})
}

func (h *Handler) audit(r *http.Request, domain, action string, allowed bool, reason string) {
	if h.auditor == nil {
		return
	}
	h.auditor.Log(audit.Entry{
		Domain: domain, Action: action, Allowed: allowed, Reason: reason,
		UserID: r.Header.Get("X-User-ID"), IPAddress: audit.ClientIP(r).String(),
	})
}

type credentialListResponse struct {
	Domain      string              `json:"domain"`
	Credentials map[string][]string `json:"credentials"`
}

func (h *Handler) credentialList(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	creds, err := h.vault.List(r.Context(), domain)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, credentialListResponse{Domain: domain, Credentials: creds})
}

// credentialEvict handles DELETE /api/v1/ops/credentials/{domain}/{type}:
// it only evicts the in-memory cache entry, forcing the next Resolve to
// re-derive the value from env/keystore/placeholder (vault.Vault never
// exposes the value itself over this surface).
func (h *Handler) credentialEvict(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	credType := vault.CredentialType(chi.URLParam(r, "type"))
	h.vault.EvictCache(domain, credType)
	httpserver.Respond(w, http.StatusOK, map[string]string{"domain": domain, "type": string(credType), "status": "evicted"})
}
