// Package api implements the API Surface (spec §4.12 / C12): HTTP handlers
// mounted onto httpserver.Server.APIRouter for job admission, queue
// inspection, workflow runs, and domain policy management. Request
// validation follows internal/httpserver's validator-based helpers; errors
// are mapped to status codes per spec §7 via internal/apierr.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/audit"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/orchestrator"
	"github.com/wisbric/nightowl/internal/policy"
	"github.com/wisbric/nightowl/internal/workflow"
)

// Handler groups the dependencies every handler in this package needs.
type Handler struct {
	orch     *orchestrator.Orchestrator
	enforcer *policy.Enforcer
	workflow *workflow.Executor
	logger   *slog.Logger
}

// New constructs a Handler.
func New(orch *orchestrator.Orchestrator, enforcer *policy.Enforcer, wf *workflow.Executor, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, enforcer: enforcer, workflow: wf, logger: logger}
}

// Mount registers every route this package owns onto r (the /api/v1
// sub-router returned by httpserver.NewServer).
func (h *Handler) Mount(r chi.Router) {
	r.Post("/jobs", h.createJob)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{job_id}", h.getJob)
	r.Post("/jobs/{job_id}/cancel", h.cancelJob)

	r.Get("/queue/stats", h.queueStats)
	r.Get("/queue/dead-letter", h.deadLetterList)
	r.Post("/queue/dead-letter/{job_id}/requeue", h.deadLetterRequeue)

	r.Get("/workflows", h.listWorkflows)
	r.Get("/workflows/{name}", h.getWorkflow)
	r.Post("/workflows/{name}/run", h.runWorkflow)

	r.Get("/policies", h.listPolicies)
	r.Post("/policies", h.upsertPolicy)
	r.Get("/policies/{domain}", h.getPolicy)
	r.Put("/policies/{domain}", h.upsertPolicyForDomain)
}

// writeErr maps an error to the status codes spec §7 defines: policy
// violation → 403; validation → 400; not found → 404; everything else → 500.
func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	if pe, ok := apierr.AsPolicy(err); ok {
		httpserver.Respond(w, http.StatusForbidden, map[string]any{
			"error": "policy_violation", "action": pe.Action, "message": pe.Reason, "context": pe.Context,
		})
		return
	}
	if ve, ok := apierr.AsValidation(err); ok {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", ve.Message)
		return
	}
	if ne, ok := apierr.AsNotFound(err); ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", ne.Message)
		return
	}
	logger.Error("api: unhandled error", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "job_id"))
}

func clientContext(r *http.Request) (userID, ip string) {
	return r.Header.Get("X-User-ID"), audit.ClientIP(r).String()
}
