package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/orchestrator"
)

// createJobRequest is the POST /api/v1/jobs body (spec §6.1).
type createJobRequest struct {
	Domain            string         `json:"domain" validate:"required"`
	URL               string         `json:"url" validate:"required,url"`
	JobType           string         `json:"job_type" validate:"required"`
	Strategy          string         `json:"strategy" validate:"omitempty,oneof=vanilla stealth assault"`
	Priority          *int16         `json:"priority" validate:"omitempty,gte=0,lte=3"`
	Payload           map[string]any `json:"payload"`
	IdempotencyKey    string         `json:"idempotency_key"`
	TimeoutSeconds    int            `json:"timeout_seconds" validate:"omitempty,gte=0"`
	MaxAttempts       int            `json:"max_attempts" validate:"omitempty,gte=0"`
	AuthorizationMode string         `json:"authorization_mode" validate:"omitempty,oneof=public customer_authorized internal"`
}

type createJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Domain  string `json:"domain"`
	JobType string `json:"job_type"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	priority := int16(2)
	if req.Priority != nil {
		priority = *req.Priority
	}
	authMode := req.AuthorizationMode
	if authMode == "" {
		authMode = "public"
	}

	userID, ip := clientContext(r)
	res, err := h.orch.CreateJob(r.Context(), orchestrator.CreateJobInput{
		Domain:            req.Domain,
		URL:               req.URL,
		JobType:           req.JobType,
		Strategy:          req.Strategy,
		Priority:          priority,
		Payload:           req.Payload,
		IdempotencyKey:    req.IdempotencyKey,
		TimeoutSeconds:    req.TimeoutSeconds,
		MaxAttempts:       req.MaxAttempts,
		AuthorizationMode: authMode,
		UserID:            userID,
		IPAddress:         ip,
	})
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	httpserver.Respond(w, status, createJobResponse{
		JobID:   res.JobID.String(),
		Status:  string(res.Status),
		Domain:  res.Domain,
		JobType: res.JobType,
	})
}

type jobProjectionResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
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

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job_id")
		return
	}

	p, err := h.orch.GetJobProjection(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, jobProjectionResponse{
		JobID: p.ID.String(), Status: string(p.Status), Domain: p.Domain, JobType: p.JobType,
		Strategy: p.Strategy, Priority: p.Priority, Attempts: p.Attempts, MaxAttempts: p.MaxAttempts,
		CreatedAt: p.CreatedAt, StartedAt: p.StartedAt, CompletedAt: p.CompletedAt, Error: p.Error,
	})
}

// listJobs handles GET /api/v1/jobs (SPEC_FULL.md §C Supplemented Feature 8),
// a cursor-paginated, optionally domain-filtered view over job projections
// ordered newest-first by (created_at, id).
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	domain := r.URL.Query().Get("domain")
	var hasAfter bool
	var afterCreatedAt time.Time
	var afterID uuid.UUID
	if params.After != nil {
		hasAfter = true
		afterCreatedAt = params.After.CreatedAt
		afterID = params.After.ID
	}

	projections, err := h.orch.ListJobs(r.Context(), domain, hasAfter, afterCreatedAt, afterID, params.Limit+1)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	items := make([]jobProjectionResponse, len(projections))
	for i, p := range projections {
		items[i] = jobProjectionResponse{
			JobID: p.ID.String(), Status: string(p.Status), Domain: p.Domain, JobType: p.JobType,
			Strategy: p.Strategy, Priority: p.Priority, Attempts: p.Attempts, MaxAttempts: p.MaxAttempts,
			CreatedAt: p.CreatedAt, StartedAt: p.StartedAt, CompletedAt: p.CompletedAt, Error: p.Error,
		}
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewCursorPage(items, params.Limit, func(j jobProjectionResponse) httpserver.Cursor {
		id, _ := uuid.Parse(j.JobID)
		return httpserver.Cursor{CreatedAt: j.CreatedAt, ID: id}
	}))
}

// cancelJob handles POST /api/v1/jobs/{job_id}/cancel (SPEC_FULL.md §C
// Supplemented Feature 6).
func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job_id")
		return
	}
	if err := h.orch.CancelJob(r.Context(), id); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"job_id": id.String(), "status": "cancelling"})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.QueueStats(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"by_priority":     stats.ByPriority,
		"delayed_count":   stats.DelayedCount,
		"dead_letter_len": stats.DeadLetterLen,
	})
}

// deadLetterList handles GET /api/v1/queue/dead-letter (SPEC_FULL.md §C
// Supplemented Feature 5), paginated with ?page=&page_size= over the
// dead-letter list's insertion order.
func (h *Handler) deadLetterList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	entries, total, err := h.orch.DeadLetterEntries(r.Context(), int64(params.Offset), int64(params.PageSize))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, int(total)))
}

type requeueRequest struct {
	Entry    string `json:"entry" validate:"required"`
	Priority int16  `json:"priority" validate:"gte=0,lte=3"`
}

// deadLetterRequeue handles POST
// /api/v1/queue/dead-letter/{job_id}/requeue. job_id in the path is
// informational (also embedded in Entry); the raw entry string is what
// identifies the dead-letter record to remove.
func (h *Handler) deadLetterRequeue(w http.ResponseWriter, r *http.Request) {
	if _, err := parseJobID(r); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job_id")
		return
	}
	var req requeueRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.orch.RequeueDeadLetter(r.Context(), req.Entry, req.Priority); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "requeued"})
}
