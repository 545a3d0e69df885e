package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/httpserver"
)

type templateSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	templates := h.workflow.List()
	out := make([]templateSummary, len(templates))
	for i, t := range templates {
		out[i] = templateSummary{Name: t.Name, DisplayName: t.DisplayName, Description: t.Description}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workflows": out})
}

type templateDefinition struct {
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"display_name"`
	Description  string                 `json:"description"`
	JobType      string                 `json:"job_type"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema"`
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := h.workflow.Get(name)
	if !ok {
		writeErr(w, h.logger, &apierr.NotFoundError{Message: "workflow " + name + " not found"})
		return
	}
	httpserver.Respond(w, http.StatusOK, templateDefinition{
		Name: t.Name, DisplayName: t.DisplayName, Description: t.Description, JobType: t.JobType,
		InputSchema:  fieldsToMap(t.InputSchema),
		OutputSchema: fieldsToMap(t.OutputSchema),
	})
}

func fieldsToMap[T any](m map[string]T) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type runWorkflowResponse struct {
	WorkflowName string    `json:"workflow_name"`
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// runWorkflow handles POST /api/v1/workflows/{name}/run. The request body is
// the workflow's arbitrary input map, validated against the template's own
// input_schema rather than a fixed struct (spec §6.1: "body is a workflow
// input").
func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var input map[string]any
	if err := httpserver.Decode(r, &input); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	authMode, _ := input["authorization_mode"].(string)
	if authMode == "" {
		authMode = "public"
	}
	userID, ip := clientContext(r)

	run, err := h.workflow.Submit(r.Context(), name, input, authMode, userID, ip)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	job, err := h.orch.GetJobProjection(r.Context(), run.JobID)
	status := "pending"
	if err == nil {
		status = string(job.Status)
	}

	httpserver.Respond(w, http.StatusCreated, runWorkflowResponse{
		WorkflowName: run.WorkflowName, JobID: run.JobID.String(), Status: status, CreatedAt: run.CreatedAt,
	})
}
