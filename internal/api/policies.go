package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/policy"
)

// policyRequest is the POST/PUT /api/v1/policies body (domain policy CRUD,
// SPEC_FULL.md §C Supplemented Feature 4). These endpoints are gated by the
// same X-API-Key as the rest of /api/v1 — there is no separate admin role
// in this system (DESIGN.md: the teacher's multi-tenant RBAC was dropped).
type policyRequest struct {
	Domain             string   `json:"domain" validate:"required"`
	Allowed            bool     `json:"allowed"`
	Denied             bool     `json:"denied"`
	RateLimitPerMinute *int     `json:"rate_limit_per_minute"`
	RateLimitPerHour   *int     `json:"rate_limit_per_hour"`
	MaxConcurrentJobs  *int     `json:"max_concurrent_jobs"`
	AllowedStrategies  []string `json:"allowed_strategies"`
	Notes              string   `json:"notes"`
}

type policyResponse struct {
	Domain             string   `json:"domain"`
	Allowed            bool     `json:"allowed"`
	Denied             bool     `json:"denied"`
	RateLimitPerMinute *int     `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   *int     `json:"rate_limit_per_hour,omitempty"`
	MaxConcurrentJobs  *int     `json:"max_concurrent_jobs,omitempty"`
	AllowedStrategies  []string `json:"allowed_strategies,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

func toPolicyResponse(p policy.DomainPolicy) policyResponse {
	return policyResponse{
		Domain: p.Domain, Allowed: p.Allowed, Denied: p.Denied,
		RateLimitPerMinute: p.RateLimitPerMinute, RateLimitPerHour: p.RateLimitPerHour,
		MaxConcurrentJobs: p.MaxConcurrentJobs, AllowedStrategies: p.AllowedStrategies, Notes: p.Notes,
	}
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.enforcer.ListPolicies(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	out := make([]policyResponse, len(policies))
	for i, p := range policies {
		out[i] = toPolicyResponse(p)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"policies": out})
}

func (h *Handler) upsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.saveAndRespond(w, r, req)
}

// upsertPolicyForDomain handles PUT /api/v1/policies/{domain}, where the
// path segment is authoritative over any domain field in the body.
func (h *Handler) upsertPolicyForDomain(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.Domain = chi.URLParam(r, "domain")
	h.saveAndRespond(w, r, req)
}

func (h *Handler) saveAndRespond(w http.ResponseWriter, r *http.Request, req policyRequest) {
	p := policy.DomainPolicy{
		Domain: req.Domain, Allowed: req.Allowed, Denied: req.Denied,
		RateLimitPerMinute: req.RateLimitPerMinute, RateLimitPerHour: req.RateLimitPerHour,
		MaxConcurrentJobs: req.MaxConcurrentJobs, AllowedStrategies: req.AllowedStrategies, Notes: req.Notes,
	}
	if !req.Allowed && !req.Denied {
		p.Allowed = true // a policy with neither flag set defaults to allowed, matching the fully-open default
	}
	if err := h.enforcer.UpsertPolicy(r.Context(), p); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, toPolicyResponse(p))
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	p, err := h.enforcer.GetPolicy(r.Context(), domain)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	if p == nil {
		writeErr(w, h.logger, &apierr.NotFoundError{Message: "no policy configured for " + domain})
		return
	}
	httpserver.Respond(w, http.StatusOK, toPolicyResponse(*p))
}
