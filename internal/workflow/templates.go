package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/strategy"
)

// FieldSpec describes one input_schema field a workflow template accepts
// (spec §4.11 input_schema).
type FieldSpec struct {
	Required    bool   `json:"required"`
	Type        string `json:"type"` // string | bool | number | array | object
	Description string `json:"description,omitempty"`
}

// Template is a built-in workflow definition: an input schema, the job it
// expands into, and a post-processing step producing a domain-specific
// output plus an optional webhook (spec §4.11, Glossary "Workflow template").
type Template struct {
	Name            string
	DisplayName     string
	Description     string
	InputSchema     map[string]FieldSpec
	OutputSchema    map[string]FieldSpec
	JobType         string
	DefaultStrategy string

	// BuildPayload translates validated workflow input into the underlying
	// job's payload.
	BuildPayload func(input map[string]any) (map[string]any, error)

	// PostProcess interprets the finished job's result Details into the
	// workflow's output shape and reports whether an alert should fire
	// (spec §4.11 per-template semantics, §6.4 webhook payloads).
	PostProcess func(input map[string]any, details map[string]any, jobErr string) (output map[string]any, alert bool)
}

func validateInput(t *Template, input map[string]any) error {
	for name, spec := range t.InputSchema {
		if !spec.Required {
			continue
		}
		v, ok := input[name]
		if !ok || v == nil {
			return &apierr.ValidationError{Message: fmt.Sprintf("workflow %q: missing required input %q", t.Name, name)}
		}
	}
	return nil
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func boolField(input map[string]any, key string) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return false
}

func stringSliceField(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapField(input map[string]any, key string) map[string]string {
	raw, ok := input[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func numberField(input map[string]any, key string, fallback float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func extractedOf(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	extracted, _ := details["extracted"].(map[string]any)
	return extracted
}

// sha256Hex hashes content the same way the artifact capturer hashes
// capture bytes, so a baseline produced by one matches the other.
func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders extracted content deterministically before hashing,
// since map key order in Go's JSON encoding is already sorted but the
// extraction values themselves may be slices order-sensitive to selector
// declaration order, not map iteration.
func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// pageChangeDetection is the "page_change_detection" built-in template
// (spec §4.11): extracts selectors, hashes the result, compares against an
// optional baseline, and alerts on change.
var pageChangeDetection = &Template{
	Name:            "page_change_detection",
	DisplayName:     "Page Change Detection",
	Description:     "Extracts selector content from a page and alerts when it differs from a baseline hash.",
	JobType:         "navigate_extract",
	DefaultStrategy: "vanilla",
	InputSchema: map[string]FieldSpec{
		"url":              {Required: true, Type: "string"},
		"domain":           {Required: true, Type: "string"},
		"selectors":        {Required: true, Type: "array"},
		"baseline_content": {Required: false, Type: "string", Description: "SHA-256 hash of the previously extracted content"},
		"alert_on_change":  {Required: false, Type: "bool"},
		"webhook_url":      {Required: false, Type: "string"},
		"strategy":         {Required: false, Type: "string"},
	},
	OutputSchema: map[string]FieldSpec{
		"changed":       {Type: "bool"},
		"current_hash":  {Type: "string"},
		"baseline_hash": {Type: "string"},
		"diff_summary":  {Type: "string"},
	},
	BuildPayload: func(input map[string]any) (map[string]any, error) {
		selectors := stringSliceField(input, "selectors")
		if len(selectors) == 0 {
			return nil, &apierr.ValidationError{Message: "page_change_detection: selectors must be a non-empty array"}
		}
		cfgs := make([]strategy.SelectorConfig, len(selectors))
		for i, s := range selectors {
			cfgs[i] = strategy.SelectorConfig{Selector: s, Attribute: "text"}
		}
		return map[string]any{
			"selectors": cfgs,
			"capture":   []string{"dom", "viewport_png"},
		}, nil
	},
	PostProcess: func(input map[string]any, details map[string]any, jobErr string) (map[string]any, bool) {
		extracted := extractedOf(details)
		currentHash := sha256Hex(canonicalJSON(extracted))
		baseline := stringField(input, "baseline_content")

		changed := baseline != "" && baseline != currentHash
		diffSummary := "no baseline provided; nothing to compare"
		switch {
		case baseline == "":
			diffSummary = "first observation recorded as baseline"
		case changed:
			diffSummary = "extracted content hash differs from baseline"
		default:
			diffSummary = "extracted content matches baseline"
		}

		output := map[string]any{
			"changed":       changed,
			"current_hash":  currentHash,
			"baseline_hash": baseline,
			"diff_summary":  diffSummary,
		}
		alert := changed && boolField(input, "alert_on_change")
		return output, alert
	},
}

// jobPostingMonitor is the "job_posting_monitor" built-in template (spec
// §4.11): extracts named fields, filters by keyword, alerts on new
// postings.
var jobPostingMonitor = &Template{
	Name:            "job_posting_monitor",
	DisplayName:     "Job Posting Monitor",
	Description:     "Extracts job postings from a careers page and alerts on newly seen postings.",
	JobType:         "navigate_extract",
	DefaultStrategy: "vanilla",
	InputSchema: map[string]FieldSpec{
		"url":             {Required: true, Type: "string"},
		"domain":          {Required: true, Type: "string"},
		"extract_fields":  {Required: true, Type: "object", Description: "map of field name to CSS selector"},
		"alert_on_new":    {Required: false, Type: "bool"},
		"filter_keywords": {Required: false, Type: "array"},
		"webhook_url":     {Required: false, Type: "string"},
		"strategy":        {Required: false, Type: "string"},
	},
	OutputSchema: map[string]FieldSpec{
		"posting_count": {Type: "number"},
		"new_postings":  {Type: "number"},
		"postings":      {Type: "array"},
	},
	BuildPayload: func(input map[string]any) (map[string]any, error) {
		fields := stringMapField(input, "extract_fields")
		if len(fields) == 0 {
			return nil, &apierr.ValidationError{Message: "job_posting_monitor: extract_fields must be a non-empty object"}
		}
		cfgs := make([]strategy.SelectorConfig, 0, len(fields))
		for _, selector := range fields {
			cfgs = append(cfgs, strategy.SelectorConfig{Selector: selector, Attribute: "text", Multiple: true})
		}
		return map[string]any{"selectors": cfgs}, nil
	},
	PostProcess: func(input map[string]any, details map[string]any, jobErr string) (map[string]any, bool) {
		fields := stringMapField(input, "extract_fields")
		extracted := extractedOf(details)
		keywords := stringSliceField(input, "filter_keywords")

		postings := make([]map[string]any, 0)
		// extracted is keyed by selector (strategy.NavigateExtractAction
		// writes one entry per selector); re-key by field name here so the
		// workflow output speaks the caller's vocabulary.
		bySelector := map[string][]string{}
		maxLen := 0
		for _, selector := range fields {
			values, _ := extracted[selector].([]any)
			strs := make([]string, 0, len(values))
			for _, v := range values {
				if s, ok := v.(string); ok {
					strs = append(strs, s)
				}
			}
			bySelector[selector] = strs
			if len(strs) > maxLen {
				maxLen = len(strs)
			}
		}
		for i := 0; i < maxLen; i++ {
			posting := map[string]any{}
			matched := len(keywords) == 0
			for field, selector := range fields {
				vals := bySelector[selector]
				if i < len(vals) {
					posting[field] = vals[i]
					if !matched {
						for _, kw := range keywords {
							if kw != "" && strings.Contains(strings.ToLower(vals[i]), strings.ToLower(kw)) {
								matched = true
								break
							}
						}
					}
				}
			}
			if matched {
				postings = append(postings, posting)
			}
		}

		newCount := len(postings) // without a durable "seen" store this run treats every match as new
		top := postings
		if len(top) > 10 {
			top = top[:10]
		}
		output := map[string]any{
			"posting_count": len(postings),
			"new_postings":  newCount,
			"postings":      top,
		}
		alert := newCount > 0 && boolField(input, "alert_on_new")
		return output, alert
	},
}

// uptimeSmokeCheck is the "uptime_smoke_check" built-in template (spec
// §4.11): verifies required selectors are present and the page loaded
// within a bound, alerting on failure.
var uptimeSmokeCheck = &Template{
	Name:            "uptime_smoke_check",
	DisplayName:     "Uptime Smoke Check",
	Description:     "Navigates to a page and verifies required elements render within a load-time bound.",
	JobType:         "navigate_extract",
	DefaultStrategy: "vanilla",
	InputSchema: map[string]FieldSpec{
		"url":                {Required: true, Type: "string"},
		"domain":             {Required: true, Type: "string"},
		"required_selectors": {Required: true, Type: "array"},
		"screenshot":         {Required: false, Type: "bool"},
		"verify_load_time":   {Required: false, Type: "bool"},
		"max_load_time_ms":   {Required: false, Type: "number"},
		"webhook_url":        {Required: false, Type: "string"},
		"strategy":           {Required: false, Type: "string"},
	},
	OutputSchema: map[string]FieldSpec{
		"status":                {Type: "string"},
		"load_time_ms":          {Type: "number"},
		"selectors_found":       {Type: "array"},
		"all_selectors_present": {Type: "bool"},
	},
	BuildPayload: func(input map[string]any) (map[string]any, error) {
		selectors := stringSliceField(input, "required_selectors")
		if len(selectors) == 0 {
			return nil, &apierr.ValidationError{Message: "uptime_smoke_check: required_selectors must be a non-empty array"}
		}
		cfgs := make([]strategy.SelectorConfig, len(selectors))
		for i, s := range selectors {
			cfgs[i] = strategy.SelectorConfig{Selector: s, Attribute: "text"}
		}
		payload := map[string]any{"selectors": cfgs}
		if boolField(input, "screenshot") {
			payload["capture"] = []string{"viewport_png"}
		}
		return payload, nil
	},
	PostProcess: func(input map[string]any, details map[string]any, jobErr string) (map[string]any, bool) {
		extracted := extractedOf(details)
		selectors := stringSliceField(input, "required_selectors")
		found := make([]string, 0, len(selectors))
		for _, s := range selectors {
			if v, ok := extracted[s]; ok && v != "" && v != nil {
				found = append(found, s)
			}
		}
		allPresent := len(found) == len(selectors)

		loadTimeMS := numberField(details, "duration_ms", 0)
		maxLoadTime := numberField(input, "max_load_time_ms", 0)
		loadTimeOK := maxLoadTime <= 0 || !boolField(input, "verify_load_time") || loadTimeMS <= maxLoadTime

		status := "pass"
		if jobErr != "" || !allPresent || !loadTimeOK {
			status = "fail"
		}

		output := map[string]any{
			"status":                status,
			"load_time_ms":          loadTimeMS,
			"selectors_found":       found,
			"all_selectors_present": allPresent,
		}
		alert := status == "fail"
		return output, alert
	},
}

// Registry lists every built-in workflow template by name (spec §4.11).
var Registry = map[string]*Template{
	pageChangeDetection.Name: pageChangeDetection,
	jobPostingMonitor.Name:   jobPostingMonitor,
	uptimeSmokeCheck.Name:    uptimeSmokeCheck,
}

// templateOrder fixes a stable display order rather than Go's randomized
// map iteration.
var templateOrder = []*Template{pageChangeDetection, jobPostingMonitor, uptimeSmokeCheck}

// List returns all registered templates, for GET /api/v1/workflows.
func List() []*Template {
	out := make([]*Template, len(templateOrder))
	copy(out, templateOrder)
	return out
}

// Get looks up a template by name.
func Get(name string) (*Template, bool) {
	t, ok := Registry[name]
	return t, ok
}
