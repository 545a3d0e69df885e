package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/nightowl/internal/apierr"
	"github.com/wisbric/nightowl/internal/artifact"
	"github.com/wisbric/nightowl/internal/strategy"
	"github.com/wisbric/nightowl/internal/vault"
)

// knownJobTypes lists every job_type the orchestrator can dispatch (spec §3,
// §9 capability-set design note).
var knownJobTypes = map[string]bool{
	"navigate_extract":  true,
	"authenticate":      true,
	"form_submit":       true,
	"file_download":     true,
	"screenshot_capture": true,
	"screenshot_diff":    true,
	"api_intercept":      true,
}

// evasionOnly peeks a payload for its evasion_level without committing to a
// full job-type-specific shape (spec §9: strategy selection is a pure
// function of payload.evasion_level and domain).
type evasionOnly struct {
	EvasionLevel *int     `json:"evasion_level"`
	Capture      []string `json:"capture"`
}

func peekEvasionLevel(raw json.RawMessage) int {
	var e evasionOnly
	if len(raw) == 0 {
		return -1
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.EvasionLevel == nil {
		return -1
	}
	return *e.EvasionLevel
}

func peekCaptureKinds(raw json.RawMessage) []artifact.Kind {
	var e evasionOnly
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	kinds := make([]artifact.Kind, 0, len(e.Capture))
	for _, k := range e.Capture {
		kinds = append(kinds, artifact.Kind(k))
	}
	return kinds
}

type navigateExtractPayload struct {
	Selectors []strategy.SelectorConfig `json:"selectors"`
}

type authenticatePayload struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	UsernameSelector string `json:"username_selector"`
	PasswordSelector string `json:"password_selector"`
	SubmitSelector   string `json:"submit_selector"`
	SuccessIndicator string `json:"success_indicator"`
}

type formFieldPayload struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
	Type     string `json:"type"`
}

type formValidationPayload struct {
	SuccessSelectors []string `json:"success_selectors"`
	ErrorSelectors   []string `json:"error_selectors"`
	ExpectedText     string   `json:"expected_text"`
	MaxWaitSeconds   float64  `json:"max_wait_seconds"`
}

type formSubmitPayload struct {
	Fields         []formFieldPayload    `json:"fields"`
	SubmitSelector string                 `json:"submit_selector"`
	Validation     *formValidationPayload `json:"validation"`
}

type downloadPayload struct {
	Method         string `json:"method"`
	Selector       string `json:"selector"`
	URL            string `json:"url"`
	Filename       string `json:"filename"`
	MinSize        int64  `json:"min_size"`
	MaxSize        int64  `json:"max_size"`
	ExpectedSHA256 string `json:"expected_sha256"`
	VerifyMD5      bool   `json:"verify_md5"`
	ExtractMeta    bool   `json:"extract_meta"`
}

type capturePayload struct {
	FullPage         bool     `json:"full_page"`
	Viewport         bool     `json:"viewport"`
	TriggerSelectors []string `json:"trigger_selectors"`
	BeforeAfter      bool     `json:"before_after"`
	ActionSelector   string   `json:"action_selector"`
}

type diffPayload struct {
	FullPage       bool    `json:"full_page"`
	ActionSelector string  `json:"action_selector"`
	DelaySeconds   float64 `json:"delay_seconds"`
}

type interceptPayload struct {
	TriggerSelector string  `json:"trigger_selector"`
	WaitForSeconds  float64 `json:"wait_for_seconds"`
}

// buildAction decodes job.Payload according to jobType and constructs the
// matching internal/strategy.Action, resolving missing credentials through
// the vault when the job type needs them (spec §9: typed payload views are
// validated at dispatch, not admission).
func (o *Orchestrator) buildAction(ctx context.Context, jobType, domain string, authMode vault.AuthorizationMode, raw json.RawMessage) (strategy.Action, error) {
	switch jobType {
	case "navigate_extract":
		var p navigateExtractPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return &strategy.NavigateExtractAction{Selectors: p.Selectors}, nil

	case "authenticate":
		var p authenticatePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		username, password := p.Username, p.Password
		var err error
		if username == "" {
			username, _, err = o.vault.Resolve(ctx, domain, vault.TypeUsername, authMode, nil)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: resolving username credential: %w", err)
			}
		}
		if password == "" {
			password, _, err = o.vault.Resolve(ctx, domain, vault.TypePassword, authMode, nil)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: resolving password credential: %w", err)
			}
		}
		return &strategy.AuthenticateAction{
			Username: username,
			Password: password,
			Selectors: strategy.AuthSelectors{
				Username: p.UsernameSelector,
				Password: p.PasswordSelector,
				Submit:   p.SubmitSelector,
			},
			SuccessIndicator: p.SuccessIndicator,
			Rdb:              o.rdb,
		}, nil

	case "form_submit":
		var p formSubmitPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		fields := make([]strategy.FormField, 0, len(p.Fields))
		for _, f := range p.Fields {
			fields = append(fields, strategy.FormField{Selector: f.Selector, Value: f.Value, Type: f.Type})
		}
		var validation *strategy.FormValidation
		if p.Validation != nil {
			validation = &strategy.FormValidation{
				SuccessSelectors: p.Validation.SuccessSelectors,
				ErrorSelectors:   p.Validation.ErrorSelectors,
				ExpectedText:     p.Validation.ExpectedText,
				MaxWait:          durationFromSeconds(p.Validation.MaxWaitSeconds, 5*time.Second),
			}
		}
		return &strategy.FormSubmitAction{Fields: fields, SubmitSelector: p.SubmitSelector, Validation: validation}, nil

	case "file_download":
		var p downloadPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return &strategy.FileDownloadAction{
			Config: strategy.DownloadConfig{
				Method:         p.Method,
				Selector:       p.Selector,
				URL:            p.URL,
				Filename:       p.Filename,
				MinSize:        p.MinSize,
				MaxSize:        p.MaxSize,
				ExpectedSHA256: p.ExpectedSHA256,
				VerifyMD5:      p.VerifyMD5,
				ExtractMeta:    p.ExtractMeta,
			},
			ArtifactsRoot: o.artifactsRoot,
			HTTPClient:    &http.Client{Timeout: 2 * time.Minute},
		}, nil

	case "screenshot_capture":
		var p capturePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return &strategy.ScreenshotCaptureAction{
			Config: strategy.CaptureConfig{
				FullPage:         p.FullPage,
				Viewport:         p.Viewport,
				TriggerSelectors: p.TriggerSelectors,
				BeforeAfter:      p.BeforeAfter,
				ActionSelector:   p.ActionSelector,
			},
			ArtifactsRoot: o.artifactsRoot,
		}, nil

	case "screenshot_diff":
		var p diffPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return &strategy.ScreenshotDiffAction{
			Config: strategy.DiffConfig{
				FullPage:       p.FullPage,
				ActionSelector: p.ActionSelector,
				Delay:          durationFromSeconds(p.DelaySeconds, time.Second),
			},
			ArtifactsRoot: o.artifactsRoot,
		}, nil

	case "api_intercept":
		var p interceptPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return &strategy.APIInterceptAction{
			Config: strategy.InterceptConfig{
				TriggerSelector: p.TriggerSelector,
				WaitFor:         durationFromSeconds(p.WaitForSeconds, 3*time.Second),
			},
			ArtifactsRoot: o.artifactsRoot,
		}, nil

	default:
		return nil, &apierr.ValidationError{Message: fmt.Sprintf("unknown job_type %q", jobType)}
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &apierr.ValidationError{Message: fmt.Sprintf("decoding payload: %v", err)}
	}
	return nil
}

func durationFromSeconds(s float64, fallback time.Duration) time.Duration {
	if s <= 0 {
		return fallback
	}
	return time.Duration(s * float64(time.Second))
}
