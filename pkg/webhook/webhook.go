// Package webhook implements the Workflow Executor's outbound notification
// fan-out (spec §4.11, §6.4): a generic POST-JSON webhook sender plus an
// optional Slack delivery, both best-effort — a delivery failure is logged
// and reported back to the caller but never fails the workflow that
// triggered it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/wisbric/nightowl/internal/telemetry"
)

// DefaultTimeout matches the spec's 10s webhook delivery timeout.
const DefaultTimeout = 10 * time.Second

// Sender delivers workflow result payloads to a webhook URL and, optionally,
// to a Slack channel.
type Sender struct {
	httpClient *http.Client
	slack      *goslack.Client
	logger     *slog.Logger
}

// NewSender creates a Sender. botToken may be empty, in which case Slack
// delivery is a no-op (IsSlackEnabled reports false).
func NewSender(botToken string, timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Sender{
		httpClient: &http.Client{Timeout: timeout},
		slack:      client,
		logger:     logger,
	}
}

// IsSlackEnabled reports whether a Slack bot token was configured.
func (s *Sender) IsSlackEnabled() bool {
	return s.slack != nil
}

// Result reports the outcome of one webhook delivery attempt.
type Result struct {
	Delivered  bool
	StatusCode int
	Error      string
}

// PostJSON POSTs payload as JSON to url with DefaultTimeout, never returning
// an error to the caller — delivery failures are logged and carried in the
// returned Result (spec §4.11: "failures are logged and returned but never
// fail the workflow").
func (s *Sender) PostJSON(ctx context.Context, url string, payload any) Result {
	if url == "" {
		return Result{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshaling webhook payload", "error", err, "url", url)
		telemetry.WebhooksSentTotal.WithLabelValues("marshal_error").Inc()
		return Result{Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("building webhook request", "error", err, "url", url)
		telemetry.WebhooksSentTotal.WithLabelValues("request_error").Inc()
		return Result{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", "error", err, "url", url)
		telemetry.WebhooksSentTotal.WithLabelValues("transport_error").Inc()
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook delivery rejected", "status", resp.StatusCode, "url", url)
		telemetry.WebhooksSentTotal.WithLabelValues("rejected").Inc()
		return Result{StatusCode: resp.StatusCode, Error: fmt.Sprintf("webhook returned status %d", resp.StatusCode)}
	}

	telemetry.WebhooksSentTotal.WithLabelValues("delivered").Inc()
	return Result{Delivered: true, StatusCode: resp.StatusCode}
}

// PostSlack sends text to a Slack channel, a no-op if Slack isn't
// configured. Used as an optional fan-out alongside the bare webhook POST
// when a workflow run's input names a slack_channel (SPEC_FULL.md §C
// Supplemented Feature 7).
func (s *Sender) PostSlack(ctx context.Context, channel, text string) Result {
	if !s.IsSlackEnabled() || channel == "" {
		return Result{}
	}
	_, _, err := s.slack.PostMessageContext(ctx, channel, goslack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn("slack delivery failed", "error", err, "channel", channel)
		telemetry.WebhooksSentTotal.WithLabelValues("slack_error").Inc()
		return Result{Error: err.Error()}
	}
	telemetry.WebhooksSentTotal.WithLabelValues("slack_delivered").Inc()
	return Result{Delivered: true}
}
