package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"vigil/internal/clock"
	"vigil/internal/logging"
)

// WebhookAdapter POSTs a JSON envelope to the routed webhook URL.
type WebhookAdapter struct {
	client *http.Client
	clock  clock.Clock
	logger logging.Logger
}

// NewWebhookAdapter creates the webhook adapter. The per-call timeout is
// enforced by the executor's context, not by the client.
func NewWebhookAdapter(clk clock.Clock) *WebhookAdapter {
	return &WebhookAdapter{
		client: &http.Client{},
		clock:  clk,
		logger: logging.NewComponentLogger("WebhookAdapter"),
	}
}

func (a *WebhookAdapter) Name() string { return "webhook" }

func (a *WebhookAdapter) IsEnabled(ec ExecutionContext) bool {
	return ec.WebhookURL != ""
}

func (a *WebhookAdapter) Validate(ec ExecutionContext) (bool, string) {
	if ec.WebhookURL == "" {
		return false, "no webhook url routed"
	}
	if ec.Content == "" {
		return false, "empty content"
	}
	return true, ""
}

type webhookEnvelope struct {
	TickID   string `json:"tick_id"`
	Stage    string `json:"stage"`
	ActionID string `json:"action_id"`
	Channel  string `json:"channel"`
	Subject  string `json:"subject,omitempty"`
	Content  string `json:"content"`
}

func (a *WebhookAdapter) Execute(ctx context.Context, ec ExecutionContext) Receipt {
	now := a.clock.Now()

	body, err := json.Marshal(webhookEnvelope{
		TickID:   ec.TickID,
		Stage:    ec.Stage,
		ActionID: ec.ActionID,
		Channel:  ec.Channel,
		Subject:  ec.Subject,
		Content:  ec.Content,
	})
	if err != nil {
		return FailedReceipt(a.Name(), ec, ReasonInvalidArgument, err.Error(), now)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ec.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return FailedReceipt(a.Name(), ec, ReasonInvalidArgument, err.Error(), now)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		reason := classifyError(err)
		a.logger.Warn("Webhook delivery failed for %s: %v", ec.ActionID, err)
		return FailedReceipt(a.Name(), ec, reason, err.Error(), a.clock.Now())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if reason, failed := classifyHTTPStatus(resp.StatusCode); failed {
		msg := fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		a.logger.Warn("%s (action=%s)", msg, ec.ActionID)
		return FailedReceipt(a.Name(), ec, reason, msg, a.clock.Now())
	}

	deliveryID := resp.Header.Get("X-Delivery-Id")
	return OKReceipt(a.Name(), ec, deliveryID, a.clock.Now())
}
