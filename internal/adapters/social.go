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

// SocialConfig configures the social-post adapter. An empty endpoint
// leaves the adapter not configured.
type SocialConfig struct {
	Endpoint string
	Token    string
}

// SocialAdapter posts disclosure notices to a configured social bridge
// endpoint. The engine does not know the upstream network; the bridge
// owns the concrete wire details.
type SocialAdapter struct {
	cfg    SocialConfig
	client *http.Client
	clock  clock.Clock
	logger logging.Logger
}

// NewSocialAdapter creates the social-post adapter.
func NewSocialAdapter(cfg SocialConfig, clk clock.Clock) *SocialAdapter {
	return &SocialAdapter{
		cfg:    cfg,
		client: &http.Client{},
		clock:  clk,
		logger: logging.NewComponentLogger("SocialAdapter"),
	}
}

func (a *SocialAdapter) Name() string { return "social" }

func (a *SocialAdapter) IsEnabled(ExecutionContext) bool {
	return a.cfg.Endpoint != ""
}

func (a *SocialAdapter) Validate(ec ExecutionContext) (bool, string) {
	if ec.Content == "" {
		return false, "empty content"
	}
	return true, ""
}

func (a *SocialAdapter) Execute(ctx context.Context, ec ExecutionContext) Receipt {
	now := a.clock.Now()

	body, err := json.Marshal(map[string]string{
		"channel": ec.Channel,
		"text":    ec.Content,
	})
	if err != nil {
		return FailedReceipt(a.Name(), ec, ReasonInvalidArgument, err.Error(), now)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return FailedReceipt(a.Name(), ec, ReasonInvalidArgument, err.Error(), now)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("Social post failed for %s: %v", ec.ActionID, err)
		return FailedReceipt(a.Name(), ec, classifyError(err), err.Error(), a.clock.Now())
	}
	defer resp.Body.Close()

	if reason, failed := classifyHTTPStatus(resp.StatusCode); failed {
		msg := fmt.Sprintf("social bridge returned status %d", resp.StatusCode)
		return FailedReceipt(a.Name(), ec, reason, msg, a.clock.Now())
	}

	var posted struct {
		ID string `json:"id"`
	}
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		_ = json.Unmarshal(data, &posted)
	}
	return OKReceipt(a.Name(), ec, posted.ID, a.clock.Now())
}
