package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/clock"
)

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
}

func TestRegistry(t *testing.T) {
	clk := testClock()
	reg := NewRegistry(false)
	require.NoError(t, reg.Register(NewMockAdapter("mock", clk)))
	require.Error(t, reg.Register(NewMockAdapter("mock", clk)), "duplicate name rejected")

	adapter, err := reg.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", adapter.Name())

	_, err = reg.Get("absent")
	require.Error(t, err)

	statuses := reg.Statuses(ExecutionContext{})
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Configured)
	assert.False(t, statuses[0].Mocked)
}

func TestWebhookAdapterOK(t *testing.T) {
	var got webhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, jsonDecode(r, &got))
		w.Header().Set("X-Delivery-Id", "dlv-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(testClock())
	r := a.Execute(context.Background(), ExecutionContext{
		TickID: "tick-1", Stage: "REMIND_2", ActionID: "remind_webhook",
		Channel: "ops", Content: "reminder", WebhookURL: srv.URL,
	})

	assert.Equal(t, KindOK, r.Kind)
	assert.Equal(t, "dlv-1", r.DeliveryID)
	assert.Equal(t, "remind_webhook", got.ActionID)
	assert.Equal(t, "REMIND_2", got.Stage)
}

func TestWebhookAdapterStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		reason string
	}{
		{http.StatusTooManyRequests, ReasonRateLimited},
		{http.StatusInternalServerError, ReasonTransientError},
		{http.StatusBadRequest, ReasonUpstreamError},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		a := NewWebhookAdapter(testClock())
		r := a.Execute(context.Background(), ExecutionContext{
			ActionID: "a", Content: "x", WebhookURL: srv.URL,
		})
		srv.Close()
		assert.Equal(t, KindFailed, r.Kind, "status %d", tc.status)
		assert.Equal(t, tc.reason, r.Reason, "status %d", tc.status)
	}
}

func TestWebhookAdapterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	a := NewWebhookAdapter(testClock())
	r := a.Execute(ctx, ExecutionContext{ActionID: "a", Content: "x", WebhookURL: srv.URL})
	assert.Equal(t, KindFailed, r.Kind)
	assert.Equal(t, ReasonTimeout, r.Reason)
}

func TestWebhookNotConfigured(t *testing.T) {
	a := NewWebhookAdapter(testClock())
	assert.False(t, a.IsEnabled(ExecutionContext{}))
	ok, reason := a.Validate(ExecutionContext{})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestEmailAdapterRouting(t *testing.T) {
	var sentTo []string
	a := NewEmailAdapter(SMTPConfig{Host: "smtp.local", Port: 587, From: "vigil@local"}, testClock())
	a.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		sentTo = to
		return nil
	}

	ec := ExecutionContext{
		ActionID: "notify_custodians", Channel: "custodian", Content: "body",
		CustodianEmails: []string{"a@x", "b@x"},
	}
	r := a.Execute(context.Background(), ec)
	assert.Equal(t, KindOK, r.Kind)
	assert.Equal(t, []string{"a@x", "b@x"}, sentTo)
}

func TestEmailAdapterFailure(t *testing.T) {
	a := NewEmailAdapter(SMTPConfig{Host: "smtp.local", Port: 587, From: "vigil@local"}, testClock())
	a.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection reset")
	}

	r := a.Execute(context.Background(), ExecutionContext{
		ActionID: "a", Channel: "primary", Content: "x", OperatorEmail: "op@x",
	})
	assert.Equal(t, KindFailed, r.Kind)
	assert.Equal(t, ReasonTransientError, r.Reason)
}

func TestEmailAdapterNoRecipients(t *testing.T) {
	a := NewEmailAdapter(SMTPConfig{Host: "smtp.local", From: "vigil@local"}, testClock())
	ok, reason := a.Validate(ExecutionContext{Channel: "custodian"})
	assert.False(t, ok)
	assert.Contains(t, reason, "no recipients")
}

func TestSitePublishAdapter(t *testing.T) {
	dir := t.TempDir()
	a := NewSitePublishAdapter(dir, testClock())

	r := a.Execute(context.Background(), ExecutionContext{
		Stage: "FULL", ActionID: "publish_site", Content: "# Disclosure\n",
	})
	require.Equal(t, KindOK, r.Kind)

	data, err := os.ReadFile(filepath.Join(dir, "FULL-publish_site.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Disclosure\n", string(data))
}

func TestMirrorAdapter(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "notice.md"), []byte("x"), 0644))

	a := NewMirrorAdapter(src, dst, testClock())
	r := a.Execute(context.Background(), ExecutionContext{ActionID: "mirror_site"})
	require.Equal(t, KindOK, r.Kind)

	_, err := os.Stat(filepath.Join(dst, "notice.md"))
	assert.NoError(t, err)
}

func TestMockAdapterScripting(t *testing.T) {
	a := NewMockAdapter("mock", testClock())
	a.ScriptFailure(ReasonTransientError)

	r := a.Execute(context.Background(), ExecutionContext{ActionID: "a1"})
	assert.Equal(t, KindFailed, r.Kind)
	assert.Equal(t, ReasonTransientError, r.Reason)

	r = a.Execute(context.Background(), ExecutionContext{ActionID: "a1"})
	assert.Equal(t, KindOK, r.Kind)
	assert.Equal(t, 2, a.CallCount())
}

func TestRetryableReason(t *testing.T) {
	assert.True(t, RetryableReason(ReasonTransientError))
	assert.True(t, RetryableReason(ReasonRateLimited))
	assert.True(t, RetryableReason(ReasonTimeout))
	assert.False(t, RetryableReason(ReasonUpstreamError))
	assert.False(t, RetryableReason(ReasonInvalidArgument))
	assert.False(t, RetryableReason(ReasonMockMode))
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
