package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/actions"
	"vigil/internal/adapters"
	"vigil/internal/audit"
	"vigil/internal/clock"
	"vigil/internal/engine"
	"vigil/internal/policy"
	"vigil/internal/release"
	"vigil/internal/reliability"
	"vigil/internal/state"
)

const serverPolicy = `version: 1
states:
  - {name: OK, order: 0, outward_ok: false}
  - {name: REMIND_1, order: 1, outward_ok: false}
  - {name: FULL, order: 2, outward_ok: true}
constants:
  remind_1_at_minutes: 360
  max_failed_attempts: 3
rules:
  - id: remind-1
    enabled: true
    when: {time.time_to_deadline_minutes_lte: $remind_1_at_minutes}
    then: {set_state: REMIND_1}
plans:
  REMIND_1:
    - {id: remind_email, adapter: mock, channel: primary, template: notice}
`

func newTestRouter(t *testing.T) (*gin.Engine, *clock.Fake) {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(serverPolicy), 0644))
	tplDir := filepath.Join(dir, "templates")
	require.NoError(t, os.Mkdir(tplDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "notice.md"), []byte("hello"), 0644))

	store := state.NewFileStore(filepath.Join(dir, "state.json"))
	doc := state.New("p1", "OK", now, now.Add(24*time.Hour))
	require.NoError(t, store.Acquire(context.Background()))
	require.NoError(t, store.Save(doc, now))
	require.NoError(t, store.Release())

	ledger := audit.NewLedger(filepath.Join(dir, "ledger.jsonl"))
	reg := adapters.NewRegistry(false)
	require.NoError(t, reg.Register(adapters.NewMockAdapter("mock", clk)))

	resolver, err := actions.NewResolver(tplDir)
	require.NoError(t, err)
	breakers := reliability.NewBreakerManager(reliability.DefaultBreakerConfig(), clk)
	exec := actions.NewExecutor(reg, breakers, resolver, ledger, clk)

	loader := policy.NewLoader(nil)
	orch := engine.NewOrchestrator(store, ledger, loader, policyPath, exec, clk)
	rel := release.NewService(store, ledger, clk, release.Secrets{
		RenewalSecret: "renew-secret",
		ReleaseSecret: "release-secret",
	}, func() (*policy.Snapshot, error) { return loader.LoadFile(policyPath) })

	srv := New(Config{Addr: ":0"}, orch, rel, store, reg, breakers, nil, clk)
	return srv.Router(), clk
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Stage)
	assert.Equal(t, 24*60, resp.TimeToDeadline)
	assert.False(t, resp.ReleasePending)
	require.Len(t, resp.Adapters, 1)
	assert.Equal(t, "mock", resp.Adapters[0].Name)
}

func TestManualTick(t *testing.T) {
	r, clk := newTestRouter(t)

	clk.Advance(19 * time.Hour)
	w := doJSON(t, r, http.MethodPost, "/api/tick", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report engine.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "REMIND_1", report.Stage)
	assert.Len(t, report.Receipts, 1)
}

func TestRenewEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/renew", gin.H{"secret": "renew-secret", "ttl_hours": 48})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/renew", gin.H{"secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/renew", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReleaseFlow(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/release", gin.H{
		"secret":        "release-secret",
		"target_stage":  "FULL",
		"delay_minutes": 30,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res release.TriggerResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "FULL", res.TargetStage)
	assert.NotEmpty(t, res.Nonce)

	status := doJSON(t, r, http.MethodGet, "/api/status", nil)
	var sr statusResponse
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &sr))
	assert.True(t, sr.ReleasePending)
	assert.Equal(t, "FULL", sr.ReleaseTarget)

	w = doJSON(t, r, http.MethodDelete, "/api/release", gin.H{"secret": "release-secret"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/release", gin.H{"secret": "release-secret"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "nothing pending after cancel")
}

func TestLockoutStatusCode(t *testing.T) {
	r, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/renew", gin.H{"secret": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/api/renew", gin.H{"secret": "renew-secret"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimit(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	dir := t.TempDir()

	store := state.NewFileStore(filepath.Join(dir, "state.json"))
	doc := state.New("p1", "OK", now, now.Add(24*time.Hour))
	require.NoError(t, store.Acquire(context.Background()))
	require.NoError(t, store.Save(doc, now))
	require.NoError(t, store.Release())

	loader := policy.NewLoader(nil)
	rel := release.NewService(store, nil, clk, release.Secrets{RenewalSecret: "s"},
		func() (*policy.Snapshot, error) { return loader.Load([]byte(serverPolicy)) })

	srv := New(Config{
		RateLimit: RateLimitConfig{RequestsPerMinute: 1, Burst: 2},
	}, nil, rel, store, adapters.NewRegistry(false), nil, nil, clk)
	r := srv.Router()

	codes := []int{}
	for i := 0; i < 3; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/renew", gin.H{"secret": "s"})
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}
