// Package server exposes the operator HTTP surface: status, manual
// ticks and the secret-bearing renewal and release commands.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"vigil/internal/adapters"
	"vigil/internal/clock"
	"vigil/internal/engine"
	"vigil/internal/logging"
	"vigil/internal/release"
	"vigil/internal/reliability"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// Config configures the HTTP server.
type Config struct {
	Addr           string
	MetricsEnabled bool
	RateLimit      RateLimitConfig
}

// Server wires the HTTP surface over the engine components.
type Server struct {
	config   Config
	orch     *engine.Orchestrator
	rel      *release.Service
	store    state.Store
	registry *adapters.Registry
	breakers *reliability.BreakerManager
	metrics  http.Handler
	clock    clock.Clock
	logger   logging.Logger
	http     *http.Server
}

// New creates the server. metricsHandler may be nil when metrics are
// disabled.
func New(cfg Config, orch *engine.Orchestrator, rel *release.Service, store state.Store, registry *adapters.Registry, breakers *reliability.BreakerManager, metricsHandler http.Handler, clk clock.Clock) *Server {
	return &Server{
		config:   cfg,
		orch:     orch,
		rel:      rel,
		store:    store,
		registry: registry,
		breakers: breakers,
		metrics:  metricsHandler,
		clock:    clk,
		logger:   logging.NewComponentLogger("HTTPServer"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/tick", s.handleTick)

	limited := api.Group("", rateLimitMiddleware(s.config.RateLimit))
	limited.POST("/renew", s.handleRenew)
	limited.POST("/release", s.handleRelease)
	limited.DELETE("/release", s.handleCancelRelease)

	if s.config.MetricsEnabled && s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// Start serves until ctx is done, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{Addr: s.config.Addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on %s", s.config.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusResponse is the operator-facing view of the document.
type statusResponse struct {
	ProjectID       string            `json:"project_id"`
	Stage           string            `json:"stage"`
	StageEnteredAt  time.Time         `json:"stage_entered_at"`
	Deadline        time.Time         `json:"deadline"`
	TimeToDeadline  int               `json:"time_to_deadline_minutes"`
	OverdueMinutes  int               `json:"overdue_minutes"`
	LastRenewalAt   time.Time         `json:"last_renewal_at"`
	FailedAttempts  int               `json:"failed_attempts"`
	ReleasePending  bool              `json:"release_pending"`
	ReleaseTarget   string            `json:"release_target,omitempty"`
	ReleaseDue      *time.Time        `json:"release_due,omitempty"`
	RetryQueueDepth int               `json:"retry_queue_depth"`
	Adapters        []adapters.Status `json:"adapters"`
	Breakers        map[string]string `json:"breakers,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	if err := s.store.Acquire(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	doc, err := s.store.Load()
	s.store.Release()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := s.clock.Now()
	tf := rules.EvaluateTime(doc, now)

	resp := statusResponse{
		ProjectID:       doc.Meta.ProjectID,
		Stage:           doc.Escalation.Stage,
		StageEnteredAt:  doc.Escalation.StageEnteredAt,
		Deadline:        doc.Timer.Deadline,
		TimeToDeadline:  tf.TimeToDeadline,
		OverdueMinutes:  tf.Overdue,
		LastRenewalAt:   doc.Renewal.LastRenewalAt,
		FailedAttempts:  doc.Renewal.FailedAttempts,
		ReleasePending:  doc.Release.Triggered,
		ReleaseTarget:   doc.Release.TargetStage,
		RetryQueueDepth: len(doc.RetryQueue),
		Adapters: s.registry.Statuses(adapters.ExecutionContext{
			OperatorEmail:   doc.Routing.OperatorEmail,
			CustodianEmails: doc.Routing.CustodianEmails,
			SubscriberList:  doc.Routing.SubscriberList,
			WebhookURL:      doc.Routing.WebhookURL,
		}),
	}
	if doc.Release.Triggered {
		resp.ReleaseDue = doc.Release.ExecuteAfter
	}
	if s.breakers != nil {
		resp.Breakers = map[string]string{}
		for name, st := range s.breakers.States() {
			resp.Breakers[name] = st.String()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTick(c *gin.Context) {
	report, err := s.orch.Tick(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

type renewRequest struct {
	Secret   string `json:"secret" binding:"required"`
	TTLHours int    `json:"ttl_hours"`
}

func (s *Server) handleRenew(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.rel.Renew(c.Request.Context(), req.Secret, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type releaseRequest struct {
	Secret       string `json:"secret" binding:"required"`
	TargetStage  string `json:"target_stage"`
	DelayMinutes int    `json:"delay_minutes"`
	Scope        string `json:"scope"`
}

func (s *Server) handleRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.rel.Trigger(c.Request.Context(), release.TriggerRequest{
		Secret:       req.Secret,
		TargetStage:  req.TargetStage,
		DelayMinutes: req.DelayMinutes,
		Scope:        req.Scope,
	})
	if err != nil {
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type cancelRequest struct {
	Secret string `json:"secret" binding:"required"`
}

func (s *Server) handleCancelRelease(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.rel.Cancel(c.Request.Context(), req.Secret); err != nil {
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, release.ErrBadSecret):
		return http.StatusUnauthorized
	case errors.Is(err, release.ErrLockedOut):
		return http.StatusForbidden
	case errors.Is(err, release.ErrInvalidTarget), errors.Is(err, release.ErrNotTriggered):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
