// Package server is the thin HTTP surface over the settlement pipeline:
// parameter parsing, authorization hand-off and status mapping only. All
// invariants live in the orchestrators underneath.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/h10086733/xlayer-402/internal/errs"
	"github.com/h10086733/xlayer-402/internal/metrics"
	"github.com/h10086733/xlayer-402/internal/settlement"
)

// Authorizer is the external template-permission check. The pipeline trusts
// its decision unconditionally.
type Authorizer interface {
	Authorize(ctx context.Context, req settlement.Request) (bool, error)
}

// AllowAll authorizes every request; used when no external authorizer is
// configured.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, req settlement.Request) (bool, error) {
	return true, nil
}

// Pinger reports backing-store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP routes to the pipeline.
type Server struct {
	pipeline   *settlement.Orchestrator
	authorizer Authorizer
	pinger     Pinger
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	log        *zap.Logger
}

// Config assembles a Server.
type Config struct {
	Pipeline   *settlement.Orchestrator
	Authorizer Authorizer
	Pinger     Pinger
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Logger     *zap.Logger
}

// New creates the HTTP server layer.
func New(cfg Config) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		pipeline:   cfg.Pipeline,
		authorizer: cfg.Authorizer,
		pinger:     cfg.Pinger,
		metrics:    cfg.Metrics,
		registry:   cfg.Registry,
		log:        cfg.Logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.POST("/verify", s.handleVerify)
	router.GET("/progress/:templateId", s.handleProgress)
	router.GET("/records/:address", s.handleRecords)
	router.GET("/healthz", s.handleHealth)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	return router
}

// observe records request latency and logs each request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.RequestDuration.
				WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
				Observe(elapsed.Seconds())
		}
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed))
	}
}

func (s *Server) handleVerify(c *gin.Context) {
	var req settlement.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Nonce == "" || req.FromAddress == "" || req.TemplateID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nonce, from_address and template_id are required"})
		return
	}

	allowed, err := s.authorizer.Authorize(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "authorization check failed"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "payment authorization denied"})
		return
	}

	outcome, err := s.pipeline.Settle(c.Request.Context(), req)
	if err != nil {
		s.recordOutcome("failed:" + string(errs.KindOf(err)))
		s.renderError(c, err)
		return
	}

	s.recordOutcome("settled")
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) handleProgress(c *gin.Context) {
	progress, err := s.pipeline.MintProgress(c.Request.Context(), c.Param("templateId"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) handleRecords(c *gin.Context) {
	records, err := s.pipeline.MintRecords(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "ledger": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// renderError maps error kinds to HTTP statuses. The kind is a stable field
// in every error body.
func (s *Server) renderError(c *gin.Context, err error) {
	kind := errs.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case errs.KindDuplicateNonce:
		status = http.StatusConflict
	case errs.KindQuotaExceeded:
		status = http.StatusForbidden
	case errs.KindSwapValidation:
		status = http.StatusBadRequest
	case errs.KindSettlementFailed, errs.KindInsufficientBalance, errs.KindInsufficientAllowance:
		status = http.StatusPaymentRequired
	case errs.KindNetworkError, errs.KindProviderAPI:
		status = http.StatusBadGateway
	case errs.KindCircuitOpen:
		status = http.StatusServiceUnavailable
	case errs.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		if tagged.Details != nil {
			body["details"] = tagged.Details
		}
		if tagged.Suggestion != "" {
			body["suggestion"] = tagged.Suggestion
		}
	}
	c.JSON(status, body)
}
