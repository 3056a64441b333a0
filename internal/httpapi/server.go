// Package httpapi exposes the advisor operations over HTTP. Every response
// body is the operation Result; the status code follows its error kind.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/advisor"
	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/logging"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	adv    *advisor.Advisor
	health Pinger
	log    *zap.Logger
}

func NewHandlers(adv *advisor.Advisor, health Pinger, log *zap.Logger) *Handlers {
	return &Handlers{adv: adv, health: health, log: logging.OrNop(log)}
}

// NewRouter builds the engine with recovery, request logging, /healthz and,
// when gatherer is non-nil, /metrics.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log))
	r.GET("/healthz", h.HandleHealth)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	RegisterRoutes(r.Group("/v1"), h)
	return r
}

// RegisterRoutes registers the /v1 endpoints on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/analyses/sarif", h.HandleAnalyzeSarif)
	rg.POST("/analyses/sbom", h.HandleAnalyzeSbom)
	rg.POST("/analyses/backfill", h.HandleBackfill)
	rg.GET("/analyses/:id/metadata", h.HandleAnalysisMetadata)
	rg.GET("/versions", h.HandleVersions)

	rg.GET("/findings", h.HandleListFindings)
	rg.GET("/findings/:id", h.HandleGetFinding)
	rg.PUT("/findings/:id/status", h.HandleUpdateFindingStatus)
	rg.GET("/findings/:id/recommendations", h.HandleListRecommendations)
	rg.POST("/findings/:id/recommendations", h.HandleGenerateRecommendation)

	rg.POST("/recommendations/:id/diff", h.HandleGenerateDiff)
	rg.POST("/recommendations/:id/approve", h.HandleApproveRecommendation)
	rg.POST("/recommendations/:id/apply", h.HandleApplyRecommendation)

	rg.POST("/overrides", h.HandleRequestOverride)
	rg.GET("/overrides", h.HandleListOverrides)
	rg.POST("/overrides/:id/approve", h.HandleApproveOverride)
	rg.POST("/risk-acceptances", h.HandleAcceptRisk)
	rg.GET("/risk-acceptances", h.HandleListRiskAcceptances)
	rg.GET("/risk-acceptances/expiring", h.HandleListExpiring)
	rg.POST("/noise-policies", h.HandleCreateNoisePolicy)
	rg.GET("/noise-policies", h.HandleListNoisePolicies)

	rg.GET("/events", h.HandleListEvents)
	rg.GET("/security-metrics", h.HandleGetMetrics)

	rg.POST("/pull-requests/preview", h.HandlePreviewComment)
	rg.POST("/pull-requests/comments", h.HandlePostComment)
	rg.PUT("/pull-requests/comments/:threadId", h.HandleUpdateComment)
	rg.POST("/pull-requests/inline-comments", h.HandlePostInlineComment)
	rg.POST("/pull-requests/resolve", h.HandleResolveFixedThreads)
	rg.POST("/pull-requests/status", h.HandlePostPrStatus)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// HTTPStatus maps an error kind to a response code.
func HTTPStatus(kind apperr.Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindParse:
		return http.StatusUnprocessableEntity
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond[T any](c *gin.Context, res advisor.Result[T]) {
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(HTTPStatus(res.ErrorKind), res)
}

// badRequest answers a request that never reached op. The rejection is
// audited the same way as a failed operation.
func (h *Handlers) badRequest(c *gin.Context, op string, err error) {
	c.JSON(http.StatusBadRequest, h.adv.Reject(c.Request.Context(), op, err))
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handlers) HandleHealth(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
