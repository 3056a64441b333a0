package httpapi

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/security-advisor/internal/advisor"
	"github.com/yourorg/security-advisor/internal/governance"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/prthread"
	"github.com/yourorg/security-advisor/internal/recommend"
)

// ActorRequest names the user behind a state change.
type ActorRequest struct {
	UserID string     `json:"userId"`
	Role   model.Role `json:"role"`
}

type StatusUpdateRequest struct {
	ActorRequest
	Status string `json:"status"`
}

type InlineCommentRequest struct {
	PullRequest model.PullRequestRef `json:"pullRequest"`
	FindingID   string               `json:"findingId"`
}

type PrStatusRequest struct {
	PullRequest model.PullRequestRef `json:"pullRequest"`
	TargetURL   string               `json:"targetUrl,omitempty"`
}

func optionalTime(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}

func governanceFilter(c *gin.Context) (model.GovernanceFilter, error) {
	f := model.GovernanceFilter{
		Organization: c.Query("organization"),
		Project:      c.Query("project"),
	}
	if raw := c.Query("activeOnly"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("activeOnly must be a boolean")
		}
		f.ActiveOnly = active
	}
	return f, nil
}

func (h *Handlers) analyzeRequest(c *gin.Context, op string) (advisor.AnalyzeRequest, bool) {
	var req advisor.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, op, err)
		return req, false
	}
	return req, true
}

// HandleAnalyzeSarif handles POST /v1/analyses/sarif.
func (h *Handlers) HandleAnalyzeSarif(c *gin.Context) {
	if req, ok := h.analyzeRequest(c, "AnalyzeSarif"); ok {
		respond(c, h.adv.AnalyzeSarif(c.Request.Context(), req))
	}
}

// HandleAnalyzeSbom handles POST /v1/analyses/sbom.
func (h *Handlers) HandleAnalyzeSbom(c *gin.Context) {
	if req, ok := h.analyzeRequest(c, "AnalyzeSbom"); ok {
		respond(c, h.adv.AnalyzeSbom(c.Request.Context(), req))
	}
}

func (h *Handlers) HandleBackfill(c *gin.Context) {
	respond(c, h.adv.Backfill(c.Request.Context()))
}

func (h *Handlers) HandleAnalysisMetadata(c *gin.Context) {
	respond(c, h.adv.GetAnalysisMetadata(c.Request.Context(), c.Param("id")))
}

func (h *Handlers) HandleVersions(c *gin.Context) {
	respond(c, advisor.Result[model.Versions]{Success: true, Data: h.adv.GetCurrentVersions()})
}

// HandleListFindings handles GET /v1/findings. Query parameters mirror
// advisor.FindingQuery.
func (h *Handlers) HandleListFindings(c *gin.Context) {
	var q advisor.FindingQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, "ListFindings", err)
		return
	}
	respond(c, h.adv.ListFindings(c.Request.Context(), q))
}

func (h *Handlers) HandleGetFinding(c *gin.Context) {
	respond(c, h.adv.GetFinding(c.Request.Context(), c.Param("id")))
}

func (h *Handlers) HandleUpdateFindingStatus(c *gin.Context) {
	var req StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "UpdateFindingStatus", err)
		return
	}
	respond(c, h.adv.UpdateFindingStatus(c.Request.Context(), c.Param("id"), req.Status, req.UserID, req.Role))
}

func (h *Handlers) HandleListRecommendations(c *gin.Context) {
	respond(c, h.adv.ListRecommendations(c.Request.Context(), c.Param("id")))
}

// HandleGenerateRecommendation handles POST /v1/findings/:id/recommendations.
// The body is optional.
func (h *Handlers) HandleGenerateRecommendation(c *gin.Context) {
	var input recommend.Context
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			h.badRequest(c, "GenerateRecommendation", err)
			return
		}
	}
	respond(c, h.adv.GenerateRecommendation(c.Request.Context(), c.Param("id"), input))
}

func (h *Handlers) HandleGenerateDiff(c *gin.Context) {
	var req advisor.DiffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "GenerateDiff", err)
		return
	}
	req.RecommendationID = c.Param("id")
	respond(c, h.adv.GenerateDiff(c.Request.Context(), req))
}

func (h *Handlers) HandleApproveRecommendation(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "ApproveRecommendation", err)
		return
	}
	respond(c, h.adv.ApproveRecommendation(c.Request.Context(), c.Param("id"), req.UserID, req.Role))
}

func (h *Handlers) HandleApplyRecommendation(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "ApplyRecommendation", err)
		return
	}
	respond(c, h.adv.ApplyRecommendation(c.Request.Context(), c.Param("id"), req.UserID, req.Role))
}

func (h *Handlers) HandleRequestOverride(c *gin.Context) {
	var req governance.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "RequestOverride", err)
		return
	}
	respond(c, h.adv.RequestOverride(c.Request.Context(), req))
}

func (h *Handlers) HandleApproveOverride(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "ApproveOverride", err)
		return
	}
	respond(c, h.adv.ApproveOverride(c.Request.Context(), c.Param("id"), req.UserID, req.Role))
}

func (h *Handlers) HandleListOverrides(c *gin.Context) {
	filter, err := governanceFilter(c)
	if err != nil {
		h.badRequest(c, "ListOverrides", err)
		return
	}
	respond(c, h.adv.ListOverrides(c.Request.Context(), filter))
}

func (h *Handlers) HandleAcceptRisk(c *gin.Context) {
	var req governance.RiskAcceptanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "AcceptRisk", err)
		return
	}
	respond(c, h.adv.AcceptRisk(c.Request.Context(), req))
}

func (h *Handlers) HandleListRiskAcceptances(c *gin.Context) {
	filter, err := governanceFilter(c)
	if err != nil {
		h.badRequest(c, "ListRiskAcceptances", err)
		return
	}
	respond(c, h.adv.ListRiskAcceptances(c.Request.Context(), filter))
}

// HandleListExpiring handles GET /v1/risk-acceptances/expiring. The
// thresholdDays parameter defaults to 14.
func (h *Handlers) HandleListExpiring(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("thresholdDays", "14"))
	if err != nil {
		h.badRequest(c, "ListExpiringRiskAcceptances", fmt.Errorf("thresholdDays must be an integer"))
		return
	}
	respond(c, h.adv.ListExpiringRiskAcceptances(c.Request.Context(), days))
}

func (h *Handlers) HandleCreateNoisePolicy(c *gin.Context) {
	var req governance.NoisePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "CreateNoisePolicy", err)
		return
	}
	respond(c, h.adv.CreateNoisePolicy(c.Request.Context(), req))
}

func (h *Handlers) HandleListNoisePolicies(c *gin.Context) {
	filter, err := governanceFilter(c)
	if err != nil {
		h.badRequest(c, "ListNoisePolicies", err)
		return
	}
	respond(c, h.adv.ListNoisePolicies(c.Request.Context(), filter))
}

// HandleListEvents handles GET /v1/events?from=&to=&organization=&project=&eventType=.
func (h *Handlers) HandleListEvents(c *gin.Context) {
	from, err := optionalTime(c, "from")
	if err != nil {
		h.badRequest(c, "ListEvents", err)
		return
	}
	to, err := optionalTime(c, "to")
	if err != nil {
		h.badRequest(c, "ListEvents", err)
		return
	}
	respond(c, h.adv.ListEvents(c.Request.Context(), model.EventFilter{
		From:         from,
		To:           to,
		Organization: c.Query("organization"),
		Project:      c.Query("project"),
		EventType:    model.EventType(c.Query("eventType")),
	}))
}

// HandleGetMetrics handles GET /v1/security-metrics?start=&end=. A missing
// bound leaves that side of the period open.
func (h *Handlers) HandleGetMetrics(c *gin.Context) {
	start, err := optionalTime(c, "start")
	if err != nil {
		h.badRequest(c, "GetMetrics", err)
		return
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		h.badRequest(c, "GetMetrics", err)
		return
	}
	respond(c, h.adv.GetMetrics(c.Request.Context(), start, end, c.Query("organization"), c.Query("project")))
}

func (h *Handlers) commentRequest(c *gin.Context, op string) (prthread.CommentRequest, bool) {
	var req prthread.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, op, err)
		return req, false
	}
	return req, true
}

func (h *Handlers) HandlePreviewComment(c *gin.Context) {
	if req, ok := h.commentRequest(c, "PreviewComment"); ok {
		respond(c, h.adv.PreviewComment(c.Request.Context(), req))
	}
}

func (h *Handlers) HandlePostComment(c *gin.Context) {
	if req, ok := h.commentRequest(c, "PostComment"); ok {
		respond(c, h.adv.PostComment(c.Request.Context(), req))
	}
}

func (h *Handlers) HandleUpdateComment(c *gin.Context) {
	threadID, err := strconv.Atoi(c.Param("threadId"))
	if err != nil {
		h.badRequest(c, "UpdateComment", fmt.Errorf("threadId must be an integer"))
		return
	}
	if req, ok := h.commentRequest(c, "UpdateComment"); ok {
		respond(c, h.adv.UpdateComment(c.Request.Context(), req, threadID))
	}
}

func (h *Handlers) HandlePostInlineComment(c *gin.Context) {
	var req InlineCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "PostInlineComment", err)
		return
	}
	respond(c, h.adv.PostInlineComment(c.Request.Context(), req.PullRequest, req.FindingID))
}

func (h *Handlers) HandleResolveFixedThreads(c *gin.Context) {
	var pr model.PullRequestRef
	if err := c.ShouldBindJSON(&pr); err != nil {
		h.badRequest(c, "ResolveFixedThreads", err)
		return
	}
	respond(c, h.adv.ResolveFixedThreads(c.Request.Context(), pr))
}

func (h *Handlers) HandlePostPrStatus(c *gin.Context) {
	var req PrStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "PostPrStatus", err)
		return
	}
	respond(c, h.adv.PostPrStatus(c.Request.Context(), req.PullRequest, req.TargetURL))
}
