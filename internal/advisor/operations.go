package advisor

import (
	"context"
	"time"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/governance"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/prthread"
	"github.com/yourorg/security-advisor/internal/recommend"
)

// FindingQuery carries the raw filter strings of a listing request.
type FindingQuery struct {
	Organization string `form:"organization" json:"organization,omitempty"`
	Project      string `form:"project" json:"project,omitempty"`
	Repository   string `form:"repository" json:"repository,omitempty"`
	Status       string `form:"status" json:"status,omitempty"`
	Severity     string `form:"severity" json:"severity,omitempty"`
}

func (q FindingQuery) filter() (model.FindingFilter, error) {
	f := model.FindingFilter{Organization: q.Organization, Project: q.Project, Repository: q.Repository}
	if q.Status != "" {
		st, ok := model.ParseFindingStatus(q.Status)
		if !ok {
			return f, apperr.Validation("unknown status %q", q.Status)
		}
		f.Status = st
	}
	if q.Severity != "" {
		sev, ok := model.ParseSeverity(q.Severity)
		if !ok {
			return f, apperr.Validation("unknown severity %q", q.Severity)
		}
		f.Severity = sev
	}
	return f, nil
}

// ListFindings returns findings with active noise policies applied.
func (a *Advisor) ListFindings(ctx context.Context, q FindingQuery) Result[[]model.Finding] {
	return run(ctx, a, "ListFindings", Actor{}, func(ctx context.Context) ([]model.Finding, error) {
		f, err := q.filter()
		if err != nil {
			return nil, err
		}
		return a.governance.ListFindings(ctx, f)
	})
}

func (a *Advisor) GetFinding(ctx context.Context, id string) Result[*model.Finding] {
	return run(ctx, a, "GetFinding", Actor{}, func(ctx context.Context) (*model.Finding, error) {
		if id == "" {
			return nil, apperr.Validation("findingId is required")
		}
		return a.repo.GetFinding(ctx, id)
	})
}

func (a *Advisor) UpdateFindingStatus(ctx context.Context, findingID, status, userID string, role model.Role) Result[*model.Finding] {
	return run(ctx, a, "UpdateFindingStatus", Actor{userID, role}, func(ctx context.Context) (*model.Finding, error) {
		return a.governance.UpdateFindingStatus(ctx, findingID, status, userID, role)
	})
}

func (a *Advisor) ListRecommendations(ctx context.Context, findingID string) Result[[]model.Recommendation] {
	return run(ctx, a, "ListRecommendations", Actor{}, func(ctx context.Context) ([]model.Recommendation, error) {
		if _, err := a.repo.GetFinding(ctx, findingID); err != nil {
			return nil, err
		}
		return a.repo.ListRecommendations(ctx, findingID)
	})
}

func (a *Advisor) GenerateRecommendation(ctx context.Context, findingID string, input recommend.Context) Result[*recommend.Result] {
	return run(ctx, a, "GenerateRecommendation", Actor{}, func(ctx context.Context) (*recommend.Result, error) {
		return a.generator.Generate(ctx, findingID, input)
	})
}

type DiffRequest struct {
	RecommendationID string `json:"recommendationId"`
	Original         string `json:"original"`
	Modified         string `json:"modified"`
	Path             string `json:"path"`
}

func (a *Advisor) GenerateDiff(ctx context.Context, req DiffRequest) Result[string] {
	return run(ctx, a, "GenerateDiff", Actor{}, func(ctx context.Context) (string, error) {
		return a.generator.GenerateDiff(ctx, req.RecommendationID, req.Original, req.Modified, req.Path)
	})
}

func (a *Advisor) ApproveRecommendation(ctx context.Context, recID, approverID string, role model.Role) Result[*model.Recommendation] {
	return run(ctx, a, "ApproveRecommendation", Actor{approverID, role}, func(ctx context.Context) (*model.Recommendation, error) {
		return a.generator.ApproveRecommendation(ctx, recID, approverID, role)
	})
}

func (a *Advisor) ApplyRecommendation(ctx context.Context, recID, userID string, role model.Role) Result[*model.Recommendation] {
	return run(ctx, a, "ApplyRecommendation", Actor{userID, role}, func(ctx context.Context) (*model.Recommendation, error) {
		return a.generator.ApplyRecommendation(ctx, recID, userID, role)
	})
}

func (a *Advisor) GetAnalysisMetadata(ctx context.Context, analysisID string) Result[*model.AnalysisMetadata] {
	return run(ctx, a, "GetAnalysisMetadata", Actor{}, func(ctx context.Context) (*model.AnalysisMetadata, error) {
		return a.generator.GetAnalysisMetadata(ctx, analysisID)
	})
}

// GetCurrentVersions cannot fail.
func (a *Advisor) GetCurrentVersions() model.Versions {
	return a.generator.Versions()
}

func (a *Advisor) RequestOverride(ctx context.Context, req governance.OverrideRequest) Result[*model.PolicyOverride] {
	return run(ctx, a, "RequestOverride", Actor{req.RequesterID, req.RequesterRole}, func(ctx context.Context) (*model.PolicyOverride, error) {
		return a.governance.RequestOverride(ctx, req)
	})
}

func (a *Advisor) ApproveOverride(ctx context.Context, overrideID, approverID string, role model.Role) Result[*model.PolicyOverride] {
	return run(ctx, a, "ApproveOverride", Actor{approverID, role}, func(ctx context.Context) (*model.PolicyOverride, error) {
		return a.governance.ApproveOverride(ctx, overrideID, approverID, role)
	})
}

func (a *Advisor) ListOverrides(ctx context.Context, filter model.GovernanceFilter) Result[[]model.PolicyOverride] {
	return run(ctx, a, "ListOverrides", Actor{}, func(ctx context.Context) ([]model.PolicyOverride, error) {
		return a.governance.ListOverrides(ctx, filter)
	})
}

func (a *Advisor) AcceptRisk(ctx context.Context, req governance.RiskAcceptanceRequest) Result[*model.RiskAcceptance] {
	return run(ctx, a, "AcceptRisk", Actor{req.AcceptedBy, req.Role}, func(ctx context.Context) (*model.RiskAcceptance, error) {
		return a.governance.AcceptRisk(ctx, req)
	})
}

func (a *Advisor) ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter) Result[[]model.RiskAcceptance] {
	return run(ctx, a, "ListRiskAcceptances", Actor{}, func(ctx context.Context) ([]model.RiskAcceptance, error) {
		return a.governance.ListRiskAcceptances(ctx, filter)
	})
}

func (a *Advisor) ListExpiringRiskAcceptances(ctx context.Context, thresholdDays int) Result[[]model.RiskAcceptance] {
	return run(ctx, a, "ListExpiringRiskAcceptances", Actor{}, func(ctx context.Context) ([]model.RiskAcceptance, error) {
		return a.governance.ListExpiringRiskAcceptances(ctx, thresholdDays)
	})
}

func (a *Advisor) CreateNoisePolicy(ctx context.Context, req governance.NoisePolicyRequest) Result[*model.NoiseReductionPolicy] {
	return run(ctx, a, "CreateNoisePolicy", Actor{req.CreatedBy, req.CreatorRole}, func(ctx context.Context) (*model.NoiseReductionPolicy, error) {
		return a.governance.CreateNoisePolicy(ctx, req)
	})
}

func (a *Advisor) ListNoisePolicies(ctx context.Context, filter model.GovernanceFilter) Result[[]model.NoiseReductionPolicy] {
	return run(ctx, a, "ListNoisePolicies", Actor{}, func(ctx context.Context) ([]model.NoiseReductionPolicy, error) {
		return a.governance.ListNoisePolicies(ctx, filter)
	})
}

func (a *Advisor) GetMetrics(ctx context.Context, start, end time.Time, org, project string) Result[*model.Metrics] {
	return run(ctx, a, "GetMetrics", Actor{}, func(ctx context.Context) (*model.Metrics, error) {
		return a.events.GetMetrics(ctx, start, end, org, project)
	})
}

func (a *Advisor) ListEvents(ctx context.Context, filter model.EventFilter) Result[[]model.SecurityEvent] {
	return run(ctx, a, "ListEvents", Actor{}, func(ctx context.Context) ([]model.SecurityEvent, error) {
		return a.events.List(ctx, filter)
	})
}

func (a *Advisor) reconciler() (*prthread.Reconciler, error) {
	if a.threads == nil {
		return nil, apperr.Validation("source control is not configured")
	}
	return a.threads, nil
}

func (a *Advisor) PreviewComment(ctx context.Context, req prthread.CommentRequest) Result[string] {
	return run(ctx, a, "PreviewComment", Actor{}, func(ctx context.Context) (string, error) {
		r, err := a.reconciler()
		if err != nil {
			return "", err
		}
		md, _, err := r.Preview(ctx, req)
		return md, err
	})
}

func (a *Advisor) PostComment(ctx context.Context, req prthread.CommentRequest) Result[*prthread.PostResult] {
	return run(ctx, a, "PostComment", Actor{}, func(ctx context.Context) (*prthread.PostResult, error) {
		r, err := a.reconciler()
		if err != nil {
			return nil, err
		}
		return r.PostComment(ctx, req)
	})
}

func (a *Advisor) UpdateComment(ctx context.Context, req prthread.CommentRequest, threadID int) Result[*prthread.PostResult] {
	return run(ctx, a, "UpdateComment", Actor{}, func(ctx context.Context) (*prthread.PostResult, error) {
		r, err := a.reconciler()
		if err != nil {
			return nil, err
		}
		return r.UpdateComment(ctx, req, threadID)
	})
}

func (a *Advisor) PostInlineComment(ctx context.Context, pr model.PullRequestRef, findingID string) Result[*prthread.PostResult] {
	return run(ctx, a, "PostInlineComment", Actor{}, func(ctx context.Context) (*prthread.PostResult, error) {
		r, err := a.reconciler()
		if err != nil {
			return nil, err
		}
		return r.PostInlineComment(ctx, pr, findingID)
	})
}

func (a *Advisor) ResolveFixedThreads(ctx context.Context, pr model.PullRequestRef) Result[[]prthread.ResolvedThread] {
	return run(ctx, a, "ResolveFixedThreads", Actor{}, func(ctx context.Context) ([]prthread.ResolvedThread, error) {
		r, err := a.reconciler()
		if err != nil {
			return nil, err
		}
		return r.ResolveFixedThreads(ctx, pr)
	})
}

func (a *Advisor) PostPrStatus(ctx context.Context, pr model.PullRequestRef, targetURL string) Result[*prthread.StatusResult] {
	return run(ctx, a, "PostPrStatus", Actor{}, func(ctx context.Context) (*prthread.StatusResult, error) {
		r, err := a.reconciler()
		if err != nil {
			return nil, err
		}
		return r.PostPrStatus(ctx, pr, targetURL)
	})
}
