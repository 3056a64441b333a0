// Package recommend turns a finding into a scored remediation proposal: one
// generation-backend call, a tolerant parse of its answer, then the scoring
// engine.
package recommend

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/llm"
	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
	"github.com/yourorg/security-advisor/internal/retry"
	"github.com/yourorg/security-advisor/internal/scoring"
)

type Repository interface {
	GetFinding(ctx context.Context, id string) (*model.Finding, error)
	InsertRecommendation(ctx context.Context, r *model.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error)
	ListRecommendations(ctx context.Context, findingID string) ([]model.Recommendation, error)
	ApproveRecommendation(ctx context.Context, id, approver string, at time.Time) (*model.Recommendation, error)
	SetRecommendationDiff(ctx context.Context, id, diff string) error
	InsertAnalysisMetadata(ctx context.Context, m *model.AnalysisMetadata) error
	GetAnalysisMetadata(ctx context.Context, analysisID string) (*model.AnalysisMetadata, error)
}

type EventSink interface {
	Append(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error)
}

type Options struct {
	PromptVersion string
	PolicyVersion string
	Retry         retry.Policy
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

type Generator struct {
	repo    Repository
	backend llm.Backend
	engine  *scoring.Engine
	events  EventSink
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

func NewGenerator(repo Repository, backend llm.Backend, events EventSink, opts Options) *Generator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	return &Generator{
		repo:    repo,
		backend: backend,
		engine:  scoring.NewEngine(),
		events:  events,
		opts:    opts,
		log:     logging.OrNop(opts.Logger),
		now:     now,
	}
}

// Result is what one generation run produced.
type Result struct {
	Recommendation *model.Recommendation     `json:"recommendation"`
	Breakdown      model.ConfidenceBreakdown `json:"breakdown"`
	Factors        []string                  `json:"factors"`
	Metadata       *model.AnalysisMetadata   `json:"metadata"`
	Fallback       bool                      `json:"fallback"`
}

func (g *Generator) Versions() model.Versions {
	v := model.Versions{PromptVersion: g.opts.PromptVersion, PolicyVersion: g.opts.PolicyVersion}
	if g.backend != nil {
		v.ModelProvider = g.backend.ModelProvider()
		v.ModelName = g.backend.ModelName()
	}
	return v
}

// Generate asks the backend for a remediation of findingID. A backend
// failure that survives the retries is returned; an unparseable answer is
// not an error and yields the manual-review fallback instead.
func (g *Generator) Generate(ctx context.Context, findingID string, input Context) (*Result, error) {
	if findingID == "" {
		return nil, apperr.Validation("findingId is required")
	}
	if g.backend == nil {
		return nil, apperr.Validation("no generation backend is configured")
	}
	f, err := g.repo.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}

	userPrompt := buildUserPrompt(f, input)
	p := g.opts.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.log.Warn("generation failed, retrying", zap.String("finding_id", f.ID),
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	raw, err := retry.Value(ctx, p, func(ctx context.Context) (string, error) {
		return g.backend.Generate(ctx, systemPrompt, userPrompt)
	})
	if err != nil {
		g.log.Error("generation failed", zap.String("finding_id", f.ID), zap.Error(err))
		return nil, err
	}

	var (
		rec          *model.Recommendation
		modelConf    model.ConfidenceLevel
		usedFallback bool
	)
	parsed, perr := parseResponse(raw)
	if perr != nil {
		g.log.Warn("unparseable generation response, using fallback", zap.String("finding_id", f.ID), zap.Error(perr))
		rec = fallback(f)
		modelConf = model.ConfidenceLow
		usedFallback = true
	} else {
		rec = parsed.recommendation(f.ID)
		modelConf = scoring.ParseModelConfidence(parsed.Confidence)
	}

	now := g.now().UTC()
	rec.ID = uuid.NewString()
	rec.AnalysisID = uuid.NewString()
	rec.CreatedAt = now
	details := g.engine.Apply(f, rec, modelConf)

	if err := g.repo.InsertRecommendation(ctx, rec); err != nil {
		return nil, err
	}
	meta := &model.AnalysisMetadata{
		AnalysisID:    rec.AnalysisID,
		FindingID:     f.ID,
		ModelProvider: g.backend.ModelProvider(),
		ModelName:     g.backend.ModelName(),
		PromptVersion: g.opts.PromptVersion,
		PolicyVersion: g.opts.PolicyVersion,
		Confidence:    details.Breakdown(),
		InputsUsed:    input.InputsUsed(f),
		CreatedAt:     now,
	}
	if err := g.repo.InsertAnalysisMetadata(ctx, meta); err != nil {
		return nil, err
	}

	_, err = g.events.Append(ctx, model.SecurityEvent{
		EventType:    model.EventRecommendationGenerated,
		Organization: f.Organization,
		Project:      f.Project,
		Repository:   f.Repository,
		FindingID:    f.ID,
		Properties: map[string]string{
			"recommendationId": rec.ID,
			"analysisId":       rec.AnalysisID,
			"confidence":       string(rec.Confidence),
			"confidenceScore":  strconv.FormatFloat(rec.ConfidenceScore, 'f', -1, 64),
			"modelProvider":    meta.ModelProvider,
			"modelName":        meta.ModelName,
			"fallback":         strconv.FormatBool(usedFallback),
		},
	})
	if err != nil {
		return nil, err
	}
	g.opts.Metrics.RecommendationGenerated(string(rec.Confidence))
	g.log.Info("recommendation generated", zap.String("finding_id", f.ID), zap.String("recommendation_id", rec.ID),
		zap.String("confidence", string(rec.Confidence)), zap.Float64("score", rec.ConfidenceScore))

	return &Result{
		Recommendation: rec,
		Breakdown:      details.Breakdown(),
		Factors:        details.Factors,
		Metadata:       meta,
		Fallback:       usedFallback,
	}, nil
}

func (g *Generator) GetAnalysisMetadata(ctx context.Context, analysisID string) (*model.AnalysisMetadata, error) {
	if analysisID == "" {
		return nil, apperr.Validation("analysisId is required")
	}
	return g.repo.GetAnalysisMetadata(ctx, analysisID)
}

// Best returns the highest-scoring recommendation for a finding, or nil.
func (g *Generator) Best(ctx context.Context, findingID string) (*model.Recommendation, error) {
	recs, err := g.repo.ListRecommendations(ctx, findingID)
	if err != nil {
		return nil, err
	}
	return BestOf(recs), nil
}

// BestOf picks the highest score; on a tie the earlier entry wins.
func BestOf(recs []model.Recommendation) *model.Recommendation {
	var best *model.Recommendation
	for i := range recs {
		if best == nil || recs[i].ConfidenceScore > best.ConfidenceScore {
			best = &recs[i]
		}
	}
	return best
}
