package advisor

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/archive"
	"github.com/yourorg/security-advisor/internal/eventlog"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/normalize"
)

type AnalyzeRequest struct {
	Content string `json:"content"`
	// Format names the SBOM dialect; SARIF requests ignore it.
	Format       string `json:"format,omitempty"`
	Organization string `json:"organization,omitempty"`
	Project      string `json:"project,omitempty"`
	Repository   string `json:"repository,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

func (r AnalyzeRequest) source() normalize.Source {
	return normalize.Source{Organization: r.Organization, Project: r.Project, Repository: r.Repository, Branch: r.Branch}
}

func (r AnalyzeRequest) metadata() archive.Metadata {
	m := archive.Metadata{}
	for k, v := range map[string]string{
		"organization": r.Organization,
		"project":      r.Project,
		"repository":   r.Repository,
		"branch":       r.Branch,
		"format":       r.Format,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func requestFromMetadata(content []byte, m archive.Metadata) AnalyzeRequest {
	return AnalyzeRequest{
		Content:      string(content),
		Format:       m.Get("format"),
		Organization: m.Get("organization"),
		Project:      m.Get("project"),
		Repository:   m.Get("repository"),
		Branch:       m.Get("branch"),
	}
}

type AnalysisSummary struct {
	AnalysisID string          `json:"analysisId"`
	ArchiveKey string          `json:"archiveKey,omitempty"`
	Summary    model.Summary   `json:"summary"`
	Created    int             `json:"created"`
	Existing   int             `json:"existing"`
	Skipped    int             `json:"skipped"`
	Findings   []model.Finding `json:"findings"`
}

func (a *Advisor) AnalyzeSarif(ctx context.Context, req AnalyzeRequest) Result[*AnalysisSummary] {
	return run(ctx, a, "AnalyzeSarif", Actor{}, func(ctx context.Context) (*AnalysisSummary, error) {
		return a.analyze(ctx, archive.KindSARIF, req, uuid.NewString(), true)
	})
}

func (a *Advisor) AnalyzeSbom(ctx context.Context, req AnalyzeRequest) Result[*AnalysisSummary] {
	return run(ctx, a, "AnalyzeSbom", Actor{}, func(ctx context.Context) (*AnalysisSummary, error) {
		return a.analyze(ctx, archive.KindSBOM, req, uuid.NewString(), true)
	})
}

// analyze normalizes one payload and persists its findings. Findings whose
// fingerprint is already stored keep their id and status; only new ones
// produce finding_created events.
func (a *Advisor) analyze(ctx context.Context, kind archive.Kind, req AnalyzeRequest, analysisID string, store bool) (*AnalysisSummary, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.Validation("content is required")
	}
	content := []byte(req.Content)

	var (
		res *normalize.Result
		err error
	)
	switch kind {
	case archive.KindSARIF:
		res, err = a.normalizer.SARIF(content, req.source())
	case archive.KindSBOM:
		res, err = a.normalizer.SBOM(content, req.Format, req.source())
	default:
		return nil, apperr.Validation("unknown analysis kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	out := &AnalysisSummary{AnalysisID: analysisID, Skipped: res.Skipped}
	if store && a.archive != nil {
		key, err := a.archive.Put(ctx, analysisID, kind, content, req.metadata())
		if err != nil {
			// The findings are still worth keeping without the raw copy.
			a.log.Error("archive analysis payload", zap.String("analysis_id", analysisID), zap.Error(err))
		} else {
			out.ArchiveKey = key
		}
	}
	for i := 0; i < res.Skipped; i++ {
		a.metrics.EntrySkipped(string(kind))
	}

	for i := range res.Findings {
		f := &res.Findings[i]
		created, err := a.repo.UpsertFinding(ctx, f)
		if err != nil {
			return nil, err
		}
		if !created {
			out.Existing++
			continue
		}
		out.Created++
		a.metrics.FindingIngested(string(f.Category), string(f.Severity))
		_, err = a.events.Append(ctx, model.SecurityEvent{
			EventType:    model.EventFindingCreated,
			Organization: f.Organization,
			Project:      f.Project,
			Repository:   f.Repository,
			FindingID:    f.ID,
			Properties: map[string]string{
				eventlog.PropSeverity: string(f.Severity),
				eventlog.PropCategory: string(f.Category),
				eventlog.PropStatus:   string(f.Status),
				"analysisId":          analysisID,
				"ruleId":              f.RuleID,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	out.Findings = res.Findings
	out.Summary = res.Summary()
	a.log.Info("analysis ingested", zap.String("analysis_id", analysisID), zap.String("kind", string(kind)),
		zap.Int("created", out.Created), zap.Int("existing", out.Existing), zap.Int("skipped", out.Skipped))
	return out, nil
}

type BackfillSummary struct {
	Payloads int `json:"payloads"`
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Backfill re-ingests every archived payload under its original analysis
// id. Fingerprint dedupe makes repeated runs harmless. A payload that fails
// is logged and counted; the rest still run.
func (a *Advisor) Backfill(ctx context.Context) Result[*BackfillSummary] {
	return run(ctx, a, "Backfill", Actor{}, func(ctx context.Context) (*BackfillSummary, error) {
		if a.archive == nil {
			return nil, apperr.Validation("no archive is configured")
		}
		objs, err := a.archive.List(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, err, "list archive")
		}
		out := &BackfillSummary{Payloads: len(objs)}
		for _, o := range objs {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			p, err := a.archive.Get(ctx, o.Key)
			if err != nil {
				out.Failed++
				a.log.Error("backfill download", zap.String("key", o.Key), zap.Error(err))
				continue
			}
			s, err := a.analyze(ctx, o.Kind, requestFromMetadata(p.Content, p.Metadata), o.AnalysisID, false)
			if err != nil {
				out.Failed++
				a.log.Error("backfill analysis", zap.String("key", o.Key), zap.Error(err))
				continue
			}
			out.Created += s.Created
			out.Existing += s.Existing
			out.Skipped += s.Skipped
		}
		return out, nil
	})
}
