package db

import (
	"context"
	"time"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

const recommendationColumns = `id, finding_id, analysis_id, title, description, risk_assessment,
  remediation_steps, code_changes, justification, confidence, confidence_score, confidence_explanation,
  why_not_fix_reasons, diff, approved, approved_by, approved_at, created_at`

func scanRecommendation(row scanner) (*model.Recommendation, error) {
	var r model.Recommendation
	if err := row.Scan(&r.ID, &r.FindingID, &r.AnalysisID, &r.Title, &r.Description, &r.RiskAssessment,
		&r.RemediationSteps, &r.CodeChanges, &r.Justification, &r.Confidence, &r.ConfidenceScore,
		&r.ConfidenceExplanation, &r.WhyNotFixReasons, &r.Diff, &r.Approved, &r.ApprovedBy,
		&r.ApprovedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	if len(r.WhyNotFixReasons) == 0 {
		r.WhyNotFixReasons = nil
	}
	return &r, nil
}

func (s *Store) InsertRecommendation(ctx context.Context, r *model.Recommendation) error {
	reasons := r.WhyNotFixReasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO recommendations (`+recommendationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`, r.ID, r.FindingID, r.AnalysisID, r.Title, r.Description, r.RiskAssessment, r.RemediationSteps,
		r.CodeChanges, r.Justification, r.Confidence, r.ConfidenceScore, r.ConfidenceExplanation,
		reasons, r.Diff, r.Approved, r.ApprovedBy, r.ApprovedAt, r.CreatedAt)
	return wrapErr(err, "insert recommendation")
}

func (s *Store) GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error) {
	r, err := scanRecommendation(s.Pool.QueryRow(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE id=$1`, id))
	if err != nil {
		return nil, wrapErr(err, "recommendation "+id)
	}
	return r, nil
}

// ListRecommendations returns a finding's recommendations, newest first.
func (s *Store) ListRecommendations(ctx context.Context, findingID string) ([]model.Recommendation, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+recommendationColumns+` FROM recommendations
WHERE finding_id=$1 ORDER BY created_at DESC, id`, findingID)
	if err != nil {
		return nil, wrapErr(err, "list recommendations")
	}
	defer rows.Close()

	var out []model.Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, wrapErr(err, "scan recommendation")
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list recommendations")
	}
	return out, nil
}

func (s *Store) ApproveRecommendation(ctx context.Context, id, approver string, at time.Time) (*model.Recommendation, error) {
	r, err := scanRecommendation(s.Pool.QueryRow(ctx, `
UPDATE recommendations SET approved=TRUE, approved_by=$2, approved_at=$3
WHERE id=$1
RETURNING `+recommendationColumns, id, approver, at))
	if err != nil {
		return nil, wrapErr(err, "recommendation "+id)
	}
	return r, nil
}

func (s *Store) SetRecommendationDiff(ctx context.Context, id, diff string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE recommendations SET diff=$2 WHERE id=$1`, id, diff)
	if err != nil {
		return wrapErr(err, "store diff")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("recommendation %s: not found", id)
	}
	return nil
}

// InsertAnalysisMetadata is write-once; a second insert for the same
// analysis id is a conflict.
func (s *Store) InsertAnalysisMetadata(ctx context.Context, m *model.AnalysisMetadata) error {
	tag, err := s.Pool.Exec(ctx, `
INSERT INTO analysis_metadata (analysis_id, finding_id, model_provider, model_name, prompt_version,
  policy_version, confidence, inputs_used, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
ON CONFLICT (analysis_id) DO NOTHING
`, m.AnalysisID, m.FindingID, m.ModelProvider, m.ModelName, m.PromptVersion, m.PolicyVersion,
		jsonArg(m.Confidence), jsonArg(m.InputsUsed), m.CreatedAt)
	if err != nil {
		return wrapErr(err, "insert analysis metadata")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("analysis %s already has metadata", m.AnalysisID)
	}
	return nil
}

func (s *Store) GetAnalysisMetadata(ctx context.Context, analysisID string) (*model.AnalysisMetadata, error) {
	var (
		m                  model.AnalysisMetadata
		confidence, inputs []byte
	)
	err := s.Pool.QueryRow(ctx, `
SELECT analysis_id, finding_id, model_provider, model_name, prompt_version, policy_version,
  confidence, inputs_used, created_at
FROM analysis_metadata WHERE analysis_id=$1
`, analysisID).Scan(&m.AnalysisID, &m.FindingID, &m.ModelProvider, &m.ModelName, &m.PromptVersion,
		&m.PolicyVersion, &confidence, &inputs, &m.CreatedAt)
	if err != nil {
		return nil, wrapErr(err, "analysis "+analysisID)
	}
	if err := decodeJSON(confidence, &m.Confidence); err != nil {
		return nil, wrapErr(err, "decode confidence")
	}
	if err := decodeJSON(inputs, &m.InputsUsed); err != nil {
		return nil, wrapErr(err, "decode inputs")
	}
	return &m, nil
}
