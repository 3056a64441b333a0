package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

const batchSize = 100

// Repository is everything the advisor persists. Store and MemStore both
// implement it; services depend on narrower slices of it.
type Repository interface {
	UpsertFinding(ctx context.Context, f *model.Finding) (bool, error)
	GetFinding(ctx context.Context, id string) (*model.Finding, error)
	ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error)
	SetFindingStatus(ctx context.Context, id string, status model.FindingStatus, at time.Time) (model.FindingStatus, error)

	InsertRecommendation(ctx context.Context, r *model.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error)
	ListRecommendations(ctx context.Context, findingID string) ([]model.Recommendation, error)
	ApproveRecommendation(ctx context.Context, id, approver string, at time.Time) (*model.Recommendation, error)
	SetRecommendationDiff(ctx context.Context, id, diff string) error
	InsertAnalysisMetadata(ctx context.Context, m *model.AnalysisMetadata) error
	GetAnalysisMetadata(ctx context.Context, analysisID string) (*model.AnalysisMetadata, error)

	InsertOverride(ctx context.Context, o *model.PolicyOverride) error
	GetOverride(ctx context.Context, id int64) (*model.PolicyOverride, error)
	ApproveOverride(ctx context.Context, id int64, approver string, at time.Time) (*model.PolicyOverride, error)
	ListOverrides(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.PolicyOverride, error)
	InsertRiskAcceptance(ctx context.Context, r *model.RiskAcceptance) error
	ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.RiskAcceptance, error)
	ListExpiringRiskAcceptances(ctx context.Context, cutoff time.Time) ([]model.RiskAcceptance, error)
	InsertNoisePolicy(ctx context.Context, p *model.NoiseReductionPolicy) error
	ListNoisePolicies(ctx context.Context, filter model.GovernanceFilter) ([]model.NoiseReductionPolicy, error)

	AppendEvent(ctx context.Context, e *model.SecurityEvent) error
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error)

	InsertThreadLinks(ctx context.Context, links []model.ThreadLink) error
	ListThreadLinks(ctx context.Context, pr model.PullRequestRef) ([]model.ThreadLink, error)
	MarkThreadResolved(ctx context.Context, pr model.PullRequestRef, threadID int, at time.Time) error

	Ping(ctx context.Context) error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemStore)(nil)
)

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Close() { s.Pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// IsInsufficientPrivilege reports a 42501 from Postgres. Deployments that
// manage the schema out of band run the advisor without DDL rights.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapErr maps driver errors onto apperr kinds. Anything unexpected is
// transient so callers can retry it.
func wrapErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound("%s: not found", op)
	case isUniqueViolation(err):
		return apperr.Wrap(apperr.KindConflict, err, "%s: already exists", op)
	default:
		return apperr.Transient(err, 0, "%s", op)
	}
}

// conds collects WHERE clauses with positional arguments. Each clause
// carries one '?' which is replaced by the next $n.
type conds struct {
	clauses []string
	args    []any
}

func (c *conds) add(clause string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, strings.Replace(clause, "?", fmt.Sprintf("$%d", len(c.args)), 1))
}

func (c *conds) addIf(ok bool, clause string, arg any) {
	if ok {
		c.add(clause, arg)
	}
}

func (c *conds) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

type scanner interface {
	Scan(dest ...any) error
}

func jsonArg(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "{}"
	}
	return string(b)
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS findings (
  id TEXT PRIMARY KEY,
  fingerprint TEXT NOT NULL,
  organization TEXT NOT NULL DEFAULT '',
  project TEXT NOT NULL DEFAULT '',
  repository TEXT NOT NULL DEFAULT '',
  branch TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  severity TEXT NOT NULL,
  category TEXT NOT NULL,
  file_path TEXT NOT NULL DEFAULT '',
  line_number INTEGER,
  rule_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'Open'
    CHECK (status IN ('Open','Investigating','Fixed','Accepted','FalsePositive')),
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (organization, project, repository, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_findings_status_severity ON findings (status, severity);

CREATE TABLE IF NOT EXISTS recommendations (
  id TEXT PRIMARY KEY,
  finding_id TEXT NOT NULL REFERENCES findings(id),
  analysis_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  risk_assessment TEXT NOT NULL DEFAULT '',
  remediation_steps TEXT NOT NULL DEFAULT '',
  code_changes TEXT NOT NULL DEFAULT '',
  justification TEXT NOT NULL DEFAULT '',
  confidence TEXT NOT NULL CHECK (confidence IN ('High','Medium','Low')),
  confidence_score DOUBLE PRECISION NOT NULL CHECK (confidence_score BETWEEN 0 AND 1),
  confidence_explanation TEXT NOT NULL DEFAULT '',
  why_not_fix_reasons TEXT[] NOT NULL DEFAULT '{}',
  diff TEXT NOT NULL DEFAULT '',
  approved BOOLEAN NOT NULL DEFAULT FALSE,
  approved_by TEXT NOT NULL DEFAULT '',
  approved_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CHECK ((cardinality(why_not_fix_reasons) > 0) = (confidence_score < 0.6))
);

CREATE INDEX IF NOT EXISTS idx_recommendations_finding ON recommendations (finding_id, created_at);

CREATE TABLE IF NOT EXISTS analysis_metadata (
  analysis_id TEXT PRIMARY KEY,
  finding_id TEXT NOT NULL DEFAULT '',
  model_provider TEXT NOT NULL DEFAULT '',
  model_name TEXT NOT NULL DEFAULT '',
  prompt_version TEXT NOT NULL DEFAULT '',
  policy_version TEXT NOT NULL DEFAULT '',
  confidence JSONB NOT NULL DEFAULT '{}'::jsonb,
  inputs_used JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policy_overrides (
  id BIGSERIAL PRIMARY KEY,
  finding_id TEXT NOT NULL,
  organization TEXT NOT NULL DEFAULT '',
  project TEXT NOT NULL DEFAULT '',
  override_type TEXT NOT NULL,
  justification TEXT NOT NULL,
  requested_by TEXT NOT NULL,
  requester_role TEXT NOT NULL,
  requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  approved_by TEXT NOT NULL DEFAULT '',
  approved_at TIMESTAMPTZ,
  expires_at TIMESTAMPTZ,
  is_active BOOLEAN NOT NULL DEFAULT FALSE,
  CHECK (NOT is_active OR approved_by <> '')
);

CREATE INDEX IF NOT EXISTS idx_policy_overrides_finding_type ON policy_overrides (finding_id, override_type);

CREATE TABLE IF NOT EXISTS risk_acceptances (
  id BIGSERIAL PRIMARY KEY,
  finding_id TEXT NOT NULL,
  organization TEXT NOT NULL DEFAULT '',
  project TEXT NOT NULL DEFAULT '',
  scope TEXT NOT NULL DEFAULT '',
  justification TEXT NOT NULL,
  accepted_by TEXT NOT NULL,
  accepted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at TIMESTAMPTZ,
  is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_risk_acceptances_expiry ON risk_acceptances (expires_at) WHERE is_active;

CREATE TABLE IF NOT EXISTS noise_policies (
  id BIGSERIAL PRIMARY KEY,
  organization TEXT NOT NULL DEFAULT '',
  project TEXT NOT NULL DEFAULT '',
  rule_id TEXT NOT NULL DEFAULT '',
  fingerprint TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL CHECK (action IN ('suppress','reduce_severity','ignore')),
  reason TEXT NOT NULL DEFAULT '',
  conditions JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_by TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS security_events (
  id BIGSERIAL PRIMARY KEY,
  event_type TEXT NOT NULL,
  organization TEXT NOT NULL DEFAULT '',
  project TEXT NOT NULL DEFAULT '',
  repository TEXT NOT NULL DEFAULT '',
  finding_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  user_role TEXT NOT NULL DEFAULT '',
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  properties JSONB NOT NULL DEFAULT '{}'::jsonb,
  prompt_version TEXT NOT NULL DEFAULT '',
  policy_version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events (ts);
CREATE INDEX IF NOT EXISTS idx_security_events_type_ts ON security_events (event_type, ts);

CREATE OR REPLACE FUNCTION security_events_append_only() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'security_events is append-only';
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'security_events_no_mutation') THEN
    CREATE TRIGGER security_events_no_mutation
    BEFORE UPDATE OR DELETE ON security_events
    FOR EACH ROW EXECUTE FUNCTION security_events_append_only();
  END IF;
END$$;

CREATE TABLE IF NOT EXISTS thread_links (
  organization TEXT NOT NULL,
  project TEXT NOT NULL,
  repository_id TEXT NOT NULL,
  pull_request_id INTEGER NOT NULL,
  thread_id INTEGER NOT NULL,
  finding_id TEXT NOT NULL,
  posted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  resolved_at TIMESTAMPTZ,
  PRIMARY KEY (organization, project, repository_id, pull_request_id, thread_id, finding_id)
);
`)
	return err
}
