package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

const overrideColumns = `id, finding_id, organization, project, override_type, justification, requested_by,
  requester_role, requested_at, approved_by, approved_at, expires_at, is_active`

func scanOverride(row scanner) (*model.PolicyOverride, error) {
	var o model.PolicyOverride
	if err := row.Scan(&o.ID, &o.FindingID, &o.Organization, &o.Project, &o.OverrideType, &o.Justification,
		&o.RequestedBy, &o.RequesterRole, &o.RequestedAt, &o.ApprovedBy, &o.ApprovedAt, &o.ExpiresAt,
		&o.IsActive); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) InsertOverride(ctx context.Context, o *model.PolicyOverride) error {
	err := s.Pool.QueryRow(ctx, `
INSERT INTO policy_overrides (finding_id, organization, project, override_type, justification,
  requested_by, requester_role, requested_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
RETURNING id
`, o.FindingID, o.Organization, o.Project, o.OverrideType, o.Justification, o.RequestedBy,
		o.RequesterRole, o.RequestedAt, o.ExpiresAt).Scan(&o.ID)
	return wrapErr(err, "insert override")
}

func (s *Store) GetOverride(ctx context.Context, id int64) (*model.PolicyOverride, error) {
	o, err := scanOverride(s.Pool.QueryRow(ctx, `SELECT `+overrideColumns+` FROM policy_overrides WHERE id=$1`, id))
	if err != nil {
		return nil, wrapErr(err, "override")
	}
	return o, nil
}

// ApproveOverride activates the override and stamps the approver. It fails
// with a conflict when a different override of the same type is already in
// effect for the finding. Approving an active override only re-stamps it.
func (s *Store) ApproveOverride(ctx context.Context, id int64, approver string, at time.Time) (*model.PolicyOverride, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, wrapErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := scanOverride(tx.QueryRow(ctx, `SELECT `+overrideColumns+` FROM policy_overrides WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapErr(err, "override")
	}
	// Serialises approvals for one (finding, type) pair.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		o.FindingID+":"+string(o.OverrideType)); err != nil {
		return nil, wrapErr(err, "lock override")
	}
	var other int64
	err = tx.QueryRow(ctx, `
SELECT id FROM policy_overrides
WHERE finding_id=$1 AND override_type=$2 AND id<>$3 AND is_active
  AND (expires_at IS NULL OR expires_at > $4)
LIMIT 1
`, o.FindingID, o.OverrideType, o.ID, at).Scan(&other)
	switch {
	case err == nil:
		return nil, apperr.Conflict("override %d for finding %s is already active", other, o.FindingID)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, wrapErr(err, "check active overrides")
	}

	o, err = scanOverride(tx.QueryRow(ctx, `
UPDATE policy_overrides SET approved_by=$2, approved_at=$3, is_active=TRUE
WHERE id=$1
RETURNING `+overrideColumns, id, approver, at))
	if err != nil {
		return nil, wrapErr(err, "approve override")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr(err, "commit")
	}
	return o, nil
}

func (s *Store) ListOverrides(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.PolicyOverride, error) {
	var c conds
	c.addIf(filter.Organization != "", "organization=?", filter.Organization)
	c.addIf(filter.Project != "", "project=?", filter.Project)
	c.addIf(filter.ActiveOnly, "is_active AND (expires_at IS NULL OR expires_at > ?)", now)

	rows, err := s.Pool.Query(ctx, `SELECT `+overrideColumns+` FROM policy_overrides`+c.where()+` ORDER BY requested_at, id`, c.args...)
	if err != nil {
		return nil, wrapErr(err, "list overrides")
	}
	defer rows.Close()

	var out []model.PolicyOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, wrapErr(err, "scan override")
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list overrides")
	}
	return out, nil
}

const acceptanceColumns = `id, finding_id, organization, project, scope, justification, accepted_by,
  accepted_at, expires_at, is_active`

func scanAcceptance(row scanner) (*model.RiskAcceptance, error) {
	var r model.RiskAcceptance
	if err := row.Scan(&r.ID, &r.FindingID, &r.Organization, &r.Project, &r.Scope, &r.Justification,
		&r.AcceptedBy, &r.AcceptedAt, &r.ExpiresAt, &r.IsActive); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) InsertRiskAcceptance(ctx context.Context, r *model.RiskAcceptance) error {
	err := s.Pool.QueryRow(ctx, `
INSERT INTO risk_acceptances (finding_id, organization, project, scope, justification, accepted_by,
  accepted_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id
`, r.FindingID, r.Organization, r.Project, r.Scope, r.Justification, r.AcceptedBy, r.AcceptedAt,
		r.ExpiresAt, r.IsActive).Scan(&r.ID)
	return wrapErr(err, "insert risk acceptance")
}

func (s *Store) queryAcceptances(ctx context.Context, c conds) ([]model.RiskAcceptance, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+acceptanceColumns+` FROM risk_acceptances`+c.where()+` ORDER BY accepted_at, id`, c.args...)
	if err != nil {
		return nil, wrapErr(err, "list risk acceptances")
	}
	defer rows.Close()

	var out []model.RiskAcceptance
	for rows.Next() {
		r, err := scanAcceptance(rows)
		if err != nil {
			return nil, wrapErr(err, "scan risk acceptance")
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list risk acceptances")
	}
	return out, nil
}

func (s *Store) ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.RiskAcceptance, error) {
	var c conds
	c.addIf(filter.Organization != "", "organization=?", filter.Organization)
	c.addIf(filter.Project != "", "project=?", filter.Project)
	c.addIf(filter.ActiveOnly, "is_active AND (expires_at IS NULL OR expires_at > ?)", now)
	return s.queryAcceptances(ctx, c)
}

// ListExpiringRiskAcceptances returns active acceptances whose expiry is at
// or before cutoff. Acceptances without an expiry never match.
func (s *Store) ListExpiringRiskAcceptances(ctx context.Context, cutoff time.Time) ([]model.RiskAcceptance, error) {
	var c conds
	c.add("is_active AND expires_at IS NOT NULL AND expires_at <= ?", cutoff)
	return s.queryAcceptances(ctx, c)
}

const noisePolicyColumns = `id, organization, project, rule_id, fingerprint, action, reason, conditions,
  created_by, created_at, is_active`

func (s *Store) InsertNoisePolicy(ctx context.Context, p *model.NoiseReductionPolicy) error {
	err := s.Pool.QueryRow(ctx, `
INSERT INTO noise_policies (organization, project, rule_id, fingerprint, action, reason, conditions,
  created_by, created_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
RETURNING id
`, p.Organization, p.Project, p.RuleID, p.Fingerprint, p.Action, p.Reason, jsonArg(p.Conditions),
		p.CreatedBy, p.CreatedAt, p.IsActive).Scan(&p.ID)
	return wrapErr(err, "insert noise policy")
}

func (s *Store) ListNoisePolicies(ctx context.Context, filter model.GovernanceFilter) ([]model.NoiseReductionPolicy, error) {
	var c conds
	c.addIf(filter.Organization != "", "organization=?", filter.Organization)
	c.addIf(filter.Project != "", "project=?", filter.Project)
	c.addIf(filter.ActiveOnly, "is_active=?", true)

	rows, err := s.Pool.Query(ctx, `SELECT `+noisePolicyColumns+` FROM noise_policies`+c.where()+` ORDER BY created_at, id`, c.args...)
	if err != nil {
		return nil, wrapErr(err, "list noise policies")
	}
	defer rows.Close()

	var out []model.NoiseReductionPolicy
	for rows.Next() {
		var (
			p          model.NoiseReductionPolicy
			conditions []byte
		)
		if err := rows.Scan(&p.ID, &p.Organization, &p.Project, &p.RuleID, &p.Fingerprint, &p.Action,
			&p.Reason, &conditions, &p.CreatedBy, &p.CreatedAt, &p.IsActive); err != nil {
			return nil, wrapErr(err, "scan noise policy")
		}
		if err := decodeJSON(conditions, &p.Conditions); err != nil {
			return nil, wrapErr(err, "decode conditions")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list noise policies")
	}
	return out, nil
}
