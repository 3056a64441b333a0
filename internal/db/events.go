package db

import (
	"context"

	"github.com/yourorg/security-advisor/internal/model"
)

// AppendEvent inserts e and sets its id. security_events rejects UPDATE and
// DELETE at the database level.
func (s *Store) AppendEvent(ctx context.Context, e *model.SecurityEvent) error {
	err := s.Pool.QueryRow(ctx, `
INSERT INTO security_events (event_type, organization, project, repository, finding_id, user_id,
  user_role, ts, properties, prompt_version, policy_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
RETURNING id
`, e.EventType, e.Organization, e.Project, e.Repository, e.FindingID, e.UserID, e.UserRole, e.Timestamp,
		jsonArg(e.Properties), e.PromptVersion, e.PolicyVersion).Scan(&e.ID)
	return wrapErr(err, "append event")
}

// ListEvents returns events with From <= ts < To in insertion order. A zero
// bound is open.
func (s *Store) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error) {
	var c conds
	c.addIf(!filter.From.IsZero(), "ts >= ?", filter.From)
	c.addIf(!filter.To.IsZero(), "ts < ?", filter.To)
	c.addIf(filter.Organization != "", "organization=?", filter.Organization)
	c.addIf(filter.Project != "", "project=?", filter.Project)
	c.addIf(filter.EventType != "", "event_type=?", filter.EventType)

	rows, err := s.Pool.Query(ctx, `
SELECT id, event_type, organization, project, repository, finding_id, user_id, user_role, ts,
  properties, prompt_version, policy_version
FROM security_events`+c.where()+` ORDER BY id`, c.args...)
	if err != nil {
		return nil, wrapErr(err, "list events")
	}
	defer rows.Close()

	var out []model.SecurityEvent
	for rows.Next() {
		var (
			e     model.SecurityEvent
			props []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Organization, &e.Project, &e.Repository, &e.FindingID,
			&e.UserID, &e.UserRole, &e.Timestamp, &props, &e.PromptVersion, &e.PolicyVersion); err != nil {
			return nil, wrapErr(err, "scan event")
		}
		if err := decodeJSON(props, &e.Properties); err != nil {
			return nil, wrapErr(err, "decode event properties")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list events")
	}
	return out, nil
}
