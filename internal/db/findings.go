package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/security-advisor/internal/model"
)

const findingColumns = `id, fingerprint, organization, project, repository, branch, title, description,
  severity, category, file_path, line_number, rule_id, status, metadata, created_at, updated_at`

func scanFinding(row scanner) (*model.Finding, error) {
	var (
		f        model.Finding
		metadata []byte
	)
	if err := row.Scan(&f.ID, &f.Fingerprint, &f.Organization, &f.Project, &f.Repository, &f.Branch,
		&f.Title, &f.Description, &f.Severity, &f.Category, &f.FilePath, &f.LineNumber, &f.RuleID,
		&f.Status, &metadata, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Metadata = map[string]string{}
	if err := decodeJSON(metadata, &f.Metadata); err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFinding inserts f, or refreshes the analyzer-owned columns of the row
// with the same fingerprint in the same repository. Status and id of an
// existing row are kept and copied back into f. created is true only for a
// new row.
func (s *Store) UpsertFinding(ctx context.Context, f *model.Finding) (bool, error) {
	var created bool
	err := s.Pool.QueryRow(ctx, `
INSERT INTO findings (`+findingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb, $16, $17)
ON CONFLICT (organization, project, repository, fingerprint) DO UPDATE SET
  branch=EXCLUDED.branch,
  title=EXCLUDED.title,
  description=EXCLUDED.description,
  severity=EXCLUDED.severity,
  line_number=EXCLUDED.line_number,
  metadata=EXCLUDED.metadata,
  updated_at=EXCLUDED.updated_at
RETURNING id, status, created_at, (xmax = 0)
`, f.ID, f.Fingerprint, f.Organization, f.Project, f.Repository, f.Branch, f.Title, f.Description,
		f.Severity, f.Category, f.FilePath, f.LineNumber, f.RuleID, f.Status, jsonArg(f.Metadata),
		f.CreatedAt, f.UpdatedAt).Scan(&f.ID, &f.Status, &f.CreatedAt, &created)
	if err != nil {
		return false, wrapErr(err, "upsert finding")
	}
	return created, nil
}

func (s *Store) GetFinding(ctx context.Context, id string) (*model.Finding, error) {
	f, err := scanFinding(s.Pool.QueryRow(ctx, `SELECT `+findingColumns+` FROM findings WHERE id=$1`, id))
	if err != nil {
		return nil, wrapErr(err, "finding "+id)
	}
	return f, nil
}

func (s *Store) ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error) {
	var c conds
	c.addIf(filter.Organization != "", "organization=?", filter.Organization)
	c.addIf(filter.Project != "", "project=?", filter.Project)
	c.addIf(filter.Repository != "", "repository=?", filter.Repository)
	c.addIf(filter.Status != "", "status=?", filter.Status)
	c.addIf(filter.Severity != "", "severity=?", filter.Severity)
	c.addIf(len(filter.IDs) > 0, "id = ANY(?)", filter.IDs)

	rows, err := s.Pool.Query(ctx, `SELECT `+findingColumns+` FROM findings`+c.where()+` ORDER BY created_at, id`, c.args...)
	if err != nil {
		return nil, wrapErr(err, "list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, wrapErr(err, "scan finding")
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list findings")
	}
	return out, nil
}

// SetFindingStatus returns the status the finding had before the update.
func (s *Store) SetFindingStatus(ctx context.Context, id string, status model.FindingStatus, at time.Time) (model.FindingStatus, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", wrapErr(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev model.FindingStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM findings WHERE id=$1 FOR UPDATE`, id).Scan(&prev); err != nil {
		return "", wrapErr(err, "finding "+id)
	}
	if _, err := tx.Exec(ctx, `UPDATE findings SET status=$2, updated_at=$3 WHERE id=$1`, id, status, at); err != nil {
		return "", wrapErr(err, "update finding status")
	}
	if err := tx.Commit(ctx); err != nil {
		return "", wrapErr(err, "commit")
	}
	return prev, nil
}
