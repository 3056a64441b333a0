package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/security-advisor/internal/model"
)

// InsertThreadLinks records links in pipelined batches of batchSize. A link
// that already exists is left untouched.
func (s *Store) InsertThreadLinks(ctx context.Context, links []model.ThreadLink) error {
	for start := 0; start < len(links); start += batchSize {
		end := start + batchSize
		if end > len(links) {
			end = len(links)
		}
		batch := &pgx.Batch{}
		for _, l := range links[start:end] {
			batch.Queue(`
INSERT INTO thread_links (organization, project, repository_id, pull_request_id, thread_id, finding_id, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (organization, project, repository_id, pull_request_id, thread_id, finding_id) DO NOTHING`,
				l.Organization, l.Project, l.RepositoryID, l.PullRequestID, l.ThreadID, l.FindingID, l.PostedAt)
		}
		if err := s.Pool.SendBatch(ctx, batch).Close(); err != nil {
			return wrapErr(err, "insert thread links")
		}
	}
	return nil
}

func (s *Store) ListThreadLinks(ctx context.Context, pr model.PullRequestRef) ([]model.ThreadLink, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT thread_id, finding_id, posted_at, resolved_at
FROM thread_links
WHERE organization=$1 AND project=$2 AND repository_id=$3 AND pull_request_id=$4
ORDER BY thread_id, finding_id
`, pr.Organization, pr.Project, pr.RepositoryID, pr.PullRequestID)
	if err != nil {
		return nil, wrapErr(err, "list thread links")
	}
	defer rows.Close()

	var out []model.ThreadLink
	for rows.Next() {
		l := model.ThreadLink{PullRequestRef: pr}
		if err := rows.Scan(&l.ThreadID, &l.FindingID, &l.PostedAt, &l.ResolvedAt); err != nil {
			return nil, wrapErr(err, "scan thread link")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list thread links")
	}
	return out, nil
}

func (s *Store) MarkThreadResolved(ctx context.Context, pr model.PullRequestRef, threadID int, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
UPDATE thread_links SET resolved_at=$6
WHERE organization=$1 AND project=$2 AND repository_id=$3 AND pull_request_id=$4 AND thread_id=$5
  AND resolved_at IS NULL
`, pr.Organization, pr.Project, pr.RepositoryID, pr.PullRequestID, threadID, at)
	return wrapErr(err, "resolve thread link")
}
