package recommend

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

const diffContext = 3

// diffLines splits s into newline-terminated lines. A missing final newline is
// supplied so the last line compares equal to its terminated form.
func diffLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(strings.TrimSuffix(s, "\n"), "\n")
	lines[len(lines)-1] += "\n"
	return lines
}

// Unified renders a unified diff of original against modified for path. Equal
// inputs render as the empty string. Hunk headers always carry both start and
// length so stored diffs read back the same way through DiffStats.
func Unified(original, modified, path string) (string, error) {
	raw, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        diffLines(original),
		B:        diffLines(modified),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  diffContext,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "compute diff for %s", path)
	}
	if raw == "" {
		return "", nil
	}
	fd, err := diff.ParseFileDiff([]byte(raw))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "reparse diff for %s", path)
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "render diff for %s", path)
	}
	return string(out), nil
}

// DiffStats counts added and removed lines across every file in a unified
// diff.
func DiffStats(unified string) (files, added, removed int, err error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return 0, 0, 0, apperr.Wrap(apperr.KindParse, err, "parse stored diff")
	}
	for _, fd := range fds {
		for _, h := range fd.Hunks {
			for _, line := range bytes.Split(h.Body, []byte("\n")) {
				if len(line) == 0 {
					continue
				}
				switch line[0] {
				case '+':
					added++
				case '-':
					removed++
				}
			}
		}
	}
	return len(fds), added, removed, nil
}

// GenerateDiff renders and stores the diff for a recommendation.
func (g *Generator) GenerateDiff(ctx context.Context, recID, original, modified, path string) (string, error) {
	if recID == "" {
		return "", apperr.Validation("recommendationId is required")
	}
	if path == "" {
		return "", apperr.Validation("path is required")
	}
	rec, err := g.repo.GetRecommendation(ctx, recID)
	if err != nil {
		return "", err
	}
	out, err := Unified(original, modified, path)
	if err != nil {
		return "", err
	}
	if err := g.repo.SetRecommendationDiff(ctx, recID, out); err != nil {
		return "", err
	}
	_, err = g.events.Append(ctx, g.recommendationEvent(ctx, model.EventDiffGenerated, rec, "", "", map[string]string{
		"recommendationId": rec.ID,
		"filePath":         path,
		"diffBytes":        strconv.Itoa(len(out)),
	}))
	if err != nil {
		return "", err
	}
	return out, nil
}

func (g *Generator) ApproveRecommendation(ctx context.Context, recID, approverID string, role model.Role) (*model.Recommendation, error) {
	if recID == "" || approverID == "" {
		return nil, apperr.Validation("recommendationId and approverId are required")
	}
	if role != model.RoleContributor && role != model.RoleAdmin {
		return nil, apperr.Validation("role %q may not approve recommendations (requires Contributor or Admin)", role)
	}
	rec, err := g.repo.ApproveRecommendation(ctx, recID, approverID, g.now().UTC())
	if err != nil {
		return nil, err
	}
	_, err = g.events.Append(ctx, g.recommendationEvent(ctx, model.EventRecommendationApproved, rec, approverID, role, map[string]string{
		"recommendationId": rec.ID,
		"confidence":       string(rec.Confidence),
	}))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyRecommendation records that an approved fix was applied. It does not
// touch any repository; the caller owns the actual merge.
func (g *Generator) ApplyRecommendation(ctx context.Context, recID, userID string, role model.Role) (*model.Recommendation, error) {
	if recID == "" {
		return nil, apperr.Validation("recommendationId is required")
	}
	rec, err := g.repo.GetRecommendation(ctx, recID)
	if err != nil {
		return nil, err
	}
	if !rec.Approved {
		return nil, apperr.Validation("recommendation %s has not been approved", recID)
	}
	props := map[string]string{
		"recommendationId": rec.ID,
		"approvedBy":       rec.ApprovedBy,
	}
	if rec.Diff != "" {
		files, added, removed, err := DiffStats(rec.Diff)
		if err != nil {
			return nil, err
		}
		props["filesChanged"] = strconv.Itoa(files)
		props["linesAdded"] = strconv.Itoa(added)
		props["linesRemoved"] = strconv.Itoa(removed)
	}
	if _, err := g.events.Append(ctx, g.recommendationEvent(ctx, model.EventFixApplied, rec, userID, role, props)); err != nil {
		return nil, err
	}
	g.log.Info("fix applied", zap.String("recommendation_id", rec.ID), zap.String("finding_id", rec.FindingID))
	return rec, nil
}

// recommendationEvent fills scope from the owning finding when it can be
// read. A missing finding leaves the scope empty rather than failing.
func (g *Generator) recommendationEvent(ctx context.Context, et model.EventType, rec *model.Recommendation,
	userID string, role model.Role, props map[string]string) model.SecurityEvent {
	e := model.SecurityEvent{
		EventType:  et,
		FindingID:  rec.FindingID,
		UserID:     userID,
		UserRole:   role,
		Properties: props,
	}
	if f, err := g.repo.GetFinding(ctx, rec.FindingID); err == nil {
		e.Organization, e.Project, e.Repository = f.Organization, f.Project, f.Repository
	}
	return e
}
