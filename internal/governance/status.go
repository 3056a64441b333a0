package governance

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

// UpdateFindingStatus is the manual status change. Viewers may not change
// status.
func (s *Store) UpdateFindingStatus(ctx context.Context, findingID, status, userID string, role model.Role) (*model.Finding, error) {
	if findingID == "" {
		return nil, apperr.Validation("findingId is required")
	}
	target, ok := model.ParseFindingStatus(status)
	if !ok {
		return nil, apperr.Validation("unknown finding status %q", status)
	}
	if err := requireRole(role, "change finding status", model.RoleContributor, model.RoleAdmin); err != nil {
		return nil, err
	}
	return s.transition(ctx, findingID, target, userID, role)
}

// transition moves a finding to status and records finding_status_changed.
// Moving to the current status is a no-op without an event.
func (s *Store) transition(ctx context.Context, findingID string, status model.FindingStatus, userID string, role model.Role) (*model.Finding, error) {
	f, err := s.repo.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if f.Status == status {
		return f, nil
	}
	now := s.clock()
	prev, err := s.repo.SetFindingStatus(ctx, findingID, status, now)
	if err != nil {
		return nil, err
	}
	f.Status = status
	f.UpdatedAt = now

	props := map[string]string{
		"from":     string(prev),
		"to":       string(status),
		"severity": string(f.Severity),
		"category": string(f.Category),
	}
	if status == model.StatusFixed && !f.CreatedAt.IsZero() {
		secs := int64(now.Sub(f.CreatedAt).Seconds())
		if secs < 0 {
			secs = 0
		}
		props["resolutionSeconds"] = strconv.FormatInt(secs, 10)
	}
	s.log.Info("finding status changed", zap.String("finding_id", f.ID),
		zap.String("from", string(prev)), zap.String("to", string(status)))

	err = s.emit(ctx, model.SecurityEvent{
		EventType:    model.EventFindingStatusChanged,
		Organization: f.Organization,
		Project:      f.Project,
		Repository:   f.Repository,
		FindingID:    f.ID,
		UserID:       userID,
		UserRole:     role,
		Properties:   props,
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
