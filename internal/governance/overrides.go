package governance

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

type OverrideRequest struct {
	FindingID     string             `json:"findingId" validate:"required"`
	OverrideType  model.OverrideType `json:"overrideType" validate:"required,oneof=severity_change suppress accept false_positive"`
	Justification string             `json:"justification" validate:"required,max=4000"`
	RequesterID   string             `json:"requesterId" validate:"required"`
	RequesterRole model.Role         `json:"requesterRole" validate:"required,oneof=Viewer Contributor Admin"`
	ExpiresAt     *time.Time         `json:"expiresAt,omitempty"`
}

// RequestOverride stores an inactive override. Only Contributors and Admins
// may ask.
func (s *Store) RequestOverride(ctx context.Context, req OverrideRequest) (*model.PolicyOverride, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if err := requireRole(req.RequesterRole, "request overrides", model.RoleContributor, model.RoleAdmin); err != nil {
		return nil, err
	}
	now := s.clock()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperr.Validation("expiresAt must be in the future")
	}
	f, err := s.repo.GetFinding(ctx, req.FindingID)
	if err != nil {
		return nil, err
	}

	o := &model.PolicyOverride{
		FindingID:     f.ID,
		Organization:  f.Organization,
		Project:       f.Project,
		OverrideType:  req.OverrideType,
		Justification: req.Justification,
		RequestedBy:   req.RequesterID,
		RequesterRole: req.RequesterRole,
		RequestedAt:   now,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := s.repo.InsertOverride(ctx, o); err != nil {
		return nil, err
	}
	s.log.Info("override requested", zap.Int64("override_id", o.ID), zap.String("finding_id", f.ID),
		zap.String("type", string(o.OverrideType)))
	s.metrics.GovernanceAction("override_requested")

	err = s.emit(ctx, model.SecurityEvent{
		EventType:    model.EventPolicyOverrideRequested,
		Organization: f.Organization,
		Project:      f.Project,
		Repository:   f.Repository,
		FindingID:    f.ID,
		UserID:       req.RequesterID,
		UserRole:     req.RequesterRole,
		Properties: map[string]string{
			"overrideId":   strconv.FormatInt(o.ID, 10),
			"overrideType": string(o.OverrideType),
			"expiresAt":    formatTime(o.ExpiresAt),
		},
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ApproveOverride activates an override. rawID is the decimal id as received
// at the boundary. Approving an accept or false_positive override moves the
// finding to Accepted or FalsePositive.
func (s *Store) ApproveOverride(ctx context.Context, rawID, approverID string, approverRole model.Role) (*model.PolicyOverride, error) {
	id, err := ParseOverrideID(rawID)
	if err != nil {
		return nil, err
	}
	if approverID == "" {
		return nil, apperr.Validation("approverId is required")
	}
	if err := requireRole(approverRole, "approve overrides", model.RoleAdmin); err != nil {
		return nil, err
	}

	now := s.clock()
	o, err := s.repo.ApproveOverride(ctx, id, approverID, now)
	if err != nil {
		return nil, err
	}
	s.log.Info("override approved", zap.Int64("override_id", o.ID), zap.String("finding_id", o.FindingID),
		zap.String("approved_by", approverID))
	s.metrics.GovernanceAction("override_approved")

	err = s.emit(ctx, model.SecurityEvent{
		EventType:    model.EventPolicyOverrideApproved,
		Organization: o.Organization,
		Project:      o.Project,
		FindingID:    o.FindingID,
		UserID:       approverID,
		UserRole:     approverRole,
		Properties: map[string]string{
			"overrideId":   strconv.FormatInt(o.ID, 10),
			"overrideType": string(o.OverrideType),
			"requestedBy":  o.RequestedBy,
		},
	})
	if err != nil {
		return nil, err
	}

	var target model.FindingStatus
	switch o.OverrideType {
	case model.OverrideAccept:
		target = model.StatusAccepted
	case model.OverrideFalsePositive:
		target = model.StatusFalsePositive
	default:
		return o, nil
	}
	if _, err := s.transition(ctx, o.FindingID, target, approverID, approverRole); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) ListOverrides(ctx context.Context, filter model.GovernanceFilter) ([]model.PolicyOverride, error) {
	return s.repo.ListOverrides(ctx, filter, s.clock())
}
