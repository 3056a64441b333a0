package governance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

type RiskAcceptanceRequest struct {
	FindingID     string     `json:"findingId" validate:"required"`
	Scope         string     `json:"scope" validate:"max=200"`
	Justification string     `json:"justification" validate:"required,max=4000"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	AcceptedBy    string     `json:"acceptedBy" validate:"required"`
	Role          model.Role `json:"role,omitempty" validate:"omitempty,oneof=Viewer Contributor Admin"`
}

// AcceptRisk records an active acceptance and moves the finding to
// Accepted. Who may accept is decided at the boundary.
func (s *Store) AcceptRisk(ctx context.Context, req RiskAcceptanceRequest) (*model.RiskAcceptance, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	f, err := s.repo.GetFinding(ctx, req.FindingID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	r := &model.RiskAcceptance{
		FindingID:     f.ID,
		Organization:  f.Organization,
		Project:       f.Project,
		Scope:         req.Scope,
		Justification: req.Justification,
		AcceptedBy:    req.AcceptedBy,
		AcceptedAt:    now,
		ExpiresAt:     req.ExpiresAt,
		IsActive:      true,
	}
	if err := s.repo.InsertRiskAcceptance(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("risk accepted", zap.Int64("acceptance_id", r.ID), zap.String("finding_id", f.ID))
	s.metrics.GovernanceAction("risk_accepted")

	err = s.emit(ctx, model.SecurityEvent{
		EventType:    model.EventRiskAccepted,
		Organization: f.Organization,
		Project:      f.Project,
		Repository:   f.Repository,
		FindingID:    f.ID,
		UserID:       req.AcceptedBy,
		UserRole:     req.Role,
		Properties: map[string]string{
			"acceptanceId": strconv.FormatInt(r.ID, 10),
			"scope":        r.Scope,
			"expiresAt":    formatTime(r.ExpiresAt),
		},
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.transition(ctx, f.ID, model.StatusAccepted, req.AcceptedBy, req.Role); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter) ([]model.RiskAcceptance, error) {
	return s.repo.ListRiskAcceptances(ctx, filter, s.clock())
}

// ListExpiringRiskAcceptances returns active acceptances expiring at or
// before now + thresholdDays. Acceptances without an expiry are excluded.
func (s *Store) ListExpiringRiskAcceptances(ctx context.Context, thresholdDays int) ([]model.RiskAcceptance, error) {
	if thresholdDays < 0 {
		return nil, apperr.Validation("thresholdDays must not be negative")
	}
	return s.repo.ListExpiringRiskAcceptances(ctx, ExpiryCutoff(s.clock(), thresholdDays))
}

func ExpiryCutoff(now time.Time, thresholdDays int) time.Time {
	return now.Add(time.Duration(thresholdDays) * 24 * time.Hour)
}

// DaysUntil rounds the remaining time down to whole days; past expiries are
// negative.
func DaysUntil(now, expires time.Time) int {
	return int(expires.Sub(now) / (24 * time.Hour))
}

// ExpiryWarning is the line logged for an acceptance close to expiry.
func ExpiryWarning(r model.RiskAcceptance, now time.Time) string {
	if r.ExpiresAt == nil {
		return fmt.Sprintf("risk acceptance %d for finding %s has no expiry", r.ID, r.FindingID)
	}
	days := DaysUntil(now, *r.ExpiresAt)
	if days < 0 {
		return fmt.Sprintf("risk acceptance %d for finding %s expired %d day(s) ago on %s",
			r.ID, r.FindingID, -days, r.ExpiresAt.UTC().Format(time.DateOnly))
	}
	return fmt.Sprintf("risk acceptance %d for finding %s expires in %d day(s) on %s",
		r.ID, r.FindingID, days, r.ExpiresAt.UTC().Format(time.DateOnly))
}
