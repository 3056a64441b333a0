package governance

import (
	"context"
	"maps"
	"strconv"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/model"
)

type NoisePolicyRequest struct {
	Organization string            `json:"organization"`
	Project      string            `json:"project"`
	RuleID       string            `json:"ruleId" validate:"required_without=Fingerprint"`
	Fingerprint  string            `json:"fingerprint" validate:"omitempty,len=64,hexadecimal"`
	Action       model.NoiseAction `json:"action" validate:"required,oneof=suppress reduce_severity ignore"`
	Reason       string            `json:"reason" validate:"required,max=2000"`
	Conditions   map[string]string `json:"conditions,omitempty"`
	CreatedBy    string            `json:"createdBy" validate:"required"`
	CreatorRole  model.Role        `json:"creatorRole" validate:"required,oneof=Viewer Contributor Admin"`
}

// CreateNoisePolicy stores an active policy. Admin only.
func (s *Store) CreateNoisePolicy(ctx context.Context, req NoisePolicyRequest) (*model.NoiseReductionPolicy, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if err := requireRole(req.CreatorRole, "create noise policies", model.RoleAdmin); err != nil {
		return nil, err
	}
	p := &model.NoiseReductionPolicy{
		Organization: req.Organization,
		Project:      req.Project,
		RuleID:       req.RuleID,
		Fingerprint:  req.Fingerprint,
		Action:       req.Action,
		Reason:       req.Reason,
		Conditions:   maps.Clone(req.Conditions),
		CreatedBy:    req.CreatedBy,
		CreatedAt:    s.clock(),
		IsActive:     true,
	}
	if err := s.repo.InsertNoisePolicy(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("noise policy created", zap.Int64("policy_id", p.ID), zap.String("rule_id", p.RuleID),
		zap.String("action", string(p.Action)))
	s.metrics.GovernanceAction("noise_policy_created")

	err := s.emit(ctx, model.SecurityEvent{
		EventType:    model.EventNoisePolicyCreated,
		Organization: p.Organization,
		Project:      p.Project,
		UserID:       req.CreatedBy,
		UserRole:     req.CreatorRole,
		Properties: map[string]string{
			"policyId":    strconv.FormatInt(p.ID, 10),
			"ruleId":      p.RuleID,
			"fingerprint": p.Fingerprint,
			"action":      string(p.Action),
		},
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ListNoisePolicies(ctx context.Context, filter model.GovernanceFilter) ([]model.NoiseReductionPolicy, error) {
	return s.repo.ListNoisePolicies(ctx, filter)
}

// ListFindings returns the findings matching filter as seen through the
// active noise policies. Stored findings are never modified.
func (s *Store) ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error) {
	findings, err := s.repo.ListFindings(ctx, filter)
	if err != nil {
		return nil, err
	}
	policies, err := s.repo.ListNoisePolicies(ctx, model.GovernanceFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	return ApplyNoisePolicies(findings, policies), nil
}

// ApplyNoisePolicies drops findings hit by a suppress or ignore policy and
// lowers severity one step for reduce_severity. A policy scoped to an
// organization or project only applies to findings from it. The first
// matching policy wins.
func ApplyNoisePolicies(findings []model.Finding, policies []model.NoiseReductionPolicy) []model.Finding {
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		p := matchingPolicy(&f, policies)
		if p == nil {
			out = append(out, f)
			continue
		}
		switch p.Action {
		case model.NoiseSuppress, model.NoiseIgnore:
			continue
		case model.NoiseReduceSeverity:
			f.Severity = f.Severity.Lower()
		}
		out = append(out, f)
	}
	return out
}

func matchingPolicy(f *model.Finding, policies []model.NoiseReductionPolicy) *model.NoiseReductionPolicy {
	for i := range policies {
		p := &policies[i]
		if !p.IsActive {
			continue
		}
		if p.Organization != "" && p.Organization != f.Organization {
			continue
		}
		if p.Project != "" && p.Project != f.Project {
			continue
		}
		if p.Matches(f) {
			return p
		}
	}
	return nil
}
