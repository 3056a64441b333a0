package model

import "time"

type Role string

const (
	RoleViewer      Role = "Viewer"
	RoleContributor Role = "Contributor"
	RoleAdmin       Role = "Admin"
)

type OverrideType string

const (
	OverrideSeverityChange OverrideType = "severity_change"
	OverrideSuppress       OverrideType = "suppress"
	OverrideAccept         OverrideType = "accept"
	OverrideFalsePositive  OverrideType = "false_positive"
)

type PolicyOverride struct {
	ID            int64        `json:"id"`
	FindingID     string       `json:"findingId"`
	Organization  string       `json:"organization,omitempty"`
	Project       string       `json:"project,omitempty"`
	OverrideType  OverrideType `json:"overrideType"`
	Justification string       `json:"justification"`
	RequestedBy   string       `json:"requestedBy"`
	RequesterRole Role         `json:"requesterRole"`
	RequestedAt   time.Time    `json:"requestedAt"`
	ApprovedBy    string       `json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time   `json:"approvedAt,omitempty"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
	IsActive      bool         `json:"isActive"`
}

// InEffect is true for an approved override that has not expired at now.
func (o *PolicyOverride) InEffect(now time.Time) bool {
	return o.IsActive && (o.ExpiresAt == nil || o.ExpiresAt.After(now))
}

type RiskAcceptance struct {
	ID            int64      `json:"id"`
	FindingID     string     `json:"findingId"`
	Organization  string     `json:"organization,omitempty"`
	Project       string     `json:"project,omitempty"`
	Scope         string     `json:"scope"`
	Justification string     `json:"justification"`
	AcceptedBy    string     `json:"acceptedBy"`
	AcceptedAt    time.Time  `json:"acceptedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	IsActive      bool       `json:"isActive"`
}

func (r *RiskAcceptance) InEffect(now time.Time) bool {
	return r.IsActive && (r.ExpiresAt == nil || r.ExpiresAt.After(now))
}

type NoiseAction string

const (
	NoiseSuppress       NoiseAction = "suppress"
	NoiseReduceSeverity NoiseAction = "reduce_severity"
	NoiseIgnore         NoiseAction = "ignore"
)

type NoiseReductionPolicy struct {
	ID           int64             `json:"id"`
	Organization string            `json:"organization,omitempty"`
	Project      string            `json:"project,omitempty"`
	RuleID       string            `json:"ruleId,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	Action       NoiseAction       `json:"action"`
	Reason       string            `json:"reason"`
	Conditions   map[string]string `json:"conditions,omitempty"`
	CreatedBy    string            `json:"createdBy"`
	CreatedAt    time.Time         `json:"createdAt"`
	IsActive     bool              `json:"isActive"`
}

// Matches requires every non-empty key to equal the finding's value. A
// policy with neither key set matches nothing.
func (p *NoiseReductionPolicy) Matches(f *Finding) bool {
	if p.RuleID == "" && p.Fingerprint == "" {
		return false
	}
	if p.RuleID != "" && p.RuleID != f.RuleID {
		return false
	}
	if p.Fingerprint != "" && p.Fingerprint != f.Fingerprint {
		return false
	}
	return true
}

// GovernanceFilter is shared by the override, acceptance and noise policy
// listings.
type GovernanceFilter struct {
	Organization string
	Project      string
	ActiveOnly   bool
}
