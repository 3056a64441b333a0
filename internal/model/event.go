package model

import "time"

type EventType string

const (
	EventFindingCreated          EventType = "finding_created"
	EventFindingStatusChanged    EventType = "finding_status_changed"
	EventRecommendationGenerated EventType = "recommendation_generated"
	EventRecommendationApproved  EventType = "recommendation_approved"
	EventDiffGenerated           EventType = "diff_generated"
	EventFixApplied              EventType = "fix_applied"
	EventPolicyOverrideRequested EventType = "policy_override_requested"
	EventPolicyOverrideApproved  EventType = "policy_override_approved"
	EventRiskAccepted            EventType = "risk_accepted"
	EventRiskAcceptanceExpiring  EventType = "risk_acceptance_expiring"
	EventNoisePolicyCreated      EventType = "noise_policy_created"
	EventPRCommentPosted         EventType = "pr_comment_posted"
	EventPRThreadResolved        EventType = "pr_thread_resolved"
	EventPRStatusPosted          EventType = "pr_status_posted"
	EventOperationFailed         EventType = "operation_failed"
)

// SecurityEvent is immutable once appended.
type SecurityEvent struct {
	ID            int64             `json:"id"`
	EventType     EventType         `json:"eventType"`
	Organization  string            `json:"organization,omitempty"`
	Project       string            `json:"project,omitempty"`
	Repository    string            `json:"repository,omitempty"`
	FindingID     string            `json:"findingId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	UserRole      Role              `json:"userRole,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Properties    map[string]string `json:"properties,omitempty"`
	PromptVersion string            `json:"promptVersion,omitempty"`
	PolicyVersion string            `json:"policyVersion,omitempty"`
}

type EventFilter struct {
	From         time.Time
	To           time.Time
	Organization string
	Project      string
	EventType    EventType
}

// Metrics is the read-side rollup returned by GetMetrics.
type Metrics struct {
	PeriodStart            time.Time      `json:"periodStart"`
	PeriodEnd              time.Time      `json:"periodEnd"`
	FindingsBySeverity     map[string]int `json:"findingsBySeverity"`
	FindingsByStatus       map[string]int `json:"findingsByStatus"`
	FindingsByCategory     map[string]int `json:"findingsByCategory"`
	TotalOverrideRequests  int            `json:"totalOverrideRequests"`
	ActiveRiskAcceptances  int            `json:"activeRiskAcceptances"`
	TotalRecommendations   int            `json:"totalRecommendations"`
	TotalAppliedFixes      int            `json:"totalAppliedFixes"`
	AverageResolutionHours float64        `json:"averageResolutionHours"`
	EventCountsByType      map[string]int `json:"eventCountsByType"`
}

// Summary counts findings of one analysis run.
type Summary struct {
	Total    int `json:"total_findings"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}
