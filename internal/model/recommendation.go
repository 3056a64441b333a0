package model

import "time"

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "High"
	ConfidenceMedium ConfidenceLevel = "Medium"
	ConfidenceLow    ConfidenceLevel = "Low"
)

type Recommendation struct {
	ID                    string          `json:"id"`
	FindingID             string          `json:"findingId"`
	AnalysisID            string          `json:"analysisId,omitempty"`
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	RiskAssessment        string          `json:"riskAssessment"`
	RemediationSteps      string          `json:"remediationSteps"`
	CodeChanges           string          `json:"codeChanges"`
	Justification         string          `json:"justification"`
	Confidence            ConfidenceLevel `json:"confidence"`
	ConfidenceScore       float64         `json:"confidenceScore"`
	ConfidenceExplanation string          `json:"confidenceExplanation"`
	WhyNotFixReasons      []string        `json:"whyNotFixReasons"`
	Diff                  string          `json:"diff,omitempty"`
	Approved              bool            `json:"approved"`
	ApprovedBy            string          `json:"approvedBy,omitempty"`
	ApprovedAt            *time.Time      `json:"approvedAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// ConfidenceBreakdown is the persisted part of a scoring run.
type ConfidenceBreakdown struct {
	SeverityScore       float64 `json:"severityScore"`
	FixPatternScore     float64 `json:"fixPatternScore"`
	ChangeRiskScore     float64 `json:"changeRiskScore"`
	ModelAgreementScore float64 `json:"modelAgreementScore"`
	OverallScore        float64 `json:"overallScore"`
}

// AnalysisMetadata is written once per analysis run.
type AnalysisMetadata struct {
	AnalysisID    string              `json:"analysisId"`
	FindingID     string              `json:"findingId,omitempty"`
	ModelProvider string              `json:"modelProvider"`
	ModelName     string              `json:"modelName"`
	PromptVersion string              `json:"promptVersion"`
	PolicyVersion string              `json:"policyVersion"`
	Confidence    ConfidenceBreakdown `json:"confidence"`
	InputsUsed    map[string]bool     `json:"inputsUsed"`
	CreatedAt     time.Time           `json:"createdAt"`
}

type Versions struct {
	PromptVersion string `json:"promptVersion"`
	PolicyVersion string `json:"policyVersion"`
	ModelProvider string `json:"modelProvider"`
	ModelName     string `json:"modelName"`
}
