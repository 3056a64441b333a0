package model

import (
	"path/filepath"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
	SeverityUnknown  Severity = "Unknown"
)

// SeverityOrder is the display order used by every report, most severe first.
var SeverityOrder = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown}

// ParseSeverity matches case-insensitively; ok is false for anything that is
// not one of the six known values.
func ParseSeverity(s string) (Severity, bool) {
	for _, sev := range SeverityOrder {
		if strings.EqualFold(strings.TrimSpace(s), string(sev)) {
			return sev, true
		}
	}
	return SeverityUnknown, false
}

// Lower returns the next less severe level. Info and Unknown stay put.
func (s Severity) Lower() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	case SeverityMedium:
		return SeverityLow
	case SeverityLow:
		return SeverityInfo
	default:
		return s
	}
}

func (s Severity) Rank() int {
	for i, sev := range SeverityOrder {
		if sev == s {
			return i
		}
	}
	return len(SeverityOrder)
}

type Category string

const (
	CategorySAST Category = "SAST"
	CategorySCA  Category = "SCA"
)

type FindingStatus string

const (
	StatusOpen          FindingStatus = "Open"
	StatusInvestigating FindingStatus = "Investigating"
	StatusFixed         FindingStatus = "Fixed"
	StatusAccepted      FindingStatus = "Accepted"
	StatusFalsePositive FindingStatus = "FalsePositive"
)

var findingStatuses = []FindingStatus{StatusOpen, StatusInvestigating, StatusFixed, StatusAccepted, StatusFalsePositive}

func ParseFindingStatus(s string) (FindingStatus, bool) {
	for _, st := range findingStatuses {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, true
		}
	}
	return "", false
}

type Finding struct {
	ID           string            `json:"id"`
	Fingerprint  string            `json:"fingerprint"`
	Organization string            `json:"organization,omitempty"`
	Project      string            `json:"project,omitempty"`
	Repository   string            `json:"repository,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Severity     Severity          `json:"severity"`
	Category     Category          `json:"category"`
	FilePath     string            `json:"filePath"`
	LineNumber   *int              `json:"lineNumber,omitempty"`
	RuleID       string            `json:"ruleId"`
	Status       FindingStatus     `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Language is derived from the file extension unless the analyzer supplied
// one in metadata.
func (f *Finding) Language() string {
	if lang := f.Metadata["language"]; lang != "" {
		return lang
	}
	return LanguageForPath(f.FilePath)
}

func LanguageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".cs":
		return "csharp"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".php":
		return "php"
	default:
		return ""
	}
}

// FindingFilter narrows ListFindings. Zero values match everything.
type FindingFilter struct {
	Organization string
	Project      string
	Repository   string
	Status       FindingStatus
	Severity     Severity
	IDs          []string
}

func (f FindingFilter) Matches(fd *Finding) bool {
	if f.Organization != "" && fd.Organization != f.Organization {
		return false
	}
	if f.Project != "" && fd.Project != f.Project {
		return false
	}
	if f.Repository != "" && fd.Repository != f.Repository {
		return false
	}
	if f.Status != "" && fd.Status != f.Status {
		return false
	}
	if f.Severity != "" && fd.Severity != f.Severity {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == fd.ID {
				return true
			}
		}
		return false
	}
	return true
}
