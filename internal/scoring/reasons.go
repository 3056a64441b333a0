package scoring

import "github.com/yourorg/security-advisor/internal/model"

// Reason explains why a low-confidence fix should not be applied
// automatically.
type Reason int

const (
	ReasonBreakingChange Reason = iota + 1
	ReasonUnestablishedPattern
	ReasonPossibleFalsePositive
	ReasonLowModelConfidence
	ReasonDependencyCompatibility
	ReasonBelowThreshold
)

func (r Reason) String() string {
	switch r {
	case ReasonBreakingChange:
		return "The proposed change may introduce breaking functionality"
	case ReasonUnestablishedPattern:
		return "The fix pattern is not well-established for this vulnerability type"
	case ReasonPossibleFalsePositive:
		return "Low severity finding that may be a false positive"
	case ReasonLowModelConfidence:
		return "Automated analysis confidence is low"
	case ReasonDependencyCompatibility:
		return "Dependency updates may cause compatibility issues"
	case ReasonBelowThreshold:
		return "Overall confidence is below the automatic fix threshold; manual review is recommended"
	default:
		return "Unknown reason"
	}
}

// whyNotFix is empty unless overall < MediumThreshold. If no specific rule
// fires it falls back to ReasonBelowThreshold, so a low score always carries
// at least one reason.
func whyNotFix(d *Details, f *model.Finding) []Reason {
	if d.OverallScore >= MediumThreshold {
		return nil
	}
	var out []Reason
	if d.ChangeRiskScore < 0.5 {
		out = append(out, ReasonBreakingChange)
	}
	if d.FixPatternScore < 0.5 {
		out = append(out, ReasonUnestablishedPattern)
	}
	if f.Severity == model.SeverityLow || f.Severity == model.SeverityInfo {
		out = append(out, ReasonPossibleFalsePositive)
	}
	if d.ModelAgreementScore < 0.5 {
		out = append(out, ReasonLowModelConfidence)
	}
	if f.Category == model.CategorySCA && d.ChangeRiskScore < 0.6 {
		out = append(out, ReasonDependencyCompatibility)
	}
	if len(out) == 0 {
		out = append(out, ReasonBelowThreshold)
	}
	return out
}
