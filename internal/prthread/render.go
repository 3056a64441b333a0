package prthread

import (
	"fmt"
	"math"
	"strings"

	"github.com/yourorg/security-advisor/internal/model"
)

// NoFindingsMarkdown is posted verbatim when nothing is open.
const NoFindingsMarkdown = "## Security Review: No Open Findings\n\nNo security findings require attention at this time."

const (
	reviewHeading      = "## Security Review"
	approvalHeading    = "Approval Status"
	virtualReviewPath  = "/.security-advisor/review.md"
	resolutionComment  = "✅ Resolved: the security finding(s) reported in this thread are no longer open."
	manualReviewNotice = "⚠️ **Manual review required.** A person must review and approve every recommendation above before any change is merged. Nothing in this review is applied or merged automatically."
	inlineFooter       = "_Automated suggestion. Requires manual review before merging._"
)

var severityIcons = map[model.Severity]string{
	model.SeverityCritical: "🔴",
	model.SeverityHigh:     "🟠",
	model.SeverityMedium:   "🟡",
	model.SeverityLow:      "🔵",
	model.SeverityInfo:     "⚪",
	model.SeverityUnknown:  "⚪",
}

func icon(s model.Severity) string {
	if i, ok := severityIcons[s]; ok {
		return i
	}
	return severityIcons[model.SeverityUnknown]
}

// reviewItem is one finding with its best recommendation, if any.
type reviewItem struct {
	Finding        model.Finding         `json:"finding"`
	Recommendation *model.Recommendation `json:"recommendation,omitempty"`
}

// acceptPreview reports whether backend-written markdown has the sections a
// review must carry.
func acceptPreview(md string) bool {
	return strings.Contains(md, reviewHeading) && strings.Contains(md, approvalHeading)
}

func percent(score float64) int {
	return int(math.Round(score * 100))
}

func location(f *model.Finding) string {
	if f.FilePath == "" {
		return ""
	}
	if f.LineNumber != nil {
		return fmt.Sprintf("`%s`:%d", f.FilePath, *f.LineNumber)
	}
	return "`" + f.FilePath + "`"
}

// renderReview is the deterministic review body. Items are grouped by
// severity, most severe first, keeping input order within a group.
func renderReview(items []reviewItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", reviewHeading)
	fmt.Fprintf(&b, "Found %d open security finding(s) in this pull request.\n", len(items))

	for _, sev := range model.SeverityOrder {
		var group []reviewItem
		for _, it := range items {
			if it.Finding.Severity == sev {
				group = append(group, it)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s %s (%d)\n", icon(sev), sev, len(group))
		for _, it := range group {
			writeItem(&b, it)
		}
	}

	fmt.Fprintf(&b, "\n---\n\n### %s\n\n%s\n", approvalHeading, manualReviewNotice)
	return b.String()
}

func writeItem(b *strings.Builder, it reviewItem) {
	f := &it.Finding
	fmt.Fprintf(b, "\n#### %s\n\n", f.Title)
	if loc := location(f); loc != "" {
		fmt.Fprintf(b, "- **File:** %s\n", loc)
	}
	if f.RuleID != "" {
		fmt.Fprintf(b, "- **Rule:** %s\n", f.RuleID)
	}
	rec := it.Recommendation
	if rec != nil {
		fmt.Fprintf(b, "- **Confidence:** %s (%d%%)\n", rec.Confidence, percent(rec.ConfidenceScore))
	} else {
		b.WriteString("- **Confidence:** not assessed\n")
	}
	if f.Description != "" {
		fmt.Fprintf(b, "\n%s\n", f.Description)
	}
	if rec != nil {
		fmt.Fprintf(b, "\n**Recommendation:** %s\n", rec.Title)
		if rec.RemediationSteps != "" {
			fmt.Fprintf(b, "\n%s\n", rec.RemediationSteps)
		}
		if len(rec.WhyNotFixReasons) > 0 {
			b.WriteString("\n**Why not fix automatically:**\n")
			for _, reason := range rec.WhyNotFixReasons {
				fmt.Fprintf(b, "- %s\n", reason)
			}
		}
	}
	fmt.Fprintf(b, "\nFinding ID: %s\n", f.ID)
}

// renderInline is the body of a thread anchored to the finding's own line.
func renderInline(f *model.Finding, rec *model.Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **Security finding: %s** (%s)\n", icon(f.Severity), f.Title, f.Severity)
	if f.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Description)
	}
	fmt.Fprintf(&b, "\n**Recommendation:** %s\n", rec.Title)
	if rec.RemediationSteps != "" {
		fmt.Fprintf(&b, "\n%s\n", rec.RemediationSteps)
	}
	if rec.CodeChanges != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", rec.CodeChanges)
	}
	fmt.Fprintf(&b, "\n**Confidence:** %s (%d%%)\n", rec.Confidence, percent(rec.ConfidenceScore))
	fmt.Fprintf(&b, "\nFinding ID: %s\n\n%s\n", f.ID, inlineFooter)
	return b.String()
}

var securityKeywords = []string{"security", "vulnerab", "finding id:", "cwe-"}

// isSecurityThread recognises threads this service (or an earlier version
// of it) wrote, by keyword or severity icon.
func isSecurityThread(content string) bool {
	lc := strings.ToLower(content)
	for _, k := range securityKeywords {
		if strings.Contains(lc, k) {
			return true
		}
	}
	for _, i := range severityIcons {
		if strings.Contains(content, i) {
			return true
		}
	}
	return false
}

// extractFindingIDs reads "ID:" and "Finding ID:" lines. Markdown emphasis
// and backticks around the label or value are ignored.
func extractFindingIDs(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "-* ")
		var rest string
		switch {
		case strings.HasPrefix(line, "Finding ID:"):
			rest = strings.TrimPrefix(line, "Finding ID:")
		case strings.HasPrefix(line, "ID:"):
			rest = strings.TrimPrefix(line, "ID:")
		default:
			continue
		}
		id := strings.Trim(strings.TrimSpace(rest), "*` ")
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func statusDescription(counts map[model.Severity]int) (StatusState, string) {
	crit, high := counts[model.SeverityCritical], counts[model.SeverityHigh]
	if crit > 0 || high > 0 {
		var parts []string
		if crit > 0 {
			parts = append(parts, fmt.Sprintf("%d critical-severity finding(s)", crit))
		}
		if high > 0 {
			parts = append(parts, fmt.Sprintf("%d high-severity finding(s)", high))
		}
		return StatusFailed, "Security review failed: " + strings.Join(parts, " and ") + " require attention"
	}
	var parts []string
	if n := counts[model.SeverityMedium]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d medium-severity finding(s)", n))
	}
	if n := counts[model.SeverityLow]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d low-severity finding(s)", n))
	}
	if len(parts) == 0 {
		return StatusSucceeded, "Security review passed: no critical or high-severity findings"
	}
	return StatusSucceeded, "Security review passed with " + strings.Join(parts, " and ") + " open"
}
