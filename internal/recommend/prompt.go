package recommend

import (
	"fmt"
	"slices"
	"strings"

	"github.com/yourorg/security-advisor/internal/model"
)

// Context is the optional material a caller can hand the generator beyond
// the finding itself.
type Context struct {
	CodeSnippet       string `json:"codeSnippet,omitempty"`
	FileContent       string `json:"fileContent,omitempty"`
	AdditionalContext string `json:"additionalContext,omitempty"`
}

// InputsUsed records which inputs reached the prompt, for analysis metadata.
func (c Context) InputsUsed(f *model.Finding) map[string]bool {
	return map[string]bool{
		"finding":           true,
		"codeSnippet":       c.CodeSnippet != "",
		"fileContent":       c.FileContent != "",
		"additionalContext": c.AdditionalContext != "",
		"metadata":          len(f.Metadata) > 0,
	}
}

const systemPrompt = `You are a senior application security engineer reviewing static analysis and dependency findings.
For the finding you are given, propose a minimal, safe remediation.
Respond with a single JSON object and nothing else, using exactly these keys:
  "title": short name of the fix
  "description": what is wrong and why it matters
  "riskAssessment": impact if left unfixed
  "remediationSteps": ordered steps a developer should follow
  "codeChanges": the code to change, as a snippet or patch
  "justification": why this fix addresses the root cause
  "confidence": one of "High", "Medium", "Low" describing how sure you are the fix is correct and safe
Never claim the change can be merged without human review.`

// maxFileContent bounds how much of a file goes into the prompt.
const maxFileContent = 12000

func buildUserPrompt(f *model.Finding, c Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Finding: %s\n", f.Title)
	fmt.Fprintf(&b, "Rule: %s\n", f.RuleID)
	fmt.Fprintf(&b, "Severity: %s\n", f.Severity)
	fmt.Fprintf(&b, "Category: %s\n", f.Category)
	if f.FilePath != "" {
		loc := f.FilePath
		if f.LineNumber != nil {
			loc = fmt.Sprintf("%s:%d", f.FilePath, *f.LineNumber)
		}
		fmt.Fprintf(&b, "Location: %s\n", loc)
	}
	if lang := f.Language(); lang != "" {
		fmt.Fprintf(&b, "Language: %s\n", lang)
	}
	if f.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", f.Description)
	}
	if len(f.Metadata) > 0 {
		b.WriteString("\nAnalyzer metadata:\n")
		keys := make([]string, 0, len(f.Metadata))
		for k := range f.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, f.Metadata[k])
		}
	}
	if c.CodeSnippet != "" {
		fmt.Fprintf(&b, "\nVulnerable code:\n```\n%s\n```\n", c.CodeSnippet)
	}
	if c.FileContent != "" {
		content := c.FileContent
		if len(content) > maxFileContent {
			content = content[:maxFileContent] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "\nFull file:\n```\n%s\n```\n", content)
	}
	if c.AdditionalContext != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", c.AdditionalContext)
	}
	return b.String()
}
