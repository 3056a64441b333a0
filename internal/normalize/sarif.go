package normalize

import (
	"encoding/json"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/fingerprint"
	"github.com/yourorg/security-advisor/internal/model"
)

type sarifLog struct {
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool         `json:"tool"`
	Results []json.RawMessage `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Rules   []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string    `json:"id"`
	ShortDescription sarifText `json:"shortDescription"`
	FullDescription  sarifText `json:"fullDescription"`
}

type sarifText struct {
	Text string `json:"text"`
}

// sarifMessage keeps Text nil when the field is absent so an empty message
// can be told apart from a missing one.
type sarifMessage struct {
	Text *string `json:"text"`
}

type sarifResult struct {
	RuleID    string          `json:"ruleId"`
	RuleIndex *int            `json:"ruleIndex"`
	Level     string          `json:"level"`
	Message   sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations"`
}

type sarifLocation struct {
	PhysicalLocation *sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifact `json:"artifactLocation"`
	Region           *sarifRegion  `json:"region"`
}

type sarifArtifact struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int        `json:"startLine"`
	EndLine   int        `json:"endLine"`
	Snippet   *sarifText `json:"snippet"`
}

var errMissingRuleID = errors.New("result has no ruleId")
var errMissingMessage = errors.New("result has no message text")

func sarifSeverity(level string) model.Severity {
	switch level {
	case "error":
		return model.SeverityHigh
	case "warning":
		return model.SeverityMedium
	case "note":
		return model.SeverityLow
	default:
		return model.SeverityUnknown
	}
}

// SARIF parses a SARIF 2.1 log. Only an undecodable document is an error;
// bad results are skipped.
func (n *Normalizer) SARIF(content []byte, src Source) (*Result, error) {
	var doc sarifLog
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, apperr.Validation("invalid SARIF document: %v", err)
	}
	out := &Result{}
	for runIdx, run := range doc.Runs {
		for resIdx, raw := range run.Results {
			f, err := n.sarifFinding(raw, run.Tool.Driver, src)
			if err != nil {
				out.Skipped++
				n.log.Warn("skipping malformed sarif result",
					zap.Int("run", runIdx), zap.Int("result", resIdx), zap.Error(err))
				continue
			}
			out.Findings = append(out.Findings, f)
		}
	}
	return out, nil
}

func (n *Normalizer) sarifFinding(raw json.RawMessage, driver sarifDriver, src Source) (model.Finding, error) {
	var r sarifResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Finding{}, err
	}
	var rule *sarifRule
	if r.RuleIndex != nil && *r.RuleIndex >= 0 && *r.RuleIndex < len(driver.Rules) {
		rule = &driver.Rules[*r.RuleIndex]
	}
	if r.RuleID == "" && rule != nil {
		r.RuleID = rule.ID
	}
	if r.RuleID == "" {
		return model.Finding{}, errMissingRuleID
	}
	if r.Message.Text == nil {
		return model.Finding{}, errMissingMessage
	}
	msg := *r.Message.Text
	if rule == nil {
		for i := range driver.Rules {
			if driver.Rules[i].ID == r.RuleID {
				rule = &driver.Rules[i]
				break
			}
		}
	}

	f := n.newFinding(src)
	f.RuleID = r.RuleID
	f.Title = msg
	if f.Title == "" {
		f.Title = r.RuleID
	}
	f.Description = msg
	if rule != nil && rule.FullDescription.Text != "" {
		f.Description = rule.FullDescription.Text
	} else if rule != nil && rule.ShortDescription.Text != "" {
		f.Description = rule.ShortDescription.Text
	}
	f.Severity = sarifSeverity(r.Level)
	f.Category = model.CategorySAST
	f.Metadata["level"] = r.Level
	if driver.Name != "" {
		f.Metadata["tool"] = driver.Name
	}

	var region *sarifRegion
	if len(r.Locations) > 0 && r.Locations[0].PhysicalLocation != nil {
		loc := r.Locations[0].PhysicalLocation
		f.FilePath = loc.ArtifactLocation.URI
		region = loc.Region
	}
	if lang := model.LanguageForPath(f.FilePath); lang != "" {
		f.Metadata["language"] = lang
	}

	switch {
	case region != nil && region.Snippet != nil && region.Snippet.Text != "":
		line := region.StartLine
		if line > 0 {
			f.LineNumber = &line
		}
		f.Fingerprint = fingerprint.FromSnippet(f.RuleID, f.FilePath, region.Snippet.Text, msg)
		f.Metadata["fingerprintStrategy"] = "snippet"
	case region != nil && region.StartLine > 0:
		line := region.StartLine
		f.LineNumber = &line
		end := region.EndLine
		if end < line {
			end = line
		}
		f.Fingerprint = fingerprint.FromLines(f.RuleID, f.FilePath, line, end, msg)
		f.Metadata["fingerprintStrategy"] = "lines"
		f.Metadata["endLine"] = strconv.Itoa(end)
	default:
		f.Fingerprint = fingerprint.FromLines(f.RuleID, f.FilePath, 0, 0, msg)
		f.Metadata["fingerprintStrategy"] = "lines"
	}
	return f, nil
}
