package recommend

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

// text accepts a JSON string or an array of strings; arrays are joined one
// item per line. Backends disagree on how to return step lists.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	if b[0] == '[' {
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*t = text(strings.Join(items, "\n"))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = text(s)
	return nil
}

type response struct {
	Title            text   `json:"title"`
	Description      text   `json:"description"`
	RiskAssessment   text   `json:"riskAssessment"`
	RemediationSteps text   `json:"remediationSteps"`
	CodeChanges      text   `json:"codeChanges"`
	Justification    text   `json:"justification"`
	Confidence       string `json:"confidence"`
}

// parseResponse pulls the first JSON object out of the backend's text,
// tolerating markdown fences and chatter around it.
func parseResponse(raw string) (*response, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, apperr.Wrap(apperr.KindParse, errNoObject, "parse generation response")
	}
	var r response
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, err, "parse generation response")
	}
	if strings.TrimSpace(string(r.Title)) == "" && strings.TrimSpace(string(r.RemediationSteps)) == "" {
		return nil, apperr.Wrap(apperr.KindParse, errEmpty, "parse generation response")
	}
	return &r, nil
}

var (
	errNoObject = errors.New("no JSON object in response")
	errEmpty    = errors.New("response has neither title nor remediation steps")
)

func (r *response) recommendation(findingID string) *model.Recommendation {
	return &model.Recommendation{
		FindingID:        findingID,
		Title:            strings.TrimSpace(string(r.Title)),
		Description:      strings.TrimSpace(string(r.Description)),
		RiskAssessment:   strings.TrimSpace(string(r.RiskAssessment)),
		RemediationSteps: strings.TrimSpace(string(r.RemediationSteps)),
		CodeChanges:      strings.TrimSpace(string(r.CodeChanges)),
		Justification:    strings.TrimSpace(string(r.Justification)),
	}
}

// fallback is used whenever the backend answer cannot be parsed. It is
// scored like any other recommendation with the backend's confidence taken
// as Low.
func fallback(f *model.Finding) *model.Recommendation {
	return &model.Recommendation{
		FindingID:        f.ID,
		Title:            "Manual review required",
		Description:      "Automated remediation could not be generated for " + f.Title + ".",
		RiskAssessment:   "Unknown. The finding has not been assessed automatically.",
		RemediationSteps: "Review the finding manually and apply a fix following the rule guidance for " + f.RuleID + ".",
		Justification:    "The generation backend returned a response that could not be interpreted.",
	}
}
