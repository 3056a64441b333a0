package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/fingerprint"
	"github.com/yourorg/security-advisor/internal/model"
)

type cdxBOM struct {
	BOMFormat       string            `json:"bomFormat"`
	Components      []cdxComponent    `json:"components"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

type cdxComponent struct {
	BOMRef  string `json:"bom-ref"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Purl    string `json:"purl"`
}

type cdxVulnerability struct {
	ID             string      `json:"id"`
	Description    string      `json:"description"`
	Detail         string      `json:"detail"`
	Recommendation string      `json:"recommendation"`
	Ratings        []cdxRating `json:"ratings"`
	Affects        []cdxAffect `json:"affects"`
	CWEs           []int       `json:"cwes"`
}

type cdxRating struct {
	Severity string   `json:"severity"`
	Score    *float64 `json:"score"`
	Method   string   `json:"method"`
}

type cdxAffect struct {
	Ref      string             `json:"ref"`
	Versions []cdxAffectVersion `json:"versions"`
}

type cdxAffectVersion struct {
	Version string `json:"version"`
	Status  string `json:"status"`
}

var errMissingVulnID = errors.New("vulnerability has no id")

// SupportedSBOMFormat reports whether format names CycloneDX JSON. Empty
// means the default, CycloneDX.
func SupportedSBOMFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", "cyclonedx", "cyclonedx-json", "cyclonedx+json":
		return true
	default:
		return false
	}
}

func sbomSeverity(s string) model.Severity {
	if strings.EqualFold(s, "none") {
		return model.SeverityInfo
	}
	sev, ok := model.ParseSeverity(s)
	if !ok {
		return model.SeverityUnknown
	}
	return sev
}

// canonicalVersion maps "1.2" and "v1.2.0" to "v1.2.0"; invalid versions
// return "".
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// SBOM parses a CycloneDX JSON document's vulnerabilities section.
func (n *Normalizer) SBOM(content []byte, format string, src Source) (*Result, error) {
	if !SupportedSBOMFormat(format) {
		return nil, apperr.Validation("unsupported SBOM format %q", format)
	}
	var doc cdxBOM
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, apperr.Validation("invalid SBOM document: %v", err)
	}
	components := make(map[string]cdxComponent, len(doc.Components))
	for _, c := range doc.Components {
		if c.BOMRef != "" {
			components[c.BOMRef] = c
		}
		if c.Purl != "" {
			components[c.Purl] = c
		}
	}
	out := &Result{}
	for i, raw := range doc.Vulnerabilities {
		f, err := n.sbomFinding(raw, components, src)
		if err != nil {
			out.Skipped++
			n.log.Warn("skipping malformed sbom vulnerability", zap.Int("index", i), zap.Error(err))
			continue
		}
		out.Findings = append(out.Findings, f)
	}
	return out, nil
}

func (n *Normalizer) sbomFinding(raw json.RawMessage, components map[string]cdxComponent, src Source) (model.Finding, error) {
	var v cdxVulnerability
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.Finding{}, err
	}
	if strings.TrimSpace(v.ID) == "" {
		return model.Finding{}, errMissingVulnID
	}

	f := n.newFinding(src)
	f.RuleID = v.ID
	f.Description = v.Description
	if f.Description == "" {
		f.Description = v.Detail
	}
	f.Category = model.CategorySCA
	f.Severity = model.SeverityUnknown
	if len(v.Ratings) > 0 {
		f.Severity = sbomSeverity(v.Ratings[0].Severity)
	}
	if v.Recommendation != "" {
		f.Metadata["recommendation"] = v.Recommendation
	}
	if len(v.CWEs) > 0 {
		cwes := make([]string, 0, len(v.CWEs))
		for _, c := range v.CWEs {
			cwes = append(cwes, fmt.Sprintf("CWE-%d", c))
		}
		f.Metadata["cwes"] = strings.Join(cwes, ",")
	}

	refs := make([]string, 0, len(v.Affects))
	var primary cdxAffect
	for _, a := range v.Affects {
		if a.Ref == "" {
			continue
		}
		if len(refs) == 0 {
			primary = a
		}
		refs = append(refs, a.Ref)
	}
	f.Title = v.ID
	if len(refs) > 0 {
		f.FilePath = refs[0]
		if c, ok := components[refs[0]]; ok {
			f.Title = fmt.Sprintf("%s in %s@%s", v.ID, c.Name, c.Version)
			f.Metadata["component"] = c.Name
			f.Metadata["componentVersion"] = c.Version
			if cv := canonicalVersion(c.Version); cv != "" {
				f.Metadata["componentVersion"] = cv
				if fixed := firstUnaffected(primary, cv); fixed != "" {
					f.Metadata["fixedVersion"] = fixed
					if semver.Major(fixed) != semver.Major(cv) {
						f.Metadata["majorUpgrade"] = "true"
					}
				}
			}
		}
	}
	f.Fingerprint = fingerprint.FromSnippet(f.RuleID, f.FilePath, strings.Join(refs, ","), f.Description)
	f.Metadata["fingerprintStrategy"] = "snippet"
	return f, nil
}

// firstUnaffected returns the lowest unaffected version above current.
func firstUnaffected(a cdxAffect, current string) string {
	best := ""
	for _, av := range a.Versions {
		if av.Status != "unaffected" {
			continue
		}
		cv := canonicalVersion(av.Version)
		if cv == "" || semver.Compare(cv, current) <= 0 {
			continue
		}
		if best == "" || semver.Compare(cv, best) < 0 {
			best = cv
		}
	}
	return best
}
