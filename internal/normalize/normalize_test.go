package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/fingerprint"
	"github.com/yourorg/security-advisor/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(t *testing.T) *Normalizer {
	return New(zaptest.NewLogger(t)).WithClock(func() time.Time { return fixedNow })
}

const sarifDoc = `{
  "version": "2.1.0",
  "runs": [{
    "tool": {"driver": {"name": "semgrep", "rules": [
      {"id": "CWE-89", "fullDescription": {"text": "User input flows into a SQL query."}}
    ]}},
    "results": [
      {"ruleId": "CWE-89", "level": "error", "message": {"text": "SQL Injection"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "src/db.py"},
         "region": {"startLine": 12, "snippet": {"text": "cursor.execute(q % x)"}}}}]},
      {"ruleId": "xss", "level": "warning", "message": {"text": "Reflected XSS"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "web/app.ts"},
         "region": {"startLine": 4, "endLine": 6}}}]},
      {"ruleId": "info-leak", "level": "note", "message": {"text": "Verbose error"}},
      {"ruleId": "odd", "level": "none", "message": {"text": "Unclassified"}},
      "not-an-object",
      {"level": "error", "message": {"text": "no rule"}},
      {"ruleId": "no-message", "level": "error", "message": {}}
    ]
  }]
}`

func TestSARIF_MapsResults(t *testing.T) {
	n := newTestNormalizer(t)
	res, err := n.SARIF([]byte(sarifDoc), Source{Organization: "acme", Project: "shop", Repository: "api"})
	require.NoError(t, err)
	require.Len(t, res.Findings, 4)
	assert.Equal(t, 3, res.Skipped)

	sqli := res.Findings[0]
	assert.Equal(t, "CWE-89", sqli.RuleID)
	assert.Equal(t, "SQL Injection", sqli.Title)
	assert.Equal(t, "User input flows into a SQL query.", sqli.Description)
	assert.Equal(t, model.SeverityHigh, sqli.Severity)
	assert.Equal(t, model.CategorySAST, sqli.Category)
	assert.Equal(t, model.StatusOpen, sqli.Status)
	assert.Equal(t, "src/db.py", sqli.FilePath)
	require.NotNil(t, sqli.LineNumber)
	assert.Equal(t, 12, *sqli.LineNumber)
	assert.Equal(t, "acme", sqli.Organization)
	assert.Equal(t, fixedNow, sqli.CreatedAt)
	assert.Equal(t, fingerprint.FromSnippet("CWE-89", "src/db.py", "cursor.execute(q % x)", "SQL Injection"), sqli.Fingerprint)
	assert.Equal(t, "python", sqli.Metadata["language"])

	xss := res.Findings[1]
	assert.Equal(t, model.SeverityMedium, xss.Severity)
	assert.Equal(t, fingerprint.FromLines("xss", "web/app.ts", 4, 6, "Reflected XSS"), xss.Fingerprint)
	assert.Equal(t, "typescript", xss.Metadata["language"])

	assert.Equal(t, model.SeverityLow, res.Findings[2].Severity)
	assert.Nil(t, res.Findings[2].LineNumber)
	assert.Equal(t, model.SeverityUnknown, res.Findings[3].Severity)

	sum := res.Summary()
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.High)
	assert.Equal(t, 0, sum.Critical)
}

func TestSARIF_EmptyMessageIsKept(t *testing.T) {
	doc := `{"version": "2.1.0", "runs": [{"tool": {"driver": {"name": "gosec"}}, "results": [
  {"ruleId": "G104", "level": "warning", "message": {"text": ""},
   "locations": [{"physicalLocation": {"artifactLocation": {"uri": "main.go"}, "region": {"startLine": 7}}}]},
  {"ruleId": "G101", "level": "error"}
]}]}`
	res, err := newTestNormalizer(t).SARIF([]byte(doc), Source{})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, 1, res.Skipped)

	f := res.Findings[0]
	assert.Equal(t, "G104", f.RuleID)
	assert.Equal(t, "G104", f.Title)
	assert.Empty(t, f.Description)
	assert.Equal(t, model.SeverityMedium, f.Severity)
	assert.Equal(t, fingerprint.FromLines("G104", "main.go", 7, 7, ""), f.Fingerprint)
}

func TestSARIF_StableFingerprintAcrossRuns(t *testing.T) {
	n := newTestNormalizer(t)
	a, err := n.SARIF([]byte(sarifDoc), Source{})
	require.NoError(t, err)
	b, err := n.SARIF([]byte(sarifDoc), Source{})
	require.NoError(t, err)
	for i := range a.Findings {
		assert.Equal(t, a.Findings[i].Fingerprint, b.Findings[i].Fingerprint)
		assert.NotEqual(t, a.Findings[i].ID, b.Findings[i].ID)
	}
}

func TestSARIF_InvalidDocument(t *testing.T) {
	_, err := newTestNormalizer(t).SARIF([]byte("{not json"), Source{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

const sbomDoc = `{
  "bomFormat": "CycloneDX",
  "components": [{"bom-ref": "pkg:npm/lodash@4.17.20", "name": "lodash", "version": "4.17.20"}],
  "vulnerabilities": [
    {"id": "CVE-2021-23337", "description": "Command injection in template",
     "ratings": [{"severity": "high"}, {"severity": "critical"}],
     "cwes": [94],
     "affects": [{"ref": "pkg:npm/lodash@4.17.20",
       "versions": [{"version": "4.17.21", "status": "unaffected"}, {"version": "5.0.0", "status": "unaffected"}]}]},
    {"id": "CVE-2020-0001", "ratings": [{"severity": "none"}]},
    {"id": "", "description": "missing id"},
    42
  ]
}`

func TestSBOM_MapsVulnerabilities(t *testing.T) {
	n := newTestNormalizer(t)
	res, err := n.SBOM([]byte(sbomDoc), "", Source{Repository: "web"})
	require.NoError(t, err)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, 2, res.Skipped)

	f := res.Findings[0]
	assert.Equal(t, "CVE-2021-23337", f.RuleID)
	assert.Equal(t, "Command injection in template", f.Description)
	assert.Equal(t, model.SeverityHigh, f.Severity)
	assert.Equal(t, model.CategorySCA, f.Category)
	assert.Equal(t, "CVE-2021-23337 in lodash@4.17.20", f.Title)
	assert.Equal(t, "v4.17.20", f.Metadata["componentVersion"])
	assert.Equal(t, "v4.17.21", f.Metadata["fixedVersion"])
	assert.Empty(t, f.Metadata["majorUpgrade"])
	assert.Equal(t, "CWE-94", f.Metadata["cwes"])

	assert.Equal(t, model.SeverityInfo, res.Findings[1].Severity)
}

func TestSBOM_FixedVersionFollowsReferencedAffect(t *testing.T) {
	doc := `{
  "bomFormat": "CycloneDX",
  "components": [{"bom-ref": "pkg:npm/lodash@4.17.20", "name": "lodash", "version": "4.17.20"}],
  "vulnerabilities": [
    {"id": "CVE-2021-23337",
     "affects": [
       {"ref": "", "versions": [{"version": "9.0.0", "status": "unaffected"}]},
       {"ref": "pkg:npm/lodash@4.17.20", "versions": [{"version": "4.17.21", "status": "unaffected"}]}]}
  ]
}`
	res, err := newTestNormalizer(t).SBOM([]byte(doc), "", Source{})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	assert.Equal(t, "pkg:npm/lodash@4.17.20", f.FilePath)
	assert.Equal(t, "v4.17.21", f.Metadata["fixedVersion"])
	assert.Empty(t, f.Metadata["majorUpgrade"])
}

func TestSBOM_UnsupportedFormat(t *testing.T) {
	_, err := newTestNormalizer(t).SBOM([]byte(sbomDoc), "spdx", Source{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCanonicalVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", canonicalVersion("1.2"))
	assert.Equal(t, "v1.2.3", canonicalVersion("v1.2.3"))
	assert.Equal(t, "", canonicalVersion("not-a-version"))
	assert.Equal(t, "", canonicalVersion(""))
}
