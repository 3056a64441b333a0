package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/security-advisor/internal/model"
)

func sqlFinding() *model.Finding {
	return &model.Finding{
		Title:       "SQL Injection in login handler",
		Description: "User input is concatenated into a query.",
		Severity:    model.SeverityCritical,
		Category:    model.CategorySAST,
		FilePath:    "src/Controllers/LoginController.cs",
	}
}

func TestScore_HighConfidenceParameterizedFix(t *testing.T) {
	f := sqlFinding()
	r := &model.Recommendation{
		Description:      "Use a parameterized query instead of string concatenation.",
		RemediationSteps: "Replace the concatenated SQL with a parameterized query.",
		CodeChanges:      "cmd.CommandText = \"SELECT * FROM users WHERE name = @name\";",
	}

	d := NewEngine().Score(f, r, model.ConfidenceHigh)

	assert.Equal(t, 0.9, d.SeverityScore)
	assert.Equal(t, 0.8, d.FixPatternScore)
	assert.Equal(t, 0.7, d.ChangeRiskScore)
	assert.Equal(t, 0.9, d.ModelAgreementScore)
	assert.Equal(t, 0.825, d.OverallScore)
	assert.Equal(t, model.ConfidenceHigh, d.Confidence)
	assert.Empty(t, d.Reasons)
}

func TestScore_RefactorTouchingWebConfig(t *testing.T) {
	f := sqlFinding()
	f.FilePath = "src/web.config"
	r := &model.Recommendation{
		Description: "Use a parameterized query.",
		CodeChanges: "Refactor the data access layer and update web.config connection settings.",
	}

	d := NewEngine().Score(f, r, model.ConfidenceHigh)

	assert.Equal(t, 0.2, d.ChangeRiskScore)
	assert.True(t, d.Classification.HasSignal(SignalBroadChange))
	assert.True(t, d.Classification.HasSignal(SignalCriticalConfig))
	assert.Equal(t, 0.7, d.OverallScore)
	assert.Equal(t, model.ConfidenceMedium, d.Confidence)
	assert.Empty(t, d.Reasons)
}

func TestScore_LowConfidenceCarriesReasons(t *testing.T) {
	f := &model.Finding{Title: "Verbose logging", Severity: model.SeverityLow, Category: model.CategorySAST, FilePath: "Startup.cs"}
	r := &model.Recommendation{CodeChanges: "Refactor logging across multiple files."}

	d := NewEngine().Score(f, r, model.ConfidenceLow)

	assert.Equal(t, 0.355, d.OverallScore)
	assert.Equal(t, model.ConfidenceLow, d.Confidence)
	assert.Equal(t, []Reason{ReasonBreakingChange, ReasonPossibleFalsePositive, ReasonLowModelConfidence}, d.Reasons)
}

func TestScore_GenericReasonFallback(t *testing.T) {
	f := &model.Finding{Title: "Something odd", Severity: model.SeverityUnknown, Category: model.CategorySAST, FilePath: "main.go"}
	r := &model.Recommendation{}

	d := NewEngine().Score(f, r, "")

	assert.Equal(t, 0.49, d.OverallScore)
	assert.Equal(t, []Reason{ReasonBelowThreshold}, d.Reasons)
}

func TestScore_DependencyCompatibility(t *testing.T) {
	f := &model.Finding{Title: "CVE-2021-23337 in lodash@4.17.20", Severity: model.SeverityMedium, Category: model.CategorySCA, FilePath: "pkg:npm/lodash@4.17.20"}
	r := &model.Recommendation{CodeChanges: "npm install lodash@4.17.21 and refactor template helpers"}

	d := NewEngine().Score(f, r, model.ConfidenceLow)

	assert.Equal(t, 0.4, d.ChangeRiskScore)
	assert.Contains(t, d.Reasons, ReasonDependencyCompatibility)
	assert.Contains(t, d.Reasons, ReasonBreakingChange)
}

func TestScore_JavaScriptPenalty(t *testing.T) {
	f := &model.Finding{Title: "Reflected XSS", Severity: model.SeverityHigh, Category: model.CategorySAST, FilePath: "web/app.tsx"}
	r := &model.Recommendation{CodeChanges: "escape the value with encodeURIComponent"}

	d := NewEngine().Score(f, r, model.ConfidenceMedium)

	assert.Equal(t, 1.0, d.FixPatternScore)
	assert.Equal(t, 0.6, d.ChangeRiskScore)
}

func TestFixPatternScore_Capped(t *testing.T) {
	c := Classification{
		Classes:    []VulnClass{ClassXSS},
		Techniques: []Technique{TechniqueParameterization, TechniqueEncoding},
	}
	assert.Equal(t, 1.0, FixPatternScore(c))
}

func TestChangeRiskScore_Floor(t *testing.T) {
	c := Classification{Signals: []ChangeSignal{SignalBroadChange, SignalCriticalConfig, SignalDependencyChange, SignalDynamicLanguage}}
	assert.Equal(t, 0.1, ChangeRiskScore(c))
}

func TestCategorize_Boundaries(t *testing.T) {
	assert.Equal(t, model.ConfidenceHigh, Categorize(0.8))
	assert.Equal(t, model.ConfidenceMedium, Categorize(0.79999))
	assert.Equal(t, model.ConfidenceMedium, Categorize(0.6))
	assert.Equal(t, model.ConfidenceLow, Categorize(0.59999))
	assert.Equal(t, model.ConfidenceLow, Categorize(0))
	assert.Equal(t, model.ConfidenceHigh, Categorize(1))
}

func TestSeverityScore(t *testing.T) {
	tests := []struct {
		sev  model.Severity
		want float64
	}{
		{model.SeverityCritical, 0.9},
		{model.SeverityHigh, 0.8},
		{model.SeverityMedium, 0.6},
		{model.SeverityLow, 0.4},
		{model.SeverityInfo, 0.2},
		{model.SeverityUnknown, 0.3},
		{model.Severity("Bogus"), 0.3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityScore(tt.sev), string(tt.sev))
	}
}

func TestParseModelConfidence(t *testing.T) {
	assert.Equal(t, model.ConfidenceHigh, ParseModelConfidence(" HIGH "))
	assert.Equal(t, model.ConfidenceLow, ParseModelConfidence("low"))
	assert.Equal(t, model.ConfidenceLevel(""), ParseModelConfidence("certain"))
	assert.Equal(t, 0.5, ModelAgreementScore(ParseModelConfidence("certain")))
}

// Every combination of inputs must stay in bounds and honour the
// reasons-iff-low rule.
func TestScore_BoundsAndReasonInvariant(t *testing.T) {
	titles := []string{"Unclassified issue", "SQL Injection", "CSRF token missing"}
	changes := []string{"", "use a prepared statement", "html encode output", "refactor; npm install x; parameterized; escape"}
	paths := []string{"main.go", "web.config", "app.js", "appsettings.Production.json"}
	levels := []model.ConfidenceLevel{"", model.ConfidenceLow, model.ConfidenceMedium, model.ConfidenceHigh}
	categories := []model.Category{model.CategorySAST, model.CategorySCA}

	e := NewEngine()
	for _, sev := range model.SeverityOrder {
		for _, title := range titles {
			for _, change := range changes {
				for _, p := range paths {
					for _, lvl := range levels {
						for _, cat := range categories {
							f := &model.Finding{Title: title, Severity: sev, Category: cat, FilePath: p}
							r := &model.Recommendation{CodeChanges: change}
							name := fmt.Sprintf("%s/%s/%s/%s/%s/%s", sev, title, change, p, lvl, cat)

							d := e.Apply(f, r, lvl)

							require.GreaterOrEqual(t, d.ChangeRiskScore, 0.1, name)
							require.LessOrEqual(t, d.ChangeRiskScore, 1.0, name)
							require.GreaterOrEqual(t, d.OverallScore, 0.0, name)
							require.LessOrEqual(t, d.OverallScore, 1.0, name)
							require.Equal(t, d.OverallScore < MediumThreshold, len(r.WhyNotFixReasons) > 0, name)
							require.Equal(t, d.OverallScore, r.ConfidenceScore, name)
							require.Equal(t, Categorize(d.OverallScore), r.Confidence, name)
						}
					}
				}
			}
		}
	}
}

func TestIsCriticalConfigPath(t *testing.T) {
	for _, p := range []string{"web.config", "src\\Web.Config", "appsettings.json", "config/appsettings.Development.json", "Program.cs", "startup.cs"} {
		assert.True(t, IsCriticalConfigPath(p), p)
	}
	for _, p := range []string{"", "webconfig.txt", "settings.json", "programs/list.cs"} {
		assert.False(t, IsCriticalConfigPath(p), p)
	}
}
