package scoring

import (
	"path"
	"strings"

	"github.com/yourorg/security-advisor/internal/model"
)

// VulnClass is a recognised vulnerability class with an established fix.
type VulnClass int

const (
	ClassSQLInjection VulnClass = iota + 1
	ClassXSS
	ClassCSRF
	ClassAuthentication
	ClassAuthorization
	ClassInputValidation
	ClassOutputEncoding
	ClassParameterizedQuery
)

func (c VulnClass) String() string {
	switch c {
	case ClassSQLInjection:
		return "SQL injection"
	case ClassXSS:
		return "cross-site scripting"
	case ClassCSRF:
		return "CSRF"
	case ClassAuthentication:
		return "authentication"
	case ClassAuthorization:
		return "authorization"
	case ClassInputValidation:
		return "input validation"
	case ClassOutputEncoding:
		return "output encoding"
	case ClassParameterizedQuery:
		return "parameterized query"
	default:
		return "unknown"
	}
}

// Technique is a remediation technique visible in the proposed code change.
type Technique int

const (
	TechniqueParameterization Technique = iota + 1
	TechniqueEncoding
)

func (t Technique) String() string {
	switch t {
	case TechniqueParameterization:
		return "query parameterization"
	case TechniqueEncoding:
		return "output encoding/escaping"
	default:
		return "unknown"
	}
}

// ChangeSignal marks something about the change that raises its risk.
type ChangeSignal int

const (
	SignalBroadChange ChangeSignal = iota + 1
	SignalCriticalConfig
	SignalDependencyChange
	SignalDynamicLanguage
)

func (s ChangeSignal) String() string {
	switch s {
	case SignalBroadChange:
		return "multi-file or architectural change"
	case SignalCriticalConfig:
		return "touches critical configuration or entrypoint"
	case SignalDependencyChange:
		return "changes package dependencies"
	case SignalDynamicLanguage:
		return "JavaScript/TypeScript code"
	default:
		return "unknown"
	}
}

// Classification is the tagged view of a finding/recommendation pair. It is
// the only place free text is inspected; every score and reason is computed
// from these tags.
type Classification struct {
	Classes         []VulnClass
	Techniques      []Technique
	Signals         []ChangeSignal
	ModelConfidence model.ConfidenceLevel
}

func (c Classification) HasTechnique(t Technique) bool {
	for _, x := range c.Techniques {
		if x == t {
			return true
		}
	}
	return false
}

func (c Classification) HasSignal(s ChangeSignal) bool {
	for _, x := range c.Signals {
		if x == s {
			return true
		}
	}
	return false
}

var classKeywords = []struct {
	keyword string
	class   VulnClass
}{
	{"sql injection", ClassSQLInjection},
	{"xss", ClassXSS},
	{"cross-site scripting", ClassXSS},
	{"csrf", ClassCSRF},
	{"authentication", ClassAuthentication},
	{"authorization", ClassAuthorization},
	{"input validation", ClassInputValidation},
	{"output encoding", ClassOutputEncoding},
	{"parameterized query", ClassParameterizedQuery},
}

var techniqueKeywords = []struct {
	keywords  []string
	technique Technique
}{
	{[]string{"parameterized", "prepared statement"}, TechniqueParameterization},
	{[]string{"html encode", "escape"}, TechniqueEncoding},
}

var broadChangeKeywords = []string{
	"multiple files", "several files", "across files", "multi-file",
	"refactor", "architecture", "architectural", "restructure",
}

var dependencyKeywords = []string{
	"package.json", "package-lock.json", "npm install", "yarn add", "requirements.txt",
	"pip install", "go.mod", "go get", "nuget", "packages.config", "dotnet add package",
	"pom.xml", "build.gradle", "gemfile", "upgrade the package", "update the dependency",
}

// Classify derives the tags. Vulnerability classes come from the finding
// title/description and the recommendation description/remediation steps;
// techniques from the code changes; change signals from the code changes,
// remediation steps and the finding's path and language.
func Classify(f *model.Finding, r *model.Recommendation, modelConfidence model.ConfidenceLevel) Classification {
	c := Classification{ModelConfidence: modelConfidence}

	issueText := lower(f.Title, f.Description, r.Description, r.RemediationSteps)
	seen := map[VulnClass]bool{}
	for _, k := range classKeywords {
		if strings.Contains(issueText, k.keyword) && !seen[k.class] {
			seen[k.class] = true
			c.Classes = append(c.Classes, k.class)
		}
	}

	changeText := lower(r.CodeChanges)
	for _, t := range techniqueKeywords {
		if containsAny(changeText, t.keywords) {
			c.Techniques = append(c.Techniques, t.technique)
		}
	}

	scopeText := lower(r.CodeChanges, r.RemediationSteps)
	if containsAny(scopeText, broadChangeKeywords) {
		c.Signals = append(c.Signals, SignalBroadChange)
	}
	if IsCriticalConfigPath(f.FilePath) {
		c.Signals = append(c.Signals, SignalCriticalConfig)
	}
	if containsAny(scopeText, dependencyKeywords) {
		c.Signals = append(c.Signals, SignalDependencyChange)
	}
	switch f.Language() {
	case "javascript", "typescript":
		c.Signals = append(c.Signals, SignalDynamicLanguage)
	}
	return c
}

// IsCriticalConfigPath matches web.config, appsettings*.json and
// Startup/Program entrypoints.
func IsCriticalConfigPath(p string) bool {
	base := strings.ToLower(path.Base(strings.ReplaceAll(p, "\\", "/")))
	switch {
	case base == "web.config":
		return true
	case strings.HasPrefix(base, "appsettings") && strings.HasSuffix(base, ".json"):
		return true
	case strings.HasPrefix(base, "startup."), strings.HasPrefix(base, "program."):
		return true
	default:
		return false
	}
}

func lower(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "\n"))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
