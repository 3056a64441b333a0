// Package scoring computes how confident the advisor is that a proposed
// remediation can be applied without a human.
//
//	overall = 0.30*severity + 0.25*fixPattern + 0.25*changeRisk + 0.20*modelAgreement
//
// The engine is pure: same finding and recommendation, same score.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/yourorg/security-advisor/internal/model"
)

const (
	WeightSeverity       = 0.30
	WeightFixPattern     = 0.25
	WeightChangeRisk     = 0.25
	WeightModelAgreement = 0.20

	HighThreshold   = 0.8
	MediumThreshold = 0.6

	changeRiskFloor = 0.1
)

// Details is the full record of one scoring run. It is not persisted.
type Details struct {
	SeverityScore       float64
	FixPatternScore     float64
	ChangeRiskScore     float64
	ModelAgreementScore float64
	OverallScore        float64
	Confidence          model.ConfidenceLevel
	Explanation         string
	Factors             []string
	Reasons             []Reason
	Classification      Classification
}

func (d *Details) Breakdown() model.ConfidenceBreakdown {
	return model.ConfidenceBreakdown{
		SeverityScore:       d.SeverityScore,
		FixPatternScore:     d.FixPatternScore,
		ChangeRiskScore:     d.ChangeRiskScore,
		ModelAgreementScore: d.ModelAgreementScore,
		OverallScore:        d.OverallScore,
	}
}

func (d *Details) ReasonMessages() []string {
	out := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		out = append(out, r.String())
	}
	return out
}

type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Score classifies the pair and computes every sub-score.
func (e *Engine) Score(f *model.Finding, r *model.Recommendation, modelConfidence model.ConfidenceLevel) Details {
	c := Classify(f, r, modelConfidence)
	d := Details{
		SeverityScore:       SeverityScore(f.Severity),
		FixPatternScore:     FixPatternScore(c),
		ChangeRiskScore:     ChangeRiskScore(c),
		ModelAgreementScore: ModelAgreementScore(modelConfidence),
		Classification:      c,
	}
	d.OverallScore = round6(WeightSeverity*d.SeverityScore +
		WeightFixPattern*d.FixPatternScore +
		WeightChangeRisk*d.ChangeRiskScore +
		WeightModelAgreement*d.ModelAgreementScore)
	d.Confidence = Categorize(d.OverallScore)
	d.Factors = factors(c, f)
	d.Reasons = whyNotFix(&d, f)
	d.Explanation = explain(&d)
	return d
}

// Apply scores r and writes the result onto it.
func (e *Engine) Apply(f *model.Finding, r *model.Recommendation, modelConfidence model.ConfidenceLevel) Details {
	d := e.Score(f, r, modelConfidence)
	r.Confidence = d.Confidence
	r.ConfidenceScore = d.OverallScore
	r.ConfidenceExplanation = d.Explanation
	r.WhyNotFixReasons = d.ReasonMessages()
	return d
}

// Categorize maps an overall score to a level. Both thresholds are
// inclusive lower bounds.
func Categorize(overall float64) model.ConfidenceLevel {
	switch {
	case overall >= HighThreshold:
		return model.ConfidenceHigh
	case overall >= MediumThreshold:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func SeverityScore(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 0.9
	case model.SeverityHigh:
		return 0.8
	case model.SeverityMedium:
		return 0.6
	case model.SeverityLow:
		return 0.4
	case model.SeverityInfo:
		return 0.2
	default:
		return 0.3
	}
}

func FixPatternScore(c Classification) float64 {
	score := 0.5
	if len(c.Classes) > 0 {
		score += 0.3
	}
	if c.HasTechnique(TechniqueParameterization) {
		score += 0.2
	}
	if c.HasTechnique(TechniqueEncoding) {
		score += 0.2
	}
	return round6(math.Min(score, 1.0))
}

func ChangeRiskScore(c Classification) float64 {
	score := 0.7
	if c.HasSignal(SignalBroadChange) {
		score -= 0.2
	}
	if c.HasSignal(SignalCriticalConfig) {
		score -= 0.3
	}
	if c.HasSignal(SignalDependencyChange) {
		score -= 0.1
	}
	if c.HasSignal(SignalDynamicLanguage) {
		score -= 0.1
	}
	return round6(math.Max(score, changeRiskFloor))
}

func ModelAgreementScore(level model.ConfidenceLevel) float64 {
	switch level {
	case model.ConfidenceHigh:
		return 0.9
	case model.ConfidenceMedium:
		return 0.6
	case model.ConfidenceLow:
		return 0.3
	default:
		return 0.5
	}
}

// ParseModelConfidence accepts the backend's self-reported level in any
// case. Unrecognised values return "" which scores as the 0.5 default.
func ParseModelConfidence(s string) model.ConfidenceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return model.ConfidenceHigh
	case "medium":
		return model.ConfidenceMedium
	case "low":
		return model.ConfidenceLow
	default:
		return ""
	}
}

func factors(c Classification, f *model.Finding) []string {
	out := []string{fmt.Sprintf("severity %s", f.Severity)}
	for _, cl := range c.Classes {
		out = append(out, "recognised vulnerability class: "+cl.String())
	}
	for _, t := range c.Techniques {
		out = append(out, "established technique: "+t.String())
	}
	for _, s := range c.Signals {
		out = append(out, "change risk: "+s.String())
	}
	if c.ModelConfidence != "" {
		out = append(out, fmt.Sprintf("model self-reported confidence %s", c.ModelConfidence))
	}
	return out
}

func explain(d *Details) string {
	return fmt.Sprintf("%s confidence (%.0f%%): severity %.2f, fix pattern %.2f, change risk %.2f, model agreement %.2f. Factors: %s",
		d.Confidence, d.OverallScore*100,
		d.SeverityScore, d.FixPatternScore, d.ChangeRiskScore, d.ModelAgreementScore,
		strings.Join(d.Factors, "; "))
}

// round6 removes float noise such as 0.7-0.2-0.3 = 0.19999999999999996
// without moving values like 0.59999 across a threshold.
func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
