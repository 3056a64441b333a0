// Package normalize turns analyzer output into canonical findings.
//
// Entries are decoded one at a time so a malformed result or vulnerability
// is logged and skipped without losing the rest of the document.
package normalize

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
)

// Source scopes the findings of one analysis to where they were found.
type Source struct {
	Organization string
	Project      string
	Repository   string
	Branch       string
}

type Result struct {
	Findings []model.Finding
	Skipped  int
}

// Summary counts the findings by severity.
func (r *Result) Summary() model.Summary {
	s := model.Summary{Total: len(r.Findings)}
	for _, f := range r.Findings {
		switch f.Severity {
		case model.SeverityCritical:
			s.Critical++
		case model.SeverityHigh:
			s.High++
		case model.SeverityMedium:
			s.Medium++
		case model.SeverityLow:
			s.Low++
		}
	}
	return s
}

type Normalizer struct {
	log *zap.Logger
	now func() time.Time
}

func New(log *zap.Logger) *Normalizer {
	return &Normalizer{log: logging.OrNop(log), now: time.Now}
}

// WithClock replaces the timestamp source.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

func (n *Normalizer) newFinding(src Source) model.Finding {
	now := n.now().UTC()
	return model.Finding{
		ID:           uuid.NewString(),
		Organization: src.Organization,
		Project:      src.Project,
		Repository:   src.Repository,
		Branch:       src.Branch,
		Status:       model.StatusOpen,
		Metadata:     map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
