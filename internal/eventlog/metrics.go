package eventlog

import (
	"context"
	"strconv"
	"time"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

// Property keys read by the metrics projection.
const (
	PropSeverity          = "severity"
	PropCategory          = "category"
	PropStatus            = "status"
	PropFromStatus        = "from"
	PropToStatus          = "to"
	PropResolutionSeconds = "resolutionSeconds"
)

// GetMetrics projects the events in [start, end) into a rollup. Finding
// counts come from finding_created (which counts a finding as Open) and
// finding_status_changed (which moves one count between statuses). Active
// risk acceptances are those accepted in the period and still in effect
// now. Nothing here writes.
func (l *Log) GetMetrics(ctx context.Context, start, end time.Time, org, project string) (*model.Metrics, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, apperr.Validation("period end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	events, err := l.repo.ListEvents(ctx, model.EventFilter{From: start, To: end, Organization: org, Project: project})
	if err != nil {
		return nil, err
	}

	m := &model.Metrics{
		PeriodStart:        start,
		PeriodEnd:          end,
		FindingsBySeverity: map[string]int{},
		FindingsByStatus:   map[string]int{},
		FindingsByCategory: map[string]int{},
		EventCountsByType:  map[string]int{},
	}
	var (
		resolvedCount int
		resolvedTotal float64
	)
	for _, e := range events {
		m.EventCountsByType[string(e.EventType)]++
		switch e.EventType {
		case model.EventFindingCreated:
			if sev := e.Properties[PropSeverity]; sev != "" {
				m.FindingsBySeverity[sev]++
			}
			if cat := e.Properties[PropCategory]; cat != "" {
				m.FindingsByCategory[cat]++
			}
			status := e.Properties[PropStatus]
			if status == "" {
				status = string(model.StatusOpen)
			}
			m.FindingsByStatus[status]++
		case model.EventFindingStatusChanged:
			from, to := e.Properties[PropFromStatus], e.Properties[PropToStatus]
			if from != "" && m.FindingsByStatus[from] > 0 {
				m.FindingsByStatus[from]--
				if m.FindingsByStatus[from] == 0 {
					delete(m.FindingsByStatus, from)
				}
			}
			if to != "" {
				m.FindingsByStatus[to]++
			}
			if secs, err := strconv.ParseFloat(e.Properties[PropResolutionSeconds], 64); err == nil && secs >= 0 {
				resolvedCount++
				resolvedTotal += secs
			}
		case model.EventPolicyOverrideRequested:
			m.TotalOverrideRequests++
		case model.EventRecommendationGenerated:
			m.TotalRecommendations++
		case model.EventFixApplied:
			m.TotalAppliedFixes++
		}
	}
	if resolvedCount > 0 {
		m.AverageResolutionHours = resolvedTotal / float64(resolvedCount) / 3600
	}

	now := l.now()
	acceptances, err := l.repo.ListRiskAcceptances(ctx, model.GovernanceFilter{Organization: org, Project: project, ActiveOnly: true}, now)
	if err != nil {
		return nil, err
	}
	for _, r := range acceptances {
		if inPeriod(r.AcceptedAt, start, end) {
			m.ActiveRiskAcceptances++
		}
	}
	return m, nil
}

func inPeriod(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end) {
		return false
	}
	return true
}
