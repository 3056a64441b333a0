package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
	"github.com/yourorg/security-advisor/internal/retry"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newLog(t *testing.T, store *db.MemStore) (*Log, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(store, Options{
		PromptVersion: "v3",
		PolicyVersion: "p2",
		Retry:         retry.Policy{MaxAttempts: 3, Base: 2, Unit: time.Millisecond},
		Metrics:       metrics,
		Logger:        zaptest.NewLogger(t),
		Now:           func() time.Time { return now },
	}), metrics
}

func TestAppend_StampsAndPersists(t *testing.T) {
	store := db.NewMemStore()
	l, metrics := newLog(t, store)

	e, err := l.Append(context.Background(), model.SecurityEvent{
		EventType:  model.EventRiskAccepted,
		FindingID:  "f1",
		Properties: map[string]string{"scope": "repo"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "v3", e.PromptVersion)
	assert.Equal(t, "p2", e.PolicyVersion)

	stored, err := l.List(context.Background(), model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "repo", stored[0].Properties["scope"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsLogged.WithLabelValues("risk_accepted")))
}

func TestAppend_RetriesTransientFailure(t *testing.T) {
	store := db.NewMemStore()
	store.AppendErr = []error{apperr.Transient(nil, 0, "connection reset")}
	l, _ := newLog(t, store)

	_, err := l.Append(context.Background(), model.SecurityEvent{EventType: model.EventRiskAccepted})
	require.NoError(t, err)
}

func TestAppend_ReturnsFailure(t *testing.T) {
	store := db.NewMemStore()
	store.AppendErr = []error{apperr.Validation("bad event")}
	l, metrics := newLog(t, store)

	_, err := l.Append(context.Background(), model.SecurityEvent{EventType: model.EventRiskAccepted})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.EventsLogged.WithLabelValues("risk_accepted")))
}

func TestGetMetrics(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	l, _ := newLog(t, store)
	start := now.Add(-24 * time.Hour)

	appendAt := func(offset time.Duration, et model.EventType, props map[string]string) {
		_, err := l.Append(ctx, model.SecurityEvent{EventType: et, Organization: "acme", Timestamp: start.Add(offset), Properties: props})
		require.NoError(t, err)
	}
	appendAt(time.Hour, model.EventFindingCreated, map[string]string{"severity": "High", "category": "SAST"})
	appendAt(time.Hour, model.EventFindingCreated, map[string]string{"severity": "Critical", "category": "SCA"})
	appendAt(2*time.Hour, model.EventFindingCreated, map[string]string{"severity": "High", "category": "SAST"})
	appendAt(3*time.Hour, model.EventFindingStatusChanged, map[string]string{"from": "Open", "to": "Fixed", "resolutionSeconds": "7200"})
	appendAt(4*time.Hour, model.EventFindingStatusChanged, map[string]string{"from": "Open", "to": "Fixed", "resolutionSeconds": "14400"})
	appendAt(5*time.Hour, model.EventPolicyOverrideRequested, nil)
	appendAt(5*time.Hour, model.EventRecommendationGenerated, nil)
	appendAt(6*time.Hour, model.EventFixApplied, nil)
	// outside the period
	appendAt(-time.Hour, model.EventFindingCreated, map[string]string{"severity": "Low", "category": "SAST"})

	future := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)
	for _, r := range []*model.RiskAcceptance{
		{FindingID: "a", Organization: "acme", AcceptedAt: start.Add(time.Hour), IsActive: true},
		{FindingID: "b", Organization: "acme", AcceptedAt: start.Add(time.Hour), ExpiresAt: &future, IsActive: true},
		{FindingID: "c", Organization: "acme", AcceptedAt: start.Add(time.Hour), ExpiresAt: &past, IsActive: true},
		{FindingID: "d", Organization: "acme", AcceptedAt: start.Add(-time.Hour), IsActive: true},
	} {
		require.NoError(t, store.InsertRiskAcceptance(ctx, r))
	}

	m, err := l.GetMetrics(ctx, start, now, "acme", "")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"High": 2, "Critical": 1}, m.FindingsBySeverity)
	assert.Equal(t, map[string]int{"SAST": 2, "SCA": 1}, m.FindingsByCategory)
	assert.Equal(t, map[string]int{"Open": 1, "Fixed": 2}, m.FindingsByStatus)
	assert.Equal(t, 1, m.TotalOverrideRequests)
	assert.Equal(t, 1, m.TotalRecommendations)
	assert.Equal(t, 1, m.TotalAppliedFixes)
	assert.Equal(t, 2, m.ActiveRiskAcceptances)
	assert.InDelta(t, 3.0, m.AverageResolutionHours, 1e-9)
	assert.Equal(t, 3, m.EventCountsByType["finding_created"])
}

func TestGetMetrics_InvalidPeriod(t *testing.T) {
	l, _ := newLog(t, db.NewMemStore())
	_, err := l.GetMetrics(context.Background(), now, now.Add(-time.Hour), "", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
