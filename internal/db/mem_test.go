package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFinding(id, fp string) *model.Finding {
	return &model.Finding{
		ID:           id,
		Fingerprint:  fp,
		Organization: "acme",
		Project:      "payments",
		Repository:   "api",
		Title:        "SQL Injection",
		Severity:     model.SeverityHigh,
		Category:     model.CategorySAST,
		Status:       model.StatusOpen,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func TestMemStore_UpsertFindingDeduplicatesByFingerprint(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.UpsertFinding(ctx, newFinding("f1", "abc"))
	require.NoError(t, err)
	assert.True(t, created)

	_, err = s.SetFindingStatus(ctx, "f1", model.StatusInvestigating, t0)
	require.NoError(t, err)

	again := newFinding("f2", "abc")
	again.Title = "SQL Injection (rescan)"
	created, err = s.UpsertFinding(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "f1", again.ID)
	assert.Equal(t, model.StatusInvestigating, again.Status)

	all, err := s.ListFindings(ctx, model.FindingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "SQL Injection (rescan)", all[0].Title)
}

func TestMemStore_ConcurrentUpsertCreatesOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.UpsertFinding(ctx, newFinding(string(rune('a'+i)), "same"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestMemStore_SetFindingStatusReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, err := s.UpsertFinding(ctx, newFinding("f1", "abc"))
	require.NoError(t, err)

	prev, err := s.SetFindingStatus(ctx, "f1", model.StatusFixed, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, prev)

	_, err = s.SetFindingStatus(ctx, "missing", model.StatusFixed, t0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMemStore_ApproveOverride(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	first := &model.PolicyOverride{FindingID: "f1", OverrideType: model.OverrideSuppress, RequestedBy: "bob", RequestedAt: t0}
	second := &model.PolicyOverride{FindingID: "f1", OverrideType: model.OverrideSuppress, RequestedBy: "eve", RequestedAt: t0}
	require.NoError(t, s.InsertOverride(ctx, first))
	require.NoError(t, s.InsertOverride(ctx, second))
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)

	o, err := s.ApproveOverride(ctx, first.ID, "alice", t0)
	require.NoError(t, err)
	assert.True(t, o.IsActive)
	assert.Equal(t, "alice", o.ApprovedBy)

	// re-approval only re-stamps
	later := t0.Add(time.Hour)
	o, err = s.ApproveOverride(ctx, first.ID, "carol", later)
	require.NoError(t, err)
	assert.Equal(t, "carol", o.ApprovedBy)
	assert.Equal(t, later, *o.ApprovedAt)

	_, err = s.ApproveOverride(ctx, second.ID, "alice", t0)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	all, err := s.ListOverrides(ctx, model.GovernanceFilter{}, t0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := s.ListOverrides(ctx, model.GovernanceFilter{ActiveOnly: true}, t0)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = s.ApproveOverride(ctx, 99, "alice", t0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMemStore_ApproveOverrideAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	exp := t0.Add(24 * time.Hour)

	first := &model.PolicyOverride{FindingID: "f1", OverrideType: model.OverrideAccept, ExpiresAt: &exp}
	second := &model.PolicyOverride{FindingID: "f1", OverrideType: model.OverrideAccept}
	require.NoError(t, s.InsertOverride(ctx, first))
	require.NoError(t, s.InsertOverride(ctx, second))

	_, err := s.ApproveOverride(ctx, first.ID, "alice", t0)
	require.NoError(t, err)
	_, err = s.ApproveOverride(ctx, second.ID, "alice", exp.Add(time.Second))
	require.NoError(t, err)
}

func TestMemStore_ListExpiringRiskAcceptances(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	in14 := t0.Add(14 * 24 * time.Hour)
	in15 := t0.Add(15 * 24 * time.Hour)

	for _, r := range []*model.RiskAcceptance{
		{FindingID: "at-boundary", ExpiresAt: &in14, IsActive: true},
		{FindingID: "beyond", ExpiresAt: &in15, IsActive: true},
		{FindingID: "no-expiry", IsActive: true},
		{FindingID: "inactive", ExpiresAt: &in14, IsActive: false},
	} {
		require.NoError(t, s.InsertRiskAcceptance(ctx, r))
	}

	got, err := s.ListExpiringRiskAcceptances(ctx, in14)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "at-boundary", got[0].FindingID)
}

func TestMemStore_Events(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for i, et := range []model.EventType{model.EventFindingCreated, model.EventRiskAccepted, model.EventFindingCreated} {
		e := &model.SecurityEvent{EventType: et, Organization: "acme", Timestamp: t0.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.ID)
	}

	got, err := s.ListEvents(ctx, model.EventFilter{From: t0, To: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListEvents(ctx, model.EventFilter{EventType: model.EventFindingCreated})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	boom := errors.New("disk full")
	s.AppendErr = []error{boom}
	assert.ErrorIs(t, s.AppendEvent(ctx, &model.SecurityEvent{EventType: model.EventRiskAccepted}), boom)
	require.NoError(t, s.AppendEvent(ctx, &model.SecurityEvent{EventType: model.EventRiskAccepted}))
}

func TestMemStore_ThreadLinks(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	pr := model.PullRequestRef{Organization: "acme", Project: "payments", RepositoryID: "api", PullRequestID: 7}
	other := pr
	other.PullRequestID = 8

	require.NoError(t, s.InsertThreadLinks(ctx, []model.ThreadLink{
		{PullRequestRef: pr, ThreadID: 2, FindingID: "f2", PostedAt: t0},
		{PullRequestRef: pr, ThreadID: 1, FindingID: "f1", PostedAt: t0},
		{PullRequestRef: pr, ThreadID: 1, FindingID: "f1", PostedAt: t0},
		{PullRequestRef: other, ThreadID: 1, FindingID: "f9", PostedAt: t0},
	}))

	links, err := s.ListThreadLinks(ctx, pr)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, 1, links[0].ThreadID)

	require.NoError(t, s.MarkThreadResolved(ctx, pr, 1, t0))
	links, err = s.ListThreadLinks(ctx, pr)
	require.NoError(t, err)
	require.NotNil(t, links[0].ResolvedAt)
	assert.Nil(t, links[1].ResolvedAt)
}

func TestConds(t *testing.T) {
	var c conds
	c.addIf(false, "organization=?", "acme")
	c.add("status=?", "Open")
	c.add("id = ANY(?)", []string{"a"})
	assert.Equal(t, " WHERE status=$1 AND id = ANY($2)", c.where())
	assert.Len(t, c.args, 2)
}

func TestWrapErr(t *testing.T) {
	assert.Nil(t, wrapErr(nil, "x"))
	assert.ErrorIs(t, wrapErr(context.Canceled, "x"), context.Canceled)
	assert.True(t, apperr.Is(wrapErr(errors.New("conn reset"), "x"), apperr.KindTransient))
}
