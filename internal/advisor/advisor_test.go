package advisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/archive"
	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/prthread"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memArchive struct {
	mu      sync.Mutex
	objects map[string]archive.Payload
	putErr  error
}

func newMemArchive() *memArchive {
	return &memArchive{objects: map[string]archive.Payload{}}
}

func (m *memArchive) Put(_ context.Context, analysisID string, kind archive.Kind, content []byte, meta archive.Metadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	key := archive.Key(analysisID, kind)
	m.objects[key] = archive.Payload{Key: key, Content: content, Metadata: meta}
	return key, nil
}

func (m *memArchive) Get(_ context.Context, key string) (*archive.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &p, nil
}

func (m *memArchive) List(context.Context) ([]archive.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []archive.Object
	for key, p := range m.objects {
		id, kind, _ := archive.ParseKey(key)
		out = append(out, archive.Object{Key: key, AnalysisID: id, Kind: kind, Size: int64(len(p.Content))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func newTestAdvisor(t *testing.T, repo *db.MemStore, arch Archive) *Advisor {
	return New(Deps{
		Repo:          repo,
		Archive:       arch,
		PromptVersion: "v1",
		PolicyVersion: "p1",
		Logger:        zaptest.NewLogger(t),
		Now:           func() time.Time { return fixedNow },
	})
}

const sarifDoc = `{
  "version": "2.1.0",
  "runs": [{
    "tool": {"driver": {"name": "semgrep"}},
    "results": [
      {"ruleId": "CWE-89", "level": "error", "message": {"text": "SQL Injection"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "src/db.py"}, "region": {"startLine": 12}}}]},
      {"ruleId": "xss", "level": "warning", "message": {"text": "Reflected XSS"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "web/app.ts"}, "region": {"startLine": 4}}}]}
    ]
  }]
}`

func analyzeReq() AnalyzeRequest {
	return AnalyzeRequest{Content: sarifDoc, Organization: "acme", Project: "shop", Repository: "api", Branch: "main"}
}

func eventsOfType(t *testing.T, a *Advisor, et model.EventType) []model.SecurityEvent {
	t.Helper()
	evs, err := a.Events().List(context.Background(), model.EventFilter{EventType: et})
	require.NoError(t, err)
	return evs
}

func TestAnalyzeSarif_DeduplicatesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	arch := newMemArchive()
	a := newTestAdvisor(t, db.NewMemStore(), arch)

	first := a.AnalyzeSarif(ctx, analyzeReq())
	require.True(t, first.Success, first.ErrorMessage)
	assert.Equal(t, 2, first.Data.Created)
	assert.Equal(t, 0, first.Data.Existing)
	assert.Equal(t, 2, first.Data.Summary.Total)
	assert.Equal(t, 1, first.Data.Summary.High)
	assert.Equal(t, archive.Key(first.Data.AnalysisID, archive.KindSARIF), first.Data.ArchiveKey)

	created := eventsOfType(t, a, model.EventFindingCreated)
	require.Len(t, created, 2)
	assert.Equal(t, "acme", created[0].Organization)
	assert.Equal(t, first.Data.AnalysisID, created[0].Properties["analysisId"])
	assert.Equal(t, "v1", created[0].PromptVersion)

	second := a.AnalyzeSarif(ctx, analyzeReq())
	require.True(t, second.Success, second.ErrorMessage)
	assert.Equal(t, 0, second.Data.Created)
	assert.Equal(t, 2, second.Data.Existing)
	assert.Equal(t, first.Data.Findings[0].ID, second.Data.Findings[0].ID)
	assert.Len(t, eventsOfType(t, a, model.EventFindingCreated), 2)

	listed := a.ListFindings(ctx, FindingQuery{Organization: "acme"})
	require.True(t, listed.Success)
	assert.Len(t, listed.Data, 2)
	assert.Len(t, arch.objects, 2)
}

func TestAnalyzeSarif_ArchiveFailureKeepsFindings(t *testing.T) {
	arch := newMemArchive()
	arch.putErr = errors.New("bucket unavailable")
	a := newTestAdvisor(t, db.NewMemStore(), arch)

	res := a.AnalyzeSarif(context.Background(), analyzeReq())
	require.True(t, res.Success, res.ErrorMessage)
	assert.Empty(t, res.Data.ArchiveKey)
	assert.Equal(t, 2, res.Data.Created)
}

func TestAnalyzeSarif_FailureIsRecorded(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)

	res := a.AnalyzeSarif(context.Background(), AnalyzeRequest{Content: "  "})
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)
	assert.Nil(t, res.Data)

	failures := eventsOfType(t, a, model.EventOperationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "AnalyzeSarif", failures[0].Properties["operation"])
	assert.Equal(t, "validation", failures[0].Properties["errorKind"])
}

func TestAnalyzeSarif_MalformedPayload(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	res := a.AnalyzeSarif(context.Background(), AnalyzeRequest{Content: "{not json"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestListFindings_RejectsUnknownFilters(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	ctx := context.Background()

	res := a.ListFindings(ctx, FindingQuery{Severity: "Catastrophic"})
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)

	res = a.ListFindings(ctx, FindingQuery{Status: "Gone"})
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)
}

func TestListFindings_FiltersBySeverity(t *testing.T) {
	ctx := context.Background()
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	require.True(t, a.AnalyzeSarif(ctx, analyzeReq()).Success)

	res := a.ListFindings(ctx, FindingQuery{Severity: "High"})
	require.True(t, res.Success, res.ErrorMessage)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "CWE-89", res.Data[0].RuleID)
}

func TestGetFinding_NotFound(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	res := a.GetFinding(context.Background(), "missing")
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindNotFound, res.ErrorKind)
}

func TestBackfill_RestoresScope(t *testing.T) {
	ctx := context.Background()
	arch := newMemArchive()
	src := newTestAdvisor(t, db.NewMemStore(), arch)
	ingest := src.AnalyzeSarif(ctx, analyzeReq())
	require.True(t, ingest.Success)

	dst := newTestAdvisor(t, db.NewMemStore(), arch)
	res := dst.Backfill(ctx)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, 1, res.Data.Payloads)
	assert.Equal(t, 2, res.Data.Created)
	assert.Equal(t, 0, res.Data.Failed)

	created := eventsOfType(t, dst, model.EventFindingCreated)
	require.Len(t, created, 2)
	assert.Equal(t, "acme", created[0].Organization)
	assert.Equal(t, "api", created[0].Repository)
	assert.Equal(t, ingest.Data.AnalysisID, created[0].Properties["analysisId"])

	again := dst.Backfill(ctx)
	require.True(t, again.Success)
	assert.Equal(t, 0, again.Data.Created)
	assert.Equal(t, 2, again.Data.Existing)
}

func TestBackfill_CountsBadPayloads(t *testing.T) {
	arch := newMemArchive()
	key := archive.Key("broken", archive.KindSARIF)
	arch.objects[key] = archive.Payload{Key: key, Content: []byte("{")}

	a := newTestAdvisor(t, db.NewMemStore(), arch)
	res := a.Backfill(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Data.Failed)
}

func TestBackfill_RequiresArchive(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	res := a.Backfill(context.Background())
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)
}

func TestPullRequestOperations_RequireSourceControl(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	pr := model.PullRequestRef{Organization: "acme", Project: "shop", RepositoryID: "api", PullRequestID: 3}

	res := a.PostComment(context.Background(), prthread.CommentRequest{PullRequest: pr})
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "source control is not configured")

	status := a.PostPrStatus(context.Background(), pr, "")
	assert.Equal(t, apperr.KindValidation, status.ErrorKind)
}

func TestRun_RecoversPanic(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	res := run(context.Background(), a, "Explode", Actor{UserID: "u1", Role: model.RoleAdmin}, func(context.Context) (int, error) {
		panic("boom")
	})
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindInternal, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "boom")

	failures := eventsOfType(t, a, model.EventOperationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "u1", failures[0].UserID)
	assert.Equal(t, model.RoleAdmin, failures[0].UserRole)
}

func TestRun_EventFailureKeepsOriginalError(t *testing.T) {
	repo := db.NewMemStore()
	repo.AppendErr = []error{errors.New("disk full")}
	a := newTestAdvisor(t, repo, nil)

	res := a.GetFinding(context.Background(), "")
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "findingId is required")
}

func TestGetCurrentVersions(t *testing.T) {
	a := newTestAdvisor(t, db.NewMemStore(), nil)
	v := a.GetCurrentVersions()
	assert.Equal(t, "v1", v.PromptVersion)
	assert.Equal(t, "p1", v.PolicyVersion)
}
