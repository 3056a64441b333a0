package recommend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/eventlog"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/retry"
)

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type fakeBackend struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (b *fakeBackend) Generate(_ context.Context, _, user string) (string, error) {
	i := b.calls
	b.calls++
	b.prompts = append(b.prompts, user)
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if i < len(b.replies) {
		return b.replies[i], nil
	}
	return b.replies[len(b.replies)-1], nil
}

func (b *fakeBackend) ModelProvider() string { return "fake" }
func (b *fakeBackend) ModelName() string     { return "fake-1" }

type fixture struct {
	repo    *db.MemStore
	events  *eventlog.Log
	backend *fakeBackend
	gen     *Generator
}

func newFixture(t *testing.T, replies ...string) *fixture {
	t.Helper()
	repo := db.NewMemStore()
	clock := func() time.Time { return now }
	events := eventlog.New(repo, eventlog.Options{Now: clock, Logger: zaptest.NewLogger(t)})
	backend := &fakeBackend{replies: replies}
	gen := NewGenerator(repo, backend, events, Options{
		PromptVersion: "prompt-v2",
		PolicyVersion: "policy-v1",
		Retry:         retry.Policy{MaxAttempts: 3, Base: 2, Unit: time.Microsecond},
		Logger:        zaptest.NewLogger(t),
		Now:           clock,
	})

	line := 42
	_, err := repo.UpsertFinding(context.Background(), &model.Finding{
		ID:           "f1",
		Fingerprint:  "fp1",
		Organization: "acme",
		Project:      "payments",
		Repository:   "api",
		Title:        "SQL Injection in login handler",
		Description:  "User input is concatenated into a query.",
		Severity:     model.SeverityCritical,
		Category:     model.CategorySAST,
		FilePath:     "src/Controllers/LoginController.cs",
		LineNumber:   &line,
		RuleID:       "CWE-89",
		Status:       model.StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	return &fixture{repo: repo, events: events, backend: backend, gen: gen}
}

func (fx *fixture) eventsOf(t *testing.T, et model.EventType) []model.SecurityEvent {
	t.Helper()
	evs, err := fx.events.List(context.Background(), model.EventFilter{EventType: et})
	require.NoError(t, err)
	return evs
}

const goodReply = "Here is the fix:\n```json\n" + `{
  "title": "Parameterize the login query",
  "description": "Use a parameterized query instead of string concatenation.",
  "riskAssessment": "Attackers can read the users table.",
  "remediationSteps": ["Replace the concatenated SQL with a parameterized query.", "Add a regression test."],
  "codeChanges": "cmd.CommandText = \"SELECT * FROM users WHERE name = @name\";",
  "justification": "Parameters are never interpreted as SQL.",
  "confidence": "high"
}` + "\n```"

func TestGenerate_ScoresAndPersists(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, goodReply)

	res, err := fx.gen.Generate(ctx, "f1", Context{CodeSnippet: "cmd.CommandText = \"SELECT \" + name;"})
	require.NoError(t, err)
	assert.False(t, res.Fallback)

	rec := res.Recommendation
	assert.Equal(t, "Parameterize the login query", rec.Title)
	assert.Equal(t, "Replace the concatenated SQL with a parameterized query.\nAdd a regression test.", rec.RemediationSteps)
	assert.Equal(t, 0.825, rec.ConfidenceScore)
	assert.Equal(t, model.ConfidenceHigh, rec.Confidence)
	assert.Empty(t, rec.WhyNotFixReasons)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.AnalysisID)

	stored, err := fx.repo.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ConfidenceScore, stored.ConfidenceScore)

	meta, err := fx.gen.GetAnalysisMetadata(ctx, rec.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, "fake", meta.ModelProvider)
	assert.Equal(t, "prompt-v2", meta.PromptVersion)
	assert.Equal(t, 0.825, meta.Confidence.OverallScore)
	assert.True(t, meta.InputsUsed["codeSnippet"])
	assert.False(t, meta.InputsUsed["fileContent"])

	evs := fx.eventsOf(t, model.EventRecommendationGenerated)
	require.Len(t, evs, 1)
	assert.Equal(t, rec.ID, evs[0].Properties["recommendationId"])
	assert.Equal(t, "false", evs[0].Properties["fallback"])
	assert.Equal(t, "acme", evs[0].Organization)

	require.Len(t, fx.backend.prompts, 1)
	assert.Contains(t, fx.backend.prompts[0], "SELECT \" + name")
}

func TestGenerate_UnparseableReplyFallsBack(t *testing.T) {
	fx := newFixture(t, "I cannot help with that.")

	res, err := fx.gen.Generate(context.Background(), "f1", Context{})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "Manual review required", res.Recommendation.Title)
	assert.Equal(t, 0.3, res.Breakdown.ModelAgreementScore)
	assert.Equal(t, res.Recommendation.ConfidenceScore < 0.6, len(res.Recommendation.WhyNotFixReasons) > 0)

	evs := fx.eventsOf(t, model.EventRecommendationGenerated)
	require.Len(t, evs, 1)
	assert.Equal(t, "true", evs[0].Properties["fallback"])
}

func TestGenerate_RetriesTransientBackendErrors(t *testing.T) {
	fx := newFixture(t, goodReply)
	fx.backend.errs = []error{apperr.Transient(errors.New("429"), 429, "rate limited")}

	_, err := fx.gen.Generate(context.Background(), "f1", Context{})
	require.NoError(t, err)
	assert.Equal(t, 2, fx.backend.calls)
}

func TestGenerate_PermanentBackendErrorIsReturned(t *testing.T) {
	fx := newFixture(t, goodReply)
	fx.backend.errs = []error{apperr.Validation("bad api key")}

	_, err := fx.gen.Generate(context.Background(), "f1", Context{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 1, fx.backend.calls)
	assert.Empty(t, fx.eventsOf(t, model.EventRecommendationGenerated))
}

func TestGenerate_UnknownFinding(t *testing.T) {
	fx := newFixture(t, goodReply)
	_, err := fx.gen.Generate(context.Background(), "missing", Context{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Zero(t, fx.backend.calls)
}

func TestApproveAndApply(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, goodReply)
	res, err := fx.gen.Generate(ctx, "f1", Context{})
	require.NoError(t, err)
	id := res.Recommendation.ID

	_, err = fx.gen.ApplyRecommendation(ctx, id, "alice", model.RoleAdmin)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = fx.gen.ApproveRecommendation(ctx, id, "victor", model.RoleViewer)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	rec, err := fx.gen.ApproveRecommendation(ctx, id, "alice", model.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, rec.Approved)
	assert.Equal(t, "alice", rec.ApprovedBy)
	require.NotNil(t, rec.ApprovedAt)

	_, err = fx.gen.GenerateDiff(ctx, id, "a\nb\nc\n", "a\nB\nc\nd\n", "src/x.cs")
	require.NoError(t, err)

	_, err = fx.gen.ApplyRecommendation(ctx, id, "alice", model.RoleAdmin)
	require.NoError(t, err)

	evs := fx.eventsOf(t, model.EventFixApplied)
	require.Len(t, evs, 1)
	assert.Equal(t, "2", evs[0].Properties["linesAdded"])
	assert.Equal(t, "1", evs[0].Properties["linesRemoved"])
	assert.Equal(t, "1", evs[0].Properties["filesChanged"])
	assert.Len(t, fx.eventsOf(t, model.EventRecommendationApproved), 1)
	assert.Len(t, fx.eventsOf(t, model.EventDiffGenerated), 1)
}

func TestUnified(t *testing.T) {
	out, err := Unified("a\nb\nc\n", "a\nB\nc\n", "x.go")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "--- a/x.go\n+++ b/x.go\n"))
	assert.Contains(t, out, "@@ -1,3 +1,3 @@")
	assert.Contains(t, out, " a\n-b\n+B\n c\n")

	out, err = Unified("same\n", "same\n", "x.go")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnified_SeparateHunks(t *testing.T) {
	var orig, mod []string
	for i := 0; i < 30; i++ {
		orig = append(orig, "line")
		mod = append(mod, "line")
	}
	orig[2], mod[2] = "old top", "new top"
	orig[25], mod[25] = "old bottom", "new bottom"

	out, err := Unified(strings.Join(orig, "\n"), strings.Join(mod, "\n"), "f.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "@@ -"))
	assert.Contains(t, out, "@@ -1,6 +1,6 @@")
	assert.Contains(t, out, "@@ -23,7 +23,7 @@")

	files, added, removed, err := DiffStats(out)
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, removed)
}

func TestUnified_NewFile(t *testing.T) {
	out, err := Unified("", "one\ntwo\n", "new.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "@@ -0,0 +1,2 @@")
}

func TestUnified_SingleLineHunkKeepsLength(t *testing.T) {
	out, err := Unified("version = 1", "version = 2\n", "cfg.toml")
	require.NoError(t, err)
	assert.Equal(t, "--- a/cfg.toml\n+++ b/cfg.toml\n@@ -1,1 +1,1 @@\n-version = 1\n+version = 2\n", out)

	files, added, removed, err := DiffStats(out)
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestParseResponse(t *testing.T) {
	_, err := parseResponse("no json here")
	assert.True(t, apperr.Is(err, apperr.KindParse))
	assert.ErrorIs(t, err, errNoObject)

	_, err = parseResponse(`{"description": "only this"}`)
	assert.ErrorIs(t, err, errEmpty)

	_, err = parseResponse(`{"title": [1, 2]}`)
	assert.True(t, apperr.Is(err, apperr.KindParse))

	r, err := parseResponse(`{"title": " Fix ", "confidence": "Medium"}`)
	require.NoError(t, err)
	assert.Equal(t, "Fix", r.recommendation("f1").Title)
	assert.Equal(t, "Medium", r.Confidence)
}

func TestBestOf(t *testing.T) {
	assert.Nil(t, BestOf(nil))
	recs := []model.Recommendation{{ID: "a", ConfidenceScore: 0.5}, {ID: "b", ConfidenceScore: 0.9}, {ID: "c", ConfidenceScore: 0.9}}
	assert.Equal(t, "b", BestOf(recs).ID)
}
