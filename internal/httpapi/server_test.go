package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/security-advisor/internal/advisor"
	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

const sarifDoc = `{"version": "2.1.0", "runs": [{"tool": {"driver": {"name": "semgrep"}}, "results": [
  {"ruleId": "CWE-89", "level": "error", "message": {"text": "SQL Injection"},
   "locations": [{"physicalLocation": {"artifactLocation": {"uri": "src/db.py"}, "region": {"startLine": 12}}}]}
]}]}`

func setupRouter(t *testing.T, health Pinger) (*gin.Engine, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	log := zaptest.NewLogger(t)
	adv := advisor.New(advisor.Deps{
		Repo:          db.NewMemStore(),
		PromptVersion: "v1",
		PolicyVersion: "p1",
		Metrics:       observability.NewMetrics(reg),
		Logger:        log,
		Now:           func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	return NewRouter(NewHandlers(adv, health, log), reg), reg
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) advisor.Result[T] {
	t.Helper()
	var res advisor.Result[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter(t, pinger{})
	w := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	r, _ = setupRouter(t, pinger{err: errors.New("connection refused")})
	w = do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAnalyzeThenListFindings(t *testing.T) {
	r, _ := setupRouter(t, nil)

	w := do(t, r, http.MethodPost, "/v1/analyses/sarif", advisor.AnalyzeRequest{Content: sarifDoc, Organization: "acme"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	analysis := decode[advisor.AnalysisSummary](t, w)
	assert.True(t, analysis.Success)
	assert.Equal(t, 1, analysis.Data.Created)

	w = do(t, r, http.MethodGet, "/v1/findings?organization=acme&severity=high", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	findings := decode[[]model.Finding](t, w)
	require.Len(t, findings.Data, 1)
	assert.Equal(t, "CWE-89", findings.Data[0].RuleID)

	w = do(t, r, http.MethodGet, "/v1/findings/"+findings.Data[0].ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	r, _ := setupRouter(t, nil)

	w := do(t, r, http.MethodGet, "/v1/findings?severity=Catastrophic", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	res := decode[any](t, w)
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)

	w = do(t, r, http.MethodGet, "/v1/findings/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/v1/pull-requests/status", PrStatusRequest{
		PullRequest: model.PullRequestRef{RepositoryID: "api", PullRequestID: 1},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "source control is not configured")
}

func TestBadRequestBodies(t *testing.T) {
	r, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/analyses/sarif", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/risk-acceptances/expiring?thresholdDays=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/events?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBadRequestIsAudited(t *testing.T) {
	r, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/overrides", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.KindValidation, decode[any](t, w).ErrorKind)

	w = do(t, r, http.MethodGet, "/v1/events?eventType=operation_failed", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	events := decode[[]model.SecurityEvent](t, w)
	require.Len(t, events.Data, 1)
	assert.Equal(t, model.EventOperationFailed, events.Data[0].EventType)
	assert.Equal(t, "RequestOverride", events.Data[0].Properties["operation"])
	assert.Equal(t, string(apperr.KindValidation), events.Data[0].Properties["errorKind"])
}

func TestGovernanceListsRejectBadActiveOnly(t *testing.T) {
	r, _ := setupRouter(t, nil)

	for _, path := range []string{"/v1/overrides", "/v1/risk-acceptances", "/v1/noise-policies"} {
		w := do(t, r, http.MethodGet, path+"?activeOnly=yes", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Contains(t, w.Body.String(), "activeOnly must be a boolean", path)

		w = do(t, r, http.MethodGet, path+"?activeOnly=true", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestVersions(t *testing.T) {
	r, _ := setupRouter(t, nil)
	w := do(t, r, http.MethodGet, "/v1/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[model.Versions](t, w)
	assert.Equal(t, "v1", res.Data.PromptVersion)
	assert.Equal(t, "p1", res.Data.PolicyVersion)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := setupRouter(t, nil)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/analyses/sarif",
		advisor.AnalyzeRequest{Content: sarifDoc}).Code)

	w := do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "findings_ingested_total")
}

func TestHTTPStatus(t *testing.T) {
	for kind, want := range map[apperr.Kind]int{
		"":                    http.StatusOK,
		apperr.KindValidation: http.StatusBadRequest,
		apperr.KindNotFound:   http.StatusNotFound,
		apperr.KindConflict:   http.StatusConflict,
		apperr.KindParse:      http.StatusUnprocessableEntity,
		apperr.KindTransient:  http.StatusServiceUnavailable,
		apperr.KindInternal:   http.StatusInternalServerError,
	} {
		assert.Equal(t, want, HTTPStatus(kind), kind)
	}
}
