package db

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

// MemStore is a Repository held in process memory. It applies the same
// uniqueness and approval rules as Store and is safe for concurrent use. It
// backs development mode and tests; nothing survives a restart.
type MemStore struct {
	mu sync.Mutex

	findings      map[string]*model.Finding
	fingerprints  map[findingKey]string
	recs          map[string]*model.Recommendation
	analyses      map[string]*model.AnalysisMetadata
	overrides     []*model.PolicyOverride
	acceptances   []*model.RiskAcceptance
	noisePolicies []*model.NoiseReductionPolicy
	events        []model.SecurityEvent
	links         []*model.ThreadLink

	// AppendErr, when set, is returned by the next AppendEvent calls and
	// then cleared. Tests use it to simulate a failing audit write.
	AppendErr []error
}

type findingKey struct{ org, project, repo, fingerprint string }

func NewMemStore() *MemStore {
	return &MemStore{
		findings:     map[string]*model.Finding{},
		fingerprints: map[findingKey]string{},
		recs:         map[string]*model.Recommendation{},
		analyses:     map[string]*model.AnalysisMetadata{},
	}
}

func (m *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

func copyFinding(f *model.Finding) model.Finding {
	out := *f
	out.Metadata = maps.Clone(f.Metadata)
	if f.LineNumber != nil {
		n := *f.LineNumber
		out.LineNumber = &n
	}
	return out
}

func copyRecommendation(r *model.Recommendation) model.Recommendation {
	out := *r
	out.WhyNotFixReasons = slices.Clone(r.WhyNotFixReasons)
	return out
}

func (m *MemStore) UpsertFinding(ctx context.Context, f *model.Finding) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := findingKey{f.Organization, f.Project, f.Repository, f.Fingerprint}
	if id, ok := m.fingerprints[key]; ok {
		existing := m.findings[id]
		existing.Branch = f.Branch
		existing.Title = f.Title
		existing.Description = f.Description
		existing.Severity = f.Severity
		existing.LineNumber = f.LineNumber
		existing.Metadata = maps.Clone(f.Metadata)
		existing.UpdatedAt = f.UpdatedAt
		f.ID, f.Status, f.CreatedAt = existing.ID, existing.Status, existing.CreatedAt
		return false, nil
	}
	if _, ok := m.findings[f.ID]; ok {
		return false, apperr.Conflict("finding %s already exists", f.ID)
	}
	stored := copyFinding(f)
	m.findings[f.ID] = &stored
	m.fingerprints[key] = f.ID
	return true, nil
}

func (m *MemStore) GetFinding(ctx context.Context, id string) (*model.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[id]
	if !ok {
		return nil, apperr.NotFound("finding %s: not found", id)
	}
	out := copyFinding(f)
	return &out, nil
}

func (m *MemStore) ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Finding
	for _, f := range m.findings {
		if filter.Matches(f) {
			out = append(out, copyFinding(f))
		}
	}
	slices.SortFunc(out, func(a, b model.Finding) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemStore) SetFindingStatus(ctx context.Context, id string, status model.FindingStatus, at time.Time) (model.FindingStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[id]
	if !ok {
		return "", apperr.NotFound("finding %s: not found", id)
	}
	prev := f.Status
	f.Status = status
	f.UpdatedAt = at
	return prev, nil
}

func (m *MemStore) InsertRecommendation(ctx context.Context, r *model.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.findings[r.FindingID]; !ok {
		return apperr.NotFound("finding %s: not found", r.FindingID)
	}
	if _, ok := m.recs[r.ID]; ok {
		return apperr.Conflict("recommendation %s already exists", r.ID)
	}
	stored := copyRecommendation(r)
	m.recs[r.ID] = &stored
	return nil
}

func (m *MemStore) GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, apperr.NotFound("recommendation %s: not found", id)
	}
	out := copyRecommendation(r)
	return &out, nil
}

func (m *MemStore) ListRecommendations(ctx context.Context, findingID string) ([]model.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Recommendation
	for _, r := range m.recs {
		if r.FindingID == findingID {
			out = append(out, copyRecommendation(r))
		}
	}
	slices.SortFunc(out, func(a, b model.Recommendation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemStore) ApproveRecommendation(ctx context.Context, id, approver string, at time.Time) (*model.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, apperr.NotFound("recommendation %s: not found", id)
	}
	r.Approved = true
	r.ApprovedBy = approver
	r.ApprovedAt = &at
	out := copyRecommendation(r)
	return &out, nil
}

func (m *MemStore) SetRecommendationDiff(ctx context.Context, id, diff string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return apperr.NotFound("recommendation %s: not found", id)
	}
	r.Diff = diff
	return nil
}

func (m *MemStore) InsertAnalysisMetadata(ctx context.Context, md *model.AnalysisMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[md.AnalysisID]; ok {
		return apperr.Conflict("analysis %s already has metadata", md.AnalysisID)
	}
	stored := *md
	stored.InputsUsed = maps.Clone(md.InputsUsed)
	m.analyses[md.AnalysisID] = &stored
	return nil
}

func (m *MemStore) GetAnalysisMetadata(ctx context.Context, analysisID string) (*model.AnalysisMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.analyses[analysisID]
	if !ok {
		return nil, apperr.NotFound("analysis %s: not found", analysisID)
	}
	out := *md
	out.InputsUsed = maps.Clone(md.InputsUsed)
	return &out, nil
}

func (m *MemStore) InsertOverride(ctx context.Context, o *model.PolicyOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = int64(len(m.overrides) + 1)
	o.IsActive = false
	stored := *o
	m.overrides = append(m.overrides, &stored)
	return nil
}

func (m *MemStore) override(id int64) (*model.PolicyOverride, error) {
	if id < 1 || id > int64(len(m.overrides)) {
		return nil, apperr.NotFound("override: not found")
	}
	return m.overrides[id-1], nil
}

func (m *MemStore) GetOverride(ctx context.Context, id int64) (*model.PolicyOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.override(id)
	if err != nil {
		return nil, err
	}
	out := *o
	return &out, nil
}

func (m *MemStore) ApproveOverride(ctx context.Context, id int64, approver string, at time.Time) (*model.PolicyOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.override(id)
	if err != nil {
		return nil, err
	}
	for _, other := range m.overrides {
		if other.ID != o.ID && other.FindingID == o.FindingID && other.OverrideType == o.OverrideType && other.InEffect(at) {
			return nil, apperr.Conflict("override %d for finding %s is already active", other.ID, o.FindingID)
		}
	}
	o.ApprovedBy = approver
	o.ApprovedAt = &at
	o.IsActive = true
	out := *o
	return &out, nil
}

func (m *MemStore) ListOverrides(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.PolicyOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PolicyOverride
	for _, o := range m.overrides {
		if !scopeMatches(filter, o.Organization, o.Project) {
			continue
		}
		if filter.ActiveOnly && !o.InEffect(now) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func scopeMatches(filter model.GovernanceFilter, org, project string) bool {
	return (filter.Organization == "" || filter.Organization == org) &&
		(filter.Project == "" || filter.Project == project)
}

func (m *MemStore) InsertRiskAcceptance(ctx context.Context, r *model.RiskAcceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.acceptances) + 1)
	stored := *r
	m.acceptances = append(m.acceptances, &stored)
	return nil
}

func (m *MemStore) ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.RiskAcceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RiskAcceptance
	for _, r := range m.acceptances {
		if !scopeMatches(filter, r.Organization, r.Project) {
			continue
		}
		if filter.ActiveOnly && !r.InEffect(now) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemStore) ListExpiringRiskAcceptances(ctx context.Context, cutoff time.Time) ([]model.RiskAcceptance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RiskAcceptance
	for _, r := range m.acceptances {
		if r.IsActive && r.ExpiresAt != nil && !r.ExpiresAt.After(cutoff) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemStore) InsertNoisePolicy(ctx context.Context, p *model.NoiseReductionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = int64(len(m.noisePolicies) + 1)
	stored := *p
	stored.Conditions = maps.Clone(p.Conditions)
	m.noisePolicies = append(m.noisePolicies, &stored)
	return nil
}

func (m *MemStore) ListNoisePolicies(ctx context.Context, filter model.GovernanceFilter) ([]model.NoiseReductionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NoiseReductionPolicy
	for _, p := range m.noisePolicies {
		if !scopeMatches(filter, p.Organization, p.Project) {
			continue
		}
		if filter.ActiveOnly && !p.IsActive {
			continue
		}
		cp := *p
		cp.Conditions = maps.Clone(p.Conditions)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemStore) AppendEvent(ctx context.Context, e *model.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.AppendErr) > 0 {
		err := m.AppendErr[0]
		m.AppendErr = m.AppendErr[1:]
		return err
	}
	e.ID = int64(len(m.events) + 1)
	stored := *e
	stored.Properties = maps.Clone(e.Properties)
	m.events = append(m.events, stored)
	return nil
}

func (m *MemStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SecurityEvent
	for _, e := range m.events {
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.Timestamp.Before(filter.To) {
			continue
		}
		if filter.Organization != "" && e.Organization != filter.Organization {
			continue
		}
		if filter.Project != "" && e.Project != filter.Project {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		cp := e
		cp.Properties = maps.Clone(e.Properties)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemStore) InsertThreadLinks(ctx context.Context, links []model.ThreadLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		if slices.ContainsFunc(m.links, func(x *model.ThreadLink) bool {
			return x.PullRequestRef == l.PullRequestRef && x.ThreadID == l.ThreadID && x.FindingID == l.FindingID
		}) {
			continue
		}
		stored := l
		stored.ResolvedAt = nil
		m.links = append(m.links, &stored)
	}
	return nil
}

func (m *MemStore) ListThreadLinks(ctx context.Context, pr model.PullRequestRef) ([]model.ThreadLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ThreadLink
	for _, l := range m.links {
		if l.PullRequestRef == pr {
			out = append(out, *l)
		}
	}
	slices.SortFunc(out, func(a, b model.ThreadLink) int {
		if a.ThreadID != b.ThreadID {
			return a.ThreadID - b.ThreadID
		}
		if a.FindingID < b.FindingID {
			return -1
		}
		if a.FindingID > b.FindingID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemStore) MarkThreadResolved(ctx context.Context, pr model.PullRequestRef, threadID int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.PullRequestRef == pr && l.ThreadID == threadID && l.ResolvedAt == nil {
			t := at
			l.ResolvedAt = &t
		}
	}
	return nil
}
