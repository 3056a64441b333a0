// Package prthread keeps pull-request discussion threads in step with the
// findings they report on. It renders review comments, posts them through a
// SourceControl client, records which thread covers which finding and later
// resolves threads whose findings are no longer open.
package prthread

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourorg/security-advisor/internal/llm"
	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
	"github.com/yourorg/security-advisor/internal/recommend"
	"github.com/yourorg/security-advisor/internal/retry"
)

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadPending  ThreadStatus = "pending"
	ThreadFixed    ThreadStatus = "fixed"
	ThreadWontFix  ThreadStatus = "wontFix"
	ThreadClosed   ThreadStatus = "closed"
	ThreadByDesign ThreadStatus = "byDesign"
)

// Open reports whether the thread still needs attention. An unset status
// counts as open.
func (s ThreadStatus) Open() bool {
	switch s {
	case "", ThreadActive, ThreadPending:
		return true
	default:
		return false
	}
}

type Comment struct {
	ID      int    `json:"id"`
	Author  string `json:"author,omitempty"`
	Content string `json:"content"`
}

type Thread struct {
	ID          int          `json:"id"`
	Status      ThreadStatus `json:"status"`
	FilePath    string       `json:"filePath,omitempty"`
	Line        int          `json:"line,omitempty"`
	URL         string       `json:"url,omitempty"`
	PublishedAt time.Time    `json:"publishedAt"`
	Comments    []Comment    `json:"comments"`
}

// NewThread is the payload for CreateThread. FilePath and Line anchor the
// thread; PR-wide threads use a virtual path.
type NewThread struct {
	Content  string
	FilePath string
	Line     int
	Status   ThreadStatus
}

type StatusState string

const (
	StatusSucceeded StatusState = "succeeded"
	StatusFailed    StatusState = "failed"
)

type CommitStatus struct {
	State       StatusState `json:"state"`
	Description string      `json:"description"`
	Name        string      `json:"name"`
	Genre       string      `json:"genre"`
	TargetURL   string      `json:"targetUrl,omitempty"`
}

// SourceControl is the pull-request API of the hosting system. Errors that
// should be retried must be apperr.Transient.
type SourceControl interface {
	ListThreads(ctx context.Context, pr model.PullRequestRef) ([]Thread, error)
	GetThread(ctx context.Context, pr model.PullRequestRef, threadID int) (*Thread, error)
	CreateThread(ctx context.Context, pr model.PullRequestRef, t NewThread) (*Thread, error)
	CreateComment(ctx context.Context, pr model.PullRequestRef, threadID int, content string) (*Comment, error)
	UpdateComment(ctx context.Context, pr model.PullRequestRef, threadID, commentID int, content string) error
	SetThreadStatus(ctx context.Context, pr model.PullRequestRef, threadID int, status ThreadStatus) error
	CreateStatus(ctx context.Context, pr model.PullRequestRef, s CommitStatus) error
}

type Repository interface {
	GetFinding(ctx context.Context, id string) (*model.Finding, error)
	ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error)
	ListRecommendations(ctx context.Context, findingID string) ([]model.Recommendation, error)
	InsertThreadLinks(ctx context.Context, links []model.ThreadLink) error
	ListThreadLinks(ctx context.Context, pr model.PullRequestRef) ([]model.ThreadLink, error)
	MarkThreadResolved(ctx context.Context, pr model.PullRequestRef, threadID int, at time.Time) error
}

type EventSink interface {
	Append(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error)
}

type Options struct {
	Retry retry.Policy
	// RequestsPerSecond caps SourceControl calls; zero means unlimited.
	RequestsPerSecond float64
	// ResolveConcurrency bounds parallel resolution posts. Defaults to 4.
	ResolveConcurrency int
	Metrics            *observability.Metrics
	Logger             *zap.Logger
	Now                func() time.Time
}

type Reconciler struct {
	repo    Repository
	scm     SourceControl
	backend llm.Backend
	events  EventSink
	limiter *rate.Limiter
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New builds a Reconciler. backend may be nil, in which case previews are
// always rendered locally.
func New(repo Repository, scm SourceControl, backend llm.Backend, events EventSink, opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = 4
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Reconciler{
		repo:    repo,
		scm:     scm,
		backend: backend,
		events:  events,
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
		log:     logging.OrNop(opts.Logger),
		now:     now,
	}
}

// call runs one SourceControl operation under the rate limit and retry
// policy.
func (r *Reconciler) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := r.opts.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		r.opts.Metrics.SourceControlRetry(op)
		r.log.Warn("source control call failed, retrying", zap.String("operation", op),
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
	if err != nil {
		r.log.Error("source control call failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (r *Reconciler) emit(ctx context.Context, pr model.PullRequestRef, et model.EventType, findingID string, props map[string]string) error {
	if props == nil {
		props = map[string]string{}
	}
	props["pullRequestId"] = strconv.Itoa(pr.PullRequestID)
	_, err := r.events.Append(ctx, model.SecurityEvent{
		EventType:    et,
		Organization: pr.Organization,
		Project:      pr.Project,
		Repository:   pr.RepositoryID,
		FindingID:    findingID,
		Properties:   props,
	})
	return err
}

func (r *Reconciler) openFindings(ctx context.Context, pr model.PullRequestRef) ([]model.Finding, error) {
	return r.repo.ListFindings(ctx, model.FindingFilter{
		Organization: pr.Organization,
		Project:      pr.Project,
		Status:       model.StatusOpen,
	})
}

func (r *Reconciler) best(ctx context.Context, findingID string) (*model.Recommendation, error) {
	recs, err := r.repo.ListRecommendations(ctx, findingID)
	if err != nil {
		return nil, err
	}
	return recommend.BestOf(recs), nil
}
