// Package eventlog is the append-only audit trail. Appends are synchronous:
// a caller learns about a failed write before it reports success.
package eventlog

import (
	"context"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
	"github.com/yourorg/security-advisor/internal/retry"
)

type Repository interface {
	AppendEvent(ctx context.Context, e *model.SecurityEvent) error
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error)
	ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.RiskAcceptance, error)
}

type Options struct {
	PromptVersion string
	PolicyVersion string
	Retry         retry.Policy
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

type Log struct {
	repo    Repository
	opts    Options
	log     *zap.Logger
	now     func() time.Time
	metrics *observability.Metrics
}

func New(repo Repository, opts Options) *Log {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	return &Log{repo: repo, opts: opts, log: logging.OrNop(opts.Logger), now: now, metrics: opts.Metrics}
}

// Append stamps the timestamp and versions when they are unset and writes
// the event, retrying transient failures.
func (l *Log) Append(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.PromptVersion == "" {
		e.PromptVersion = l.opts.PromptVersion
	}
	if e.PolicyVersion == "" {
		e.PolicyVersion = l.opts.PolicyVersion
	}
	e.Properties = maps.Clone(e.Properties)

	p := l.opts.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		l.log.Warn("event append failed, retrying",
			zap.String("event_type", string(e.EventType)), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		return l.repo.AppendEvent(ctx, &e)
	})
	if err != nil {
		l.log.Error("event append failed", zap.String("event_type", string(e.EventType)),
			zap.String("finding_id", e.FindingID), zap.Error(err))
		return e, err
	}
	l.metrics.EventLogged(string(e.EventType))
	return e, nil
}

func (l *Log) List(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error) {
	return l.repo.ListEvents(ctx, filter)
}
