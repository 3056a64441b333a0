// Package expiry runs the periodic sweep that flags risk acceptances close
// to their expiry date.
package expiry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/governance"
	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
)

// Source is satisfied by *governance.Store.
type Source interface {
	ListExpiringRiskAcceptances(ctx context.Context, thresholdDays int) ([]model.RiskAcceptance, error)
}

type EventSink interface {
	Append(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error)
}

type Options struct {
	Interval      time.Duration
	ThresholdDays int
	RetryDelay    time.Duration
	// SweepTimeout bounds one sweep. Shutdown does not interrupt a sweep in
	// progress.
	SweepTimeout time.Duration
	Disabled     bool
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
}

func DefaultOptions() Options {
	return Options{
		Interval:      24 * time.Hour,
		ThresholdDays: 14,
		RetryDelay:    5 * time.Minute,
		SweepTimeout:  2 * time.Minute,
	}
}

type Monitor struct {
	src    Source
	events EventSink
	opts   Options
	log    *zap.Logger
}

func New(src Source, events EventSink, opts Options) *Monitor {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = def.SweepTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Monitor{src: src, events: events, opts: opts, log: logging.OrNop(opts.Logger)}
}

// Run sweeps immediately and then once per Interval until ctx is done. A
// failed sweep is retried after RetryDelay instead of waiting a full
// interval. Run never returns an error of its own.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.Disabled {
		m.log.Info("expiry monitor disabled")
		return nil
	}
	m.log.Info("expiry monitor started", zap.Duration("interval", m.opts.Interval),
		zap.Int("threshold_days", m.opts.ThresholdDays))
	for {
		if ctx.Err() != nil {
			m.log.Info("expiry monitor stopped")
			return nil
		}
		delay := m.opts.Interval
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.SweepTimeout)
		n, err := m.Sweep(sweepCtx)
		cancel()
		if err != nil {
			m.log.Error("expiry sweep failed", zap.Error(err), zap.Duration("retry_in", m.opts.RetryDelay))
			delay = m.opts.RetryDelay
		} else {
			m.log.Debug("expiry sweep done", zap.Int("expiring", n))
		}

		select {
		case <-ctx.Done():
			m.log.Info("expiry monitor stopped")
			return nil
		case <-m.opts.After(delay):
		}
	}
}

// Sweep runs one pass and returns how many acceptances were flagged. Each
// pass emits its own events, so an acceptance is reported again every day
// until it expires or is withdrawn.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now := m.opts.Now().UTC()
	matches, err := m.src.ListExpiringRiskAcceptances(ctx, m.opts.ThresholdDays)
	if err != nil {
		return 0, err
	}
	for _, r := range matches {
		props := map[string]string{
			"riskAcceptanceId": strconv.FormatInt(r.ID, 10),
			"scope":            r.Scope,
		}
		if r.ExpiresAt != nil {
			props["expiresAt"] = r.ExpiresAt.UTC().Format(time.RFC3339)
			props["daysRemaining"] = strconv.Itoa(governance.DaysUntil(now, *r.ExpiresAt))
		}
		_, err := m.events.Append(ctx, model.SecurityEvent{
			EventType:    model.EventRiskAcceptanceExpiring,
			Organization: r.Organization,
			Project:      r.Project,
			FindingID:    r.FindingID,
			Properties:   props,
		})
		if err != nil {
			return 0, err
		}
		m.opts.Metrics.AcceptanceExpiring()
		m.log.Warn(governance.ExpiryWarning(r, now), zap.Int64("risk_acceptance_id", r.ID),
			zap.String("finding_id", r.FindingID))
	}
	return len(matches), nil
}
