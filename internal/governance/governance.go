// Package governance records the human decisions made about findings:
// policy overrides, risk acceptances, noise policies and status changes.
//
// Overrides are append-then-activate. A request is stored inactive and an
// Admin approval activates it; at most one override per (finding, type) is
// in effect at a time, enforced when approving.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/observability"
)

type Repository interface {
	GetFinding(ctx context.Context, id string) (*model.Finding, error)
	ListFindings(ctx context.Context, filter model.FindingFilter) ([]model.Finding, error)
	SetFindingStatus(ctx context.Context, id string, status model.FindingStatus, at time.Time) (model.FindingStatus, error)

	InsertOverride(ctx context.Context, o *model.PolicyOverride) error
	ApproveOverride(ctx context.Context, id int64, approver string, at time.Time) (*model.PolicyOverride, error)
	ListOverrides(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.PolicyOverride, error)
	InsertRiskAcceptance(ctx context.Context, r *model.RiskAcceptance) error
	ListRiskAcceptances(ctx context.Context, filter model.GovernanceFilter, now time.Time) ([]model.RiskAcceptance, error)
	ListExpiringRiskAcceptances(ctx context.Context, cutoff time.Time) ([]model.RiskAcceptance, error)
	InsertNoisePolicy(ctx context.Context, p *model.NoiseReductionPolicy) error
	ListNoisePolicies(ctx context.Context, filter model.GovernanceFilter) ([]model.NoiseReductionPolicy, error)
}

// EventSink is satisfied by *eventlog.Log.
type EventSink interface {
	Append(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error)
}

var validate = validator.New()

type Store struct {
	repo    Repository
	events  EventSink
	metrics *observability.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func New(repo Repository, events EventSink, metrics *observability.Metrics, log *zap.Logger) *Store {
	return &Store{repo: repo, events: events, metrics: metrics, log: logging.OrNop(log), now: time.Now}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) clock() time.Time { return s.now().UTC() }

// checkRequest runs the struct tags and turns the first failure into a
// validation error naming the field.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return apperr.Validation("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return apperr.Validation("%s failed %s", fe.Field(), fe.Tag())
	}
	return apperr.Validation("%v", err)
}

func requireRole(role model.Role, action string, allowed ...model.Role) error {
	for _, r := range allowed {
		if role == r {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, r := range allowed {
		names[i] = string(r)
	}
	return apperr.Validation("role %q may not %s (requires %s)", role, action, strings.Join(names, " or "))
}

// ParseOverrideID accepts the decimal ids the boundary passes around as
// strings.
func ParseOverrideID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("override id %q is not a positive integer", raw)
	}
	return id, nil
}

func (s *Store) emit(ctx context.Context, e model.SecurityEvent) error {
	if _, err := s.events.Append(ctx, e); err != nil {
		return fmt.Errorf("audit %s: %w", e.EventType, err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
