// Package advisor is the operation surface the boundary layers call. It
// wires the services together and turns every error into a Result, logging
// an operation_failed event for each failure.
package advisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/archive"
	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/eventlog"
	"github.com/yourorg/security-advisor/internal/governance"
	"github.com/yourorg/security-advisor/internal/llm"
	"github.com/yourorg/security-advisor/internal/logging"
	"github.com/yourorg/security-advisor/internal/model"
	"github.com/yourorg/security-advisor/internal/normalize"
	"github.com/yourorg/security-advisor/internal/observability"
	"github.com/yourorg/security-advisor/internal/prthread"
	"github.com/yourorg/security-advisor/internal/recommend"
	"github.com/yourorg/security-advisor/internal/retry"
)

// Archive stores raw analyzer payloads. *archive.Client implements it.
type Archive interface {
	Put(ctx context.Context, analysisID string, kind archive.Kind, content []byte, meta archive.Metadata) (string, error)
	Get(ctx context.Context, key string) (*archive.Payload, error)
	List(ctx context.Context) ([]archive.Object, error)
}

// Deps are the collaborators of an Advisor. Archive, Backend and
// SourceControl are optional; the operations that need a missing one fail
// with a validation result.
type Deps struct {
	Repo          db.Repository
	Archive       Archive
	Backend       llm.Backend
	SourceControl prthread.SourceControl

	PromptVersion        string
	PolicyVersion        string
	Retry                retry.Policy
	SCMRequestsPerSecond float64

	Metrics *observability.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type Advisor struct {
	repo       db.Repository
	archive    Archive
	events     *eventlog.Log
	governance *governance.Store
	generator  *recommend.Generator
	threads    *prthread.Reconciler
	normalizer *normalize.Normalizer
	metrics    *observability.Metrics
	log        *zap.Logger
	now        func() time.Time
}

func New(d Deps) *Advisor {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	log := logging.OrNop(d.Logger)
	events := eventlog.New(d.Repo, eventlog.Options{
		PromptVersion: d.PromptVersion,
		PolicyVersion: d.PolicyVersion,
		Retry:         d.Retry,
		Metrics:       d.Metrics,
		Logger:        log.Named("eventlog"),
		Now:           now,
	})
	a := &Advisor{
		repo:       d.Repo,
		archive:    d.Archive,
		events:     events,
		governance: governance.New(d.Repo, events, d.Metrics, log.Named("governance")).WithClock(now),
		generator: recommend.NewGenerator(d.Repo, d.Backend, events, recommend.Options{
			PromptVersion: d.PromptVersion,
			PolicyVersion: d.PolicyVersion,
			Retry:         d.Retry,
			Metrics:       d.Metrics,
			Logger:        log.Named("recommend"),
			Now:           now,
		}),
		normalizer: normalize.New(log.Named("normalize")).WithClock(now),
		metrics:    d.Metrics,
		log:        log,
		now:        now,
	}
	if d.SourceControl != nil {
		a.threads = prthread.New(d.Repo, d.SourceControl, d.Backend, events, prthread.Options{
			Retry:             d.Retry,
			RequestsPerSecond: d.SCMRequestsPerSecond,
			Metrics:           d.Metrics,
			Logger:            log.Named("prthread"),
			Now:               now,
		})
	}
	return a
}

// Events is the shared event log, for the expiry monitor.
func (a *Advisor) Events() *eventlog.Log { return a.events }

// Governance is the shared governance store, for the expiry monitor.
func (a *Advisor) Governance() *governance.Store { return a.governance }

// Result is what every operation returns to the boundary.
type Result[T any] struct {
	Success      bool        `json:"success"`
	Data         T           `json:"data,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	ErrorKind    apperr.Kind `json:"errorKind,omitempty"`
}

func ok[T any](v T) Result[T] { return Result[T]{Success: true, Data: v} }

// Actor identifies who triggered an operation, for failure events.
type Actor struct {
	UserID string
	Role   model.Role
}

// run executes fn and converts its error, or a panic, into a failed Result.
// Every failure is logged and recorded as an operation_failed event.
func run[T any](ctx context.Context, a *Advisor, op string, actor Actor, fn func(ctx context.Context) (T, error)) (res Result[T]) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("operation panicked", zap.String("operation", op), zap.Any("panic", p), zap.Stack("stack"))
			res = failed[T](ctx, a, op, actor, apperr.Wrap(apperr.KindInternal, fmt.Errorf("panic: %v", p), "%s", op))
		}
	}()
	v, err := fn(ctx)
	if err != nil {
		return failed[T](ctx, a, op, actor, err)
	}
	return ok(v)
}

func failed[T any](ctx context.Context, a *Advisor, op string, actor Actor, err error) Result[T] {
	a.recordFailure(ctx, op, actor, err)
	return Result[T]{ErrorMessage: err.Error(), ErrorKind: apperr.KindOf(err)}
}

// Reject reports a request for op that was refused before the operation ran,
// such as a body that does not decode. It is logged and audited as a
// validation failure.
func (a *Advisor) Reject(ctx context.Context, op string, err error) Result[any] {
	return failed[any](ctx, a, op, Actor{}, &apperr.Error{Kind: apperr.KindValidation, Message: err.Error()})
}

// recordFailure logs err and appends the failure event. An event that
// cannot be written is logged; the original failure is what the caller
// sees.
func (a *Advisor) recordFailure(ctx context.Context, op string, actor Actor, err error) {
	kind := apperr.KindOf(err)
	fields := []zap.Field{zap.String("operation", op), zap.String("error_kind", string(kind)), zap.Error(err)}
	switch kind {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict:
		a.log.Warn("operation rejected", fields...)
	default:
		a.log.Error("operation failed", fields...)
	}
	_, aerr := a.events.Append(context.WithoutCancel(ctx), model.SecurityEvent{
		EventType: model.EventOperationFailed,
		UserID:    actor.UserID,
		UserRole:  actor.Role,
		Properties: map[string]string{
			"operation": op,
			"errorKind": string(kind),
			"error":     err.Error(),
		},
	})
	if aerr != nil {
		a.log.Error("record operation failure", zap.String("operation", op), zap.Error(aerr))
	}
}
