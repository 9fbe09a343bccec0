// Package saga executes ordered steps spanning systems that share no
// transaction, compensating completed steps in reverse when a fatal step fails.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/netbill/internal/clock"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/smallbiznis/netbill/internal/observability/logger"
	"github.com/smallbiznis/netbill/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("saga",
	fx.Provide(New),
)

// Step is one unit of a saga. Steps share state through the closures that
// build them, so a later step can consume what an earlier one produced.
type Step struct {
	Name    string
	Execute func(ctx context.Context) error
	// Compensate undoes a successful Execute. Nil when there is nothing to undo.
	Compensate func(ctx context.Context) error
	// NonFatal steps log their failure and let the saga continue.
	NonFatal bool
}

type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeNonFatalFailed Outcome = "non_fatal_failed"
	OutcomeNotRun         Outcome = "not_run"
)

// StepRecord is the audit entry for one step of a run.
type StepRecord struct {
	Name            string
	Outcome         Outcome
	Err             string
	Compensated     bool
	CompensationErr string
}

// Execution is the in-memory audit trail of a single run. It is not persisted.
type Execution struct {
	ID         string
	Saga       string
	Steps      []StepRecord
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Compensated reports whether the run ended in compensation.
func (e *Execution) Compensated() bool {
	return e != nil && e.Err != nil
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.SagaMetrics `optional:"true"`
}

type Orchestrator struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.SagaMetrics
	tracer  trace.Tracer
}

func New(p Params) *Orchestrator {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Orchestrator{
		log:     p.Log.Named("saga"),
		clock:   clk,
		metrics: p.Metrics,
		tracer:  otel.Tracer("netbill/saga"),
	}
}

// Run executes steps in order. A fatal failure at step k compensates the
// successful steps before k in reverse order and returns the original error.
// Compensation errors are logged and never replace that error.
func (o *Orchestrator) Run(ctx context.Context, name string, steps []Step) (*Execution, error) {
	exec := &Execution{
		ID:        ulid.Make().String(),
		Saga:      name,
		Steps:     make([]StepRecord, len(steps)),
		StartedAt: o.clock.Now(),
	}
	for i, step := range steps {
		exec.Steps[i] = StepRecord{Name: step.Name, Outcome: OutcomeNotRun}
	}

	ctx = obscontext.WithExecutionID(ctx, exec.ID)
	ctx, span := o.tracer.Start(ctx, "saga "+name, trace.WithAttributes(
		attribute.String("saga.name", name),
		attribute.String("saga.execution_id", exec.ID),
	))
	defer span.End()

	log := logger.WithContext(ctx, o.log).With(zap.String("saga", name))

	for i, step := range steps {
		err := o.execute(ctx, name, step)
		if err == nil {
			exec.Steps[i].Outcome = OutcomeSucceeded
			o.metrics.IncStep(name, step.Name, metrics.StepOutcomeSucceeded)
			continue
		}

		o.metrics.IncStepError(name, step.Name, reason(err))
		exec.Steps[i].Err = err.Error()

		if step.NonFatal {
			exec.Steps[i].Outcome = OutcomeNonFatalFailed
			o.metrics.IncStep(name, step.Name, metrics.StepOutcomeSkipped)
			log.Warn("non-fatal saga step failed", zap.String("step", step.Name), zap.Error(err))
			continue
		}

		exec.Steps[i].Outcome = OutcomeFailed
		o.metrics.IncStep(name, step.Name, metrics.StepOutcomeFailed)
		if !errors.Is(err, ErrPrecondition) {
			log.Error("saga step failed, compensating", zap.String("step", step.Name), zap.Error(err))
		}

		o.compensate(ctx, log, exec, steps[:i])

		exec.Err = err
		exec.FinishedAt = o.clock.Now()
		span.RecordError(err)
		span.SetStatus(codes.Error, step.Name)
		o.metrics.ObserveRun(name, metrics.SagaOutcomeCompensated, exec.FinishedAt.Sub(exec.StartedAt))
		return exec, err
	}

	exec.FinishedAt = o.clock.Now()
	o.metrics.ObserveRun(name, metrics.SagaOutcomeSucceeded, exec.FinishedAt.Sub(exec.StartedAt))
	log.Debug("saga completed", zap.Duration("duration", exec.FinishedAt.Sub(exec.StartedAt)))
	return exec, nil
}

// Rollback compensates a run that succeeded when work depending on it, such as
// committing the local transaction, fails afterwards. cause is recorded on the
// execution.
func (o *Orchestrator) Rollback(ctx context.Context, exec *Execution, steps []Step, cause error) {
	if exec == nil || exec.Err != nil {
		return
	}
	ctx = obscontext.WithExecutionID(ctx, exec.ID)
	log := logger.WithContext(ctx, o.log).With(zap.String("saga", exec.Saga))
	log.Error("rolling back completed saga", zap.Error(cause))

	o.compensate(ctx, log, exec, steps)
	exec.Err = cause
	exec.FinishedAt = o.clock.Now()
	o.metrics.ObserveRun(exec.Saga, metrics.SagaOutcomeCompensated, exec.FinishedAt.Sub(exec.StartedAt))
}

func (o *Orchestrator) execute(ctx context.Context, name string, step Step) (err error) {
	ctx, span := o.tracer.Start(ctx, name+"."+step.Name)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if step.Execute == nil {
		return nil
	}
	return step.Execute(ctx)
}

// compensate walks done in reverse. Compensation runs detached from the
// caller's cancellation so an expired deadline does not strand external objects.
func (o *Orchestrator) compensate(ctx context.Context, log *zap.Logger, exec *Execution, done []Step) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil || exec.Steps[i].Outcome != OutcomeSucceeded {
			continue
		}

		cctx, span := o.tracer.Start(ctx, exec.Saga+"."+step.Name+".compensate")
		err := step.Compensate(cctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err != nil {
			exec.Steps[i].CompensationErr = err.Error()
			o.metrics.IncCompensation(exec.Saga, step.Name, metrics.CompensationOutcomeFailed)
			log.Error("compensation failed", zap.String("step", step.Name), zap.Error(err))
			continue
		}
		exec.Steps[i].Compensated = true
		o.metrics.IncCompensation(exec.Saga, step.Name, metrics.CompensationOutcomeSucceeded)
		log.Info("step compensated", zap.String("step", step.Name))
	}
}

func reason(err error) string {
	if errors.Is(err, ErrPrecondition) {
		return metrics.ReasonPrecondition
	}
	return metrics.ClassifyReason(err)
}
