package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/netbill/internal/clock"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	calls []string
}

func (r *recorder) step(name string, execErr error, withCompensate bool, compErr error) Step {
	s := Step{
		Name: name,
		Execute: func(context.Context) error {
			r.calls = append(r.calls, "exec:"+name)
			return execErr
		},
	}
	if withCompensate {
		s.Compensate = func(context.Context) error {
			r.calls = append(r.calls, "comp:"+name)
			return compErr
		}
	}
	return s
}

func newTestOrchestrator(m *metrics.SagaMetrics) *Orchestrator {
	return New(Params{
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Metrics: m,
	})
}

func TestRunAllStepsSucceed(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)

	exec, err := o.Run(context.Background(), "test", []Step{
		r.step("a", nil, true, nil),
		r.step("b", nil, true, nil),
		r.step("c", nil, false, nil),
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c"}, r.calls)
	assert.NotEmpty(t, exec.ID)
	assert.False(t, exec.Compensated())
	for _, rec := range exec.Steps {
		assert.Equal(t, OutcomeSucceeded, rec.Outcome)
		assert.False(t, rec.Compensated)
	}
}

func TestRunNonFatalFailureContinues(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)

	exec, err := o.Run(context.Background(), "test", []Step{
		r.step("db", nil, true, nil),
		{
			Name:     "billing",
			NonFatal: true,
			Execute: func(context.Context) error {
				r.calls = append(r.calls, "exec:billing")
				return errors.New("billing down")
			},
		},
		r.step("notify", nil, false, nil),
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"exec:db", "exec:billing", "exec:notify"}, r.calls)
	assert.Equal(t, OutcomeNonFatalFailed, exec.Steps[1].Outcome)
	assert.Equal(t, "billing down", exec.Steps[1].Err)
}

func TestRunFatalFailureCompensatesInReverse(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)
	boom := errors.New("signaling unreachable")

	exec, err := o.Run(context.Background(), "test", []Step{
		r.step("a", nil, true, nil),
		r.step("b", nil, false, nil),
		r.step("c", nil, true, nil),
		r.step("d", boom, true, nil),
		r.step("e", nil, true, nil),
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{
		"exec:a", "exec:b", "exec:c", "exec:d",
		"comp:c", "comp:a",
	}, r.calls)
	assert.True(t, exec.Compensated())
	assert.True(t, exec.Steps[0].Compensated)
	assert.False(t, exec.Steps[1].Compensated)
	assert.True(t, exec.Steps[2].Compensated)
	assert.Equal(t, OutcomeFailed, exec.Steps[3].Outcome)
	assert.False(t, exec.Steps[3].Compensated)
	assert.Equal(t, OutcomeNotRun, exec.Steps[4].Outcome)
}

func TestRunCompensationErrorDoesNotMaskOriginal(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)
	boom := errors.New("payment declined")

	exec, err := o.Run(context.Background(), "test", []Step{
		r.step("a", nil, true, nil),
		r.step("b", nil, true, errors.New("delete failed")),
		r.step("c", boom, true, nil),
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "comp:b", "comp:a"}, r.calls)
	assert.Equal(t, "delete failed", exec.Steps[1].CompensationErr)
	assert.False(t, exec.Steps[1].Compensated)
	assert.True(t, exec.Steps[0].Compensated)
}

func TestRunSkipsCompensationOfNonFatalFailures(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)

	_, err := o.Run(context.Background(), "test", []Step{
		r.step("a", nil, true, nil),
		{
			Name:       "b",
			NonFatal:   true,
			Execute:    func(context.Context) error { return errors.New("nope") },
			Compensate: func(context.Context) error { r.calls = append(r.calls, "comp:b"); return nil },
		},
		r.step("c", errors.New("fatal"), false, nil),
	})

	require.Error(t, err)
	assert.Equal(t, []string{"exec:a", "exec:c", "comp:a"}, r.calls)
}

func TestRunPreconditionFailureOnFirstStep(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)

	_, err := o.Run(context.Background(), "test", []Step{
		r.step("db", Precondition("not_joined"), true, nil),
		r.step("billing", nil, true, nil),
	})

	require.ErrorIs(t, err, ErrPrecondition)
	code, ok := PreconditionCode(err)
	assert.True(t, ok)
	assert.Equal(t, "not_joined", code)
	assert.Equal(t, []string{"exec:db"}, r.calls)
}

func TestRunCompensatesAfterContextCancel(t *testing.T) {
	o := newTestOrchestrator(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var compCtxErr error
	_, err := o.Run(ctx, "test", []Step{
		{
			Name:    "a",
			Execute: func(context.Context) error { return nil },
			Compensate: func(ctx context.Context) error {
				compCtxErr = ctx.Err()
				return nil
			},
		},
		{
			Name: "b",
			Execute: func(context.Context) error {
				cancel()
				return context.Canceled
			},
		},
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, compCtxErr)
}

func TestRunPropagatesExecutionID(t *testing.T) {
	o := newTestOrchestrator(nil)

	var seen string
	exec, err := o.Run(context.Background(), "test", []Step{{
		Name: "a",
		Execute: func(ctx context.Context) error {
			seen = obscontext.ExecutionIDFromContext(ctx)
			return nil
		},
	}})

	require.NoError(t, err)
	assert.Equal(t, exec.ID, seen)
}

func TestRunRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewSagaMetrics(registry, metrics.Config{Environment: "test"})
	o := newTestOrchestrator(m)

	r := &recorder{}
	_, err := o.Run(context.Background(), "network.leave", []Step{
		r.step("db", nil, true, nil),
		r.step("signaling", errors.New("down"), false, nil),
	})
	require.Error(t, err)

	compensations, err := testutil.GatherAndCount(registry, "netbill_saga_compensations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, compensations)

	runs, err := testutil.GatherAndCount(registry, "netbill_saga_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestRollbackCompensatesCompletedRun(t *testing.T) {
	r := &recorder{}
	o := newTestOrchestrator(nil)
	steps := []Step{
		r.step("a", nil, true, nil),
		r.step("b", errors.New("optional"), true, nil),
		r.step("c", nil, true, nil),
	}
	steps[1].NonFatal = true

	exec, err := o.Run(context.Background(), "test", steps)
	require.NoError(t, err)

	commit := errors.New("commit failed")
	o.Rollback(context.Background(), exec, steps, commit)

	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "comp:c", "comp:a"}, r.calls)
	assert.ErrorIs(t, exec.Err, commit)
	assert.True(t, exec.Compensated())
	assert.True(t, exec.Steps[0].Compensated)
	assert.False(t, exec.Steps[1].Compensated)

	// a second rollback finds nothing left to undo
	o.Rollback(context.Background(), exec, steps, commit)
	assert.Len(t, r.calls, 5)
}
