package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StepOutcomeSucceeded = "succeeded"
	StepOutcomeFailed    = "failed"
	StepOutcomeSkipped   = "non_fatal_failed"

	SagaOutcomeSucceeded   = "succeeded"
	SagaOutcomeCompensated = "compensated"

	CompensationOutcomeSucceeded = "succeeded"
	CompensationOutcomeFailed    = "failed"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonPrecondition         = "precondition"
	ReasonUnknown              = "unknown"
)

// SagaMetrics captures saga step health for cross-system consistency alerts.
type SagaMetrics struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepErrors    *prometheus.CounterVec
	compensations *prometheus.CounterVec
}

var (
	sagaMetricsOnce sync.Once
	sagaMetrics     *SagaMetrics
)

// Saga returns the singleton saga metrics registered on the default registerer.
func Saga() *SagaMetrics {
	return SagaWithConfig(Config{})
}

// SagaWithConfig returns the singleton saga metrics using config labels.
func SagaWithConfig(cfg Config) *SagaMetrics {
	sagaMetricsOnce.Do(func() {
		sagaMetrics = NewSagaMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sagaMetrics
}

// NewSagaMetrics registers saga vectors on registerer.
func NewSagaMetrics(registerer prometheus.Registerer, cfg Config) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "netbill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "netbill_saga_runs_total",
		Help:        "Saga runs by name and terminal outcome.",
		ConstLabels: constLabels,
	}, []string{"saga", "outcome"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "netbill_saga_duration_seconds",
		Help:        "Saga wall time including compensation.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"saga"})
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "netbill_saga_steps_total",
		Help:        "Saga step executions by outcome.",
		ConstLabels: constLabels,
	}, []string{"saga", "step", "outcome"})
	stepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "netbill_saga_step_errors_total",
		Help:        "Saga step errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"saga", "step", "reason"})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "netbill_saga_compensations_total",
		Help:        "Compensating actions by outcome. Failed compensations may leave stray external objects.",
		ConstLabels: constLabels,
	}, []string{"saga", "step", "outcome"})

	registerer.MustRegister(runs, runDuration, steps, stepErrors, compensations)

	return &SagaMetrics{
		runs:          runs,
		runDuration:   runDuration,
		steps:         steps,
		stepErrors:    stepErrors,
		compensations: compensations,
	}
}

func (m *SagaMetrics) ObserveRun(saga, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(saga, outcome).Inc()
	m.runDuration.WithLabelValues(saga).Observe(duration.Seconds())
}

func (m *SagaMetrics) IncStep(saga, step, outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(saga, step, outcome).Inc()
}

// IncStepError counts a step error under the given reason (see ClassifyReason).
func (m *SagaMetrics) IncStepError(saga, step, reason string) {
	if m == nil {
		return
	}
	m.stepErrors.WithLabelValues(saga, step, reason).Inc()
}

func (m *SagaMetrics) IncCompensation(saga, step, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(saga, step, outcome).Inc()
}

// ClassifyReason maps infrastructure errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return ReasonUniqueViolation
	}
	return ReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
