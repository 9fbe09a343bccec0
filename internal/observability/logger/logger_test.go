package logger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithExecutionID(ctx, "01HV")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "01HV", fields["saga_execution_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestWithContextReturnsBaseWhenEmpty(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithContext(context.Background(), base))
}

func TestOperationAndTableFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("SELECT * FROM memberships WHERE id = 1"))
	assert.Equal(t, "INSERT", operationFromSQL(`INSERT INTO "activity_events" ("id") VALUES (1)`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
	assert.Equal(t, "memberships", tableFromSQL("SELECT * FROM memberships WHERE id = 1"))
	assert.Equal(t, "activity_events", tableFromSQL(`INSERT INTO "activity_events" ("id") VALUES (1)`))
	assert.Equal(t, "networks", tableFromSQL(`UPDATE "networks" SET status = 'SUSPENDED'`))
}

func TestQueryErrorLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, queryErrorLevel(gormlogger.ErrRecordNotFound))
	assert.Equal(t, zapcore.InfoLevel, queryErrorLevel(fmt.Errorf("insert membership: %w", gorm.ErrDuplicatedKey)))
	assert.Equal(t, zapcore.ErrorLevel, queryErrorLevel(errors.New("connection reset")))
}

func TestGormTraceUsesContextLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := zap.ReplaceGlobals(zap.New(core))
	defer prev()

	l := NewGormLogger(DefaultGormLoggerConfig())
	fc := func() (string, int64) { return `SELECT * FROM "networks"`, 1 }

	l.Trace(context.Background(), time.Now(), fc, nil)
	assert.Empty(t, logs.All(), "fast queries are not logged at warn")

	l.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	l.Trace(context.Background(), time.Now(), fc, errors.New("boom"))
	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.Equal(t, "networks", entries[0].ContextMap()["table"])
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	}
}
