// Package context carries correlation identifiers through request and saga scopes.
package context

import "context"

type key int

const (
	requestIDKey key = iota
	executionIDKey
	messageIDKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithExecutionID tags ctx with the saga execution currently running.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func ExecutionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

func MessageIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(messageIDKey).(string)
	return v
}
