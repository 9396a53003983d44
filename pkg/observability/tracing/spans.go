// Package tracing provides OpenTelemetry tracing for lock coordination and the lease store.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by the lock packages.
const InstrumentationName = "github.com/nimburion/distlock"

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	// SpanOperationAcquire covers one Acquire call, from local wait to claimed row.
	SpanOperationAcquire SpanOperation = "acquire-distributed-lock"
	// SpanOperationRelease covers one Release call including delete retries.
	SpanOperationRelease SpanOperation = "release-distributed-lock"

	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBUpdate SpanOperation = "db.update"
	SpanOperationDBDelete SpanOperation = "db.delete"
	SpanOperationDBTx     SpanOperation = "db.transaction"
)

// StartLockSpan starts a span for a lock operation. The span name is the operation.
func StartLockSpan(ctx context.Context, operation SpanOperation, opts ...LockSpanOption) (context.Context, trace.Span) {
	spanOpts := &lockSpanOptions{}
	for _, opt := range opts {
		opt(spanOpts)
	}

	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, string(operation), trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// LockSpanOption configures a lock span.
type LockSpanOption func(*lockSpanOptions)

type lockSpanOptions struct {
	attributes []attribute.KeyValue
}

// WithLockName sets the lock name.
func WithLockName(name string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("distlock.name", name))
	}
}

// WithServiceID sets the owning service instance id.
func WithServiceID(id string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("distlock.service_id", id))
	}
}

// SetLockAttempts records how many claim attempts an acquisition needed.
func SetLockAttempts(span trace.Span, attempts int) {
	span.SetAttributes(attribute.Int("distlock.attempts", attempts))
}

// StartDatabaseSpan creates a span for a lease store statement.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.table != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.table)
	}

	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	table      string
	attributes []attribute.KeyValue
}

// WithDBTable sets the database table name for the span.
func WithDBTable(table string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.table = table
		opts.attributes = append(opts.attributes, attribute.String("db.table", table))
	}
}

// WithDBSystem sets the database system (e.g., "postgresql", "mysql").
func WithDBSystem(system string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// RecordError records err on the span and marks it failed. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
