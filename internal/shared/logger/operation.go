package logger

import (
	"context"
	"log/slog"
	"time"
)

// Operation logs the lifecycle of a long-running operation
// (start/progress/complete/fail) with a consistent attribute set.
type Operation struct {
	logger    *Logger
	ctx       context.Context
	name      string
	StartTime time.Time
	attrs     []any
}

// StartOp begins tracking an operation. The start is logged at debug
// level; completion and failure at info/error.
func (l *Logger) StartOp(ctx context.Context, name string, args ...any) *Operation {
	op := &Operation{
		logger:    l,
		ctx:       ctx,
		name:      name,
		StartTime: time.Now(),
		attrs:     args,
	}

	attrs := append([]any{slog.String("operation", name)}, args...)
	l.WithContext(ctx).Debug("operation started", attrs...)

	return op
}

// With adds attributes to the operation.
func (op *Operation) With(args ...any) *Operation {
	op.attrs = append(op.attrs, args...)
	return op
}

func (op *Operation) base() []any {
	return append(
		[]any{
			slog.String("operation", op.name),
			slog.Duration("duration", time.Since(op.StartTime)),
		},
		op.attrs...,
	)
}

// Complete logs successful operation completion.
func (op *Operation) Complete(msg string, args ...any) {
	if msg == "" {
		msg = "operation completed"
	}
	op.logger.WithContext(op.ctx).Info(msg, append(op.base(), args...)...)
}

// Fail logs a failed operation.
func (op *Operation) Fail(err error, msg string, args ...any) {
	if msg == "" {
		msg = "operation failed"
	}
	attrs := append(op.base(), slog.String("error", err.Error()))
	op.logger.WithContext(op.ctx).Error(msg, append(attrs, args...)...)
}

// Progress logs operation progress at debug level.
func (op *Operation) Progress(msg string, args ...any) {
	op.logger.WithContext(op.ctx).Debug(msg, append(op.base(), args...)...)
}
