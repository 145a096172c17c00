package runtime

import (
	"time"

	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

// DispatchContext provides information about one handler invocation to hooks.
type DispatchContext struct {
	// HandlerID is the id of the handler processing the message.
	HandlerID string
	// MessageID is the unique identifier of the message.
	MessageID string
	// MessageType is the message's type tag.
	MessageType string
	// Priority is the message's priority level.
	Priority Priority
	// CorrelationID carries the message's correlation identifier.
	CorrelationID string
	// StartedAt is when the invocation started.
	StartedAt time.Time
	// Duration is how long the invocation took (only set in OnDispatchDone
	// and OnDispatchError).
	Duration time.Duration
	// RetryCount is the number of times this message has been re-dispatched.
	RetryCount int
}

// DispatchHooks defines callbacks for handler invocation lifecycle events.
// All hooks are optional; nil hooks are simply not called.
type DispatchHooks struct {
	// OnDispatchStart is called before a handler body is invoked.
	OnDispatchStart func(ctx DispatchContext)

	// OnDispatchDone is called when a handler completes successfully.
	OnDispatchDone func(ctx DispatchContext)

	// OnDispatchError is called when a handler returns an error or panics.
	OnDispatchError func(ctx DispatchContext, err error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls
// both. The hooks from other are called after the hooks from h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: chainStartHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainStartHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func chainStartHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DispatchHooks) start(ctx DispatchContext) {
	if h.OnDispatchStart != nil {
		h.OnDispatchStart(ctx)
	}
}

func (h DispatchHooks) finish(ctx DispatchContext, err error) {
	if err != nil {
		if h.OnDispatchError != nil {
			h.OnDispatchError(ctx, err)
		}
		return
	}
	if h.OnDispatchDone != nil {
		h.OnDispatchDone(ctx)
	}
}

// LoggingHooks returns pre-built hooks that log invocation lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			logger.Debug("Handler started", loggingpkg.LogFields{
				"handler":     ctx.HandlerID,
				"message_id":  ctx.MessageID,
				"type":        ctx.MessageType,
				"priority":    ctx.Priority.String(),
				"retry_count": ctx.RetryCount,
			})
		},
		OnDispatchDone: func(ctx DispatchContext) {
			logger.Debug("Handler completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerID,
				"message_id":  ctx.MessageID,
				"type":        ctx.MessageType,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			logger.Error("Handler failed", err, loggingpkg.LogFields{
				"handler":     ctx.HandlerID,
				"message_id":  ctx.MessageID,
				"type":        ctx.MessageType,
				"duration_ms": ctx.Duration.Milliseconds(),
				"retry_count": ctx.RetryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward invocation counts to the
// provided callbacks.
func MetricsHooks(onStart, onDone, onError func(handlerID, messageType string)) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			if onStart != nil {
				onStart(ctx.HandlerID, ctx.MessageType)
			}
		},
		OnDispatchDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.HandlerID, ctx.MessageType)
			}
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			if onError != nil {
				onError(ctx.HandlerID, ctx.MessageType)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on handler errors.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnDispatchError: alertFunc,
	}
}
