package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/metadata"
)

// RequestContext describes one request handled by the dispatcher.
type RequestContext struct {
	// Channel is the descriptor channel the request arrived on.
	Channel string
	// Property is the requested property name.
	Property string
	// Kind is the request kind, for example "get" or "applySubscribe".
	Kind string
	// ReplyAddress is the correlation or subscription id.
	ReplyAddress string
	// MessageUUID is the transport message id.
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnRequestDone and OnRequestError.
	Duration time.Duration
}

// RequestHooks defines callbacks for request lifecycle events.
// All hooks are optional.
type RequestHooks struct {
	// OnRequestStart is called before the property is resolved.
	OnRequestStart func(ctx RequestContext)

	// OnRequestDone is called when the property produced a value, or when a
	// stream was subscribed successfully.
	OnRequestDone func(ctx RequestContext)

	// OnRequestError is called when the request fails. The same error is
	// sent back to the caller.
	OnRequestError func(ctx RequestContext, err error)
}

// IsZero reports whether no hook is set.
func (h RequestHooks) IsZero() bool {
	return h.OnRequestStart == nil && h.OnRequestDone == nil && h.OnRequestError == nil
}

// Merge combines two RequestHooks. The hooks from other run after the
// hooks from h.
func (h RequestHooks) Merge(other RequestHooks) RequestHooks {
	return RequestHooks{
		OnRequestStart: chainHooks(h.OnRequestStart, other.OnRequestStart),
		OnRequestDone:  chainHooks(h.OnRequestDone, other.OnRequestDone),
		OnRequestError: chainErrorHooks(h.OnRequestError, other.OnRequestError),
	}
}

func chainHooks(a, b func(RequestContext)) func(RequestContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RequestContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RequestContext, error)) func(RequestContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RequestContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// RequestHooksMiddleware creates a middleware that invokes hooks around
// every dispatched request.
func RequestHooksMiddleware(hooks RequestHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "request_hooks",
		Middleware: requestHooksMiddleware(hooks),
	}
}

func requestHooksMiddleware(hooks RequestHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			reqCtx := requestContextOf(msg)

			if hooks.OnRequestStart != nil {
				hooks.OnRequestStart(reqCtx)
			}

			msgs, err := h(msg)
			reqCtx.Duration = time.Since(reqCtx.StartedAt)

			if err != nil {
				if hooks.OnRequestError != nil {
					hooks.OnRequestError(reqCtx, err)
				}
			} else if hooks.OnRequestDone != nil {
				hooks.OnRequestDone(reqCtx)
			}

			return msgs, err
		}
	}
}

func requestContextOf(msg *message.Message) RequestContext {
	return RequestContext{
		Channel:      msg.Metadata.Get(metadata.KeyChannel),
		Property:     msg.Metadata.Get(metadata.KeyProperty),
		Kind:         msg.Metadata.Get(metadata.KeyKind),
		ReplyAddress: msg.Metadata.Get(metadata.KeyTag),
		MessageUUID:  msg.UUID,
		Metadata:     msg.Metadata,
		Context:      msg.Context(),
		StartedAt:    time.Now(),
	}
}

// LoggingHooks returns hooks that log request lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) RequestHooks {
	return RequestHooks{
		OnRequestStart: func(ctx RequestContext) {
			logger.Debug("Request started", loggingpkg.LogFields{
				"channel":  ctx.Channel,
				"property": ctx.Property,
				"kind":     ctx.Kind,
				"reply_to": ctx.ReplyAddress,
			})
		},
		OnRequestDone: func(ctx RequestContext) {
			logger.Info("Request completed", loggingpkg.LogFields{
				"channel":     ctx.Channel,
				"property":    ctx.Property,
				"kind":        ctx.Kind,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnRequestError: func(ctx RequestContext, err error) {
			logger.Error("Request failed", err, loggingpkg.LogFields{
				"channel":     ctx.Channel,
				"property":    ctx.Property,
				"kind":        ctx.Kind,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on request errors.
func AlertingHooks(alertFunc func(ctx RequestContext, err error)) RequestHooks {
	return RequestHooks{
		OnRequestError: alertFunc,
	}
}
