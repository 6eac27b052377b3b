package runtime

import (
	"context"
	"errors"
	"fmt"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/ipcproxy/internal/runtime/ids"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware for the given dispatcher.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Dispatcher) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to a Dispatcher's
// request chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first. Panic
// recovery sits innermost so every other middleware sees a panic as an error.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		HooksMiddleware(),
		TimeoutMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each request carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
					id := msg.Metadata.Get(metadata.KeyTag)
					if id == "" {
						id = idspkg.CreateULID()
					}
					msg.Metadata.Set(metadata.KeyCorrelationID, id)
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs every request with its metadata. A nil logger
// uses the dispatcher's logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = d.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing request", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps request handling in an OpenTelemetry span. The
// span continues the caller's trace when one was propagated.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			return tracerMiddleware(d.tracer), nil
		},
	}
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			channel := msg.Metadata.Get(metadata.KeyChannel)
			property := msg.Metadata.Get(metadata.KeyProperty)
			ctx, span := tracer.Start(
				msg.Context(),
				fmt.Sprintf("ipcproxy.dispatch %s.%s", channel, property),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("ipcproxy.channel", channel),
				attribute.String("ipcproxy.property", property),
				attribute.String("ipcproxy.kind", msg.Metadata.Get(metadata.KeyKind)),
				attribute.String("message.uuid", msg.UUID),
			)
			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

// MetricsMiddleware records handler execution time with Watermill's
// Prometheus middleware, labelled by channel, property and kind. It is
// skipped when the dispatcher has no metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.metrics == nil {
				return nil, nil
			}
			builder := d.metrics.builder("dispatcher",
				metadataLabel("channel", metadata.KeyChannel),
				metadataLabel("property", metadata.KeyProperty),
				metadataLabel("kind", metadata.KeyKind),
			)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

func metadataLabel(label, key string) wmmetrics.MetricLabel {
	return wmmetrics.MetricLabel{
		Label: label,
		ComputeValueFn: func(ctx context.Context) string {
			return metadata.FromContext(ctx)[key]
		},
	}
}

// HooksMiddleware runs the dispatcher's RequestHooks. It is skipped when no
// hooks are configured.
func HooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "hooks",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.hooks.IsZero() {
				return nil, nil
			}
			return requestHooksMiddleware(d.hooks), nil
		},
	}
}

// TimeoutMiddleware bounds get and apply handling by the configured
// HandlerTimeout. Stream subscriptions are not bounded.
func TimeoutMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.Conf == nil || d.Conf.HandlerTimeout <= 0 {
				return nil, nil
			}
			return middleware.Timeout(d.Conf.HandlerTimeout), nil
		},
	}
}

// RecovererMiddleware converts panics into errors, which reach the caller
// as PanicError.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends cfg to the request chain. Middlewares
// registered first run outermost.
func (d *Dispatcher) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(d)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	d.mwMu.Lock()
	d.middlewares = append(d.middlewares, mw)
	d.mwMu.Unlock()
	return nil
}

// chain wraps h with every registered middleware.
func (d *Dispatcher) chain(h message.HandlerFunc) message.HandlerFunc {
	d.mwMu.RLock()
	defer d.mwMu.RUnlock()
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		h = d.middlewares[i](h)
	}
	return h
}
