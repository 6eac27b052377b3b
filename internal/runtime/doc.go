/*
Package runtime implements the proxy/RPC protocol for ipcproxy.

# Architecture Overview

A service is described by a descriptor: a channel name plus a set of named
properties, each a plain value, a stream of values, a function or a
function returning a stream. A consumer builds a Proxy from the descriptor
and talks to the provider over a fire-and-forget message bus; the provider
serves the same descriptor through a Dispatcher.

Requests travel on the service channel. Replies travel back on an address
equal to the request's correlation id (get, apply) or subscription id
(subscribe, applySubscribe), so any number of calls and streams share one
bus without crossing.

# Package Structure

## Proxy (proxy.go, subscription.go, call.go, typed.go)

Proxy turns descriptor properties into accessors. One-shot calls return a
Call future that settles exactly once: with the result, the decoded remote
error, the caller's context error or ErrCallTimeout. Stream properties
return streams built by the injected stream.Constructor; each subscription
opens its own remote subscription and sends unsubscribe when it is
cancelled locally. BindValue, BindFunction, BindStreamValue and
BindStreamFunction add typed decoding on top.

## Dispatcher (dispatcher.go, implementation.go)

Dispatcher serves an Implementation per registered descriptor. get and
apply run concurrently through a Watermill HandlerMiddleware chain; stream
requests are handled in arrival order so a subscribe is always seen before
its unsubscribe.

## Middleware and Hooks (middleware.go, hooks.go)

The default dispatcher chain:
  - CorrelationID: Ensures every request carries a correlation id
  - LogMessages: Debug logging of request payloads
  - Tracer: OpenTelemetry server span per request
  - Metrics: Watermill Prometheus handler metrics
  - Hooks: RequestHooks lifecycle callbacks
  - Timeout: Optional HandlerTimeout for get/apply
  - Recoverer: Panic recovery, reported to the caller as PanicError

## Monitoring (metrics.go, introspection.go)

Prometheus collectors for both sides and an HTTP handler listing the
services a dispatcher serves.

# Sub-packages

  - codec/: Wire codecs for request and response frames (json, proto)
  - config/: Client and dispatcher configuration with validation
  - descriptor/: Descriptors, property kinds and descriptor files
  - errcodec/: Portable error encoding and decoding
  - errors/: Sentinel errors and error types
  - ids/: Correlation, subscription and message ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - protocol/: Request and response frames
  - stream/: Minimal observable streams and subjects
  - transport/: The Watermill backed message bus

# Usage Example

	desc := descriptor.New("pref", map[string]descriptor.PropertyKind{
		"theme":    descriptor.Value,
		"theme$":   descriptor.StreamValue,
		"setTheme": descriptor.Function,
	})

	client, err := runtime.NewClient(ctx, &config.Config{PubSubSystem: "nats", NATSURL: url}, logger, runtime.ClientDependencies{})
	if err != nil {
		return err
	}
	defer client.Close()

	proxy, err := client.Proxy(desc)
	if err != nil {
		return err
	}
	theme, err := runtime.BindValue[string](proxy, "theme")
	if err != nil {
		return err
	}
	current, err := theme.Get(ctx)
*/
package runtime
