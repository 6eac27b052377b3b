// Package ipcproxy lets a process call into a service living elsewhere as if
// it were a local object, over any fire-and-forget message bus Watermill can
// drive. A service is described once by a Descriptor: a channel name plus the
// kind of every property. Properties are plain values read with a get
// request, live values observed as a stream, functions invoked with
// arguments, or functions returning a stream.
//
// The provider side registers an Implementation with a Dispatcher, which
// answers requests on the service's channel. The consumer side asks a Client
// for a Proxy and reads properties through it, either untyped via
// Proxy.Value, Proxy.Function and friends, or typed via BindValue,
// BindFunction, BindStreamValue and BindStreamFunction. One-shot calls are
// correlated by id and bounded by Config.CallTimeout; stream subscriptions
// relay next frames until the provider completes or fails the stream, or
// the consumer unsubscribes.
//
// Errors cross the bus as portable descriptors that keep their kind, so a
// TypeError raised by the provider satisfies errors.Is(err, ErrType) on the
// consumer.
//
// # Transports
//
// The bus is selected by Config.PubSubSystem:
//   - channel: in-process Go channels, shared by every bus in the process
//   - file: a frame log at Config.FilePath shared by processes on one host
//   - nats: core NATS subjects
//   - kafka: topics on a Kafka cluster
//   - rabbitmq: AMQP queues on a fanout exchange per address
//
// Custom transports are added with RegisterTransport, or per instance with a
// TransportFactory.
//
// # Middleware
//
// Requests handled by a Dispatcher pass through a Watermill middleware chain:
// correlation ids, debug logging, OpenTelemetry tracing, Prometheus metrics,
// request hooks, a handler timeout and panic recovery. Further middleware is
// added with Dispatcher.RegisterMiddleware or DispatcherDependencies.
//
// # Observability
//
// NewMetrics builds Prometheus collectors shared by clients and dispatchers,
// MetricsHandler serves them and Dispatcher.ServicesHandler lists the
// registered services with their open streams.
package ipcproxy
