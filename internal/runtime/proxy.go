package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ipcproxy/internal/runtime/codec"
	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	idspkg "github.com/drblury/ipcproxy/internal/runtime/ids"
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/metadata"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
)

const tracerName = "github.com/drblury/ipcproxy"

// ProxyOptions tunes a Proxy. The zero value is usable.
type ProxyOptions struct {
	// Codec serializes requests. Defaults to JSON.
	Codec codec.Codec
	// CallTimeout bounds each one-shot call. Zero selects the 30s default
	// and a negative value disables it.
	CallTimeout time.Duration
	Logger      loggingpkg.ServiceLogger
	Metrics     *Metrics
	Tracer      trace.Tracer
}

// Proxy is the local stand-in for a remote service. It exposes the
// properties of its descriptor as memoized accessors and multiplexes all
// calls and subscriptions over one transport.
type Proxy struct {
	desc        descriptor.Descriptor
	streams     stream.Constructor[json.RawMessage]
	transport   transportpkg.Transport
	codec       codec.Codec
	callTimeout time.Duration
	logger      loggingpkg.ServiceLogger
	metrics     *Metrics
	tracer      trace.Tracer

	accessorsMu sync.Mutex
	accessors   map[string]any

	mu      sync.Mutex
	pending map[string]*Call
	subs    map[string]*remoteSubscription
	closed  bool
}

// NewProxy builds a proxy for desc. The descriptor is copied, so later
// changes to it have no effect. streams builds the streams returned for
// stream properties and may only be nil when the descriptor has none.
func NewProxy(desc descriptor.Descriptor, streams stream.Constructor[json.RawMessage], t transportpkg.Transport, opts ProxyOptions) (*Proxy, error) {
	if t == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrTransportRequired)
	}
	d := desc.Clone()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if streams == nil && d.RequiresStreams() {
		return nil, errspkg.NewConfigurationError(fmt.Errorf("%w: %s", errspkg.ErrStreamConstructorRequired, d.Channel))
	}

	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	timeouts := configpkg.Config{CallTimeout: opts.CallTimeout}

	return &Proxy{
		desc:        d,
		streams:     streams,
		transport:   t,
		codec:       c,
		callTimeout: timeouts.EffectiveCallTimeout(),
		logger:      logger.With(loggingpkg.LogFields{"channel": d.Channel}),
		metrics:     opts.Metrics,
		tracer:      tracer,
		accessors:   make(map[string]any),
		pending:     make(map[string]*Call),
		subs:        make(map[string]*remoteSubscription),
	}, nil
}

// Channel returns the service channel requests are sent on.
func (p *Proxy) Channel() string {
	return p.desc.Channel
}

// Descriptor returns a copy of the proxy's descriptor.
func (p *Proxy) Descriptor() descriptor.Descriptor {
	return p.desc.Clone()
}

// ValueProperty reads a remote Value property.
type ValueProperty struct {
	proxy *Proxy
	name  string
}

// Name returns the property name.
func (v *ValueProperty) Name() string { return v.name }

// Get sends a fresh get request and waits for the value.
func (v *ValueProperty) Get(ctx context.Context) (json.RawMessage, error) {
	return v.Go(ctx).Wait(ctx)
}

// Go sends a get request without waiting.
func (v *ValueProperty) Go(ctx context.Context) *Call {
	return v.proxy.invoke(ctx, protocol.Get, v.name, nil)
}

// FunctionProperty invokes a remote Function property.
type FunctionProperty struct {
	proxy *Proxy
	name  string
}

// Name returns the property name.
func (f *FunctionProperty) Name() string { return f.name }

// Call invokes the function with args and waits for its result.
func (f *FunctionProperty) Call(ctx context.Context, args ...any) (json.RawMessage, error) {
	return f.Go(ctx, args...).Wait(ctx)
}

// Go invokes the function without waiting.
func (f *FunctionProperty) Go(ctx context.Context, args ...any) *Call {
	if args == nil {
		args = []any{}
	}
	return f.proxy.invoke(ctx, protocol.Apply, f.name, args)
}

// StreamFunctionProperty opens remote StreamFunction subscriptions.
type StreamFunctionProperty struct {
	proxy *Proxy
	name  string
}

// Name returns the property name.
func (f *StreamFunctionProperty) Name() string { return f.name }

// Call returns a new stream for args. Nothing is sent until the stream is
// subscribed; every subscription issues its own applySubscribe request.
func (f *StreamFunctionProperty) Call(args ...any) (stream.Stream[json.RawMessage], error) {
	raw, err := jsoncodec.RawArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("encode arguments for %s: %w", f.name, err)
	}
	return f.proxy.streams(f.proxy.subscribeFunc(protocol.ApplySubscribe, f.name, raw)), nil
}

// Value returns the accessor for a Value property.
func (p *Proxy) Value(name string) (*ValueProperty, error) {
	a, err := p.accessor(name, descriptor.Value)
	if err != nil {
		return nil, err
	}
	return a.(*ValueProperty), nil
}

// StreamValue returns the stream of a StreamValue property. The same stream
// is returned on every call; each subscription issues a subscribe request.
func (p *Proxy) StreamValue(name string) (stream.Stream[json.RawMessage], error) {
	a, err := p.accessor(name, descriptor.StreamValue)
	if err != nil {
		return nil, err
	}
	return a.(stream.Stream[json.RawMessage]), nil
}

// Function returns the accessor for a Function property.
func (p *Proxy) Function(name string) (*FunctionProperty, error) {
	a, err := p.accessor(name, descriptor.Function)
	if err != nil {
		return nil, err
	}
	return a.(*FunctionProperty), nil
}

// StreamFunction returns the accessor for a StreamFunction property.
func (p *Proxy) StreamFunction(name string) (*StreamFunctionProperty, error) {
	a, err := p.accessor(name, descriptor.StreamFunction)
	if err != nil {
		return nil, err
	}
	return a.(*StreamFunctionProperty), nil
}

// Property returns the accessor for name, whatever its kind:
// *ValueProperty, stream.Stream[json.RawMessage], *FunctionProperty or
// *StreamFunctionProperty.
func (p *Proxy) Property(name string) (any, error) {
	kind, ok := p.desc.Kind(name)
	if !ok {
		return nil, p.unknownProperty(name)
	}
	return p.accessor(name, kind)
}

func (p *Proxy) unknownProperty(name string) error {
	return errspkg.NewConfigurationError(fmt.Errorf("%w %q on %s", errspkg.ErrUnknownProperty, name, p.desc.Channel))
}

func (p *Proxy) accessor(name string, want descriptor.PropertyKind) (any, error) {
	kind, ok := p.desc.Kind(name)
	switch {
	case !ok:
		return nil, p.unknownProperty(name)
	case !kind.Valid():
		return nil, errspkg.NewConfigurationError(fmt.Errorf("%w %q for property %q", errspkg.ErrUnknownPropertyKind, kind, name))
	case kind != want:
		return nil, errspkg.NewConfigurationError(fmt.Errorf("%w: %q is %s, not %s", errspkg.ErrPropertyKindMismatch, name, kind, want))
	}

	p.accessorsMu.Lock()
	defer p.accessorsMu.Unlock()
	if a, ok := p.accessors[name]; ok {
		return a, nil
	}

	var a any
	switch kind {
	case descriptor.Value:
		a = &ValueProperty{proxy: p, name: name}
	case descriptor.StreamValue:
		a = p.streams(p.subscribeFunc(protocol.Subscribe, name, nil))
	case descriptor.Function:
		a = &FunctionProperty{proxy: p, name: name}
	case descriptor.StreamFunction:
		a = &StreamFunctionProperty{proxy: p, name: name}
	}
	p.accessors[name] = a
	return a, nil
}

// invoke sends a get or apply request. A nil args slice means get.
func (p *Proxy) invoke(ctx context.Context, kind protocol.RequestKind, name string, args []any) *Call {
	var rawArgs []json.RawMessage
	if args != nil {
		var err error
		if rawArgs, err = jsoncodec.RawArgs(args...); err != nil {
			return failedCall(name, kind, fmt.Errorf("encode arguments for %s: %w", name, err))
		}
	}

	id := idspkg.NewCorrelationID()
	spanCtx, span := p.tracer.Start(ctx,
		fmt.Sprintf("ipcproxy.%s %s.%s", kind, p.desc.Channel, name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ipcproxy.channel", p.desc.Channel),
			attribute.String("ipcproxy.property", name),
			attribute.String("ipcproxy.correlation_id", id),
		),
	)
	call := newCall(name, kind, id)
	call.span = span

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		call.settle(nil, errspkg.ErrProxyClosed)
		return call
	}
	p.pending[id] = call
	p.mu.Unlock()
	p.metrics.callStarted()

	var req protocol.Request
	if kind == protocol.Apply {
		req = protocol.NewApply(name, id, rawArgs)
	} else {
		req = protocol.NewGet(name, id)
	}
	payload, err := p.codec.EncodeRequest(req)
	if err != nil {
		p.finish(call, nil, fmt.Errorf("encode %s request: %w", kind, err))
		return call
	}

	// The reply address must be listened on before the request leaves.
	if err := p.transport.Once(id, p.replyHandler(call)); err != nil {
		p.finish(call, nil, err)
		return call
	}
	if call.settled() {
		// Settled before its listener existed, so finish could not drop it.
		p.transport.RemoveListeners(id)
		return call
	}
	if err := p.transport.Send(p.outgoing(spanCtx, kind, name, id), p.desc.Channel, payload, id); err != nil {
		p.finish(call, nil, err)
		return call
	}
	p.metrics.requestSent(p.desc.Channel, string(kind))
	p.logger.Trace("Request sent", loggingpkg.LogFields{"kind": kind, "property": name, "correlation_id": id})

	p.watch(ctx, call)
	return call
}

// watch settles call when ctx ends or the call timeout elapses.
func (p *Proxy) watch(ctx context.Context, call *Call) {
	timeout := p.callTimeout
	if ctx.Done() == nil && timeout <= 0 {
		return
	}
	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-call.done:
		case <-ctx.Done():
			p.finish(call, nil, ctx.Err())
		case <-expired:
			p.finish(call, nil, fmt.Errorf("%w after %s: %s.%s", errspkg.ErrCallTimeout, timeout, p.desc.Channel, call.Property))
		}
	}()
}

// finish settles call and releases its reply listener.
func (p *Proxy) finish(call *Call, value json.RawMessage, err error) {
	if !call.settle(value, err) {
		return
	}
	p.mu.Lock()
	delete(p.pending, call.ID)
	p.mu.Unlock()
	p.transport.RemoveListeners(call.ID)
	p.metrics.callFinished(p.desc.Channel, string(call.Kind), outcomeOf(err), time.Since(call.startedAt))
}

func (p *Proxy) replyHandler(call *Call) transportpkg.Handler {
	return func(msg *message.Message) {
		resp, err := p.decodeResponse(msg)
		if err != nil {
			p.finish(call, nil, err)
			return
		}
		p.metrics.responseReceived(p.desc.Channel, string(resp.Type))
		switch resp.Type {
		case protocol.Result:
			p.finish(call, resp.Value, nil)
		case protocol.Error:
			p.finish(call, nil, resp.Err())
		default:
			p.finish(call, nil, errspkg.NewProtocolError(errspkg.ErrUnhandledResponseType, string(resp.Type)))
		}
	}
}

// decodeResponse decodes msg with the codec named in its metadata.
func (p *Proxy) decodeResponse(msg *message.Message) (protocol.Response, error) {
	c := p.codec
	if name := msg.Metadata.Get(metadata.KeyCodec); name != "" && name != c.Name() {
		byName, err := codec.ByName(name)
		if err != nil {
			return protocol.Response{}, errspkg.NewProtocolError(err, name)
		}
		c = byName
	}
	return c.DecodeResponse(msg.Payload)
}

// outgoing attaches the request metadata carried next to the payload.
func (p *Proxy) outgoing(ctx context.Context, kind protocol.RequestKind, name, correlationID string) context.Context {
	md := metadata.New(
		metadata.KeyCodec, p.codec.Name(),
		metadata.KeyChannel, p.desc.Channel,
		metadata.KeyKind, string(kind),
	)
	if name != "" {
		md[metadata.KeyProperty] = name
	}
	if correlationID != "" {
		md[metadata.KeyCorrelationID] = correlationID
	}
	return metadata.ContextWithMetadata(ctx, md)
}

// Pending returns the number of one-shot calls waiting for a reply.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// OpenSubscriptions returns the number of remote subscriptions still open.
func (p *Proxy) OpenSubscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Closed reports whether Close has been called.
func (p *Proxy) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close fails every pending call and open subscription with ErrProxyClosed
// and sends unsubscribe for each subscription. The transport stays open.
// Further calls are no-ops.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	calls := make([]*Call, 0, len(p.pending))
	for _, c := range p.pending {
		calls = append(calls, c)
	}
	subs := make([]*remoteSubscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, c := range calls {
		p.finish(c, nil, errspkg.ErrProxyClosed)
	}
	for _, s := range subs {
		s.fail(errspkg.ErrProxyClosed, true)
	}
	p.logger.Debug("Proxy closed", loggingpkg.LogFields{
		"failed_calls":         len(calls),
		"closed_subscriptions": len(subs),
	})
	return nil
}
