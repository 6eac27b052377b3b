package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ipcproxy/internal/runtime/codec"
	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/metadata"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
)

// DispatcherDependencies holds the optional collaborators of a Dispatcher.
// Leave fields nil to use the defaults.
type DispatcherDependencies struct {
	// TransportFactory builds the pub/sub when Transport is nil.
	TransportFactory transportpkg.Factory
	// Transport is used as is and left open by Close.
	Transport                 transportpkg.Transport
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     RequestHooks
	Metrics                   *Metrics
	Tracer                    trace.Tracer
}

// Dispatcher serves registered descriptors: it listens on each service
// channel, evaluates requests against the matching Implementation and
// replies to the request's correlation or subscription id.
type Dispatcher struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport     transportpkg.Transport
	ownsTransport bool
	codec         codec.Codec
	tracer        trace.Tracer
	metrics       *Metrics
	hooks         RequestHooks

	middlewares []message.HandlerMiddleware
	mwMu        sync.RWMutex

	mu       sync.Mutex
	services map[string]*service
	closed   bool
	inflight sync.WaitGroup
}

// service is one registered descriptor with its live subscriptions.
type service struct {
	desc descriptor.Descriptor
	impl Implementation

	mu      sync.Mutex
	streams map[string]*activeStream
}

// NewDispatcher constructs a Dispatcher. Register services on it to start
// serving; Close releases them.
func NewDispatcher(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps DispatcherDependencies) (*Dispatcher, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigurationError(err)
	}
	wireCodec, err := codec.ByName(conf.GetWireFormat())
	if err != nil {
		return nil, errspkg.NewConfigurationError(err)
	}
	metrics, err := metricsFor(conf, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("register dispatcher metrics: %w", err)
	}

	d := &Dispatcher{
		Conf:     conf,
		Logger:   log,
		codec:    wireCodec,
		tracer:   deps.Tracer,
		metrics:  metrics,
		hooks:    deps.Hooks,
		services: make(map[string]*service),
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}

	if err := d.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	d.transport = deps.Transport
	if d.transport == nil {
		bus, err := transportpkg.Open(ctx, conf, loggingpkg.NewWatermillAdapter(log), deps.TransportFactory, metrics.InstrumentPubSub)
		if err != nil {
			return nil, err
		}
		d.transport = bus
		d.ownsTransport = true
	}

	log.Info("Dispatcher created", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"wire_format":   wireCodec.Name(),
		"config":        conf,
	})
	return d, nil
}

func (d *Dispatcher) registerConfiguredMiddlewares(deps DispatcherDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := d.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Transport returns the transport the dispatcher listens on.
func (d *Dispatcher) Transport() transportpkg.Transport {
	return d.transport
}

// Register starts serving desc with impl. Every property of desc needs an
// implementation of the matching kind, and a channel can only be served
// once per dispatcher.
func (d *Dispatcher) Register(desc descriptor.Descriptor, impl Implementation) error {
	desc = desc.Clone()
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := impl.validate(desc); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errspkg.ErrDispatcherClosed
	}
	if _, exists := d.services[desc.Channel]; exists {
		d.mu.Unlock()
		return errspkg.NewConfigurationError(fmt.Errorf("%w: %s", errspkg.ErrChannelAlreadyRegistered, desc.Channel))
	}
	svc := &service{desc: desc, impl: impl, streams: make(map[string]*activeStream)}
	d.services[desc.Channel] = svc
	d.mu.Unlock()

	if err := d.transport.On(desc.Channel, func(msg *message.Message) { d.handle(svc, msg) }); err != nil {
		d.mu.Lock()
		delete(d.services, desc.Channel)
		d.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", desc.Channel, err)
	}

	d.Logger.Info("Service registered", loggingpkg.LogFields{
		"channel":    desc.Channel,
		"properties": desc.Names(),
	})
	return nil
}

// Channels returns the registered service channels, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelsLocked()
}

func (d *Dispatcher) channelsLocked() []string {
	channels := make([]string, 0, len(d.services))
	for ch := range d.services {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// ActiveStreams returns the number of subscriptions being served.
func (d *Dispatcher) ActiveStreams() int {
	d.mu.Lock()
	services := make([]*service, 0, len(d.services))
	for _, svc := range d.services {
		services = append(services, svc)
	}
	d.mu.Unlock()

	n := 0
	for _, svc := range services {
		svc.mu.Lock()
		n += len(svc.streams)
		svc.mu.Unlock()
	}
	return n
}

// Unregister stops serving channel. Its open subscriptions end with
// ErrDispatcherClosed. Unknown channels are ignored.
func (d *Dispatcher) Unregister(channel string) {
	d.mu.Lock()
	svc, ok := d.services[channel]
	delete(d.services, channel)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.release(svc)
}

func (d *Dispatcher) release(svc *service) {
	d.transport.RemoveListeners(svc.desc.Channel)
	for _, as := range svc.snapshot() {
		d.stopStream(as, errspkg.ErrDispatcherClosed)
	}
	d.Logger.Info("Service unregistered", loggingpkg.LogFields{"channel": svc.desc.Channel})
}

// Close unregisters every service, waits for in-flight calls to reply and
// closes the transport when the dispatcher built it. Further calls are
// no-ops.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	services := make([]*service, 0, len(d.services))
	for _, svc := range d.services {
		services = append(services, svc)
	}
	d.services = make(map[string]*service)
	d.mu.Unlock()

	for _, svc := range services {
		d.release(svc)
	}
	d.inflight.Wait()

	if d.ownsTransport {
		return d.transport.Close()
	}
	return nil
}

// handle runs on the channel's delivery goroutine, so requests are seen in
// arrival order.
func (d *Dispatcher) handle(svc *service, msg *message.Message) {
	c, err := d.requestCodec(msg)
	if err != nil {
		d.replyMalformed(msg, d.codec, "", err)
		return
	}
	req, err := c.DecodeRequest(msg.Payload)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		d.replyMalformed(msg, c, req.Kind, err)
		return
	}

	if req.Kind == protocol.Unsubscribe {
		d.unsubscribe(svc, req.SubscriptionID)
		return
	}
	if err := svc.check(req); err != nil {
		d.metrics.requestDispatched(svc.desc.Channel, string(req.Kind), OutcomeError)
		d.reply(msg.Context(), c, errorResponse(req.Kind, req.ReplyAddress(), err))
		return
	}

	md := metadata.New(
		metadata.KeyChannel, svc.desc.Channel,
		metadata.KeyProperty, req.PropertyName,
		metadata.KeyKind, string(req.Kind),
	)
	for k, v := range md {
		msg.Metadata.Set(k, v)
	}
	msg.SetContext(metadata.ContextWithMetadata(msg.Context(), md))

	if req.Kind.Streaming() {
		d.openStream(svc, msg, c, req)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.reply(msg.Context(), c, protocol.NewCallError(req.CorrelationID, errspkg.ErrDispatcherClosed))
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		d.serveCall(svc, msg, c, req)
	}()
}

// requestCodec returns the codec named by the message, falling back to the
// configured wire format.
func (d *Dispatcher) requestCodec(msg *message.Message) (codec.Codec, error) {
	name := msg.Metadata.Get(metadata.KeyCodec)
	if name == "" || name == d.codec.Name() {
		return d.codec, nil
	}
	c, err := codec.ByName(name)
	if err != nil {
		return nil, errspkg.NewProtocolError(err, name)
	}
	return c, nil
}

// replyMalformed answers a request that could not be decoded. The reply
// address comes from the message tag because the payload is unusable.
func (d *Dispatcher) replyMalformed(msg *message.Message, c codec.Codec, kind protocol.RequestKind, err error) {
	var protoErr *errspkg.ProtocolError
	if !errors.As(err, &protoErr) {
		err = errspkg.NewProtocolError(fmt.Errorf("%w: %v", errspkg.ErrMalformedFrame, err), "")
	}
	address := msg.Metadata.Get(metadata.KeyTag)
	fields := loggingpkg.LogFields{"message_uuid": msg.UUID, "reply_to": address}
	if address == "" || kind == protocol.Unsubscribe {
		d.Logger.Error("Dropping malformed request", err, fields)
		return
	}
	d.Logger.Debug("Rejecting malformed request", fields)
	if kind == "" {
		kind = protocol.RequestKind(msg.Metadata.Get(metadata.KeyKind))
	}
	d.reply(msg.Context(), c, errorResponse(kind, address, err))
}

func errorResponse(kind protocol.RequestKind, address string, err error) protocol.Response {
	if kind.Streaming() {
		return protocol.NewStreamError(address, err)
	}
	return protocol.NewCallError(address, err)
}

// check resolves the requested property against the descriptor.
func (svc *service) check(req protocol.Request) error {
	kind, ok := svc.desc.Kind(req.PropertyName)
	if !ok {
		return errspkg.NewProtocolError(fmt.Errorf("%w %q on %s", errspkg.ErrUnknownProperty, req.PropertyName, svc.desc.Channel), string(req.Kind))
	}
	want, _ := protocol.PropertyKindFor(req.Kind)
	if kind != want {
		return errspkg.NewProtocolError(fmt.Errorf("%w: %q is %s", errspkg.ErrPropertyKindMismatch, req.PropertyName, kind), string(req.Kind))
	}
	return nil
}

func (d *Dispatcher) serveCall(svc *service, msg *message.Message, c codec.Codec, req protocol.Request) {
	var result []byte
	handler := d.chain(func(msg *message.Message) ([]*message.Message, error) {
		value, err := svc.evaluate(msg.Context(), req)
		if err != nil {
			return nil, err
		}
		raw, err := jsoncodec.Raw(value)
		if err != nil {
			return nil, errcodec.NewTypeError("encode result of %s: %v", req.PropertyName, err)
		}
		result = raw
		return nil, nil
	})

	_, err := handler(msg)
	d.metrics.requestDispatched(svc.desc.Channel, string(req.Kind), outcomeOf(err))

	resp := protocol.NewResult(req.CorrelationID, result)
	if err != nil {
		resp = protocol.NewCallError(req.CorrelationID, err)
	}
	d.reply(msg.Context(), c, resp)
}

func (svc *service) evaluate(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Kind {
	case protocol.Get:
		return svc.impl.Values[req.PropertyName](ctx)
	case protocol.Apply:
		return svc.impl.Functions[req.PropertyName](ctx, Arguments(req.Arguments))
	}
	return nil, errspkg.NewProtocolError(errspkg.ErrUnhandledRequestKind, string(req.Kind))
}

// reply sends resp to its address. ctx only contributes trace and metadata;
// a reply is never abandoned because the request's context ended.
func (d *Dispatcher) reply(ctx context.Context, c codec.Codec, resp protocol.Response) {
	fields := loggingpkg.LogFields{"type": resp.Type, "reply_to": resp.Address()}
	payload, err := c.EncodeResponse(resp)
	if err != nil {
		d.Logger.Error("Encoding reply failed", err, fields)
		return
	}
	ctx = metadata.ContextWithMetadata(context.WithoutCancel(ctx), metadata.New(metadata.KeyCodec, c.Name()))
	if err := d.transport.Send(ctx, resp.Address(), payload, resp.Address()); err != nil {
		d.Logger.Error("Sending reply failed", err, fields)
		return
	}
	d.Logger.Trace("Reply sent", fields)
}

// activeStream is one subscription served by the dispatcher.
type activeStream struct {
	svc      *service
	id       string
	property string
	kind     protocol.RequestKind
	codec    codec.Codec
	replyCtx context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	sub      stream.Subscription
	finished bool
}

func (d *Dispatcher) openStream(svc *service, msg *message.Message, c codec.Codec, req protocol.Request) {
	id := req.SubscriptionID
	var as *activeStream
	handler := d.chain(func(msg *message.Message) ([]*message.Message, error) {
		// The stream outlives this handler and any handler timeout.
		ctx, cancel := context.WithCancel(context.WithoutCancel(msg.Context()))
		as = &activeStream{
			svc:      svc,
			id:       id,
			property: req.PropertyName,
			kind:     req.Kind,
			codec:    c,
			replyCtx: context.WithoutCancel(msg.Context()),
			cancel:   cancel,
		}
		if !svc.track(as) {
			cancel()
			as = nil
			return nil, errspkg.NewProtocolError(fmt.Errorf("%w: subscription %s is already open", errspkg.ErrMalformedFrame, id), string(req.Kind))
		}
		d.metrics.streamStarted()

		source, err := svc.source(ctx, req)
		if err == nil && source == nil {
			err = fmt.Errorf("%s returned no stream", req.PropertyName)
		}
		if err != nil {
			d.endStream(as)
			return nil, err
		}
		as.attach(source.Subscribe(d.relay(as)))
		return nil, nil
	})

	_, err := handler(msg)
	d.metrics.requestDispatched(svc.desc.Channel, string(req.Kind), outcomeOf(err))
	if err != nil {
		if as != nil {
			// A panicking source never reached endStream.
			d.endStream(as)
		}
		d.reply(msg.Context(), c, protocol.NewStreamError(id, err))
	}
}

func (svc *service) source(ctx context.Context, req protocol.Request) (stream.Stream[any], error) {
	switch req.Kind {
	case protocol.Subscribe:
		return svc.impl.StreamValues[req.PropertyName](ctx)
	case protocol.ApplySubscribe:
		return svc.impl.StreamFunctions[req.PropertyName](ctx, Arguments(req.Arguments))
	}
	return nil, errspkg.NewProtocolError(errspkg.ErrUnhandledRequestKind, string(req.Kind))
}

// relay forwards the source's events to the subscriber's address.
func (d *Dispatcher) relay(as *activeStream) stream.Observer[any] {
	return stream.ObserverFuncs[any]{
		OnNext: func(v any) {
			if !as.active() {
				return
			}
			raw, err := jsoncodec.Raw(v)
			if err != nil {
				d.stopStream(as, errcodec.NewTypeError("encode value of %s: %v", as.property, err))
				return
			}
			d.reply(as.replyCtx, as.codec, protocol.NewNext(as.id, raw))
		},
		OnError: func(err error) {
			if d.endStream(as) {
				d.reply(as.replyCtx, as.codec, protocol.NewStreamError(as.id, err))
			}
		},
		OnComplete: func() {
			if d.endStream(as) {
				d.reply(as.replyCtx, as.codec, protocol.NewComplete(as.id))
			}
		},
	}
}

// unsubscribe stops the subscription without replying. Unknown or already
// closed ids are ignored.
func (d *Dispatcher) unsubscribe(svc *service, id string) {
	svc.mu.Lock()
	as, ok := svc.streams[id]
	svc.mu.Unlock()
	if !ok {
		d.Logger.Trace("Unsubscribe for closed subscription", loggingpkg.LogFields{"subscription_id": id})
		return
	}
	if d.endStream(as) {
		as.detach()
	}
}

// stopStream ends the subscription from the provider side and tells the
// subscriber why.
func (d *Dispatcher) stopStream(as *activeStream, err error) {
	if !d.endStream(as) {
		return
	}
	as.detach()
	d.reply(as.replyCtx, as.codec, protocol.NewStreamError(as.id, err))
}

// endStream marks as finished and forgets it. Only the first call returns
// true.
func (d *Dispatcher) endStream(as *activeStream) bool {
	as.mu.Lock()
	if as.finished {
		as.mu.Unlock()
		return false
	}
	as.finished = true
	as.mu.Unlock()

	as.svc.mu.Lock()
	delete(as.svc.streams, as.id)
	as.svc.mu.Unlock()
	as.cancel()
	d.metrics.streamEnded()
	return true
}

func (svc *service) track(as *activeStream) bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, exists := svc.streams[as.id]; exists {
		return false
	}
	svc.streams[as.id] = as
	return true
}

func (svc *service) snapshot() []*activeStream {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	streams := make([]*activeStream, 0, len(svc.streams))
	for _, as := range svc.streams {
		streams = append(streams, as)
	}
	return streams
}

func (as *activeStream) active() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return !as.finished
}

// attach records the source subscription. A stream that already ended,
// synchronously or through a racing unsubscribe, is released at once.
func (as *activeStream) attach(sub stream.Subscription) {
	as.mu.Lock()
	finished := as.finished
	if !finished {
		as.sub = sub
	}
	as.mu.Unlock()
	if finished {
		sub.Unsubscribe()
	}
}

func (as *activeStream) detach() {
	as.mu.Lock()
	sub := as.sub
	as.sub = nil
	as.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
