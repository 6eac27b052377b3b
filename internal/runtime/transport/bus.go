// Package transport adapts Watermill publishers and subscribers into the
// named-address message bus proxies and dispatchers talk over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	ipcerrors "github.com/drblury/ipcproxy/internal/runtime/errors"
	"github.com/drblury/ipcproxy/internal/runtime/ids"
	"github.com/drblury/ipcproxy/internal/runtime/metadata"
)

// Handler consumes one message delivered to an address. The message context
// carries the sender's metadata and trace context.
type Handler func(msg *message.Message)

// Transport is a bidirectional named-address message bus. Sends are
// fire-and-forget and at most once. Messages on one address are delivered
// in order; there is no ordering across addresses.
type Transport interface {
	// Send publishes payload on address. tag is the correlation or
	// subscription id the frame belongs to, if any. Metadata attached to
	// ctx with metadata.ContextWithMetadata travels with the message.
	Send(ctx context.Context, address string, payload []byte, tag string) error
	// On registers a persistent listener on address.
	On(address string, handler Handler) error
	// Once registers a listener that is removed after its first delivery.
	Once(address string, handler Handler) error
	// RemoveListeners drops every listener on address and stops listening.
	RemoveListeners(address string)
	Close() error
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithCapabilities records what the backing pub/sub guarantees.
func WithCapabilities(caps Capabilities) BusOption {
	return func(b *Bus) { b.caps = caps }
}

// WithPropagator overrides the OpenTelemetry propagator used to carry trace
// context in message metadata. The global propagator is used by default.
func WithPropagator(p propagation.TextMapPropagator) BusOption {
	return func(b *Bus) { b.propagator = p }
}

// Bus implements Transport on top of a Watermill pub/sub. Every address with
// listeners has its own subscription. Incoming messages are acked as soon as
// they are queued and handed to listeners by one goroutine per address, so a
// slow listener never blocks publishers.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
	caps       Capabilities
	propagator propagation.TextMapPropagator

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	routes map[string]*route
	closed bool
}

var _ Transport = (*Bus)(nil)

// NewBus wraps pubSub. The Bus owns pubSub and closes it on Close.
func NewBus(pubSub PubSub, logger watermill.LoggerAdapter, opts ...BusOption) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		publisher:  pubSub.Publisher,
		subscriber: pubSub.Subscriber,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		routes:     make(map[string]*route),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.propagator == nil {
		b.propagator = otel.GetTextMapPropagator()
	}
	return b
}

// Capabilities reports what the backing pub/sub guarantees.
func (b *Bus) Capabilities() Capabilities {
	return b.caps
}

func (b *Bus) Send(ctx context.Context, address string, payload []byte, tag string) error {
	if address == "" {
		return ipcerrors.ErrAddressRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ipcerrors.ErrTransportClosed
	}

	md := metadata.FromContext(ctx)
	if tag != "" {
		md = md.With(metadata.KeyTag, tag)
	}
	wmMetadata := metadata.ToWatermill(md)
	b.propagator.Inject(ctx, propagation.MapCarrier(wmMetadata))

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = wmMetadata
	msg.SetContext(ctx)

	b.logger.Trace("Sending frame", watermill.LogFields{
		"address":    address,
		"tag":        tag,
		"message_id": msg.UUID,
	})
	if err := b.publisher.Publish(address, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", address, err)
	}
	return nil
}

func (b *Bus) On(address string, handler Handler) error {
	return b.listen(address, handler, false)
}

func (b *Bus) Once(address string, handler Handler) error {
	return b.listen(address, handler, true)
}

func (b *Bus) listen(address string, handler Handler, once bool) error {
	if address == "" {
		return ipcerrors.ErrAddressRequired
	}
	if handler == nil {
		return ipcerrors.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ipcerrors.ErrTransportClosed
	}

	r, ok := b.routes[address]
	if !ok {
		var err error
		r, err = b.openRoute(address)
		if err != nil {
			return err
		}
		b.routes[address] = r
	}
	r.add(&listener{handler: handler, once: once})
	return nil
}

// openRoute subscribes to address. Must be called with b.mu held.
func (b *Bus) openRoute(address string) (*route, error) {
	ctx, cancel := context.WithCancel(b.ctx)
	messages, err := b.subscriber.Subscribe(ctx, address)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", address, err)
	}
	r := &route{
		bus:     b,
		address: address,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.pump(messages)
	go r.run()
	return r, nil
}

func (b *Bus) RemoveListeners(address string) {
	b.mu.Lock()
	r, ok := b.routes[address]
	if ok {
		delete(b.routes, address)
	}
	b.mu.Unlock()
	if ok {
		r.close()
	}
}

// dropIfIdle removes r once its last listener is gone.
func (b *Bus) dropIfIdle(r *route) {
	b.mu.Lock()
	idle := r.idle()
	if idle && b.routes[r.address] == r {
		delete(b.routes, r.address)
	}
	b.mu.Unlock()
	if idle {
		r.close()
	}
}

// Listening reports whether address currently has listeners.
func (b *Bus) Listening(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.routes[address]
	return ok
}

// Close stops every subscription and closes the underlying pub/sub.
// Further calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	routes := b.routes
	b.routes = make(map[string]*route)
	b.mu.Unlock()

	for _, r := range routes {
		r.close()
	}
	b.cancel()

	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := b.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	return errors.Join(errs...)
}

// handlerContext rebuilds the sender's context for a delivered message.
func (b *Bus) handlerContext(msg *message.Message) context.Context {
	ctx := b.propagator.Extract(b.ctx, propagation.MapCarrier(msg.Metadata))
	return metadata.ContextWithMetadata(ctx, metadata.FromWatermill(msg.Metadata))
}

type listener struct {
	handler Handler
	once    bool
}

// route is the delivery state of one subscribed address.
type route struct {
	bus     *Bus
	address string
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners []*listener
	queue     []*message.Message
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func (r *route) add(l *listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *route) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners) == 0
}

func (r *route) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.listeners = nil
	r.queue = nil
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

// pump moves messages from the subscription into the queue, acking each one
// immediately.
func (r *route) pump(messages <-chan *message.Message) {
	for msg := range messages {
		r.mu.Lock()
		if !r.closed {
			r.queue = append(r.queue, msg)
		}
		r.mu.Unlock()
		msg.Ack()

		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

func (r *route) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			msg, handlers, ok := r.next()
			if !ok {
				break
			}
			r.deliver(msg, handlers)
		}
	}
}

// next pops the oldest message together with the listeners it goes to.
// One-time listeners are detached here so they see exactly one message.
func (r *route) next() (*message.Message, []Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.queue) == 0 {
		return nil, nil, false
	}
	msg := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]

	handlers := make([]Handler, 0, len(r.listeners))
	kept := r.listeners[:0]
	for _, l := range r.listeners {
		handlers = append(handlers, l.handler)
		if !l.once {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(r.listeners); i++ {
		r.listeners[i] = nil
	}
	r.listeners = kept
	return msg, handlers, true
}

func (r *route) deliver(msg *message.Message, handlers []Handler) {
	ctx := r.bus.handlerContext(msg)
	for i, handler := range handlers {
		m := msg
		if i > 0 {
			m = msg.Copy()
		}
		m.SetContext(ctx)
		r.invoke(handler, m)
	}
	if r.idle() {
		r.bus.dropIfIdle(r)
	}
}

func (r *route) invoke(handler Handler, msg *message.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.bus.logger.Error("Listener panicked", fmt.Errorf("panic: %v", p), watermill.LogFields{
				"address":    r.address,
				"message_id": msg.UUID,
			})
		}
	}()
	handler(msg)
}
