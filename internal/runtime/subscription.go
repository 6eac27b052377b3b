package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	idspkg "github.com/drblury/ipcproxy/internal/runtime/ids"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
)

// subscribeFunc returns the producer behind a stream property. Every
// subscription opens a new remote subscription with its own id.
func (p *Proxy) subscribeFunc(kind protocol.RequestKind, name string, args []json.RawMessage) stream.SubscribeFunc[json.RawMessage] {
	return func(observer stream.Observer[json.RawMessage]) stream.Teardown {
		sub, err := p.openSubscription(kind, name, args, observer)
		if err != nil {
			observer.Error(err)
			return nil
		}
		return sub.cancel
	}
}

// remoteSubscription relays the frames addressed to one subscription id
// into the local observer.
type remoteSubscription struct {
	proxy    *Proxy
	id       string
	property string
	kind     protocol.RequestKind
	observer stream.Observer[json.RawMessage]

	mu       sync.Mutex
	finished bool

	// opening holds back unsubscribe until the subscribe request is out,
	// otherwise the provider would see them in the wrong order.
	opening   bool
	owesUnsub bool
}

func (p *Proxy) openSubscription(kind protocol.RequestKind, name string, args []json.RawMessage, observer stream.Observer[json.RawMessage]) (*remoteSubscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errspkg.ErrProxyClosed
	}
	sub := &remoteSubscription{
		proxy:    p,
		id:       idspkg.NewSubscriptionID(),
		property: name,
		kind:     kind,
		observer: observer,
		opening:  true,
	}
	p.subs[sub.id] = sub
	p.mu.Unlock()
	p.metrics.subscriptionOpened()

	var req protocol.Request
	if kind == protocol.ApplySubscribe {
		req = protocol.NewApplySubscribe(name, sub.id, args)
	} else {
		req = protocol.NewSubscribe(name, sub.id)
	}
	payload, err := p.codec.EncodeRequest(req)
	if err != nil {
		sub.finish()
		sub.opened(false)
		return nil, err
	}
	if err := p.transport.On(sub.id, sub.handle); err != nil {
		sub.finish()
		sub.opened(false)
		return nil, err
	}
	// A failed send never reached the provider, so there is nothing to
	// unsubscribe from.
	if err := p.transport.Send(p.outgoing(context.Background(), kind, name, ""), p.desc.Channel, payload, sub.id); err != nil {
		sub.finish()
		sub.opened(false)
		return nil, err
	}
	p.metrics.requestSent(p.desc.Channel, string(kind))
	if !sub.opened(true) {
		// Ended while opening, typically by Proxy.Close.
		return sub, nil
	}
	p.logger.Trace("Subscription opened", loggingpkg.LogFields{"kind": kind, "property": name, "subscription_id": sub.id})
	return sub, nil
}

// finish marks the subscription as ended and releases its listener. It
// reports whether this call did the work.
func (s *remoteSubscription) finish() bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.finished = true
	s.mu.Unlock()

	p := s.proxy
	p.mu.Lock()
	delete(p.subs, s.id)
	p.mu.Unlock()
	p.transport.RemoveListeners(s.id)
	p.metrics.subscriptionClosed()
	return true
}

// opened ends the opening phase and reports whether the subscription is
// still live. When it ended meanwhile, the listener registered after
// finish is dropped and a held back unsubscribe goes out if the subscribe
// request did.
func (s *remoteSubscription) opened(sent bool) bool {
	s.mu.Lock()
	s.opening = false
	finished, owes := s.finished, s.owesUnsub
	s.owesUnsub = false
	s.mu.Unlock()

	if !finished {
		return true
	}
	s.proxy.transport.RemoveListeners(s.id)
	if sent && owes {
		s.unsubscribe()
	}
	return false
}

func (s *remoteSubscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.finished
}

func (s *remoteSubscription) handle(msg *message.Message) {
	p := s.proxy
	resp, err := p.decodeResponse(msg)
	if err != nil {
		s.fail(err, true)
		return
	}
	p.metrics.responseReceived(p.desc.Channel, string(resp.Type))

	switch resp.Type {
	case protocol.Next:
		if s.active() {
			s.observer.Next(resp.Value)
		}
	case protocol.Complete:
		if s.finish() {
			s.observer.Complete()
		}
	case protocol.Error:
		s.fail(resp.Err(), false)
	default:
		s.fail(errspkg.NewProtocolError(errspkg.ErrUnhandledResponseType, string(resp.Type)), true)
	}
}

// fail ends the subscription with err. unsubscribe tells the provider to
// stop producing when it may still be running.
func (s *remoteSubscription) fail(err error, unsubscribe bool) {
	if !s.finish() {
		return
	}
	if unsubscribe {
		s.requestUnsubscribe()
	}
	s.observer.Error(err)
}

// cancel is the stream teardown. It runs after local unsubscription and
// after a terminal event; only the first needs an unsubscribe request.
func (s *remoteSubscription) cancel() {
	if s.finish() {
		s.requestUnsubscribe()
	}
}

// requestUnsubscribe sends unsubscribe now, or once the subscribe request
// has gone out.
func (s *remoteSubscription) requestUnsubscribe() {
	s.mu.Lock()
	if s.opening {
		s.owesUnsub = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.unsubscribe()
}

func (s *remoteSubscription) unsubscribe() {
	p := s.proxy
	fields := loggingpkg.LogFields{"property": s.property, "subscription_id": s.id}
	payload, err := p.codec.EncodeRequest(protocol.NewUnsubscribe(s.id))
	if err == nil {
		err = p.transport.Send(p.outgoing(context.Background(), protocol.Unsubscribe, "", ""), p.desc.Channel, payload, s.id)
	}
	if err != nil {
		p.logger.Error("Unsubscribe failed", err, fields)
		return
	}
	p.metrics.requestSent(p.desc.Channel, string(protocol.Unsubscribe))
	p.logger.Trace("Unsubscribed", fields)
}
