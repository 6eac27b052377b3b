// Package protocol defines the request and response frames exchanged
// between a proxy and the dispatcher serving its channel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
)

// RequestKind is the operation a request asks the provider to perform.
type RequestKind string

const (
	Get            RequestKind = "get"
	Apply          RequestKind = "apply"
	Subscribe      RequestKind = "subscribe"
	ApplySubscribe RequestKind = "applySubscribe"
	Unsubscribe    RequestKind = "unsubscribe"
)

// OneShot reports whether k expects a single correlated reply.
func (k RequestKind) OneShot() bool {
	return k == Get || k == Apply
}

// Streaming reports whether k opens a subscription.
func (k RequestKind) Streaming() bool {
	return k == Subscribe || k == ApplySubscribe
}

// RequestKindFor returns the request kind used to access a property.
func RequestKindFor(kind descriptor.PropertyKind) (RequestKind, bool) {
	switch kind {
	case descriptor.Value:
		return Get, true
	case descriptor.Function:
		return Apply, true
	case descriptor.StreamValue:
		return Subscribe, true
	case descriptor.StreamFunction:
		return ApplySubscribe, true
	}
	return "", false
}

// PropertyKindFor is the inverse of RequestKindFor.
func PropertyKindFor(kind RequestKind) (descriptor.PropertyKind, bool) {
	switch kind {
	case Get:
		return descriptor.Value, true
	case Apply:
		return descriptor.Function, true
	case Subscribe:
		return descriptor.StreamValue, true
	case ApplySubscribe:
		return descriptor.StreamFunction, true
	}
	return "", false
}

// Request travels from the consumer to the provider on the service channel.
type Request struct {
	Kind           RequestKind       `json:"type"`
	PropertyName   string            `json:"propKey,omitempty"`
	Arguments      []json.RawMessage `json:"args,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
}

// ReplyAddress returns the id replies for this request are sent to.
func (r Request) ReplyAddress() string {
	if r.Kind.OneShot() {
		return r.CorrelationID
	}
	return r.SubscriptionID
}

// Validate enforces which fields each request kind carries.
func (r Request) Validate() error {
	switch r.Kind {
	case Get, Apply:
		if r.CorrelationID == "" || r.SubscriptionID != "" {
			return malformed("%s requires a correlation id only", r.Kind)
		}
	case Subscribe, ApplySubscribe:
		if r.SubscriptionID == "" || r.CorrelationID != "" {
			return malformed("%s requires a subscription id only", r.Kind)
		}
	case Unsubscribe:
		if r.SubscriptionID == "" || r.CorrelationID != "" {
			return malformed("unsubscribe requires a subscription id only")
		}
		if r.PropertyName != "" || len(r.Arguments) > 0 {
			return malformed("unsubscribe carries no property or arguments")
		}
		return nil
	default:
		return errspkg.NewProtocolError(errspkg.ErrUnhandledRequestKind, string(r.Kind))
	}

	if r.PropertyName == "" {
		return malformed("%s requires a property name", r.Kind)
	}
	if (r.Kind == Get || r.Kind == Subscribe) && len(r.Arguments) > 0 {
		return malformed("%s carries no arguments", r.Kind)
	}
	return nil
}

func NewGet(property, correlationID string) Request {
	return Request{Kind: Get, PropertyName: property, CorrelationID: correlationID}
}

func NewApply(property, correlationID string, args []json.RawMessage) Request {
	return Request{Kind: Apply, PropertyName: property, CorrelationID: correlationID, Arguments: args}
}

func NewSubscribe(property, subscriptionID string) Request {
	return Request{Kind: Subscribe, PropertyName: property, SubscriptionID: subscriptionID}
}

func NewApplySubscribe(property, subscriptionID string, args []json.RawMessage) Request {
	return Request{Kind: ApplySubscribe, PropertyName: property, SubscriptionID: subscriptionID, Arguments: args}
}

func NewUnsubscribe(subscriptionID string) Request {
	return Request{Kind: Unsubscribe, SubscriptionID: subscriptionID}
}

// ResponseType discriminates response frames.
type ResponseType string

const (
	Result   ResponseType = "result"
	Error    ResponseType = "error"
	Next     ResponseType = "next"
	Complete ResponseType = "complete"
)

// Terminal reports whether no further frame follows t for the same id.
func (t ResponseType) Terminal() bool {
	return t == Result || t == Error || t == Complete
}

// Response travels from the provider back to the address named by the
// request's correlation or subscription id.
type Response struct {
	Type           ResponseType       `json:"type"`
	CorrelationID  string             `json:"correlationId,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Value          json.RawMessage    `json:"value,omitempty"`
	Error          *errcodec.Portable `json:"error,omitempty"`
}

// Address returns the id the response is addressed to.
func (r Response) Address() string {
	if r.CorrelationID != "" {
		return r.CorrelationID
	}
	return r.SubscriptionID
}

func NewResult(correlationID string, value json.RawMessage) Response {
	return Response{Type: Result, CorrelationID: correlationID, Value: value}
}

// NewCallError builds the error reply for a one-shot request.
func NewCallError(correlationID string, err error) Response {
	p := errcodec.Encode(err)
	return Response{Type: Error, CorrelationID: correlationID, Error: &p}
}

// NewStreamError builds the terminal error frame of a subscription.
func NewStreamError(subscriptionID string, err error) Response {
	p := errcodec.Encode(err)
	return Response{Type: Error, SubscriptionID: subscriptionID, Error: &p}
}

func NewNext(subscriptionID string, value json.RawMessage) Response {
	return Response{Type: Next, SubscriptionID: subscriptionID, Value: value}
}

func NewComplete(subscriptionID string) Response {
	return Response{Type: Complete, SubscriptionID: subscriptionID}
}

// Err decodes the carried error descriptor. It returns nil for frames that
// are not error frames.
func (r Response) Err() error {
	if r.Type != Error {
		return nil
	}
	if r.Error == nil {
		return errcodec.Decode(errcodec.Portable{Name: errcodec.NameError, Message: "remote error without descriptor"})
	}
	return errcodec.Decode(*r.Error)
}

func malformed(format string, args ...any) error {
	return errspkg.NewProtocolError(fmt.Errorf("%w: "+format, append([]any{errspkg.ErrMalformedFrame}, args...)...), "")
}
