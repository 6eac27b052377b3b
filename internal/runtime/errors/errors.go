package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrChannelRequired           = sterrors.New("ipcproxy: descriptor channel is required")
	ErrPropertyNameRequired      = sterrors.New("ipcproxy: property name is required")
	ErrTransportRequired         = sterrors.New("ipcproxy: transport is required")
	ErrStreamConstructorRequired = sterrors.New("ipcproxy: stream constructor is required for stream properties")
	ErrUnknownPropertyKind       = sterrors.New("ipcproxy: unknown property kind")
	ErrUnknownProperty           = sterrors.New("ipcproxy: unknown property")
	ErrPropertyKindMismatch      = sterrors.New("ipcproxy: property kind mismatch")
	ErrImplementationMissing     = sterrors.New("ipcproxy: implementation missing for property")
	ErrChannelAlreadyRegistered  = sterrors.New("ipcproxy: channel already registered")
	ErrUnhandledResponseType     = sterrors.New("ipcproxy: unhandled response type")
	ErrUnhandledRequestKind      = sterrors.New("ipcproxy: unhandled request kind")
	ErrMalformedFrame            = sterrors.New("ipcproxy: malformed frame")
	ErrProxyClosed               = sterrors.New("ipcproxy: proxy closed")
	ErrDispatcherClosed          = sterrors.New("ipcproxy: dispatcher closed")
	ErrTransportClosed           = sterrors.New("ipcproxy: transport closed")
	ErrCallTimeout               = sterrors.New("ipcproxy: call timed out")
	ErrConfigRequired            = sterrors.New("ipcproxy: configuration is required")
	ErrLoggerRequired            = sterrors.New("ipcproxy: logger is required")
	ErrCodecRequired             = sterrors.New("ipcproxy: wire codec is required")
	ErrUnknownCodec              = sterrors.New("ipcproxy: unknown wire codec")
	ErrAddressRequired           = sterrors.New("ipcproxy: address is required")
	ErrHandlerRequired           = sterrors.New("ipcproxy: handler function is required")
)

// ConfigurationError reports a mistake in how a proxy, descriptor or
// dispatcher was set up. It is never retried.
type ConfigurationError struct {
	Err error
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("ipcproxy: invalid configuration: %v", e.Err)
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// ErrorName is used by the error codec as the portable discriminator.
func (e ConfigurationError) ErrorName() string {
	return "ConfigurationError"
}

// NewConfigurationError wraps err, returning nil for a nil input.
func NewConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigurationError{Err: err}
}

// ProtocolError reports a frame that violates the request/response protocol,
// for example a response type the receiving side does not understand.
type ProtocolError struct {
	// Got is the offending frame type or request kind.
	Got string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("ipcproxy: protocol violation: %v", e.Err)
	}
	return fmt.Sprintf("%v [%s]", e.Err, e.Got)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) ErrorName() string {
	return "ProtocolError"
}

// NewProtocolError builds a ProtocolError for the unexpected value got.
func NewProtocolError(err error, got string) *ProtocolError {
	return &ProtocolError{Got: got, Err: err}
}
