package ipcproxy

import (
	"context"
	"encoding/json"

	runtimepkg "github.com/drblury/ipcproxy/internal/runtime"
	codecpkg "github.com/drblury/ipcproxy/internal/runtime/codec"
	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	descriptorpkg "github.com/drblury/ipcproxy/internal/runtime/descriptor"
	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	idspkg "github.com/drblury/ipcproxy/internal/runtime/ids"
	jsoncodec "github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	metadatapkg "github.com/drblury/ipcproxy/internal/runtime/metadata"
	protocolpkg "github.com/drblury/ipcproxy/internal/runtime/protocol"
	streampkg "github.com/drblury/ipcproxy/internal/runtime/stream"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
	newtransport "github.com/drblury/ipcproxy/transport"
)

type (
	Config = configpkg.Config

	Descriptor   = descriptorpkg.Descriptor
	PropertyKind = descriptorpkg.PropertyKind

	Client                 = runtimepkg.Client
	ClientDependencies     = runtimepkg.ClientDependencies
	Proxy                  = runtimepkg.Proxy
	ProxyOptions           = runtimepkg.ProxyOptions
	Call                   = runtimepkg.Call
	ValueProperty          = runtimepkg.ValueProperty
	FunctionProperty       = runtimepkg.FunctionProperty
	StreamFunctionProperty = runtimepkg.StreamFunctionProperty

	Value[T any]          = runtimepkg.Value[T]
	Function[R any]       = runtimepkg.Function[R]
	StreamFunction[T any] = runtimepkg.StreamFunction[T]

	Dispatcher             = runtimepkg.Dispatcher
	DispatcherDependencies = runtimepkg.DispatcherDependencies
	Implementation         = runtimepkg.Implementation
	Arguments              = runtimepkg.Arguments
	ValueFunc              = runtimepkg.ValueFunc
	FunctionFunc           = runtimepkg.FunctionFunc
	StreamFunc             = runtimepkg.StreamFunc
	StreamFunctionFunc     = runtimepkg.StreamFunctionFunc
	ServiceInfo            = runtimepkg.ServiceInfo

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	RequestContext = runtimepkg.RequestContext
	RequestHooks   = runtimepkg.RequestHooks

	Metrics = runtimepkg.Metrics

	Stream[T any]        = streampkg.Stream[T]
	Observer[T any]      = streampkg.Observer[T]
	ObserverFuncs[T any] = streampkg.ObserverFuncs[T]
	Subscription         = streampkg.Subscription
	Subject[T any]       = streampkg.Subject[T]

	Codec        = codecpkg.Codec
	Request      = protocolpkg.Request
	RequestKind  = protocolpkg.RequestKind
	Response     = protocolpkg.Response
	ResponseType = protocolpkg.ResponseType

	RemoteError        = errcodec.Error
	PortableError      = errcodec.Portable
	ConfigurationError = errspkg.ConfigurationError
	ProtocolError      = errspkg.ProtocolError

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory
	TransportFunc    = transportpkg.FactoryFunc
	PubSub           = transportpkg.PubSub
	Capabilities     = transportpkg.Capabilities

	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

// Property kinds.
const (
	ValueKind          = descriptorpkg.Value
	StreamValueKind    = descriptorpkg.StreamValue
	FunctionKind       = descriptorpkg.Function
	StreamFunctionKind = descriptorpkg.StreamFunction
)

// Names of the built-in portable error kinds.
const (
	ErrorName        = errcodec.NameError
	TypeErrorName    = errcodec.NameTypeError
	AbortErrorName   = errcodec.NameAbortError
	TimeoutErrorName = errcodec.NameTimeoutError
	PanicErrorName   = errcodec.NamePanicError
)

// Metadata keys written on every frame.
const (
	MetadataKeyTag           = metadatapkg.KeyTag
	MetadataKeyCodec         = metadatapkg.KeyCodec
	MetadataKeyChannel       = metadatapkg.KeyChannel
	MetadataKeyProperty      = metadatapkg.KeyProperty
	MetadataKeyKind          = metadatapkg.KeyKind
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Outcome labels used by Metrics.
const (
	OutcomeOK       = runtimepkg.OutcomeOK
	OutcomeError    = runtimepkg.OutcomeError
	OutcomeTimeout  = runtimepkg.OutcomeTimeout
	OutcomeCanceled = runtimepkg.OutcomeCanceled
	OutcomeClosed   = runtimepkg.OutcomeClosed
)

var (
	NewClient      = runtimepkg.NewClient
	NewProxy       = runtimepkg.NewProxy
	NewDispatcher  = runtimepkg.NewDispatcher
	ValidateConfig = configpkg.ValidateConfig

	NewDescriptor   = descriptorpkg.New
	ParseDescriptor = descriptorpkg.Parse
	LoadDescriptor  = descriptorpkg.Load

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	HooksMiddleware         = runtimepkg.HooksMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	RequestHooksMiddleware = runtimepkg.RequestHooksMiddleware
	LoggingHooks           = runtimepkg.LoggingHooks
	AlertingHooks          = runtimepkg.AlertingHooks

	NewMetrics     = runtimepkg.NewMetrics
	MetricsHandler = runtimepkg.MetricsHandler

	CodecByName   = codecpkg.ByName
	RegisterCodec = codecpkg.Register
	JSONCodec     = codecpkg.JSON
	ProtoCodec    = codecpkg.Proto

	NewRemoteError        = errcodec.New
	NewTypeError          = errcodec.NewTypeError
	ErrorKind             = errcodec.KindOf
	EncodeError           = errcodec.Encode
	DecodeError           = errcodec.Decode
	RegisterErrorKind     = errcodec.Register
	NewConfigurationError = errspkg.NewConfigurationError

	ErrRemote  = errcodec.ErrRemote
	ErrType    = errcodec.ErrType
	ErrAborted = errcodec.ErrAborted
	ErrTimeout = errcodec.ErrTimeout
	ErrPanic   = errcodec.ErrPanic

	ErrChannelRequired           = errspkg.ErrChannelRequired
	ErrPropertyNameRequired      = errspkg.ErrPropertyNameRequired
	ErrTransportRequired         = errspkg.ErrTransportRequired
	ErrStreamConstructorRequired = errspkg.ErrStreamConstructorRequired
	ErrUnknownPropertyKind       = errspkg.ErrUnknownPropertyKind
	ErrUnknownProperty           = errspkg.ErrUnknownProperty
	ErrPropertyKindMismatch      = errspkg.ErrPropertyKindMismatch
	ErrImplementationMissing     = errspkg.ErrImplementationMissing
	ErrChannelAlreadyRegistered  = errspkg.ErrChannelAlreadyRegistered
	ErrUnhandledResponseType     = errspkg.ErrUnhandledResponseType
	ErrUnhandledRequestKind      = errspkg.ErrUnhandledRequestKind
	ErrMalformedFrame            = errspkg.ErrMalformedFrame
	ErrProxyClosed               = errspkg.ErrProxyClosed
	ErrDispatcherClosed          = errspkg.ErrDispatcherClosed
	ErrTransportClosed           = errspkg.ErrTransportClosed
	ErrCallTimeout               = errspkg.ErrCallTimeout
	ErrConfigRequired            = errspkg.ErrConfigRequired
	ErrLoggerRequired            = errspkg.ErrLoggerRequired
	ErrUnknownCodec              = errspkg.ErrUnknownCodec

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NopLogger            = loggingpkg.NopLogger

	NewMetadata         = metadatapkg.New
	ContextWithMetadata = metadatapkg.ContextWithMetadata

	CreateULID = idspkg.CreateULID

	GetCapabilities   = transportpkg.GetCapabilities
	DefaultTransports = newtransport.DefaultRegistry
	RegisterTransport = newtransport.Register
	BuildTransport    = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

// DefaultStreams is the stream constructor used when none is supplied.
func DefaultStreams(subscribe streampkg.SubscribeFunc[json.RawMessage]) Stream[json.RawMessage] {
	return streampkg.New(subscribe)
}

func BindValue[T any](p *Proxy, name string) (Value[T], error) {
	return runtimepkg.BindValue[T](p, name)
}

func BindFunction[R any](p *Proxy, name string) (Function[R], error) {
	return runtimepkg.BindFunction[R](p, name)
}

func BindStreamValue[T any](p *Proxy, name string) (Stream[T], error) {
	return runtimepkg.BindStreamValue[T](p, name)
}

func BindStreamFunction[T any](p *Proxy, name string) (StreamFunction[T], error) {
	return runtimepkg.BindStreamFunction[T](p, name)
}

func ValueOf[T any](fn func(ctx context.Context) (T, error)) ValueFunc {
	return runtimepkg.ValueOf(fn)
}

func FuncOf[R any](fn func(ctx context.Context, args Arguments) (R, error)) FunctionFunc {
	return runtimepkg.FuncOf(fn)
}

func Func0Of[R any](fn func(ctx context.Context) (R, error)) FunctionFunc {
	return runtimepkg.Func0Of(fn)
}

func Func1Of[A, R any](fn func(ctx context.Context, arg A) (R, error)) FunctionFunc {
	return runtimepkg.Func1Of(fn)
}

func Func2Of[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) FunctionFunc {
	return runtimepkg.Func2Of(fn)
}

func StreamOf[T any](s Stream[T]) StreamFunc {
	return runtimepkg.StreamOf(s)
}

func StreamFuncOf[A, T any](fn func(ctx context.Context, arg A) (Stream[T], error)) StreamFunctionFunc {
	return runtimepkg.StreamFuncOf(fn)
}

func NewSubject[T any]() *Subject[T] {
	return streampkg.NewSubject[T]()
}

func NewBehaviorSubject[T any](initial T) *Subject[T] {
	return streampkg.NewBehaviorSubject(initial)
}

func StreamOfValues[T any](values ...T) Stream[T] {
	return streampkg.Of(values...)
}

func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	return streampkg.Collect(ctx, s)
}

func Iterate[T any](ctx context.Context, s Stream[T], fn func(T)) error {
	return streampkg.Iterate(ctx, s, fn)
}

func ToChannel[T any](ctx context.Context, s Stream[T], buffer int) (<-chan T, func() error) {
	return streampkg.ToChannel(ctx, s, buffer)
}
