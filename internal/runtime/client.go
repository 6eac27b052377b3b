package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ipcproxy/internal/runtime/codec"
	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
)

// ClientDependencies holds the optional collaborators of a Client.
type ClientDependencies struct {
	// TransportFactory builds the pub/sub when Transport is nil.
	TransportFactory transportpkg.Factory
	// Transport is used as is and left open by Close.
	Transport transportpkg.Transport
	// Streams builds the streams of stream properties. Defaults to stream.New.
	Streams stream.Constructor[json.RawMessage]
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Client owns a transport and hands out one Proxy per service channel.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport     transportpkg.Transport
	ownsTransport bool
	streams       stream.Constructor[json.RawMessage]
	opts          ProxyOptions

	mu      sync.Mutex
	proxies map[string]*Proxy
	closed  bool
}

// NewClient constructs a Client from conf.
func NewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
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
		return nil, fmt.Errorf("register client metrics: %w", err)
	}

	c := &Client{
		Conf:    conf,
		Logger:  log,
		streams: deps.Streams,
		opts: ProxyOptions{
			Codec:       wireCodec,
			CallTimeout: conf.CallTimeout,
			Logger:      log,
			Metrics:     metrics,
			Tracer:      deps.Tracer,
		},
		proxies: make(map[string]*Proxy),
	}
	if c.streams == nil {
		c.streams = stream.New[json.RawMessage]
	}

	c.transport = deps.Transport
	if c.transport == nil {
		bus, err := transportpkg.Open(ctx, conf, loggingpkg.NewWatermillAdapter(log), deps.TransportFactory, metrics.InstrumentPubSub)
		if err != nil {
			return nil, err
		}
		c.transport = bus
		c.ownsTransport = true
	}

	log.Debug("Client created", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"wire_format":   wireCodec.Name(),
	})
	return c, nil
}

// Transport returns the transport shared by the client's proxies.
func (c *Client) Transport() transportpkg.Transport {
	return c.transport
}

// Proxy returns the proxy for desc, creating it on first use or when the
// cached one was closed. Asking again for the same channel with different
// properties is a configuration error.
func (c *Client) Proxy(desc descriptor.Descriptor) (*Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errspkg.ErrProxyClosed
	}
	if p, ok := c.proxies[desc.Channel]; ok && !p.Closed() {
		if !maps.Equal(p.desc.Properties, desc.Properties) {
			return nil, errspkg.NewConfigurationError(fmt.Errorf("%w: %s is bound to a different descriptor", errspkg.ErrChannelAlreadyRegistered, desc.Channel))
		}
		return p, nil
	}

	p, err := NewProxy(desc, c.streams, c.transport, c.opts)
	if err != nil {
		return nil, err
	}
	c.proxies[desc.Channel] = p
	return p, nil
}

// Close closes every proxy and, when the client built it, the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	proxies := make([]*Proxy, 0, len(c.proxies))
	for _, p := range c.proxies {
		proxies = append(proxies, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range proxies {
		errs = append(errs, p.Close())
	}
	if c.ownsTransport {
		errs = append(errs, c.transport.Close())
	}
	return errors.Join(errs...)
}
