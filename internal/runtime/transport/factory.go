package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/ipcproxy/internal/runtime/config"
	ipcerrors "github.com/drblury/ipcproxy/internal/runtime/errors"
	newtransport "github.com/drblury/ipcproxy/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/ipcproxy/transport/transports"
)

// PubSub is the Watermill publisher/subscriber pair a Bus is built on.
type PubSub = newtransport.Transport

// Factory abstracts how the runtime initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (PubSub, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (PubSub, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (PubSub, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (PubSub, error) {
	if conf == nil {
		return PubSub{}, ipcerrors.ErrConfigRequired
	}
	return newtransport.Build(ctx, conf, logger)
}

// Decorator wraps a freshly built pub/sub, for example with metrics.
type Decorator func(PubSub) (PubSub, error)

// Open builds the configured pub/sub through factory, applies decorators in
// order and wraps the result in a Bus. A nil factory uses DefaultFactory.
func Open(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter, factory Factory, decorators ...Decorator) (*Bus, error) {
	if conf == nil {
		return nil, ipcerrors.ErrConfigRequired
	}
	if factory == nil {
		factory = DefaultFactory()
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pubSub, err := factory.Build(ctx, conf, logger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", conf.GetPubSubSystem(), err)
	}
	for _, decorate := range decorators {
		decorated, err := decorate(pubSub)
		if err != nil {
			closePubSub(pubSub)
			return nil, fmt.Errorf("decorate %s transport: %w", conf.GetPubSubSystem(), err)
		}
		pubSub = decorated
	}
	return NewBus(pubSub, logger, WithCapabilities(GetCapabilities(conf.GetPubSubSystem()))), nil
}

func closePubSub(pubSub PubSub) {
	if pubSub.Publisher != nil {
		_ = pubSub.Publisher.Close()
	}
	if pubSub.Subscriber != nil {
		_ = pubSub.Subscriber.Close()
	}
}
