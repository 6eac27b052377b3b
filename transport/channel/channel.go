// Package channel provides the in-process transport. Every proxy and
// dispatcher built from config in one process shares a single Watermill
// GoChannel, so they reach each other without any broker.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ipcproxy/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var shared struct {
	once sync.Once
	pub  message.Publisher
	sub  message.Subscriber
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// NewPubSub creates a private GoChannel configured for request/response
// traffic: publishes wait for the subscriber's ack, which keeps frames on
// one address in order.
func NewPubSub(buffer int64, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	return Factory(gochannel.Config{
		OutputChannelBuffer:            buffer,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}

// Build returns the process-wide GoChannel, creating it on first use with
// the first caller's buffer size. Closing the returned publisher or
// subscriber is a no-op so one bus cannot break another.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	shared.once.Do(func() {
		shared.pub, shared.sub = NewPubSub(cfg.GetChannelBuffer(), logger)
	})
	return transport.Transport{
		Publisher:  uncloseablePublisher{shared.pub},
		Subscriber: uncloseableSubscriber{shared.sub},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type uncloseablePublisher struct {
	message.Publisher
}

func (uncloseablePublisher) Close() error { return nil }

type uncloseableSubscriber struct {
	message.Subscriber
}

func (uncloseableSubscriber) Close() error { return nil }
