// Package transport defines the pluggable pub/sub backends a proxy bus can
// run on. Each implementation lives in its own sub-package and registers a
// Builder under the name matching Config.PubSubSystem.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports read. It lets builders depend on
// an interface rather than the full config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSClientName() string
	GetNATSReconnectWait() time.Duration

	// In-process channel
	GetChannelBuffer() int64

	// Shared frame log
	GetFilePath() string
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
