package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	// SupportsOrdering indicates messages on one address arrive in publish
	// order.
	SupportsOrdering bool

	// SupportsTracing indicates metadata, and with it trace context, is
	// carried end to end.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment.
	SupportsNack bool

	// SupportsPartitioning indicates the transport partitions addresses.
	SupportsPartitioning bool

	// DropsUnrouted indicates messages sent to an address nobody listens on
	// are lost. Listeners must then be attached before the request that
	// triggers a reply is sent.
	DropsUnrouted bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports
// at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		DropsUnrouted:    true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		DropsUnrouted:    true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		DropsUnrouted:   true,
		MaxMessageSize:  1048576,
	}

	FileCapabilities = Capabilities{
		Name:             "file",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		DropsUnrouted:    true,
	}
)

// GetCapabilities returns the capabilities registered for a transport.
// Unknown transports get a zero value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
