package transport

import (
	newtransport "github.com/drblury/ipcproxy/transport"
)

// Capabilities is an alias for the modular transport Capabilities.
type Capabilities = newtransport.Capabilities

// CapabilitiesProvider is an alias for the modular transport CapabilitiesProvider.
type CapabilitiesProvider = newtransport.CapabilitiesProvider

// Predefined capability sets, aliased from the transport package.
var (
	ChannelCapabilities  = newtransport.ChannelCapabilities
	KafkaCapabilities    = newtransport.KafkaCapabilities
	RabbitMQCapabilities = newtransport.RabbitMQCapabilities
	NATSCapabilities     = newtransport.NATSCapabilities
)

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return newtransport.GetCapabilities(transportName)
}
