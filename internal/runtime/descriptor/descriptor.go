// Package descriptor declares the shape of a remotely exposed service: the
// channel it listens on and the kind of every property it offers.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
)

// PropertyKind tells the proxy how a property is accessed remotely.
type PropertyKind string

const (
	// Value is read with a one-shot get request.
	Value PropertyKind = "value"
	// StreamValue is a live value observed through a subscription.
	StreamValue PropertyKind = "value$"
	// Function is invoked with arguments and returns a single result.
	Function PropertyKind = "function"
	// StreamFunction is invoked with arguments and yields a live stream.
	StreamFunction PropertyKind = "function$"
)

// Valid reports whether k is one of the known kinds.
func (k PropertyKind) Valid() bool {
	switch k {
	case Value, StreamValue, Function, StreamFunction:
		return true
	}
	return false
}

// IsStream reports whether k is served through a subscription.
func (k PropertyKind) IsStream() bool {
	return k == StreamValue || k == StreamFunction
}

// TakesArguments reports whether requests for k carry arguments.
func (k PropertyKind) TakesArguments() bool {
	return k == Function || k == StreamFunction
}

func (k PropertyKind) String() string {
	return string(k)
}

// Descriptor is shared by consumer and provider. It names the service
// channel and lists every exposed property with its kind.
type Descriptor struct {
	Channel    string                  `json:"channel" yaml:"channel"`
	Properties map[string]PropertyKind `json:"properties" yaml:"properties"`
}

// New copies properties into a fresh descriptor so later changes to the
// caller's map have no effect.
func New(channel string, properties map[string]PropertyKind) Descriptor {
	d := Descriptor{Channel: channel, Properties: make(map[string]PropertyKind, len(properties))}
	for name, kind := range properties {
		d.Properties[name] = kind
	}
	return d
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	return New(d.Channel, d.Properties)
}

// Validate checks the channel and every property. Unknown kinds are
// reported here only by ValidateKinds; proxies defer that check until the
// property is resolved.
func (d Descriptor) Validate() error {
	if d.Channel == "" {
		return errspkg.NewConfigurationError(errspkg.ErrChannelRequired)
	}
	for name := range d.Properties {
		if name == "" {
			return errspkg.NewConfigurationError(errspkg.ErrPropertyNameRequired)
		}
	}
	return nil
}

// ValidateKinds reports every property whose kind is not recognised.
func (d Descriptor) ValidateKinds() error {
	var errs []error
	for _, name := range d.Names() {
		if kind := d.Properties[name]; !kind.Valid() {
			errs = append(errs, fmt.Errorf("%w %q for property %q", errspkg.ErrUnknownPropertyKind, kind, name))
		}
	}
	return errspkg.NewConfigurationError(errors.Join(errs...))
}

// Kind looks up the kind of a property.
func (d Descriptor) Kind(name string) (PropertyKind, bool) {
	kind, ok := d.Properties[name]
	return kind, ok
}

// RequiresStreams reports whether any property is a stream kind.
func (d Descriptor) RequiresStreams() bool {
	for _, kind := range d.Properties {
		if kind.IsStream() {
			return true
		}
	}
	return false
}

// Names returns the property names in sorted order.
func (d Descriptor) Names() []string {
	names := make([]string, 0, len(d.Properties))
	for name := range d.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes a descriptor from YAML. JSON documents are accepted too.
func Parse(data []byte) (Descriptor, error) {
	var raw Descriptor
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	d := raw.Clone()
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	if err := d.ValidateKinds(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Load reads and parses a descriptor file.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes d as YAML.
func Marshal(d Descriptor) ([]byte, error) {
	return yaml.Marshal(d)
}
