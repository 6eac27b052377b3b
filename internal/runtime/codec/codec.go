// Package codec serializes protocol frames for the wire.
package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
)

// Codec turns frames into payload bytes and back.
type Codec interface {
	Name() string
	EncodeRequest(req protocol.Request) ([]byte, error)
	DecodeRequest(data []byte) (protocol.Request, error)
	EncodeResponse(resp protocol.Response) ([]byte, error)
	DecodeResponse(data []byte) (protocol.Response, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

func init() {
	Register(JSON())
	Register(Proto())
}

// Register makes c available through ByName.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(c.Name())] = c
}

// ByName returns the codec registered under name. An empty name selects
// the JSON codec.
func ByName(name string) (Codec, error) {
	if name == "" {
		return JSON(), nil
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", errspkg.ErrUnknownCodec, name, namesLocked())
	}
	return c, nil
}

// Names lists registered codecs in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func malformed(err error) error {
	return errspkg.NewProtocolError(fmt.Errorf("%w: %v", errspkg.ErrMalformedFrame, err), "")
}
