// Package file provides a transport over a shared append-only frame log.
// Every process on the host that points at the same path sees every frame,
// which makes it a broker-free option for same-host IPC.
package file

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	"github.com/drblury/ipcproxy/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "file"

// PollInterval is how long a subscriber waits at the end of the log before
// looking for new frames.
var PollInterval = 20 * time.Millisecond

// ErrClosed is returned when subscribing on a closed subscriber.
var ErrClosed = errors.New("file subscriber closed")

// DefaultFilePath is used when no path is configured.
func DefaultFilePath() string {
	return filepath.Join(os.TempDir(), "ipcproxy.frames")
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(path string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(path, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(path string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(path, logger), nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.FileCapabilities)
}

// Build creates a file transport on cfg's frame log.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetFilePath()
	if path == "" {
		path = DefaultFilePath()
	}

	pub, err := PublisherFactory(path, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	sub, err := SubscriberFactory(path, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.FileCapabilities
}

// frame is one line of the log.
type frame struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends frames to the log.
type Publisher struct {
	path   string
	logger watermill.LoggerAdapter
	mu     sync.Mutex
}

// NewPublisher returns a publisher appending to path.
func NewPublisher(path string, logger watermill.LoggerAdapter) *Publisher {
	return &Publisher{path: path, logger: logger}
}

// Publish appends one line per message. Each line goes out in a single
// write so concurrent writers on O_APPEND never interleave.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, msg := range messages {
		line, err := jsoncodec.Marshal(frame{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails the log. Only frames appended after Subscribe returns
// are delivered.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber returns a subscriber tailing path.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	return &Subscriber{path: path, logger: logger, closing: make(chan struct{})}
}

// Subscribe opens the log and positions at its end before returning, so a
// caller may send a request right after subscribing its reply address.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Error("Failed to read frame log", err, watermill.LogFields{"path": s.path})
			return
		}
		if err != nil {
			// A writer may still be mid-line.
			partial = append(partial, line...)
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if len(partial) > 0 {
			line = append(partial, line...)
			partial = nil
		}
		if !s.deliver(ctx, out, line, topic) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, line []byte, topic string) bool {
	var fr frame
	if err := jsoncodec.Unmarshal(line, &fr); err != nil {
		s.logger.Error("Skipping malformed frame", err, watermill.LogFields{"path": s.path})
		return true
	}
	if fr.Topic != topic {
		return true
	}

	msg := message.NewMessage(fr.UUID, fr.Payload)
	for k, v := range fr.Metadata {
		msg.Metadata.Set(k, v)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Frame nacked", watermill.LogFields{"uuid": msg.UUID, "topic": topic})
	case <-ctx.Done():
		return false
	}
	return true
}

// Close stops every tail and waits for them to exit.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
