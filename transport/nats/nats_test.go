package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ipcproxy/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.SupportsTracing)
	assert.True(t, caps.DropsUnrouted)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestOptions(t *testing.T) {
	assert.Len(t, Options(&mockConfig{}), 2)
	assert.Len(t, Options(&mockConfig{reconnectWait: time.Second}), 3)
}

func TestBuild(t *testing.T) {
	t.Run("creates core nats transport", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}
		var pubCfg nats.PublisherConfig
		var subCfg nats.SubscriberConfig

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = config
			return mockPub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = config
			return mockSub, nil
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
		assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
		assert.Equal(t, "nats://localhost:4222", subCfg.URL)
		assert.True(t, pubCfg.JetStream.Disabled)
		assert.True(t, subCfg.JetStream.Disabled)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		pub := &mockPublisher{}
		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

type mockConfig struct {
	natsURL       string
	reconnectWait time.Duration
}

func (m *mockConfig) GetPubSubSystem() string             { return "nats" }
func (m *mockConfig) GetKafkaBrokers() []string           { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string       { return "" }
func (m *mockConfig) GetRabbitMQURL() string              { return "" }
func (m *mockConfig) GetNATSURL() string                  { return m.natsURL }
func (m *mockConfig) GetNATSClientName() string           { return "ipcproxy-test" }
func (m *mockConfig) GetNATSReconnectWait() time.Duration { return m.reconnectWait }
func (m *mockConfig) GetChannelBuffer() int64             { return 0 }
func (m *mockConfig) GetFilePath() string                 { return "" }

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
