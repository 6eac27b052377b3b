package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ipcproxy/transport"
)

type mockConfig struct{}

func (m *mockConfig) GetPubSubSystem() string             { return TransportName }
func (m *mockConfig) GetKafkaBrokers() []string           { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string       { return "" }
func (m *mockConfig) GetRabbitMQURL() string              { return "" }
func (m *mockConfig) GetNATSURL() string                  { return "" }
func (m *mockConfig) GetNATSClientName() string           { return "" }
func (m *mockConfig) GetNATSReconnectWait() time.Duration { return 0 }
func (m *mockConfig) GetChannelBuffer() int64             { return 0 }
func (m *mockConfig) GetFilePath() string                 { return "" }

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildSharesOnePubSub(t *testing.T) {
	first, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	second, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := second.Subscriber.Subscribe(ctx, "channel-test-topic")
	require.NoError(t, err)

	go func() {
		_ = first.Publisher.Publish("channel-test-topic", message.NewMessage(watermill.NewUUID(), []byte("hello")))
	}()

	select {
	case msg := <-messages:
		assert.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message across shared pubsub")
	}

	require.NoError(t, first.Publisher.Close())
	require.NoError(t, first.Subscriber.Close())
}

func TestNewPubSubUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return original(cfg, logger)
	}

	pub, sub := NewPubSub(8, watermill.NopLogger{})
	assert.NotNil(t, pub)
	assert.NotNil(t, sub)
	assert.Equal(t, int64(8), got.OutputChannelBuffer)
	assert.True(t, got.BlockPublishUntilSubscriberAck)
}
