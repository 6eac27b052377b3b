package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	ipcerrors "github.com/drblury/ipcproxy/internal/runtime/errors"
	"github.com/drblury/ipcproxy/internal/runtime/metadata"
	"github.com/drblury/ipcproxy/transport/channel"
)

func newTestBus(t *testing.T, opts ...BusOption) *Bus {
	t.Helper()
	pub, sub := channel.NewPubSub(0, testLogger())
	bus := NewBus(PubSub{Publisher: pub, Subscriber: sub}, testLogger(), opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBusSendAndOn(t *testing.T) {
	bus := newTestBus(t)
	got := make(chan *message.Message, 1)
	require.NoError(t, bus.On("svc", func(msg *message.Message) { got <- msg }))

	ctx := metadata.ContextWithMetadata(context.Background(), metadata.New(metadata.KeyCodec, "json"))
	require.NoError(t, bus.Send(ctx, "svc", []byte("hello"), "abc"))

	msg := receive(t, got)
	assert.Equal(t, "hello", string(msg.Payload))
	assert.Equal(t, "abc", msg.Metadata.Get(metadata.KeyTag))
	assert.Equal(t, "json", msg.Metadata.Get(metadata.KeyCodec))
	assert.Len(t, msg.UUID, 26)

	md := metadata.FromContext(msg.Context())
	assert.Equal(t, "abc", md[metadata.KeyTag])
}

func TestBusOnceFiresOnceAndReleasesAddress(t *testing.T) {
	bus := newTestBus(t)
	var mu sync.Mutex
	calls := 0
	fired := make(chan struct{}, 2)
	require.NoError(t, bus.Once("corr-1", func(*message.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
		fired <- struct{}{}
	}))
	assert.True(t, bus.Listening("corr-1"))

	require.NoError(t, bus.Send(context.Background(), "corr-1", []byte("a"), "corr-1"))
	<-fired

	assert.Eventually(t, func() bool { return !bus.Listening("corr-1") }, time.Second, 5*time.Millisecond)
	_ = bus.Send(context.Background(), "corr-1", []byte("b"), "corr-1")

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestBusPerAddressFIFO(t *testing.T) {
	bus := newTestBus(t)
	const total = 200
	got := make(chan string, total)
	require.NoError(t, bus.On("ordered", func(msg *message.Message) {
		got <- string(msg.Payload)
	}))

	for i := 0; i < total; i++ {
		require.NoError(t, bus.Send(context.Background(), "ordered", []byte(fmt.Sprint(i)), ""))
	}
	for i := 0; i < total; i++ {
		select {
		case v := <-got:
			require.Equal(t, fmt.Sprint(i), v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
}

func TestBusListenerMaySendWithoutDeadlock(t *testing.T) {
	bus := newTestBus(t)
	done := make(chan struct{})
	require.NoError(t, bus.On("pong", func(*message.Message) { close(done) }))
	require.NoError(t, bus.On("ping", func(msg *message.Message) {
		_ = bus.Send(msg.Context(), "pong", nil, "")
	}))

	require.NoError(t, bus.Send(context.Background(), "ping", nil, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reply from inside a listener never arrived")
	}
}

func TestBusRemoveListeners(t *testing.T) {
	bus := newTestBus(t)
	got := make(chan *message.Message, 1)
	require.NoError(t, bus.On("gone", func(msg *message.Message) { got <- msg }))
	bus.RemoveListeners("gone")
	bus.RemoveListeners("gone")
	assert.False(t, bus.Listening("gone"))

	require.NoError(t, bus.Send(context.Background(), "gone", []byte("x"), ""))
	select {
	case <-got:
		t.Fatal("removed listener received a message")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestBusListenerPanicDoesNotStopDelivery(t *testing.T) {
	bus := newTestBus(t)
	got := make(chan string, 2)
	require.NoError(t, bus.On("fragile", func(msg *message.Message) {
		if string(msg.Payload) == "boom" {
			panic("listener exploded")
		}
		got <- string(msg.Payload)
	}))

	require.NoError(t, bus.Send(context.Background(), "fragile", []byte("boom"), ""))
	require.NoError(t, bus.Send(context.Background(), "fragile", []byte("ok"), ""))

	select {
	case v := <-got:
		assert.Equal(t, "ok", v)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after panic")
	}
}

func TestBusPropagatesTraceContext(t *testing.T) {
	bus := newTestBus(t, WithPropagator(propagation.TraceContext{}))
	got := make(chan *message.Message, 1)
	require.NoError(t, bus.On("traced", func(msg *message.Message) { got <- msg }))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	require.NoError(t, bus.Send(ctx, "traced", nil, ""))
	msg := receive(t, got)

	assert.NotEmpty(t, msg.Metadata.Get("traceparent"))
	remote := trace.SpanContextFromContext(msg.Context())
	assert.Equal(t, traceID, remote.TraceID())
	assert.True(t, remote.IsRemote())
}

func TestBusValidationAndClose(t *testing.T) {
	bus := newTestBus(t)

	assert.ErrorIs(t, bus.Send(context.Background(), "", nil, ""), ipcerrors.ErrAddressRequired)
	assert.ErrorIs(t, bus.On("", func(*message.Message) {}), ipcerrors.ErrAddressRequired)
	assert.ErrorIs(t, bus.On("x", nil), ipcerrors.ErrHandlerRequired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Send(ctx, "x", nil, ""), context.Canceled)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Send(context.Background(), "x", nil, ""), ipcerrors.ErrTransportClosed)
	assert.ErrorIs(t, bus.Once("x", func(*message.Message) {}), ipcerrors.ErrTransportClosed)
}
