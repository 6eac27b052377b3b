package ipcproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFacadeEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch := "facade-" + CreateULID()

	desc := NewDescriptor(ch, map[string]PropertyKind{
		"greeting":  ValueKind,
		"greeting$": StreamValueKind,
		"greet":     FunctionKind,
		"ticks":     StreamFunctionKind,
	})

	greeting := NewBehaviorSubject("hello")
	d, err := NewDispatcher(ctx, &Config{}, logger, DispatcherDependencies{})
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Register(desc, Implementation{
		Values: map[string]ValueFunc{
			"greeting": ValueOf(func(context.Context) (string, error) {
				v, _ := greeting.Value()
				return v, nil
			}),
		},
		StreamValues: map[string]StreamFunc{"greeting$": StreamOf[string](greeting)},
		Functions: map[string]FunctionFunc{
			"greet": Func1Of(func(_ context.Context, name string) (string, error) {
				if name == "" {
					return "", NewTypeError("name is required")
				}
				return "hello " + name, nil
			}),
		},
		StreamFunctions: map[string]StreamFunctionFunc{
			"ticks": StreamFuncOf(func(_ context.Context, n int) (Stream[int], error) {
				values := make([]int, n)
				for i := range values {
					values[i] = i
				}
				return StreamOfValues(values...), nil
			}),
		},
	}))

	c, err := NewClient(ctx, &Config{CallTimeout: 2 * time.Second}, logger, ClientDependencies{})
	require.NoError(t, err)
	defer c.Close()
	p, err := c.Proxy(desc)
	require.NoError(t, err)

	value, err := BindValue[string](p, "greeting")
	require.NoError(t, err)
	got, err := value.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	greet, err := BindFunction[string](p, "greet")
	require.NoError(t, err)
	got, err = greet.Call(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, "hello ada", got)

	_, err = greet.Call(ctx, "")
	assert.ErrorIs(t, err, ErrType)
	assert.Equal(t, TypeErrorName, ErrorKind(err))

	ticks, err := BindStreamFunction[int](p, "ticks")
	require.NoError(t, err)
	s, err := ticks.Call(3)
	require.NoError(t, err)
	values, err := Collect(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, values)

	live, err := BindStreamValue[string](p, "greeting$")
	require.NoError(t, err)
	liveCtx, cancel := context.WithCancel(ctx)
	out, result := ToChannel(liveCtx, live, 4)
	assert.Equal(t, "hello", <-out)
	greeting.Next("bonjour")
	assert.Equal(t, "bonjour", <-out)
	cancel()
	for range out {
	}
	assert.ErrorIs(t, result(), context.Canceled)
}

func TestFacadeErrors(t *testing.T) {
	remote := DecodeError(EncodeError(NewRemoteError(AbortErrorName, "stopped")))
	assert.ErrorIs(t, remote, ErrAborted)

	err := NewConfigurationError(ErrUnknownProperty)
	var cfgErr ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestFacadeDescriptorParsing(t *testing.T) {
	desc, err := ParseDescriptor([]byte("channel: pref\nproperties:\n  theme: value\n  setTheme: function\n"))
	require.NoError(t, err)
	assert.Equal(t, "pref", desc.Channel)
	assert.Equal(t, FunctionKind, desc.Properties["setTheme"])
}

func TestFacadeLoggersAndCodecs(t *testing.T) {
	NewZapServiceLogger(zap.NewNop()).Info("boot", LogFields{"component": "test"})
	NopLogger().Debug("quiet", nil)

	c, err := CodecByName("proto")
	require.NoError(t, err)
	assert.Equal(t, ProtoCodec().Name(), c.Name())

	_, err = CodecByName("xml")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	md := NewMetadata(MetadataKeyTag, "t-1")
	assert.Equal(t, "t-1", md[MetadataKeyTag])

	payload, err := Marshal(map[string]string{"hello": "world"})
	require.NoError(t, err)
	var back map[string]string
	require.NoError(t, Unmarshal(payload, &back))
	assert.Equal(t, "world", back["hello"])
}
