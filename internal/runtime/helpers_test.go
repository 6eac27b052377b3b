package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ipcproxy/internal/runtime/codec"
	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
	"github.com/drblury/ipcproxy/transport/channel"
)

const waitFor = 2 * time.Second

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// newTestBus returns a bus over a private GoChannel.
func newTestBus(t *testing.T) *transportpkg.Bus {
	t.Helper()
	wmLogger := loggingpkg.NewWatermillAdapter(testLogger())
	pub, sub := channel.NewPubSub(0, wmLogger)
	bus := transportpkg.NewBus(transportpkg.PubSub{Publisher: pub, Subscriber: sub}, wmLogger)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func prefDescriptor(ch string) descriptor.Descriptor {
	return descriptor.New(ch, map[string]descriptor.PropertyKind{
		"theme":     descriptor.Value,
		"theme$":    descriptor.StreamValue,
		"setTheme":  descriptor.Function,
		"countdown": descriptor.StreamFunction,
	})
}

// prefService keeps the current theme in a behavior subject.
type prefService struct {
	theme *stream.Subject[string]
}

func newPrefService() *prefService {
	return &prefService{theme: stream.NewBehaviorSubject("light")}
}

func (s *prefService) implementation() Implementation {
	return Implementation{
		Values: map[string]ValueFunc{
			"theme": ValueOf(func(context.Context) (string, error) {
				v, _ := s.theme.Value()
				return v, nil
			}),
		},
		StreamValues: map[string]StreamFunc{
			"theme$": StreamOf[string](s.theme),
		},
		Functions: map[string]FunctionFunc{
			"setTheme": Func1Of(func(_ context.Context, theme string) (bool, error) {
				if theme == "" {
					return false, errcodec.NewTypeError("theme must not be empty")
				}
				s.theme.Next(theme)
				return true, nil
			}),
		},
		StreamFunctions: map[string]StreamFunctionFunc{
			"countdown": StreamFuncOf(func(_ context.Context, from int) (stream.Stream[int], error) {
				if from < 0 {
					return nil, errors.New("countdown needs a positive start")
				}
				values := make([]int, 0, from)
				for i := from; i > 0; i-- {
					values = append(values, i)
				}
				return stream.Of(values...), nil
			}),
		},
	}
}

type harness struct {
	bus        *transportpkg.Bus
	dispatcher *Dispatcher
	proxy      *Proxy
	pref       *prefService
}

// newHarness serves the pref service and returns a proxy for it, both on
// one private bus.
func newHarness(t *testing.T, conf *configpkg.Config, deps DispatcherDependencies, opts ProxyOptions) *harness {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{}
	}
	bus := newTestBus(t)
	deps.Transport = bus

	d, err := NewDispatcher(context.Background(), conf, testLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	pref := newPrefService()
	require.NoError(t, d.Register(prefDescriptor("pref"), pref.implementation()))

	if opts.CallTimeout == 0 {
		opts.CallTimeout = waitFor
	}
	p, err := NewProxy(prefDescriptor("pref"), stream.New[json.RawMessage], bus, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return &harness{bus: bus, dispatcher: d, proxy: p, pref: pref}
}

// fakeProvider answers requests on ch with whatever respond returns and
// records every request it saw.
type fakeProvider struct {
	bus *transportpkg.Bus

	mu       sync.Mutex
	requests []protocol.Request
}

func newFakeProvider(t *testing.T, bus *transportpkg.Bus, ch string, respond func(req protocol.Request) []protocol.Response) *fakeProvider {
	t.Helper()
	f := &fakeProvider{bus: bus}
	err := bus.On(ch, func(msg *message.Message) {
		req, err := codec.JSON().DecodeRequest(msg.Payload)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		if respond == nil {
			return
		}
		for _, resp := range respond(req) {
			f.send(resp)
		}
	})
	require.NoError(t, err)
	return f
}

func (f *fakeProvider) send(resp protocol.Response) {
	payload, err := codec.JSON().EncodeResponse(resp)
	if err != nil {
		panic(err)
	}
	_ = f.bus.Send(context.Background(), resp.Address(), payload, resp.Address())
}

func (f *fakeProvider) kinds() []protocol.RequestKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]protocol.RequestKind, 0, len(f.requests))
	for _, r := range f.requests {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func (f *fakeProvider) last() protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return protocol.Request{}
	}
	return f.requests[len(f.requests)-1]
}

func countKind(kinds []protocol.RequestKind, kind protocol.RequestKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// recorder is an observer keeping everything it saw.
type recorder struct {
	mu        sync.Mutex
	values    []string
	err       error
	completed bool
	done      chan struct{}
	next      chan string
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}), next: make(chan string, 16)}
}

func (r *recorder) Next(raw json.RawMessage) {
	var v string
	_ = json.Unmarshal(raw, &v)
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	r.next <- v
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func (r *recorder) Complete() {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
	close(r.done)
}

func (r *recorder) snapshot() ([]string, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...), r.err, r.completed
}

func (r *recorder) waitNext(t *testing.T) string {
	t.Helper()
	select {
	case v := <-r.next:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a value")
		return ""
	}
}

func (r *recorder) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the stream to end")
	}
}

// recordingLogger keeps log entries for assertions.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	r.mu.Unlock()
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) find(msg string) (logEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range *r.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}
