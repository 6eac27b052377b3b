package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
	"github.com/drblury/ipcproxy/transport/channel"
)

func TestMetricsRecordBothSides(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry, "test")
	require.NoError(t, m.Register())

	h := newHarness(t, nil, DispatcherDependencies{Metrics: m}, ProxyOptions{Metrics: m})
	ctx := context.Background()

	theme, err := BindValue[string](h.proxy, "theme")
	require.NoError(t, err)
	_, err = theme.Get(ctx)
	require.NoError(t, err)

	setTheme, err := h.proxy.Function("setTheme")
	require.NoError(t, err)
	_, err = setTheme.Call(ctx, "")
	require.Error(t, err)

	countdown, err := BindStreamFunction[int](h.proxy, "countdown")
	require.NoError(t, err)
	s, err := countdown.Call(2)
	require.NoError(t, err)
	_, err = stream.Collect(ctx, s)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsSent.WithLabelValues("pref", "get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsSent.WithLabelValues("pref", "apply")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsSent.WithLabelValues("pref", "applySubscribe")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.responsesReceived.WithLabelValues("pref", "next")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responsesReceived.WithLabelValues("pref", "complete")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsDispatched.WithLabelValues("pref", "get", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsDispatched.WithLabelValues("pref", "apply", OutcomeError)))

	// The stream completes while its request is still being accounted for.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.requestsDispatched.WithLabelValues("pref", "applySubscribe", OutcomeOK)) == 1 &&
			testutil.ToFloat64(m.pendingCalls) == 0 &&
			testutil.ToFloat64(m.openSubscriptions) == 0 &&
			testutil.ToFloat64(m.activeStreams) == 0
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(m.callDuration))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_dispatcher_handler_execution_time_seconds")
}

func TestMetricsRegisterSharesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry, "shared")
	second := NewMetrics(registry, "shared")
	require.NoError(t, first.Register())
	require.NoError(t, first.Register())
	require.NoError(t, second.Register())

	second.requestSent("pref", "get")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.requestsSent.WithLabelValues("pref", "get")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register())
	assert.Equal(t, configpkg.DefaultMetricsNamespace, m.Namespace())
	m.requestSent("pref", "get")
	m.callStarted()
	m.callFinished("pref", "get", OutcomeOK, 0)
	m.streamStarted()
	m.streamEnded()

	pub, sub := channel.NewPubSub(0, loggingpkg.NewWatermillAdapter(testLogger()))
	ps, err := m.InstrumentPubSub(transportpkg.PubSub{Publisher: pub, Subscriber: sub})
	require.NoError(t, err)
	assert.Same(t, pub, ps.Publisher)
}

func TestMetricsFor(t *testing.T) {
	m, err := metricsFor(&configpkg.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	explicit := NewMetrics(prometheus.NewRegistry(), "explicit")
	m, err = metricsFor(&configpkg.Config{}, explicit)
	require.NoError(t, err)
	assert.Same(t, explicit, m)
	assert.Equal(t, "explicit", m.Namespace())
}

func TestOutcomeOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{errors.New("boom"), OutcomeError},
		{context.Canceled, OutcomeCanceled},
		{context.DeadlineExceeded, OutcomeTimeout},
		{fmt.Errorf("%w after 1s", errspkg.ErrCallTimeout), OutcomeTimeout},
		{errspkg.ErrProxyClosed, OutcomeClosed},
		{errspkg.ErrDispatcherClosed, OutcomeClosed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, outcomeOf(tc.err), "%v", tc.err)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry, "served")
	require.NoError(t, m.Register())
	m.requestSent("pref", "get")

	srv := httptest.NewServer(MetricsHandler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `served_proxy_requests_sent_total{channel="pref",kind="get"} 1`)
}
