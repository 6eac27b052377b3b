package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ipcproxy"
)

// serveCounter registers a counter service on the in-process transport and
// returns the path of its descriptor file.
func serveCounter(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ch := "counter-" + ipcproxy.CreateULID()
	desc := ipcproxy.NewDescriptor(ch, map[string]ipcproxy.PropertyKind{
		"count":   ipcproxy.ValueKind,
		"count$":  ipcproxy.StreamValueKind,
		"add":     ipcproxy.FunctionKind,
		"range":   ipcproxy.StreamFunctionKind,
		"explode": ipcproxy.FunctionKind,
	})

	count := ipcproxy.NewBehaviorSubject(0)
	d, err := ipcproxy.NewDispatcher(ctx, &ipcproxy.Config{}, ipcproxy.NopLogger(), ipcproxy.DispatcherDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Register(desc, ipcproxy.Implementation{
		Values: map[string]ipcproxy.ValueFunc{
			"count": ipcproxy.ValueOf(func(context.Context) (int, error) {
				v, _ := count.Value()
				return v, nil
			}),
		},
		StreamValues: map[string]ipcproxy.StreamFunc{"count$": ipcproxy.StreamOf[int](count)},
		Functions: map[string]ipcproxy.FunctionFunc{
			"add": ipcproxy.Func1Of(func(_ context.Context, n int) (int, error) {
				v, _ := count.Value()
				count.Next(v + n)
				return v + n, nil
			}),
			"explode": ipcproxy.Func0Of(func(context.Context) (int, error) {
				return 0, ipcproxy.NewTypeError("cannot explode a counter")
			}),
		},
		StreamFunctions: map[string]ipcproxy.StreamFunctionFunc{
			"range": ipcproxy.StreamFuncOf(func(_ context.Context, n int) (ipcproxy.Stream[int], error) {
				if n < 0 {
					return nil, errors.New("negative range")
				}
				values := make([]int, n)
				for i := range values {
					values[i] = i
				}
				return ipcproxy.StreamOfValues(values...), nil
			}),
		},
	}))

	data, err := ipcproxy.MarshalIndent(desc, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "counter.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDescribe(t *testing.T) {
	path := serveCounter(t)
	out, err := run(t, "describe", "-d", path)
	require.NoError(t, err)
	assert.Contains(t, out, "channel: counter-")
	assert.Regexp(t, `range\s+function\$`, out)
	assert.Regexp(t, `count\$\s+value\$`, out)
}

func TestGetAndCall(t *testing.T) {
	path := serveCounter(t)

	out, err := run(t, "get", "-d", path, "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	out, err = run(t, "call", "-d", path, "add", "5")
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)

	out, err = run(t, "get", "-d", path, "count")
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)

	_, err = run(t, "call", "-d", path, "explode")
	assert.EqualError(t, err, "TypeError: cannot explode a counter")

	_, err = run(t, "get", "-d", path, "add")
	assert.ErrorIs(t, err, ipcproxy.ErrPropertyKindMismatch)
}

func TestSubscribe(t *testing.T) {
	path := serveCounter(t)

	out, err := run(t, "subscribe", "-d", path, "range", "3")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, strings.Fields(out))

	out, err = run(t, "subscribe", "-d", path, "count$", "--count", "1")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	_, err = run(t, "subscribe", "-d", path, "--", "range", "-1")
	assert.Error(t, err)

	_, err = run(t, "subscribe", "-d", path, "count$", "extra")
	assert.Error(t, err)

	_, err = run(t, "subscribe", "-d", path, "count")
	assert.ErrorIs(t, err, ipcproxy.ErrPropertyKindMismatch)
}

func TestDescriptorFlagRequired(t *testing.T) {
	_, err := run(t, "get", "theme")
	assert.EqualError(t, err, "--descriptor is required")
}

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{`"dark"`, "3", `{"a":true}`, "plain words"})
	assert.Equal(t, []any{"dark", float64(3), map[string]any{"a": true}, "plain words"}, args)
}
