package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
)

func sampleRequests() []protocol.Request {
	args := []json.RawMessage{json.RawMessage(`"dark"`), json.RawMessage(`{"n":1}`)}
	return []protocol.Request{
		protocol.NewGet("theme", "c1"),
		protocol.NewApply("setTheme", "c2", args),
		protocol.NewSubscribe("theme$", "s1"),
		protocol.NewApplySubscribe("search$", "s2", args),
		protocol.NewUnsubscribe("s1"),
	}
}

func sampleResponses() []protocol.Response {
	remote := errcodec.Portable{
		Name:    "QuotaError",
		Message: "too many",
		Stack:   "stack text",
		Fields:  map[string]any{"limit": float64(3), "scope": "user"},
	}
	return []protocol.Response{
		protocol.NewResult("c1", json.RawMessage(`"dark"`)),
		protocol.NewResult("c2", json.RawMessage(`0`)),
		{Type: protocol.Error, CorrelationID: "c3", Error: &remote},
		protocol.NewNext("s1", json.RawMessage(`[1,2,3]`)),
		protocol.NewComplete("s1"),
		{Type: protocol.Error, SubscriptionID: "s2", Error: &errcodec.Portable{Name: "Error", Message: "gone"}},
	}
}

func TestCodecsRoundTripFrames(t *testing.T) {
	for _, c := range []Codec{JSON(), Proto()} {
		t.Run(c.Name(), func(t *testing.T) {
			for _, req := range sampleRequests() {
				data, err := c.EncodeRequest(req)
				require.NoError(t, err)
				decoded, err := c.DecodeRequest(data)
				require.NoError(t, err)
				assert.Equal(t, req, decoded)
			}
			for _, resp := range sampleResponses() {
				data, err := c.EncodeResponse(resp)
				require.NoError(t, err)
				decoded, err := c.DecodeResponse(data)
				require.NoError(t, err)
				assert.Equal(t, resp, decoded)
			}
		})
	}
}

func TestCodecsRejectGarbage(t *testing.T) {
	garbage := map[string][]byte{
		"json":  []byte("{"),
		"proto": {0xff, 0xff, 0xff},
	}
	for name, data := range garbage {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			require.NoError(t, err)

			_, err = c.DecodeRequest(data)
			require.ErrorIs(t, err, errspkg.ErrMalformedFrame)
			_, err = c.DecodeResponse(data)
			require.ErrorIs(t, err, errspkg.ErrMalformedFrame)
		})
	}
}

func TestProtoNormalisesErrorFields(t *testing.T) {
	resp := protocol.Response{
		Type:          protocol.Error,
		CorrelationID: "c1",
		Error:         &errcodec.Portable{Name: "X", Message: "m", Fields: map[string]any{"count": 2}},
	}
	data, err := Proto().EncodeResponse(resp)
	require.NoError(t, err)
	decoded, err := Proto().DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, float64(2), decoded.Error.Fields["count"])

	resp.Error.Fields = map[string]any{"bad": make(chan int)}
	_, err = Proto().EncodeResponse(resp)
	require.Error(t, err)
}

func TestByName(t *testing.T) {
	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ByName("PROTO")
	require.NoError(t, err)
	assert.Equal(t, "proto", c.Name())

	_, err = ByName("xml")
	require.ErrorIs(t, err, errspkg.ErrUnknownCodec)

	assert.Equal(t, []string{"json", "proto"}, Names())
}
