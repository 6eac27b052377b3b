package codec

import (
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
)

type jsonCodec struct{}

// JSON returns the default codec, which writes frames as JSON objects.
func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) EncodeRequest(req protocol.Request) ([]byte, error) {
	return jsoncodec.Marshal(req)
}

func (jsonCodec) DecodeRequest(data []byte) (protocol.Request, error) {
	var req protocol.Request
	if err := jsoncodec.Unmarshal(data, &req); err != nil {
		return protocol.Request{}, malformed(err)
	}
	return req, nil
}

func (jsonCodec) EncodeResponse(resp protocol.Response) ([]byte, error) {
	return jsoncodec.Marshal(resp)
}

func (jsonCodec) DecodeResponse(data []byte) (protocol.Response, error) {
	var resp protocol.Response
	if err := jsoncodec.Unmarshal(data, &resp); err != nil {
		return protocol.Response{}, malformed(err)
	}
	return resp, nil
}
