package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
)

// Frame field names shared with the JSON form.
const (
	fieldType           = "type"
	fieldPropKey        = "propKey"
	fieldArgs           = "args"
	fieldCorrelationID  = "correlationId"
	fieldSubscriptionID = "subscriptionId"
	fieldValue          = "value"
	fieldError          = "error"
	fieldName           = "name"
	fieldMessage        = "message"
	fieldStack          = "stack"
	fieldFields         = "fields"
)

type protoCodec struct{}

// Proto returns a codec writing frames as binary google.protobuf.Struct
// messages. Values and arguments travel as JSON text so numbers keep their
// exact representation.
func Proto() Codec {
	return protoCodec{}
}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) EncodeRequest(req protocol.Request) ([]byte, error) {
	fields := map[string]*structpb.Value{
		fieldType: structpb.NewStringValue(string(req.Kind)),
	}
	putString(fields, fieldPropKey, req.PropertyName)
	putString(fields, fieldCorrelationID, req.CorrelationID)
	putString(fields, fieldSubscriptionID, req.SubscriptionID)
	if len(req.Arguments) > 0 {
		args := make([]*structpb.Value, len(req.Arguments))
		for i, arg := range req.Arguments {
			args[i] = structpb.NewStringValue(string(arg))
		}
		fields[fieldArgs] = structpb.NewListValue(&structpb.ListValue{Values: args})
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func (protoCodec) DecodeRequest(data []byte) (protocol.Request, error) {
	s, err := unmarshalStruct(data)
	if err != nil {
		return protocol.Request{}, err
	}
	req := protocol.Request{
		Kind:           protocol.RequestKind(getString(s, fieldType)),
		PropertyName:   getString(s, fieldPropKey),
		CorrelationID:  getString(s, fieldCorrelationID),
		SubscriptionID: getString(s, fieldSubscriptionID),
	}
	if list := s.GetFields()[fieldArgs].GetListValue(); list != nil {
		req.Arguments = make([]json.RawMessage, len(list.GetValues()))
		for i, v := range list.GetValues() {
			req.Arguments[i] = json.RawMessage(v.GetStringValue())
		}
	}
	return req, nil
}

func (protoCodec) EncodeResponse(resp protocol.Response) ([]byte, error) {
	fields := map[string]*structpb.Value{
		fieldType: structpb.NewStringValue(string(resp.Type)),
	}
	putString(fields, fieldCorrelationID, resp.CorrelationID)
	putString(fields, fieldSubscriptionID, resp.SubscriptionID)
	if len(resp.Value) > 0 {
		fields[fieldValue] = structpb.NewStringValue(string(resp.Value))
	}
	if resp.Error != nil {
		errValue, err := encodePortable(*resp.Error)
		if err != nil {
			return nil, err
		}
		fields[fieldError] = errValue
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func (protoCodec) DecodeResponse(data []byte) (protocol.Response, error) {
	s, err := unmarshalStruct(data)
	if err != nil {
		return protocol.Response{}, err
	}
	resp := protocol.Response{
		Type:           protocol.ResponseType(getString(s, fieldType)),
		CorrelationID:  getString(s, fieldCorrelationID),
		SubscriptionID: getString(s, fieldSubscriptionID),
	}
	if v, ok := s.GetFields()[fieldValue]; ok {
		resp.Value = json.RawMessage(v.GetStringValue())
	}
	if errStruct := s.GetFields()[fieldError].GetStructValue(); errStruct != nil {
		p := errcodec.Portable{
			Name:    getString(errStruct, fieldName),
			Message: getString(errStruct, fieldMessage),
			Stack:   getString(errStruct, fieldStack),
		}
		if extra := errStruct.GetFields()[fieldFields].GetStructValue(); extra != nil {
			p.Fields = extra.AsMap()
		}
		resp.Error = &p
	}
	return resp, nil
}

func encodePortable(p errcodec.Portable) (*structpb.Value, error) {
	fields := map[string]*structpb.Value{
		fieldName:    structpb.NewStringValue(p.Name),
		fieldMessage: structpb.NewStringValue(p.Message),
	}
	putString(fields, fieldStack, p.Stack)
	if len(p.Fields) > 0 {
		// Normalise through JSON so arbitrary Go values become
		// structpb-compatible maps, slices and float64s.
		data, err := jsoncodec.Marshal(p.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode error fields: %w", err)
		}
		var normalised map[string]any
		if err := jsoncodec.Unmarshal(data, &normalised); err != nil {
			return nil, fmt.Errorf("encode error fields: %w", err)
		}
		extra, err := structpb.NewStruct(normalised)
		if err != nil {
			return nil, fmt.Errorf("encode error fields: %w", err)
		}
		fields[fieldFields] = structpb.NewStructValue(extra)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
}

func unmarshalStruct(data []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, malformed(err)
	}
	return s, nil
}

func putString(fields map[string]*structpb.Value, key, value string) {
	if value != "" {
		fields[key] = structpb.NewStringValue(value)
	}
}

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
