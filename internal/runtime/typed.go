package runtime

import (
	"context"
	"encoding/json"

	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
)

// Value is a typed view of a remote Value property.
type Value[T any] struct {
	prop *ValueProperty
}

// BindValue resolves name on p as a Value property decoding into T.
func BindValue[T any](p *Proxy, name string) (Value[T], error) {
	prop, err := p.Value(name)
	if err != nil {
		return Value[T]{}, err
	}
	return Value[T]{prop: prop}, nil
}

// Get fetches the current value.
func (v Value[T]) Get(ctx context.Context) (T, error) {
	var out T
	err := v.prop.Go(ctx).Decode(ctx, &out)
	return out, err
}

// Function is a typed view of a remote Function property returning R.
type Function[R any] struct {
	prop *FunctionProperty
}

// BindFunction resolves name on p as a Function property.
func BindFunction[R any](p *Proxy, name string) (Function[R], error) {
	prop, err := p.Function(name)
	if err != nil {
		return Function[R]{}, err
	}
	return Function[R]{prop: prop}, nil
}

// Call invokes the function and decodes its result.
func (f Function[R]) Call(ctx context.Context, args ...any) (R, error) {
	var out R
	err := f.prop.Go(ctx, args...).Decode(ctx, &out)
	return out, err
}

// BindStreamValue resolves name on p as a StreamValue property whose
// values decode into T. A value that does not decode ends the stream with
// a TypeError.
func BindStreamValue[T any](p *Proxy, name string) (stream.Stream[T], error) {
	s, err := p.StreamValue(name)
	if err != nil {
		return nil, err
	}
	return decodeStream[T](s), nil
}

// StreamFunction is a typed view of a remote StreamFunction property.
type StreamFunction[T any] struct {
	prop *StreamFunctionProperty
}

// BindStreamFunction resolves name on p as a StreamFunction property.
func BindStreamFunction[T any](p *Proxy, name string) (StreamFunction[T], error) {
	prop, err := p.StreamFunction(name)
	if err != nil {
		return StreamFunction[T]{}, err
	}
	return StreamFunction[T]{prop: prop}, nil
}

// Call returns the stream for args.
func (f StreamFunction[T]) Call(args ...any) (stream.Stream[T], error) {
	s, err := f.prop.Call(args...)
	if err != nil {
		return nil, err
	}
	return decodeStream[T](s), nil
}

func decodeStream[T any](s stream.Stream[json.RawMessage]) stream.Stream[T] {
	return stream.Map(s, func(raw json.RawMessage) (T, error) {
		var v T
		if err := jsoncodec.DecodeRaw(raw, &v); err != nil {
			return v, errcodec.NewTypeError("decode %T: %v", v, err)
		}
		return v, nil
	})
}
