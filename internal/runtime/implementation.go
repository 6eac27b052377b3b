package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	"github.com/drblury/ipcproxy/internal/runtime/errcodec"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	"github.com/drblury/ipcproxy/internal/runtime/stream"
)

// ValueFunc reads a Value property.
type ValueFunc func(ctx context.Context) (any, error)

// FunctionFunc invokes a Function property.
type FunctionFunc func(ctx context.Context, args Arguments) (any, error)

// StreamFunc opens a StreamValue property. ctx stays alive until the
// subscription ends.
type StreamFunc func(ctx context.Context) (stream.Stream[any], error)

// StreamFunctionFunc opens a StreamFunction property for args.
type StreamFunctionFunc func(ctx context.Context, args Arguments) (stream.Stream[any], error)

// Implementation is the provider-side target for one descriptor. Each
// property of the descriptor needs an entry in the map matching its kind.
type Implementation struct {
	Values          map[string]ValueFunc
	StreamValues    map[string]StreamFunc
	Functions       map[string]FunctionFunc
	StreamFunctions map[string]StreamFunctionFunc
}

// has reports whether name is implemented with the given kind.
func (impl Implementation) has(name string, kind descriptor.PropertyKind) bool {
	var ok bool
	switch kind {
	case descriptor.Value:
		_, ok = impl.Values[name]
	case descriptor.StreamValue:
		_, ok = impl.StreamValues[name]
	case descriptor.Function:
		_, ok = impl.Functions[name]
	case descriptor.StreamFunction:
		_, ok = impl.StreamFunctions[name]
	}
	return ok
}

// validate checks that every property of desc has an implementation.
func (impl Implementation) validate(desc descriptor.Descriptor) error {
	for _, name := range desc.Names() {
		kind := desc.Properties[name]
		if !impl.has(name, kind) {
			return errspkg.NewConfigurationError(fmt.Errorf("%w: %s %q on %s", errspkg.ErrImplementationMissing, kind, name, desc.Channel))
		}
	}
	return nil
}

// Arguments are the positional JSON arguments of an apply request.
type Arguments []json.RawMessage

// Len returns the number of arguments.
func (a Arguments) Len() int { return len(a) }

// Decode unmarshals argument i into v. A missing argument or one of the
// wrong shape is reported as a TypeError.
func (a Arguments) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return errcodec.NewTypeError("argument %d is missing (got %d)", i, len(a))
	}
	if err := jsoncodec.DecodeRaw(a[i], v); err != nil {
		return errcodec.NewTypeError("argument %d: %v", i, err)
	}
	return nil
}

// DecodeAll decodes the leading arguments into targets, in order.
func (a Arguments) DecodeAll(targets ...any) error {
	for i, target := range targets {
		if err := a.Decode(i, target); err != nil {
			return err
		}
	}
	return nil
}

// ValueOf adapts a typed getter to ValueFunc.
func ValueOf[T any](fn func(ctx context.Context) (T, error)) ValueFunc {
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

// FuncOf adapts a typed function taking raw arguments to FunctionFunc.
func FuncOf[R any](fn func(ctx context.Context, args Arguments) (R, error)) FunctionFunc {
	return func(ctx context.Context, args Arguments) (any, error) {
		return fn(ctx, args)
	}
}

// Func0Of adapts a function without arguments.
func Func0Of[R any](fn func(ctx context.Context) (R, error)) FunctionFunc {
	return func(ctx context.Context, _ Arguments) (any, error) {
		return fn(ctx)
	}
}

// Func1Of adapts a single-argument function. The argument is decoded into A
// before fn runs.
func Func1Of[A, R any](fn func(ctx context.Context, arg A) (R, error)) FunctionFunc {
	return func(ctx context.Context, args Arguments) (any, error) {
		var arg A
		if err := args.Decode(0, &arg); err != nil {
			return nil, err
		}
		return fn(ctx, arg)
	}
}

// Func2Of adapts a two-argument function.
func Func2Of[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) FunctionFunc {
	return func(ctx context.Context, args Arguments) (any, error) {
		var (
			a A
			b B
		)
		if err := args.DecodeAll(&a, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// StreamOf exposes s as a StreamValue implementation. Every remote
// subscriber subscribes to s independently.
func StreamOf[T any](s stream.Stream[T]) StreamFunc {
	return func(context.Context) (stream.Stream[any], error) {
		return toAny(s), nil
	}
}

// StreamFuncOf adapts a single-argument stream factory.
func StreamFuncOf[A, T any](fn func(ctx context.Context, arg A) (stream.Stream[T], error)) StreamFunctionFunc {
	return func(ctx context.Context, args Arguments) (stream.Stream[any], error) {
		var arg A
		if err := args.Decode(0, &arg); err != nil {
			return nil, err
		}
		s, err := fn(ctx, arg)
		if err != nil {
			return nil, err
		}
		return toAny(s), nil
	}
}

func toAny[T any](s stream.Stream[T]) stream.Stream[any] {
	if s == nil {
		return nil
	}
	return stream.Map(s, func(v T) (any, error) { return v, nil })
}
