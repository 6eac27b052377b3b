// Package errcodec converts Go errors into portable descriptors that survive
// serialization, and back into errors on the receiving side.
package errcodec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	pkgerrors "github.com/pkg/errors"
)

// Discriminators for the built-in error kinds.
const (
	NameError        = "Error"
	NameTypeError    = "TypeError"
	NameAbortError   = "AbortError"
	NameTimeoutError = "TimeoutError"
	NamePanicError   = "PanicError"
)

// Portable is the wire form of an error.
type Portable struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Named is implemented by errors that choose their own discriminator.
type Named interface {
	ErrorName() string
}

// Fielded is implemented by errors carrying structured diagnostic fields.
type Fielded interface {
	ErrorFields() map[string]any
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Error is the decoded form of a Portable whose name has no registered
// constructor. It keeps every diagnostic the sender provided.
type Error struct {
	Name    string
	Message string
	Stack   string
	Fields  map[string]any

	cause error
}

// Kind sentinels match any *Error of the same name through errors.Is.
var (
	ErrRemote  = &Error{Name: NameError}
	ErrType    = &Error{Name: NameTypeError}
	ErrAborted = &Error{Name: NameAbortError}
	ErrTimeout = &Error{Name: NameTimeoutError}
	ErrPanic   = &Error{Name: NamePanicError}
)

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) ErrorName() string {
	if e.Name == "" {
		return NameError
	}
	return e.Name
}

func (e *Error) ErrorFields() map[string]any {
	return e.Fields
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by name, and by message when the target has one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.ErrorName() != e.ErrorName() {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Format prints the full diagnostic text, stack included, for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.ErrorName()+": "+e.Message)
			if e.Stack != "" {
				_, _ = io.WriteString(s, "\n"+e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Message)
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Message)
	}
}

// New builds a named error carrying a stack trace from the call site.
func New(name, message string) *Error {
	cause := pkgerrors.New(message)
	return &Error{Name: name, Message: message, cause: cause}
}

// NewTypeError reports a value of the wrong shape, typically an argument
// that does not decode into the expected Go type.
func NewTypeError(format string, args ...any) *Error {
	return New(NameTypeError, fmt.Sprintf(format, args...))
}

// KindOf returns the discriminator Encode would choose for err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}

	var named Named
	if errors.As(err, &named) {
		if name := named.ErrorName(); name != "" {
			return name
		}
	}

	var panicErr middleware.RecoveredPanicError
	if errors.As(err, &panicErr) {
		return NamePanicError
	}

	var unmarshalType *json.UnmarshalTypeError
	var invalidUnmarshal *json.InvalidUnmarshalError
	switch {
	case errors.As(err, &unmarshalType), errors.As(err, &invalidUnmarshal):
		return NameTypeError
	case errors.Is(err, context.Canceled):
		return NameAbortError
	case errors.Is(err, context.DeadlineExceeded):
		return NameTimeoutError
	}
	return NameError
}

// Encode converts err into its portable form.
func Encode(err error) Portable {
	if err == nil {
		return Portable{Name: NameError, Message: "<nil>"}
	}

	p := Portable{Name: KindOf(err), Message: err.Error()}

	var remote *Error
	var panicErr middleware.RecoveredPanicError
	var traced stackTracer
	switch {
	case errors.As(err, &remote) && remote.Stack != "":
		p.Stack = remote.Stack
	case errors.As(err, &panicErr):
		p.Message = fmt.Sprintf("panic occurred: %v", panicErr.V)
		p.Stack = panicErr.Stacktrace
	case errors.As(err, &traced):
		p.Stack = fmt.Sprintf("%+v", traced.StackTrace())
	}

	var fielded Fielded
	if errors.As(err, &fielded) {
		if fields := fielded.ErrorFields(); len(fields) > 0 {
			p.Fields = make(map[string]any, len(fields))
			for k, v := range fields {
				p.Fields[k] = v
			}
		}
	}
	return p
}

// Constructor rebuilds a local error from its portable form.
type Constructor func(Portable) error

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		NameAbortError:   withCause(context.Canceled),
		NameTimeoutError: withCause(context.DeadlineExceeded),
	}
)

// Register installs a constructor for errors named name. Later
// registrations replace earlier ones.
func Register(name string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if fn == nil {
		delete(registry, name)
		return
	}
	registry[name] = fn
}

// Decode rebuilds an error from p. Names without a registered constructor
// decode into *Error.
func Decode(p Portable) error {
	registryMu.RLock()
	fn, ok := registry[p.Name]
	registryMu.RUnlock()
	if ok {
		if err := fn(p); err != nil {
			return err
		}
	}
	return fromPortable(p, nil)
}

func withCause(cause error) Constructor {
	return func(p Portable) error {
		return fromPortable(p, cause)
	}
}

func fromPortable(p Portable, cause error) *Error {
	name := p.Name
	if name == "" {
		name = NameError
	}
	return &Error{Name: name, Message: p.Message, Stack: p.Stack, Fields: p.Fields, cause: cause}
}
