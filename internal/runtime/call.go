package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	"github.com/drblury/ipcproxy/internal/runtime/protocol"
)

// Call is a one-shot request in flight. It settles exactly once, with the
// remote value or an error.
type Call struct {
	// Property is the remote property the call targets.
	Property string
	// Kind is protocol.Get or protocol.Apply.
	Kind protocol.RequestKind
	// ID is the correlation id the reply is addressed to.
	ID string

	startedAt time.Time
	span      trace.Span

	once  sync.Once
	done  chan struct{}
	value json.RawMessage
	err   error
}

func newCall(property string, kind protocol.RequestKind, id string) *Call {
	return &Call{
		Property:  property,
		Kind:      kind,
		ID:        id,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// failedCall returns a call that has already settled with err.
func failedCall(property string, kind protocol.RequestKind, err error) *Call {
	c := newCall(property, kind, "")
	c.settle(nil, err)
	return c
}

// settle records the outcome. Only the first call has an effect.
func (c *Call) settle(value json.RawMessage, err error) bool {
	settled := false
	c.once.Do(func() {
		c.value = value
		c.err = err
		settled = true
		if c.span != nil {
			if err != nil {
				c.span.RecordError(err)
				c.span.SetStatus(codes.Error, err.Error())
			}
			c.span.End()
		}
		close(c.done)
	})
	return settled
}

func (c *Call) settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a settled call. Before that it returns
// (nil, nil); use Wait to block.
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.value, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call settles or ctx is done. Giving up through ctx
// does not cancel the call itself.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the call and unmarshals the value into v.
func (c *Call) Decode(ctx context.Context, v any) error {
	raw, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	return jsoncodec.DecodeRaw(raw, v)
}

// Err waits for the call and returns only its error.
func (c *Call) Err(ctx context.Context) error {
	_, err := c.Wait(ctx)
	return err
}
