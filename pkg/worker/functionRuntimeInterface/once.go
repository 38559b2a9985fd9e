package functionRuntimeInterface

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
)

// runOnce executes the handler a single time, reports the outcome to the parent
// and returns. A failed execution ends the process with exit code 1.
func (f *Function) runOnce(ctx context.Context, ch *ipc.Channel, payload json.RawMessage) error {
	value, err := f.execute(ctx, payload)
	if err != nil {
		raw, mErr := json.Marshal(SerializeError(err))
		if mErr != nil {
			return mErr
		}
		if sendErr := ch.Send(ipc.Message{Error: raw}); sendErr != nil {
			return sendErr
		}
		return &ExitError{Code: 1, Err: err}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return ch.Send(ipc.Message{Result: raw})
}

// execute runs one invocation outside the HTTP listener.
func (f *Function) execute(ctx context.Context, payload json.RawMessage) (value any, err error) {
	h, desc := f.current()
	ctx = withResolver(ctx, f.resolver)

	if h.kind != KindHTTP {
		ev := NewEvent(payload)
		ev.Resource = desc.Name
		return h.invokeEvent(ctx, ev)
	}

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return serveRecorded(ctx, h.http, payload, "application/json")
}
