package processRuntime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

// RunOnce starts a worker in single-shot mode, hands it payload and returns the
// result it reported. The worker exits on its own afterwards.
func RunOnce(ctx context.Context, rt ProcessRuntime, spec Spec, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	p, err := rt.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer p.Stop(context.Background(), time.Second)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := p.Handshake(ctx, &ipc.Config{Function: spec.Function, Mode: ipc.ModeOnce, Payload: payload})
	if err != nil {
		return nil, err
	}
	switch {
	case msg.Error != nil:
		return nil, remoteError(spec.Function, msg.Error)
	case msg.Result != nil:
		return msg.Result, nil
	default:
		return nil, &ProtocolError{Function: spec.Function.Name, Reason: "expected result or error message"}
	}
}

func remoteError(desc *metadata.FunctionDescriptor, raw json.RawMessage) error {
	var body struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	_ = json.Unmarshal(raw, &body)
	return &RemoteError{Function: desc.Name, Name: body.Name, Message: body.Message, Stack: body.Stack, Raw: raw}
}
