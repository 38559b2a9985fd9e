package processRuntime

import (
	"context"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
)

// Handshake waits for the worker's ready message, sends cfg and returns the
// message that answers it: {port} when serving, {result} or {error} when
// running once.
func (p *Process) Handshake(ctx context.Context, cfg *ipc.Config) (ipc.Message, error) {
	msg, err := p.Next(ctx)
	if err != nil {
		return ipc.Message{}, err
	}
	if !msg.Ready {
		return ipc.Message{}, &ProtocolError{Function: p.function, Reason: "expected ready message"}
	}
	if err := p.Send(ipc.Message{Config: cfg}); err != nil {
		// the worker most likely died, prefer reporting its exit
		if _, nextErr := p.Next(ctx); nextErr != nil {
			return ipc.Message{}, nextErr
		}
		return ipc.Message{}, err
	}
	return p.Next(ctx)
}

// Next returns the next message from the worker. If the worker exits first the
// error is an *EarlyExitError carrying its exit status and stderr.
func (p *Process) Next(ctx context.Context) (ipc.Message, error) {
	select {
	case msg, ok := <-p.messages:
		if ok {
			return msg, nil
		}
		select {
		case <-p.exited:
			return ipc.Message{}, p.earlyExit()
		case <-ctx.Done():
			return ipc.Message{}, ctx.Err()
		}
	case <-p.exited:
		if msg, ok := <-p.messages; ok {
			return msg, nil
		}
		return ipc.Message{}, p.earlyExit()
	case <-ctx.Done():
		return ipc.Message{}, ctx.Err()
	}
}

func (p *Process) earlyExit() error {
	return &EarlyExitError{Function: p.function, Status: p.status, Stderr: p.Stderr()}
}
