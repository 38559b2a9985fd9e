package pool

import (
	"context"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
)

// creation is the pool entry for one function. It is inserted before the
// worker is spawned so that concurrent callers wait for the same worker
// instead of starting another one.
type creation struct {
	debug  *ipc.DebugOptions
	done   chan struct{}
	worker *Worker
	err    error
}

func newCreation(debug *ipc.DebugOptions) *creation {
	return &creation{debug: debug.Clone(), done: make(chan struct{})}
}

// signalReady publishes the outcome. It must be called exactly once.
func (c *creation) signalReady(w *Worker, err error) {
	c.worker, c.err = w, err
	close(c.done)
}

// waitReady blocks until the worker is ready, its creation failed or ctx is done.
func (c *creation) waitReady(ctx context.Context) (*Worker, error) {
	select {
	case <-c.done:
		return c.worker, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ready returns the worker if creation already succeeded.
func (c *creation) ready() (*Worker, bool) {
	select {
	case <-c.done:
		return c.worker, c.err == nil
	default:
		return nil, false
	}
}
