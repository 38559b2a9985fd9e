package pool

import (
	"fmt"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
)

// WorkerCrashError reports a worker that exited before it was ready.
type WorkerCrashError struct {
	Function string
	Code     int
	Signal   string
	Stderr   string
}

func (e *WorkerCrashError) Error() string {
	cause := fmt.Sprintf("code %d", e.Code)
	if e.Signal != "" {
		cause = "signal " + e.Signal
	}
	if e.Stderr == "" {
		return fmt.Sprintf("worker for %s crashed (%s)", e.Function, cause)
	}
	return fmt.Sprintf("worker for %s crashed (%s): %s", e.Function, cause, e.Stderr)
}

// DebugPortConflictError reports a debug port that is already taken.
type DebugPortConflictError struct {
	Function string
	Port     int
	Type     ipc.DebugType
	// Owner is the function holding the port, empty when it is held by
	// something outside the pool.
	Owner string
}

func (e *DebugPortConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("cannot %s %s: port %d is already in use by %s", e.Type, e.Function, e.Port, e.Owner)
	}
	return fmt.Sprintf("cannot %s %s: port %d is already in use", e.Type, e.Function, e.Port)
}
