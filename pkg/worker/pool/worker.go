package pool

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/processRuntime"
)

// Worker states.
const (
	StateSpawning = "spawning"
	StateReady    = "ready"
	StateClosing  = "closing"
	StateClosed   = "closed"
	StateCrashed  = "crashed"
)

const (
	eventReady  = "ready"
	eventClose  = "close"
	eventClosed = "closed"
	eventCrash  = "crash"
)

// Worker is one live child process serving a single function.
type Worker struct {
	Name     string
	Function *metadata.FunctionDescriptor
	// Timeout is the resolved per-call timeout.
	Timeout time.Duration
	// Debug is nil unless the worker runs with a debug listener.
	Debug   *ipc.DebugOptions
	Started time.Time

	process      *processRuntime.Process
	port         int
	lastAccessed atomic.Int64
	machine      *fsm.FSM
	logger       *slog.Logger
}

func newWorker(desc *metadata.FunctionDescriptor, timeout time.Duration, debug *ipc.DebugOptions, proc *processRuntime.Process, logger *slog.Logger) *Worker {
	w := &Worker{
		Name:     desc.Name,
		Function: desc,
		Timeout:  timeout,
		Debug:    debug.Clone(),
		Started:  time.Now(),
		process:  proc,
		logger:   logger,
	}
	w.Touch()
	w.machine = fsm.NewFSM(
		StateSpawning,
		fsm.Events{
			{Name: eventReady, Src: []string{StateSpawning}, Dst: StateReady},
			{Name: eventClose, Src: []string{StateSpawning, StateReady}, Dst: StateClosing},
			{Name: eventClosed, Src: []string{StateClosing}, Dst: StateClosed},
			{Name: eventCrash, Src: []string{StateSpawning, StateReady, StateClosing}, Dst: StateCrashed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				w.logger.Debug("Worker state changed", "function", w.Name, "pid", w.Pid(), "from", e.Src, "to", e.Dst)
			},
		},
	)
	return w
}

// fire moves the worker through its lifecycle. Transitions that are not
// allowed from the current state are ignored.
func (w *Worker) fire(event string) bool {
	return w.machine.Event(context.Background(), event) == nil
}

func (w *Worker) State() string {
	return w.machine.Current()
}

func (w *Worker) Pid() int {
	return w.process.Pid()
}

func (w *Worker) Port() int {
	return w.port
}

// Address is the host:port of the worker's listener.
func (w *Worker) Address() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(w.port))
}

// Touch records a successful dispatch.
func (w *Worker) Touch() {
	w.lastAccessed.Store(time.Now().UnixNano())
}

func (w *Worker) LastAccessed() time.Time {
	return time.Unix(0, w.lastAccessed.Load())
}

// Stderr is the captured tail of the worker's stderr.
func (w *Worker) Stderr() string {
	return w.process.Stderr()
}

// Exited is closed when the process has been reaped.
func (w *Worker) Exited() <-chan struct{} {
	return w.process.Exited()
}

// Info is a point-in-time view of a worker.
type Info struct {
	Name         string            `json:"name"`
	Pid          int               `json:"pid"`
	Port         int               `json:"port"`
	State        string            `json:"state"`
	Started      time.Time         `json:"started"`
	LastAccessed time.Time         `json:"lastAccessed"`
	Timeout      time.Duration     `json:"timeout"`
	Debug        *ipc.DebugOptions `json:"debug,omitempty"`
}

func (w *Worker) Info() Info {
	return Info{
		Name:         w.Name,
		Pid:          w.Pid(),
		Port:         w.port,
		State:        w.State(),
		Started:      w.Started,
		LastAccessed: w.LastAccessed(),
		Timeout:      w.Timeout,
		Debug:        w.Debug.Clone(),
	}
}
