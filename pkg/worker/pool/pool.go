// Package pool keeps at most one worker process per function and owns their
// whole lifecycle: creation and handshake, reuse, idle pruning and shutdown.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/apierror"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/processRuntime"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

const (
	DefaultPruneInterval = 60 * time.Second
	DefaultMaxIdle       = 5 * time.Minute
	DefaultCloseGrace    = 5 * time.Second
	DefaultStartTimeout  = 2 * time.Minute
)

type Config struct {
	// PruneInterval is the period of the idle scan started by RunPruner.
	PruneInterval time.Duration
	// MaxIdle is how long a worker may go without a dispatch before it is pruned.
	MaxIdle time.Duration
	// CloseGrace is the wait between SIGTERM and SIGKILL.
	CloseGrace time.Duration
	// StartTimeout bounds building, spawning and the handshake of a worker.
	StartTimeout time.Duration
	// Mock enables the mock handler of the workers.
	Mock bool
	// Watch makes workers ask to be closed when their source changes.
	Watch bool
}

func (c *Config) applyDefaults() {
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
}

// CloseStatus is the outcome of CloseWorker.
type CloseStatus string

const (
	CloseNotFound CloseStatus = "NOT_FOUND"
	CloseClosed   CloseStatus = "CLOSED"
	CloseKilled   CloseStatus = "KILLED"
)

type CloseResult struct {
	Status CloseStatus `json:"status"`
	Code   int         `json:"code"`
	Signal string      `json:"signal,omitempty"`
}

type Pool struct {
	cfg      Config
	runtime  processRuntime.ProcessRuntime
	registry metadata.Registry
	pids     *PIDRegistry
	stats    *stats.StatsManager
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*creation
}

// NewPool creates an empty pool. pids and statsManager may be nil.
func NewPool(cfg Config, runtime processRuntime.ProcessRuntime, registry metadata.Registry, pids *PIDRegistry, statsManager *stats.StatsManager, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	logger = logger.With("component", "pool")
	if pids == nil {
		pids = NewPIDRegistry("", logger)
	}
	return &Pool{
		cfg:      cfg,
		runtime:  runtime,
		registry: registry,
		pids:     pids,
		stats:    statsManager,
		logger:   logger,
		entries:  make(map[string]*creation),
	}
}

// GetOrCreateWorker returns the worker for name, spawning it if needed.
// Concurrent callers for the same name share one creation.
func (p *Pool) GetOrCreateWorker(ctx context.Context, name string, debug *ipc.DebugOptions) (*Worker, error) {
	p.mu.Lock()
	c, ok := p.entries[name]
	if !ok {
		if debug != nil {
			if owner := p.debugPortOwnerLocked(debug.Port, name); owner != "" {
				p.mu.Unlock()
				return nil, conflict(name, debug, owner)
			}
		}
		c = newCreation(debug)
		p.entries[name] = c
		go p.create(name, c)
	}
	p.mu.Unlock()

	w, err := c.waitReady(ctx)
	if err != nil {
		return nil, err
	}
	w.Touch()
	return w, nil
}

// Lookup returns the ready worker for name.
func (p *Pool) Lookup(name string) (*Worker, bool) {
	p.mu.Lock()
	c, ok := p.entries[name]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.ready()
}

// Workers returns the ready workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers := make([]*Worker, 0, len(p.entries))
	for _, c := range p.entries {
		if w, ok := c.ready(); ok {
			workers = append(workers, w)
		}
	}
	return workers
}

// DebugOptions returns the debug options the current worker for name was
// created with, whether it is ready or still starting.
func (p *Pool) DebugOptions(name string) *ipc.DebugOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.entries[name]; ok {
		return c.debug.Clone()
	}
	return nil
}

// CloseWorker removes the worker for name and stops it: SIGTERM, then SIGKILL
// after the grace period. Closing a function without a worker is not an error.
func (p *Pool) CloseWorker(ctx context.Context, name string) (CloseResult, error) {
	return p.closeWorker(ctx, name, nil)
}

// closeWorker closes the entry for name. With only set, the entry is left alone
// unless it still holds that worker.
func (p *Pool) closeWorker(ctx context.Context, name string, only *Worker) (CloseResult, error) {
	p.mu.Lock()
	c, ok := p.entries[name]
	if ok && only != nil {
		if w, ready := c.ready(); !ready || w != only {
			ok = false
		}
	}
	if !ok {
		p.mu.Unlock()
		return CloseResult{Status: CloseNotFound}, nil
	}
	delete(p.entries, name)
	p.mu.Unlock()

	w, err := c.waitReady(ctx)
	if err != nil {
		// creation failed, the process is already gone
		if ctx.Err() == nil {
			return CloseResult{Status: CloseNotFound}, nil
		}
		return CloseResult{}, err
	}
	return p.stop(ctx, w), nil
}

// Discard removes w from the pool if it is still registered and stops it in
// the background. It reports whether w was removed.
func (p *Pool) Discard(w *Worker) bool {
	p.mu.Lock()
	c, ok := p.entries[w.Name]
	if ok {
		if current, ready := c.ready(); !ready || current != w {
			ok = false
		}
	}
	if ok {
		delete(p.entries, w.Name)
	}
	p.mu.Unlock()

	if ok {
		go p.stop(context.Background(), w)
	}
	return ok
}

// Restart closes the worker for name and creates a new one with debug. When
// keep is set and debug is nil, the previous debug options are carried over.
// A debug port held by another function fails before anything is closed.
func (p *Pool) Restart(ctx context.Context, name string, debug *ipc.DebugOptions, keep bool) (*Worker, error) {
	if debug == nil && keep {
		debug = p.DebugOptions(name)
	}
	if debug != nil {
		p.mu.Lock()
		owner := p.debugPortOwnerLocked(debug.Port, name)
		p.mu.Unlock()
		if owner != "" {
			return nil, conflict(name, debug, owner)
		}
	}
	if _, err := p.CloseWorker(ctx, name); err != nil {
		return nil, err
	}
	return p.GetOrCreateWorker(ctx, name, debug)
}

// Prune closes every worker idle for longer than MaxIdle.
func (p *Pool) Prune(ctx context.Context) error {
	cutoff := time.Now().Add(-p.cfg.MaxIdle)

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.Workers() {
		if w.LastAccessed().After(cutoff) {
			continue
		}
		g.Go(func() error {
			idle := time.Since(w.LastAccessed())
			res, err := p.closeWorker(ctx, w.Name, w)
			if err != nil {
				p.logger.Warn("Failed to prune worker", "function", w.Name, "error", err)
				return nil
			}
			if res.Status != CloseNotFound {
				p.logger.Info("Pruned idle worker", "function", w.Name, "idle", idle.Round(time.Millisecond), "status", res.Status)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunPruner prunes on every PruneInterval until ctx is done.
func (p *Pool) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Prune(ctx); err != nil {
				p.logger.Warn("Prune failed", "error", err)
			}
		}
	}
}

// Clear closes every worker.
func (p *Pool) Clear(ctx context.Context) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			_, err := p.CloseWorker(ctx, name)
			return err
		})
	}
	return g.Wait()
}

// Shutdown clears the pool and then kills whatever is left in the pid
// registry without waiting.
func (p *Pool) Shutdown(ctx context.Context) error {
	err := p.Clear(ctx)
	if n := p.pids.KillAll(); n > 0 {
		p.logger.Warn("Killed workers that did not exit", "count", n)
	}
	return err
}

// create spawns the worker for c and publishes the outcome.
func (p *Pool) create(name string, c *creation) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StartTimeout)
	defer cancel()

	w, err := p.spawn(ctx, name, c.debug)
	if err != nil {
		p.mu.Lock()
		if p.entries[name] == c {
			delete(p.entries, name)
		}
		p.mu.Unlock()
	}
	c.signalReady(w, err)
	if err == nil {
		go p.supervise(w, c)
	}
}

func (p *Pool) spawn(ctx context.Context, name string, debug *ipc.DebugOptions) (*Worker, error) {
	desc, err := p.registry.GetFunction(ctx, name)
	if err != nil {
		if errors.Is(err, metadata.ErrFunctionNotFound) {
			return nil, apierror.NotFound("function %s not found", name)
		}
		return nil, apierror.Internal(err, "failed to load function %s: %v", name, err)
	}
	timeout := metadata.ResolveTimeout(desc, p.logger)

	proc, err := p.runtime.Start(ctx, processRuntime.Spec{
		Function: desc,
		Command:  desc.Command,
		Env:      processRuntime.FunctionEnv(desc, timeout.Seconds()),
	})
	if err != nil {
		p.emit(stats.Event().Function(name).Start().Failed().WithDetail(err.Error()))
		return nil, apierror.Internal(err, "failed to start worker for %s: %v", name, err)
	}
	p.pids.Add(proc.Pid(), name)

	w := newWorker(desc, timeout, debug, proc, p.logger)
	msg, err := proc.Handshake(ctx, &ipc.Config{
		Function: desc,
		Mock:     p.cfg.Mock,
		Debug:    debug,
		Watch:    p.cfg.Watch,
		Mode:     ipc.ModeServe,
	})
	if err == nil && msg.Port == 0 {
		err = &processRuntime.ProtocolError{Function: name, Reason: "expected port message"}
	}
	if err != nil {
		w.fire(eventCrash)
		go p.drain(w)
		proc.Stop(context.Background(), p.cfg.CloseGrace)
		p.emit(stats.Event().Function(name).Worker(w.Pid()).Start().Failed().WithDetail(err.Error()))
		return nil, p.startError(name, debug, err)
	}

	w.port = msg.Port
	w.fire(eventReady)

	p.emit(stats.Event().Function(name).Worker(w.Pid()).Start().Success())
	p.logger.Info("Worker ready", "function", name, "pid", w.Pid(), "port", w.port, "timeout", timeout, "debug", debug != nil)
	return w, nil
}

func (p *Pool) startError(name string, debug *ipc.DebugOptions, err error) error {
	var early *processRuntime.EarlyExitError
	if errors.As(err, &early) {
		if early.Status.Code == ipc.ExitCodeDebugPortInUse && debug != nil {
			return conflict(name, debug, "")
		}
		crash := &WorkerCrashError{Function: name, Code: early.Status.Code, Signal: early.Status.Signal, Stderr: early.Stderr}
		return apierror.Internal(crash, "%s", crash.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Internal(err, "worker for %s did not become ready within %s", name, p.cfg.StartTimeout)
	}
	return apierror.Internal(err, "failed to start worker for %s: %v", name, err)
}

// supervise follows a ready worker until its process exits. A worker that
// asks to be closed is closed, one that exits while still registered crashed.
func (p *Pool) supervise(w *Worker, c *creation) {
	for msg := range w.process.Messages() {
		if msg.Close {
			p.logger.Info("Worker requested close", "function", w.Name, "pid", w.Pid())
			go p.closeWorker(context.Background(), w.Name, w)
		}
	}
	<-w.process.Exited()
	p.pids.Remove(w.Pid())

	p.mu.Lock()
	current := p.entries[w.Name] == c
	if current {
		delete(p.entries, w.Name)
	}
	p.mu.Unlock()

	if !current {
		return
	}
	status := w.process.ExitStatus()
	w.fire(eventCrash)
	p.emit(stats.Event().Function(w.Name).Worker(w.Pid()).Down().Failed().WithDetail(w.Stderr()))
	p.logger.Error("Worker exited unexpectedly", "function", w.Name, "pid", w.Pid(),
		"code", status.Code, "signal", status.Signal, "stderr", w.Stderr())
}

// drain consumes what is left of a failed worker's channel and releases its pid.
func (p *Pool) drain(w *Worker) {
	for range w.process.Messages() {
	}
	<-w.process.Exited()
	p.pids.Remove(w.Pid())
}

func (p *Pool) stop(ctx context.Context, w *Worker) CloseResult {
	w.fire(eventClose)
	killed, err := w.process.Stop(ctx, p.cfg.CloseGrace)
	if err != nil {
		p.logger.Warn("Failed to stop worker", "function", w.Name, "pid", w.Pid(), "error", err)
	}

	res := CloseResult{Status: CloseClosed}
	if killed {
		res.Status = CloseKilled
	}
	select {
	case <-w.process.Exited():
		status := w.process.ExitStatus()
		res.Code, res.Signal = status.Code, status.Signal
	default:
	}
	w.fire(eventClosed)

	p.emit(stats.Event().Function(w.Name).Worker(w.Pid()).Stop().Success().WithDetail(string(res.Status)))
	p.logger.Info("Worker closed", "function", w.Name, "pid", w.Pid(), "status", res.Status, "code", res.Code, "signal", res.Signal)
	return res
}

// debugPortOwnerLocked returns the function other than name whose worker
// holds port.
func (p *Pool) debugPortOwnerLocked(port int, name string) string {
	if port == 0 {
		return ""
	}
	for other, c := range p.entries {
		if other != name && c.debug != nil && c.debug.Port == port {
			return other
		}
	}
	return ""
}

func (p *Pool) emit(su *stats.StatusUpdate) {
	if p.stats != nil {
		p.stats.Enqueue(su)
	}
}

func conflict(name string, debug *ipc.DebugOptions, owner string) error {
	err := &DebugPortConflictError{Function: name, Port: debug.Port, Type: debug.Type, Owner: owner}
	return &apierror.Error{Kind: apierror.KindConflict, Message: err.Error(), Err: err}
}
