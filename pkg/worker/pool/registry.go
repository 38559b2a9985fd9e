package pool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

type pidEntry struct {
	Pid      int    `json:"pid"`
	Function string `json:"function"`
	// CreateTime is the process start time in milliseconds since the epoch. It
	// tells a recycled pid apart from the worker that used to own it.
	CreateTime int64 `json:"createTime,omitempty"`
}

type pidFile struct {
	Workers []pidEntry `json:"workers"`
}

// PIDRegistry is the last-resort record of worker processes. It is written on
// every change so that a supervisor that dies without cleaning up can kill the
// leftovers on its next start. An empty path keeps the registry in memory.
type PIDRegistry struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	pids map[int]pidEntry
}

func NewPIDRegistry(path string, logger *slog.Logger) *PIDRegistry {
	return &PIDRegistry{
		path:   path,
		logger: logger.With("component", "pid-registry"),
		pids:   make(map[int]pidEntry),
	}
}

func (r *PIDRegistry) Add(pid int, function string) {
	entry := pidEntry{Pid: pid, Function: function}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		entry.CreateTime, _ = p.CreateTime()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[pid] = entry
	r.flushLocked()
}

func (r *PIDRegistry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pids[pid]; !ok {
		return
	}
	delete(r.pids, pid)
	r.flushLocked()
}

// PIDs returns the registered pids in ascending order.
func (r *PIDRegistry) PIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// KillAll sends SIGKILL to every registered process group and forgets them.
// It does not wait for the processes to be reaped.
func (r *PIDRegistry) KillAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	killed := 0
	for pid, entry := range r.pids {
		if killGroup(pid) {
			killed++
			r.logger.Warn("Killed leftover worker", "pid", pid, "function", entry.Function)
		}
	}
	clear(r.pids)
	r.flushLocked()
	return killed
}

// ReapStale kills the workers recorded by a previous supervisor run that are
// still alive and resets the file.
func (r *PIDRegistry) ReapStale(ctx context.Context) (int, error) {
	if r.path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var stale pidFile
	if err := json.Unmarshal(raw, &stale); err != nil {
		r.logger.Warn("Ignoring unreadable pid registry", "path", r.path, "error", err)
		stale.Workers = nil
	}

	reaped := 0
	for _, entry := range stale.Workers {
		if !r.isSameProcess(ctx, entry) {
			continue
		}
		if killGroup(entry.Pid) {
			reaped++
			r.logger.Info("Killed stale worker from previous run", "pid", entry.Pid, "function", entry.Function)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	return reaped, nil
}

func (r *PIDRegistry) isSameProcess(ctx context.Context, entry pidEntry) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(entry.Pid))
	if err != nil || !exists {
		return false
	}
	if entry.CreateTime == 0 {
		return true
	}
	p, err := process.NewProcessWithContext(ctx, int32(entry.Pid))
	if err != nil {
		return false
	}
	created, err := p.CreateTimeWithContext(ctx)
	return err == nil && created == entry.CreateTime
}

func (r *PIDRegistry) flushLocked() {
	if r.path == "" {
		return
	}
	file := pidFile{Workers: make([]pidEntry, 0, len(r.pids))}
	for _, entry := range r.pids {
		file.Workers = append(file.Workers, entry)
	}
	sort.Slice(file.Workers, func(i, j int) bool { return file.Workers[i].Pid < file.Workers[j].Pid })

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		r.logger.Error("Failed to encode pid registry", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Error("Failed to write pid registry", "path", r.path, "error", err)
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		r.logger.Error("Failed to write pid registry", "path", r.path, "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Error("Failed to write pid registry", "path", r.path, "error", err)
	}
}

// killGroup kills the process group led by pid, or the process alone when it
// does not lead a group.
func killGroup(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		return true
	}
	return syscall.Kill(pid, syscall.SIGKILL) == nil
}
