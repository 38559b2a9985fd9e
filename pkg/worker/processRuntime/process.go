package processRuntime

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
)

// killWaitTimeout bounds the wait for reaping after SIGKILL.
const killWaitTimeout = 2 * time.Second

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Process is a running worker.
type Process struct {
	cmd      *exec.Cmd
	channel  *ipc.Channel
	function string
	logger   *slog.Logger
	cleanup  string

	messages chan ipc.Message
	stderr   *tailBuffer

	exited chan struct{}
	status ExitStatus

	waitOnce sync.Once
}

func newProcess(cmd *exec.Cmd, channel *ipc.Channel, function string, stderrLimit int, logger *slog.Logger) *Process {
	return &Process{
		cmd:      cmd,
		channel:  channel,
		function: function,
		logger:   logger,
		messages: make(chan ipc.Message, 16),
		stderr:   newTailBuffer(stderrLimit),
		exited:   make(chan struct{}),
	}
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Messages delivers messages sent by the worker. It is closed when the worker
// closes its end of the channel. Callers must keep draining it.
func (p *Process) Messages() <-chan ipc.Message {
	return p.messages
}

// Send writes a message to the worker.
func (p *Process) Send(msg ipc.Message) error {
	return p.channel.Send(msg)
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitStatus is valid after Exited is closed.
func (p *Process) ExitStatus() ExitStatus {
	<-p.exited
	return p.status
}

// Stderr returns the tail of everything the worker wrote to stderr.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Signal delivers sig to the worker's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid(), sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Stop sends SIGTERM and waits up to grace for the process to exit before
// sending SIGKILL. It reports whether the kill was needed.
func (p *Process) Stop(ctx context.Context, grace time.Duration) (killed bool, err error) {
	select {
	case <-p.exited:
		return false, nil
	default:
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("Failed to send SIGTERM", "function", p.function, "pid", p.Pid(), "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return false, nil
	case <-ctx.Done():
	case <-timer.C:
	}

	p.logger.Warn("Worker did not exit in time, killing", "function", p.function, "pid", p.Pid(), "grace", grace)
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return true, err
	}
	select {
	case <-p.exited:
	case <-time.After(killWaitTimeout):
	}
	return true, nil
}

// watch starts the goroutines that relay stdio, read the channel and reap the
// process.
func (p *Process) watch(stdout, stderr io.Reader) {
	var readers sync.WaitGroup
	readers.Go(func() { p.relay(stdout, slog.LevelInfo, nil) })
	readers.Go(func() { p.relay(stderr, slog.LevelError, p.stderr) })

	readers.Go(func() {
		defer close(p.messages)
		for {
			msg, err := p.channel.Receive()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					p.logger.Debug("Worker channel closed", "function", p.function, "error", err)
				}
				return
			}
			p.messages <- msg
		}
	})

	// Wait closes the stdio pipes, so it must run after every reader hit EOF.
	// Messages is therefore always closed before Exited.
	go func() {
		readers.Wait()
		p.reap()
	}()
}

func (p *Process) reap() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.status = exitStatusFrom(p.cmd.ProcessState, err)
		p.channel.Close()
		if p.cleanup != "" {
			os.Remove(p.cleanup)
		}
		p.logger.Debug("Worker process exited", "function", p.function, "pid", p.Pid(),
			"code", p.status.Code, "signal", p.status.Signal)
		close(p.exited)
	})
}

func (p *Process) relay(r io.Reader, level slog.Level, capture *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if capture != nil {
			capture.WriteLine(line)
		}
		p.logger.Log(context.Background(), level, line, "function", p.function, "pid", p.Pid())
	}
}

func exitStatusFrom(state *os.ProcessState, err error) ExitStatus {
	status := ExitStatus{Code: -1}
	if state == nil {
		status.Err = err
		return status
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
		return status
	}
	status.Code = state.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
