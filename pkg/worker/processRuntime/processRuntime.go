package processRuntime

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

// ProcessRuntime is an interface for starting function worker processes.
type ProcessRuntime interface {
	// Start launches a worker for the given spec. The returned process has not
	// completed the handshake yet.
	Start(ctx context.Context, spec Spec) (*Process, error)
}

// Spec describes one worker launch.
type Spec struct {
	Function *metadata.FunctionDescriptor
	// Command overrides the launcher default. Empty builds SourcePath with the
	// Go toolchain and runs the result.
	Command []string
	// Env is appended to the inherited environment.
	Env []string
}

// Launcher runs workers as child processes in their own process group with the
// ipc channel on fd 3 and 4.
type Launcher struct {
	logger         *slog.Logger
	goBinary       string
	binDir         string
	defaultCommand []string
	stderrLimit    int
}

var _ ProcessRuntime = &Launcher{}

type LauncherConfig struct {
	// GoBinary is used to build function sources. Defaults to "go".
	GoBinary string
	// BinDir receives built function binaries.
	BinDir string
	// DefaultCommand replaces the build step for functions without a command.
	DefaultCommand []string
	// StderrLimit bounds the stderr kept for crash reports.
	StderrLimit int
}

func (c *LauncherConfig) applyDefaults() {
	if c.GoBinary == "" {
		c.GoBinary = "go"
	}
	if c.BinDir == "" {
		c.BinDir = os.TempDir()
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = 64 << 10
	}
}

func NewLauncher(cfg LauncherConfig, logger *slog.Logger) *Launcher {
	cfg.applyDefaults()
	return &Launcher{
		logger:         logger.With("component", "process-runtime"),
		goBinary:       cfg.GoBinary,
		binDir:         cfg.BinDir,
		defaultCommand: cfg.DefaultCommand,
		stderrLimit:    cfg.StderrLimit,
	}
}

func (l *Launcher) Start(ctx context.Context, spec Spec) (*Process, error) {
	desc := spec.Function
	if desc == nil {
		return nil, metadata.ErrDescriptorIsNil
	}

	argv := spec.Command
	if len(argv) == 0 {
		argv = l.defaultCommand
	}
	var builtBinary string
	if len(argv) == 0 {
		bin, err := l.build(ctx, desc)
		if err != nil {
			return nil, err
		}
		builtBinary = bin
		argv = []string{bin}
	}

	pipes, err := ipc.NewPipes()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = desc.SourcePath
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, ipc.EnvChannel+"=1")
	cmd.ExtraFiles = pipes.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		pipes.CloseChildEnds()
		pipes.Parent.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		pipes.CloseChildEnds()
		pipes.Parent.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		pipes.CloseChildEnds()
		pipes.Parent.Close()
		if builtBinary != "" {
			os.Remove(builtBinary)
		}
		return nil, &StartError{Function: desc.Name, Command: argv, Err: err}
	}
	pipes.CloseChildEnds()

	p := newProcess(cmd, pipes.Parent, desc.Name, l.stderrLimit, l.logger)
	p.cleanup = builtBinary
	p.watch(stdout, stderr)

	l.logger.Debug("Started worker process", "function", desc.Name, "pid", p.Pid(), "command", argv)
	return p, nil
}

// FunctionEnv is the environment contract announced to a worker.
func FunctionEnv(desc *metadata.FunctionDescriptor, timeoutSeconds float64) []string {
	name, _ := metadata.ParseName(desc.Name)
	signature := ipc.SignatureHTTP
	if desc.Trigger == metadata.TriggerEvent {
		signature = ipc.SignatureEvent
	}
	return []string{
		ipc.EnvFunctionName + "=" + name.ShortName,
		ipc.EnvFunctionTarget + "=" + desc.Target(),
		ipc.EnvFunctionSignatureType + "=" + signature,
		ipc.EnvFunctionRegion + "=" + name.Location,
		ipc.EnvProject + "=" + name.Project,
		ipc.EnvProjectLegacy + "=" + name.Project,
		ipc.EnvFunctionTimeoutSec + "=" + strconv.FormatFloat(timeoutSeconds, 'f', -1, 64),
	}
}
