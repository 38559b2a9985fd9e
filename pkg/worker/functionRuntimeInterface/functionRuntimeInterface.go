// Package functionRuntimeInterface is the runtime linked into every function
// binary. It performs the handshake with the supervisor, serves the registered
// handler on an ephemeral port and reports back over the ipc channel.
//
//	func main() {
//		fn := functionRuntimeInterface.New()
//		fn.Register("Echo", functionRuntimeInterface.HTTP(echo))
//		fn.Ready()
//	}
package functionRuntimeInterface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
)

const (
	defaultMaxBodyBytes    = 10 << 20
	defaultMaxRawBodyBytes = 32 << 20
	defaultShutdownGrace   = 3 * time.Second
)

type Function struct {
	logger          *slog.Logger
	handlers        map[string]Handler
	resolver        *resolver
	maxBodyBytes    int64
	maxRawBodyBytes int64
	shutdownGrace   time.Duration
	settings        runtimeSettings

	mu      sync.RWMutex
	desc    *metadata.FunctionDescriptor
	handler Handler
	// gate is non-nil while dispatch is paused for a debugger.
	gate chan struct{}
}

type Option func(*Function)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Function) { f.logger = logger }
}

// WithBodyLimits sets the maximum request body for decoded (JSON, text, form)
// and raw payloads.
func WithBodyLimits(parsed, raw int64) Option {
	return func(f *Function) {
		f.maxBodyBytes = parsed
		f.maxRawBodyBytes = raw
	}
}

func New(opts ...Option) *Function {
	settings := loadRuntimeSettings()
	f := &Function{
		logger:          utils.NewLogger(os.Stdout, settings.logLevel, "text"),
		handlers:        make(map[string]Handler),
		resolver:        newResolver(),
		maxBodyBytes:    defaultMaxBodyBytes,
		maxRawBodyBytes: defaultMaxRawBodyBytes,
		shutdownGrace:   defaultShutdownGrace,
		settings:        settings,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register makes h available under name. The supervisor selects it by the
// descriptor's entry point, falling back to the short function name.
func (f *Function) Register(name string, h Handler) *Function {
	f.handlers[name] = h
	return f
}

// Provide registers the real implementation of a module for Require.
func (f *Function) Provide(module string, factory Factory) *Function {
	f.resolver.provide(module, factory)
	return f
}

// SetMockHandler installs the substitution hook consulted by Require when the
// supervisor enables mocks.
func (f *Function) SetMockHandler(h MockHandler) *Function {
	f.resolver.setMockHandler(h)
	return f
}

// Ready runs the function until the supervisor stops it and exits the process.
func (f *Function) Ready() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := f.Run(ctx)
	stop()

	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}

// Run serves the function until ctx is done or the parent goes away. Without an
// inherited ipc channel it serves on $PORT using the environment contract.
func (f *Function) Run(ctx context.Context) error {
	ch, err := ipc.ChildChannel()
	if errors.Is(err, ipc.ErrNoParent) {
		return f.runStandalone(ctx)
	}
	if err != nil {
		return err
	}
	defer ch.Close()
	return f.runWithParent(ctx, ch)
}

func (f *Function) runWithParent(ctx context.Context, ch *ipc.Channel) error {
	if err := ch.Send(ipc.Message{Ready: true}); err != nil {
		return err
	}

	msg, err := ch.Receive()
	if err != nil {
		return fmt.Errorf("waiting for configuration: %w", err)
	}
	cfg := msg.Config
	if cfg == nil {
		return fmt.Errorf("expected configuration message, got %+v", msg)
	}
	if err := f.configure(cfg); err != nil {
		return err
	}

	if cfg.Mode == ipc.ModeOnce {
		return f.runOnce(ctx, ch, cfg.Payload)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Debug != nil {
		if err := f.startDebug(ctx, cfg.Debug); err != nil {
			return err
		}
	}
	if cfg.Watch {
		if err := watchSource(ctx, cfg.Function.SourcePath, f.logger, func() {
			if err := ch.Send(ipc.Message{Close: true}); err != nil {
				f.logger.Warn("Failed to request close", "error", err)
			}
		}); err != nil {
			f.logger.Warn("File watching disabled", "error", err)
		}
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := f.newServer()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	port := lis.Addr().(*net.TCPAddr).Port
	if err := ch.Send(ipc.Message{Port: port}); err != nil {
		srv.Close()
		return err
	}
	f.logger.Info("Function listening", "function", cfg.Function.Name, "port", port)

	parentGone := make(chan error, 1)
	go func() {
		for {
			msg, err := ch.Receive()
			if err != nil {
				parentGone <- err
				return
			}
			if msg.Config != nil {
				if err := f.configure(msg.Config); err != nil {
					f.logger.Error("Reconfiguration failed", "error", err)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-parentGone:
		f.logger.Info("Supervisor channel closed, shutting down", "reason", err)
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	return f.shutdown(srv)
}

func (f *Function) runStandalone(ctx context.Context) error {
	desc := f.settings.descriptor()
	if err := f.configure(&ipc.Config{Function: desc, Mode: ipc.ModeServe}); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", ":"+f.settings.port)
	if err != nil {
		return err
	}
	srv := f.newServer()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()
	f.logger.Info("Function listening", "function", desc.Name, "address", lis.Addr().String())

	select {
	case <-ctx.Done():
		return f.shutdown(srv)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// configure selects the handler for the descriptor and resets the module cache.
func (f *Function) configure(cfg *ipc.Config) error {
	desc := cfg.Function
	if desc == nil {
		return &ExitError{Code: 1, Err: metadata.ErrDescriptorIsNil}
	}
	h, ok := f.handlers[desc.Target()]
	if !ok && desc.ShortName != "" {
		h, ok = f.handlers[desc.ShortName]
	}
	if !ok {
		return &ExitError{Code: 1, Err: &MissingHandlerError{Function: desc.Name, Target: desc.Target()}}
	}
	if !h.valid() {
		return &ExitError{Code: 1, Err: &InvalidHandlerError{Kind: h.kind}}
	}
	if h.kind.Trigger() != desc.Trigger {
		return &ExitError{Code: 1, Err: &TriggerMismatchError{Function: desc.Name, Trigger: desc.Trigger, Kind: h.kind}}
	}

	f.mu.Lock()
	f.desc = desc.Clone()
	f.handler = h
	f.mu.Unlock()

	f.resolver.reset(desc.Name, cfg.Mock)
	f.logger.Debug("Function configured", "function", desc.Name, "kind", h.kind, "mock", cfg.Mock)
	return nil
}

func (f *Function) current() (Handler, *metadata.FunctionDescriptor) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handler, f.desc
}

func (f *Function) newServer() *http.Server {
	return &http.Server{
		Handler:           f.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (f *Function) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
	return nil
}
