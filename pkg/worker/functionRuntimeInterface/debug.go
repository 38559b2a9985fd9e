package functionRuntimeInterface

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
)

// startDebug binds the debug listener. Failing to bind exits the worker with
// ipc.ExitCodeDebugPortInUse so the supervisor can report a conflict.
func (f *Function) startDebug(ctx context.Context, opts *ipc.DebugOptions) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		return &ExitError{Code: ipc.ExitCodeDebugPortInUse, Err: fmt.Errorf("%s port %d unavailable: %w", opts.Type, opts.Port, err)}
	}

	if opts.Pause {
		f.mu.Lock()
		f.gate = make(chan struct{})
		f.mu.Unlock()
	}

	r := chi.NewRouter()
	r.Mount("/debug/profile", middleware.Profiler())
	r.Get("/debug/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"type": opts.Type, "paused": f.paused()})
	})
	r.Post("/debug/resume", func(w http.ResponseWriter, _ *http.Request) {
		f.resume()
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Handler: r}
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			f.logger.Warn("Debug listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	f.logger.Info("Debug listener started", "type", opts.Type, "port", opts.Port, "paused", opts.Pause)
	return nil
}

func (f *Function) paused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gate != nil
}

func (f *Function) resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
		f.logger.Info("Debugger resumed execution")
	}
}
