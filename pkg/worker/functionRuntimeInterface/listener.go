package functionRuntimeInterface

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router returns the handler served on the function's listener.
func (f *Function) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NoCache)
	r.Use(f.limitBody)
	r.Use(f.waitResumed)

	dispatch := http.HandlerFunc(f.dispatch)
	r.Handle("/", dispatch)
	r.Handle("/*", dispatch)
	return r
}

func (f *Function) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := f.maxRawBodyBytes
		if isParsedBody(r.Header.Get("Content-Type")) {
			limit = f.maxBodyBytes
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// waitResumed holds requests while the function is paused for a debugger.
func (f *Function) waitResumed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.RLock()
		gate := f.gate
		f.mu.RUnlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Function) dispatch(w http.ResponseWriter, r *http.Request) {
	h, desc := f.current()
	if desc == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "function is not configured"})
		return
	}
	r = r.WithContext(withResolver(r.Context(), f.resolver))
	start := time.Now()

	if h.kind == KindHTTP {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			if rec := recover(); rec != nil {
				serialized := SerializeError(&PanicError{Value: rec, Stack: string(debug.Stack())})
				f.logger.Error("Function panicked", "function", desc.Name, "error", serialized.Message, "stack", serialized.Stack)
				if ww.Status() == 0 {
					writeJSON(ww, http.StatusInternalServerError, map[string]any{"error": serialized})
				}
			}
			f.logger.Info("Function execution finished", "function", desc.Name, "status", ww.Status(),
				"bytes", ww.BytesWritten(), "elapsed", time.Since(start))
		}()
		h.http.ServeHTTP(ww, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ev, err := eventFromRequest(r, body, desc.Name)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	value, err := h.invokeEvent(r.Context(), ev)
	if err != nil {
		serialized := SerializeError(err)
		f.logger.Error("Function execution failed", "function", desc.Name, "eventId", ev.EventID,
			"error", serialized.Message, "stack", serialized.Stack, "elapsed", time.Since(start))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": serialized})
		return
	}
	f.logger.Info("Function execution finished", "function", desc.Name, "eventId", ev.EventID, "elapsed", time.Since(start))
	if value == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(map[string]any{"error": SerializeError(err)})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
