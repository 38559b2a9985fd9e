package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/apierror"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/pool"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

const (
	DefaultDebugPort = 9229
	// ListenerIDHeader carries the id to reconnect to an event stream with.
	ListenerIDHeader = "X-Listener-Id"

	maxAdminBody      = 1 << 20
	eventBufferSize   = 1024
	hostSampleWindow  = 100 * time.Millisecond
	usageSampleBudget = 2 * time.Second
)

// AdminRequest is the body of the admin operations. Each operation reads the
// fields it needs.
type AdminRequest struct {
	Name string `json:"name"`
	// Function is stored in the registry before a deploy.
	Function *metadata.FunctionDescriptor `json:"function,omitempty"`
	Keep     bool                         `json:"keep,omitempty"`
	Type     ipc.DebugType                `json:"type,omitempty"`
	Port     int                          `json:"port,omitempty"`
	Pause    bool                         `json:"pause,omitempty"`
}

// WorkerStatus is one entry of the worker listing.
type WorkerStatus struct {
	pool.Info
	Usage *pool.Usage `json:"usage,omitempty"`
}

// HostMetrics is the resource usage of the machine.
type HostMetrics struct {
	CPUPercentPerCPU []float64 `json:"cpuPercentPerCpu"`
	UsedRAMPercent   float64   `json:"usedRamPercent"`
}

func decodeAdminRequest(w http.ResponseWriter, r *http.Request, needName bool) (*AdminRequest, error) {
	req := &AdminRequest{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, apierror.InvalidArgument("malformed request body: %v", err)
	}
	if req.Function != nil && req.Name == "" {
		req.Name = req.Function.Name
	}
	if needName {
		if req.Name == "" {
			return nil, apierror.InvalidArgument("name is required")
		}
		if _, err := metadata.ParseName(req.Name); err != nil {
			return nil, apierror.InvalidArgument("%s", err.Error())
		}
	}
	return req, nil
}

// handleDeploy replaces the worker of a function with a fresh one.
func (s *Supervisor) handleDeploy(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(w, r, true)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if req.Function != nil {
		if err := s.storeFunction(r, req); err != nil {
			apierror.Write(w, err)
			return
		}
	}
	if _, err := s.pool.Restart(r.Context(), req.Name, nil, false); err != nil {
		s.logger.Error("Deploy failed", "function", req.Name, "error", err)
		apierror.Write(w, err)
		return
	}
	s.logger.Info("Function deployed", "function", req.Name)
	w.WriteHeader(http.StatusOK)
}

func (s *Supervisor) storeFunction(r *http.Request, req *AdminRequest) error {
	if s.store == nil {
		return apierror.InvalidArgument("this supervisor does not accept function descriptors")
	}
	desc := req.Function
	if desc.Name != req.Name {
		return apierror.InvalidArgument("function name %q does not match %q", desc.Name, req.Name)
	}
	if err := desc.Validate(); err != nil {
		return apierror.InvalidArgument("%s", err.Error())
	}
	desc.Status = metadata.StatusReady
	if err := s.store.PutFunction(r.Context(), desc); err != nil {
		return apierror.Internal(err, "failed to store function %s: %v", desc.Name, err)
	}
	return nil
}

func (s *Supervisor) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(w, r, true)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	res, err := s.pool.CloseWorker(r.Context(), req.Name)
	if err != nil {
		apierror.Write(w, apierror.Internal(err, "failed to close worker for %s: %v", req.Name, err))
		return
	}
	s.logger.Info("Function deleted", "function", req.Name, "status", res.Status)
	w.WriteHeader(http.StatusOK)
}

// handleReset restarts the worker, keeping its debug options when asked to.
func (s *Supervisor) handleReset(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(w, r, true)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	wk, err := s.pool.Restart(r.Context(), req.Name, nil, req.Keep)
	if err != nil {
		s.logger.Error("Reset failed", "function", req.Name, "error", err)
		apierror.Write(w, err)
		return
	}
	s.logger.Info("Function reset", "function", req.Name, "keep", req.Keep, "debug", wk.Debug != nil)
	w.WriteHeader(http.StatusOK)
}

func (s *Supervisor) handleDebug(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(w, r, true)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	opts := &ipc.DebugOptions{Type: req.Type, Port: req.Port, Pause: req.Pause}
	switch opts.Type {
	case ipc.DebugTypeDebug, ipc.DebugTypeInspect:
	case "":
		opts.Type = ipc.DebugTypeInspect
	default:
		apierror.Write(w, apierror.InvalidArgument("debug type must be %q or %q, got %q", ipc.DebugTypeDebug, ipc.DebugTypeInspect, req.Type))
		return
	}
	if opts.Port == 0 {
		opts.Port = DefaultDebugPort
	}
	if opts.Port < 0 || opts.Port > 65535 {
		apierror.Write(w, apierror.InvalidArgument("invalid debug port %d", opts.Port))
		return
	}

	if _, err := s.pool.Restart(r.Context(), req.Name, opts, false); err != nil {
		s.logger.Error("Debug failed", "function", req.Name, "error", err)
		apierror.Write(w, err)
		return
	}
	s.logger.Info("Function started for debugging", "function", req.Name, "type", opts.Type, "port", opts.Port, "pause", opts.Pause)
	w.WriteHeader(http.StatusOK)
}

func (s *Supervisor) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Clear(r.Context()); err != nil {
		apierror.Write(w, apierror.Internal(err, "failed to clear workers: %v", err))
		return
	}
	s.logger.Info("Cleared all workers")
	w.WriteHeader(http.StatusOK)
}

func (s *Supervisor) handleWorkers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), usageSampleBudget)
	defer cancel()

	workers := s.pool.Workers()
	list := make([]WorkerStatus, 0, len(workers))
	for _, wk := range workers {
		st := WorkerStatus{Info: wk.Info()}
		if u, err := wk.Usage(ctx); err == nil {
			st.Usage = &u
		}
		list = append(list, st)
	}
	slices.SortFunc(list, func(a, b WorkerStatus) int { return strings.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, list)
}

func (s *Supervisor) handleHost(w http.ResponseWriter, r *http.Request) {
	perCPU, err := cpu.PercentWithContext(r.Context(), hostSampleWindow, true)
	if err != nil {
		apierror.Write(w, apierror.Internal(err, "failed to read cpu usage: %v", err))
		return
	}
	vm, err := mem.VirtualMemoryWithContext(r.Context())
	if err != nil {
		apierror.Write(w, apierror.Internal(err, "failed to read memory usage: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, HostMetrics{CPUPercentPerCPU: perCPU, UsedRAMPercent: vm.UsedPercent})
}

// handleEvents streams worker lifecycle events as newline-delimited JSON. A
// client that reconnects with its listener id within the listener timeout
// receives the events queued while it was away.
func (s *Supervisor) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	var updates chan stats.StatusUpdate
	if id != "" {
		updates = s.stats.GetListenerByID(id)
	}
	if updates == nil {
		if id == "" {
			id = uuid.NewString()
		}
		updates = make(chan stats.StatusUpdate, eventBufferSize)
		s.stats.AddListener(id, updates)
	} else {
		s.logger.Debug("Event listener reconnected", "id", id)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(ListenerIDHeader, id)
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			go s.stats.RemoveListenerAfterTimeout(id)
			return
		case su := <-updates:
			if err := enc.Encode(su); err != nil {
				go s.stats.RemoveListenerAfterTimeout(id)
				return
			}
			if err := rc.Flush(); err != nil {
				go s.stats.RemoveListenerAfterTimeout(id)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
