package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/apierror"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/pool"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

// statusClientClosedRequest is logged when the caller leaves before the worker answers.
const statusClientClosedRequest = 499

var errExecutionTimeout = errors.New("execution attempt timed out")

func (s *Supervisor) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name, err := metadata.NewFunctionName(chi.URLParam(r, "project"), chi.URLParam(r, "location"), chi.URLParam(r, "function"))
	if err != nil {
		apierror.Write(w, apierror.InvalidArgument("%s", err.Error()))
		return
	}
	function := name.String()

	wk, err := s.pool.GetOrCreateWorker(r.Context(), function, nil)
	if err != nil {
		s.logger.Error("Failed to provide worker", "function", function, "error", err, "elapsed", time.Since(start))
		s.metrics.Invocation(function, outcomeError)
		apierror.Write(w, err)
		return
	}
	s.forward(w, r, wk, "/"+chi.URLParam(r, "*"), start)
}

// targetPath splits the route suffix into the decoded and escaped forms of the
// worker path. chi matches on RawPath when the request has one, so the suffix
// is still escaped in that case.
func targetPath(r *http.Request, suffix string) (path, rawPath string) {
	if r.URL.RawPath == "" {
		return suffix, ""
	}
	path, err := url.PathUnescape(suffix)
	if err != nil {
		return suffix, ""
	}
	return path, suffix
}

// forward proxies r to the worker under path. The worker gets its timeout to
// start responding; a worker that times out or fails at the transport level is
// discarded.
func (s *Supervisor) forward(w http.ResponseWriter, r *http.Request, wk *pool.Worker, path string, start time.Time) {
	function := wk.Name
	outPath, outRawPath := targetPath(r, path)
	s.metrics.HandleRequestIn(function)
	defer s.metrics.HandleRequestOut(function)
	s.stats.Enqueue(stats.Event().Function(function).Worker(wk.Pid()).Call().Success())

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	timer := time.AfterFunc(wk.Timeout, func() { cancel(errExecutionTimeout) })
	defer timer.Stop()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(&url.URL{Scheme: "http", Host: wk.Address()})
			pr.Out.URL.Path = outPath
			pr.Out.URL.RawPath = outRawPath
			pr.SetXForwarded()
		},
		Transport: s.transport,
		ErrorLog:  slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
		ModifyResponse: func(resp *http.Response) error {
			if !timer.Stop() {
				return context.Cause(ctx)
			}
			elapsed := time.Since(start)
			wk.Touch()
			s.metrics.Invocation(function, outcomeSuccess)
			s.metrics.FirstByte(function, elapsed)
			s.stats.Enqueue(stats.Event().Function(function).Worker(wk.Pid()).Response().Success().Took(elapsed))
			s.logger.Debug("Worker responded", "function", function, "path", path, "status", resp.StatusCode, "elapsed", elapsed)
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, _ *http.Request, err error) {
			elapsed := time.Since(start)
			switch {
			case errors.Is(context.Cause(ctx), errExecutionTimeout):
				s.pool.Discard(wk)
				s.metrics.Invocation(function, outcomeTimeout)
				s.stats.Enqueue(stats.Event().Function(function).Worker(wk.Pid()).Timeout().Failed().Took(elapsed))
				s.logger.Error("Execution attempt timed out", "function", function, "pid", wk.Pid(), "timeout", wk.Timeout, "elapsed", elapsed)
				apierror.Write(rw, apierror.Timeout("%s", errExecutionTimeout))
			case r.Context().Err() != nil:
				s.metrics.Invocation(function, outcomeCanceled)
				s.logger.Info("Caller went away before the worker responded", "function", function, "elapsed", elapsed)
				rw.WriteHeader(statusClientClosedRequest)
			default:
				s.pool.Discard(wk)
				msg := s.crashMessage(wk)
				s.metrics.Invocation(function, outcomeCrash)
				s.stats.Enqueue(stats.Event().Function(function).Worker(wk.Pid()).Down().Failed().Took(elapsed).WithDetail(msg))
				s.logger.Error("Function crashed", "function", function, "pid", wk.Pid(), "error", err, "elapsed", elapsed, "stderr", wk.Stderr())
				apierror.Write(rw, apierror.Internal(err, "%s", msg))
			}
		},
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// crashMessage waits briefly for the worker to be reaped and appends what it
// wrote to stderr.
func (s *Supervisor) crashMessage(wk *pool.Worker) string {
	timer := time.NewTimer(s.cfg.CrashStderrWait)
	defer timer.Stop()
	select {
	case <-wk.Exited():
	case <-timer.C:
	}
	msg := "function crashed"
	if stderr := strings.TrimSpace(wk.Stderr()); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
