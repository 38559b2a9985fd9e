package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/pool"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/processRuntime"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
	th "github.com/3s-rg-codes/hyperfaas-emulator/test_helpers"
)

func TestMain(m *testing.M) {
	th.RunWorkerIfChild()
	os.Exit(m.Run())
}

type countingRuntime struct {
	processRuntime.ProcessRuntime
	starts atomic.Int32
}

func (c *countingRuntime) Start(ctx context.Context, spec processRuntime.Spec) (*processRuntime.Process, error) {
	c.starts.Add(1)
	return c.ProcessRuntime.Start(ctx, spec)
}

type testSupervisor struct {
	*Supervisor
	url      string
	runtime  *countingRuntime
	registry *metadata.MemoryClient
}

func newTestSupervisor(t *testing.T, descs ...*metadata.FunctionDescriptor) *testSupervisor {
	t.Helper()
	logger := utils.DiscardLogger()
	rt := &countingRuntime{ProcessRuntime: processRuntime.NewLauncher(processRuntime.LauncherConfig{BinDir: t.TempDir()}, logger)}
	sm := stats.NewStatsManager(logger, time.Second, 1, 1024)
	reg := th.Registry(t, descs...)
	p := pool.NewPool(pool.Config{}, rt, reg, nil, sm, logger)
	s := New(Config{CrashStderrWait: 5 * time.Second}, p, reg, sm, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancelShutdown()
		_ = p.Shutdown(shutdownCtx)
		s.transport.CloseIdleConnections()
	})
	return &testSupervisor{Supervisor: s, url: srv.URL, runtime: rt, registry: reg}
}

func (ts *testSupervisor) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, ts.url+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func (ts *testSupervisor) lookup(name string) bool {
	_, ok := ts.pool.Lookup(name)
	return ok
}

func TestConcurrentFirstCallsShareOneWorker(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "echo", th.Echo))

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := range n {
		wg.Go(func() {
			resp, err := http.Post(ts.url+"/demo/local/echo", "application/json", strings.NewReader(`{}`))
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		})
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.EqualValues(t, 1, ts.runtime.starts.Load())
}

func TestInvokeRewritesPath(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "echo", th.Echo))

	resp, body := ts.do(t, http.MethodPost, "/demo/local/echo/a/b?q=1", `{"x":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"x":1}`, body)
	assert.Equal(t, "/a/b?q=1", resp.Header.Get(th.EchoPathHeader))

	resp, _ = ts.do(t, http.MethodGet, "/demo/local/echo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get(th.EchoPathHeader))

	resp, _ = ts.do(t, http.MethodGet, "/demo/local/echo/a%2Fb/c%20d", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/a%2Fb/c%20d", resp.Header.Get(th.EchoPathHeader))
}

func TestInvokeEventFunction(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "doubler", th.Double))

	resp, body := ts.do(t, http.MethodPost, "/demo/local/doubler", `{"value":21}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "42", body)
}

func TestExecutionTimeoutDiscardsWorker(t *testing.T) {
	desc := th.Descriptor(t, "hang", th.Hang)
	desc.Timeout = &metadata.Timeout{Seconds: "1"}
	ts := newTestSupervisor(t, desc)

	start := time.Now()
	resp, body := ts.do(t, http.MethodGet, "/demo/local/hang", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "execution attempt timed out")
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.False(t, ts.lookup(desc.Name))

	// The next call gets a fresh worker.
	resp, body = ts.do(t, http.MethodGet, "/demo/local/hang", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "execution attempt timed out")
	assert.EqualValues(t, 2, ts.runtime.starts.Load())
}

func TestOversizedTimeoutIsClamped(t *testing.T) {
	desc := th.Descriptor(t, "echo", th.Echo)
	desc.Timeout = &metadata.Timeout{Seconds: "1e300"}
	ts := newTestSupervisor(t, desc)

	for range 2 {
		resp, body := ts.do(t, http.MethodPost, "/demo/local/echo", `{"x":1}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.JSONEq(t, `{"x":1}`, body)
	}
	assert.EqualValues(t, 1, ts.runtime.starts.Load())

	wk, ok := ts.pool.Lookup(desc.Name)
	require.True(t, ok)
	assert.Equal(t, metadata.MaxTimeout, wk.Timeout)
}

func TestCrashDuringCallReportsStderr(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "exit", th.Exit))

	resp, body := ts.do(t, http.MethodGet, "/demo/local/exit", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "function crashed")
	assert.Contains(t, body, th.CrashStderr)
	assert.False(t, ts.lookup(th.Name("exit")))

	// The next call gets a fresh worker.
	resp, _ = ts.do(t, http.MethodGet, "/demo/local/exit", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.EqualValues(t, 2, ts.runtime.starts.Load())
}

func TestCrashAtLoadReportsStderr(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "broken", th.Crash))

	resp, body := ts.do(t, http.MethodGet, "/demo/local/broken", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, th.CrashStderr)
	assert.False(t, ts.lookup(th.Name("broken")))
}

func TestInvokeRejectsBadPaths(t *testing.T) {
	ts := newTestSupervisor(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "unknown function", path: "/demo/local/missing", status: http.StatusNotFound},
		{name: "too short", path: "/demo/local", status: http.StatusNotFound},
		{name: "invalid name", path: "/demo/local/9lives", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, resp.StatusCode)

			var envelope struct {
				Error struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal([]byte(body), &envelope))
			assert.Equal(t, tt.status, envelope.Error.Code)
			assert.NotEmpty(t, envelope.Error.Message)
		})
	}
	assert.Zero(t, ts.runtime.starts.Load())
}

func TestAdminRequiresLoopback(t *testing.T) {
	ts := newTestSupervisor(t)

	for _, path := range []string{"/api/workers", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:40000"
		rec := httptest.NewRecorder()
		ts.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "PERMISSION_DENIED")
	}
}

func TestMetricsCountInvocations(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "echo", th.Echo))

	resp, _ := ts.do(t, http.MethodGet, "/demo/local/echo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `hyperfaas_emulator_invocations_total{function="`+th.Name("echo")+`",outcome="success"} 1`)
	assert.Contains(t, body, "hyperfaas_emulator_workers 1")
	assert.Contains(t, body, "hyperfaas_emulator_invocation_first_byte_seconds")
}

func TestHealthFollowsWorkers(t *testing.T) {
	ts := newTestSupervisor(t, th.Descriptor(t, "echo", th.Echo))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ts.grpcServer.Serve(lis) }()
	t.Cleanup(ts.grpcServer.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
		}
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(HealthService))

	resp, _ := ts.do(t, http.MethodGet, "/demo/local/echo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		return status(th.Name("echo")) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ = ts.do(t, http.MethodPost, "/api/delete", `{"name":"`+th.Name("echo")+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		return status(th.Name("echo")) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond)
}
