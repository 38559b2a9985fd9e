// Package test_helpers lets a test binary double as a function worker so that
// pool and supervisor tests run against real child processes.
package test_helpers

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

// Entry points served by the test worker.
const (
	Echo  = "Echo"
	Hang  = "Hang"
	Exit  = "Exit"
	Crash = "Crash"
	// Double returns event.data.value * 2.
	Double = "Double"
	// CrashStderr is written by the Crash and Exit entry points before exiting.
	CrashStderr = "handler failed to load: boom"
	// EchoPathHeader carries the request URI seen by the Echo entry point.
	EchoPathHeader = "X-Echo-Path"
)

const Project, Location = "demo", "local"

// RunWorkerIfChild turns the process into a function worker when it was
// started by a launcher. Call it first thing in TestMain.
func RunWorkerIfChild() {
	if os.Getenv(ipc.EnvChannel) == "" {
		return
	}
	if os.Getenv(ipc.EnvFunctionTarget) == Crash {
		fmt.Fprintln(os.Stderr, CrashStderr)
		os.Exit(3)
	}

	fn := fri.New()
	fn.Register(Echo, fri.HTTP(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set(EchoPathHeader, r.URL.RequestURI())
		_, _ = io.Copy(w, r.Body)
	}))
	fn.Register(Hang, fri.HTTP(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	fn.Register(Exit, fri.HTTP(func(http.ResponseWriter, *http.Request) {
		fmt.Fprintln(os.Stderr, CrashStderr)
		os.Exit(2)
	}))
	fn.Register(Double, fri.Sync(func(_ context.Context, ev *fri.Event) (any, error) {
		var in struct {
			Value int `json:"value"`
		}
		if err := ev.Decode(&in); err != nil {
			return nil, err
		}
		return in.Value * 2, nil
	}))
	fn.Ready()
}

// Name is the fully-qualified name of a test function.
func Name(shortName string) string {
	return metadata.FunctionName{Project: Project, Location: Location, ShortName: shortName}.String()
}

// Descriptor describes a function served by the test binary itself.
func Descriptor(t *testing.T, shortName, entryPoint string) *metadata.FunctionDescriptor {
	t.Helper()
	trigger := metadata.TriggerHTTP
	if entryPoint == Double {
		trigger = metadata.TriggerEvent
	}
	return &metadata.FunctionDescriptor{
		Name:       Name(shortName),
		ShortName:  shortName,
		SourcePath: t.TempDir(),
		EntryPoint: entryPoint,
		Trigger:    trigger,
		Command:    []string{os.Args[0]},
	}
}

// Registry returns an in-memory registry holding descs.
func Registry(t *testing.T, descs ...*metadata.FunctionDescriptor) *metadata.MemoryClient {
	t.Helper()
	reg := metadata.NewMemoryClient()
	for _, d := range descs {
		require.NoError(t, reg.PutFunction(context.Background(), d))
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// FreePort returns a loopback port that was free a moment ago.
func FreePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}
