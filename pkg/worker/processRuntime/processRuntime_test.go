package processRuntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
	fri "github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/functionRuntimeInterface"
)

const helperEnv = "PROCESS_RUNTIME_TEST_HELPER"

// TestMain lets the test binary act as a function worker.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "crash":
		fmt.Fprintln(os.Stderr, "cannot load module: boom")
		os.Exit(3)
	case "stubborn":
		runStubborn()
	default:
		fn := fri.New()
		fn.Register("Echo", fri.HTTP(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(w, r.Body)
		}))
		fn.Register("Double", fri.Sync(func(_ context.Context, ev *fri.Event) (any, error) {
			var in struct{ Value int }
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}
			return in.Value * 2, nil
		}))
		fn.Ready()
	}
}

// runStubborn completes the handshake and then ignores SIGTERM.
func runStubborn() {
	signal.Ignore(syscall.SIGTERM)
	ch, err := ipc.ChildChannel()
	if err != nil {
		os.Exit(2)
	}
	_ = ch.Send(ipc.Message{Ready: true})
	_, _ = ch.Receive()
	_ = ch.Send(ipc.Message{Port: 1})
	for {
		time.Sleep(time.Hour)
	}
}

func helperSpec(t *testing.T, mode, entryPoint string, trigger metadata.TriggerKind) Spec {
	t.Helper()
	return Spec{
		Function: &metadata.FunctionDescriptor{
			Name:       "projects/demo/locations/local/functions/helper",
			ShortName:  "helper",
			SourcePath: t.TempDir(),
			EntryPoint: entryPoint,
			Trigger:    trigger,
		},
		Command: []string{os.Args[0]},
		Env:     []string{helperEnv + "=" + mode},
	}
}

func newTestLauncher(t *testing.T) *Launcher {
	return NewLauncher(LauncherConfig{BinDir: t.TempDir()}, utils.DiscardLogger())
}

func TestStartServeAndStop(t *testing.T) {
	l := newTestLauncher(t)
	spec := helperSpec(t, "serve", "Echo", metadata.TriggerHTTP)
	ctx := context.Background()

	p, err := l.Start(ctx, spec)
	require.NoError(t, err)

	msg, err := p.Handshake(ctx, &ipc.Config{Function: spec.Function, Mode: ipc.ModeServe})
	require.NoError(t, err)
	require.NotZero(t, msg.Port)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", msg.Port), "application/json", strings.NewReader(`{"x":1}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `{"x":1}`, string(body))

	killed, err := p.Stop(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, killed)
	assert.Equal(t, 0, p.ExitStatus().Code)
}

func TestEarlyExitCarriesStderr(t *testing.T) {
	l := newTestLauncher(t)
	spec := helperSpec(t, "crash", "Echo", metadata.TriggerHTTP)

	p, err := l.Start(context.Background(), spec)
	require.NoError(t, err)

	_, err = p.Handshake(context.Background(), &ipc.Config{Function: spec.Function, Mode: ipc.ModeServe})
	var early *EarlyExitError
	require.ErrorAs(t, err, &early)
	assert.Equal(t, 3, early.Status.Code)
	assert.Contains(t, early.Error(), "cannot load module: boom")
	assert.Contains(t, p.Stderr(), "boom")
}

func TestMissingHandlerExitsWithStderr(t *testing.T) {
	l := newTestLauncher(t)
	spec := helperSpec(t, "serve", "DoesNotExist", metadata.TriggerHTTP)

	p, err := l.Start(context.Background(), spec)
	require.NoError(t, err)

	_, err = p.Handshake(context.Background(), &ipc.Config{Function: spec.Function, Mode: ipc.ModeServe})
	var early *EarlyExitError
	require.ErrorAs(t, err, &early)
	assert.Equal(t, 1, early.Status.Code)
	assert.Contains(t, early.Stderr, "DoesNotExist")
}

func TestStopKillsStubbornWorker(t *testing.T) {
	l := newTestLauncher(t)
	spec := helperSpec(t, "stubborn", "Echo", metadata.TriggerHTTP)
	ctx := context.Background()

	p, err := l.Start(ctx, spec)
	require.NoError(t, err)
	msg, err := p.Handshake(ctx, &ipc.Config{Function: spec.Function, Mode: ipc.ModeServe})
	require.NoError(t, err)
	require.Equal(t, 1, msg.Port)

	start := time.Now()
	killed, err := p.Stop(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, killed)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, syscall.SIGKILL.String(), p.ExitStatus().Signal)
}

func TestRunOnce(t *testing.T) {
	l := newTestLauncher(t)
	spec := helperSpec(t, "serve", "Double", metadata.TriggerEvent)

	result, err := RunOnce(context.Background(), l, spec, json.RawMessage(`{"value":21}`), 30*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(result))

	_, err = RunOnce(context.Background(), l, spec, json.RawMessage(`"nope"`), 30*time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.NotEmpty(t, remote.Message)
}

func TestBuildFailureIsReported(t *testing.T) {
	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false(1) not available")
	}
	l := NewLauncher(LauncherConfig{GoBinary: falseBin, BinDir: t.TempDir()}, utils.DiscardLogger())
	spec := helperSpec(t, "serve", "Echo", metadata.TriggerHTTP)
	spec.Command = nil

	_, err = l.Start(context.Background(), spec)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, spec.Function.Name, buildErr.Function)
}

func TestFunctionEnv(t *testing.T) {
	desc := &metadata.FunctionDescriptor{
		Name:       "projects/demo/locations/us-central1/functions/resize",
		EntryPoint: "Resize",
		Trigger:    metadata.TriggerEvent,
	}
	env := FunctionEnv(desc, 1.5)
	assert.Contains(t, env, "FUNCTION_NAME=resize")
	assert.Contains(t, env, "FUNCTION_TARGET=Resize")
	assert.Contains(t, env, "FUNCTION_SIGNATURE_TYPE=event")
	assert.Contains(t, env, "FUNCTION_REGION=us-central1")
	assert.Contains(t, env, "GCLOUD_PROJECT=demo")
	assert.Contains(t, env, "GCP_PROJECT=demo")
	assert.Contains(t, env, "FUNCTION_TIMEOUT_SEC=1.5")
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(8)
	b.WriteLine("abcdef")
	b.WriteLine("xyz")
	assert.Equal(t, "def\nxyz\n", b.String())
}
