//go:build e2e

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/client"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
)

// startSupervisor runs the daemon against the sample functions, which are
// built with the Go toolchain on first use.
func startSupervisor(t *testing.T) *client.Client {
	t.Helper()
	functions, err := filepath.Abs("../../functions/go")
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := lis.Addr().String()
	require.NoError(t, lis.Close())

	path := filepath.Join(t.TempDir(), "emulator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
supervisor:
  address: %s
stateDir: %s
log:
  level: warn
functions:
  - {name: echo, source: %s/echo, entryPoint: Echo}
  - {name: bfs, source: %s/bfs, entryPoint: BFS, trigger: event}
  - {name: sleep, source: %s/sleep, entryPoint: Sleep, trigger: event, timeout: "1"}
  - {name: crash, source: %s/crash, entryPoint: Crash}
`, address, t.TempDir(), functions, functions, functions, functions)), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newCommand().Run(ctx, []string{"supervisor", "--config", path}) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Error("supervisor did not shut down")
		}
	})

	c := client.New(address, utils.DiscardLogger())
	_, err = utils.CallWithRetry(context.Background(), func() ([]byte, error) {
		resp, err := http.Get("http://" + address + "/api/workers")
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		return nil, nil
	}, 50, 100*time.Millisecond)
	require.NoError(t, err)
	return c
}

func name(short string) metadata.FunctionName {
	return metadata.FunctionName{Project: "emulator", Location: "local", ShortName: short}
}

func TestSampleFunctions(t *testing.T) {
	c := startSupervisor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	t.Run("echo", func(t *testing.T) {
		res, err := c.Call(ctx, name("echo"), http.MethodPost, "/any/path", "application/json", []byte(`{"x":1}`))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.JSONEq(t, `{"x":1}`, string(res.Body))
	})

	t.Run("bfs", func(t *testing.T) {
		res, err := c.Call(ctx, name("bfs"), http.MethodPost, "", "application/json", []byte(`{"size":100,"seed":1}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode)
		var out struct {
			Result []int64 `json:"result"`
		}
		require.NoError(t, json.Unmarshal(res.Body, &out))
		assert.Len(t, out.Result, 100)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := c.Call(ctx, name("sleep"), http.MethodPost, "", "application/json", []byte(`{"seconds":10}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "execution attempt timed out")
	})

	t.Run("crash", func(t *testing.T) {
		_, err := c.Call(ctx, name("crash"), http.MethodGet, "", "", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "function crashed")
	})

	workers, err := c.Workers(ctx)
	require.NoError(t, err)
	var names []string
	for _, w := range workers {
		names = append(names, w.Name)
	}
	assert.ElementsMatch(t, []string{name("echo").String(), name("bfs").String()}, names)
}
