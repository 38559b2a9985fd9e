package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8010", c.Supervisor.Address)
	assert.Equal(t, 10*time.Second, c.Supervisor.ShutdownTimeout)
	assert.Equal(t, 1.0, c.Events.SampleRate)
	assert.Equal(t, "info", c.Log.Level)
	assert.Empty(t, c.Registry.Endpoints)
	assert.Equal(t, filepath.Join(c.StateDir, "workers.json"), c.PIDFile())
	assert.Equal(t, filepath.Join(c.StateDir, "bin"), c.LauncherOptions().BinDir)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emulator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  address: 127.0.0.1:9000
  grpcAddress: 127.0.0.1:9001
pool:
  maxIdle: 30s
  closeGrace: 2s
  watch: true
registry:
  project: shop
log:
  level: debug
  format: json
stateDir: /var/tmp/emu
functions:
  - name: resize
    source: functions/resize
    entryPoint: Resize
    trigger: event
    timeout: "5"
  - name: projects/other/locations/eu/functions/hello
    source: /srv/hello
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.SupervisorOptions().Address)
	assert.Equal(t, "127.0.0.1:9001", c.SupervisorOptions().GRPCAddress)
	assert.Equal(t, 30*time.Second, c.PoolOptions().MaxIdle)
	assert.Equal(t, 2*time.Second, c.PoolOptions().CloseGrace)
	assert.True(t, c.PoolOptions().Watch)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "/var/tmp/emu/workers.json", c.PIDFile())

	descs, err := c.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)

	assert.Equal(t, "projects/shop/locations/local/functions/resize", descs[0].Name)
	assert.Equal(t, filepath.Join(dir, "functions/resize"), descs[0].SourcePath)
	assert.Equal(t, metadata.TriggerEvent, descs[0].Trigger)
	assert.Equal(t, 5*time.Second, metadata.ResolveTimeout(descs[0], nil))
	assert.Equal(t, metadata.StatusReady, descs[0].Status)

	assert.Equal(t, "projects/other/locations/eu/functions/hello", descs[1].Name)
	assert.Equal(t, metadata.TriggerHTTP, descs[1].Trigger)
	assert.Equal(t, "/srv/hello", descs[1].SourcePath)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "supervisor:\n  adress: x\n"},
		{name: "bad duration", yaml: "pool:\n  maxIdle: soon\n"},
		{name: "sample rate", yaml: "events:\n  sampleRate: 2\n"},
		{name: "log format", yaml: "log:\n  format: xml\n"},
		{name: "bad function name", yaml: "functions:\n  - name: 9lives\n    source: .\n"},
		{name: "missing source", yaml: "functions:\n  - name: hello\n"},
		{name: "bad trigger", yaml: "functions:\n  - name: hello\n    source: .\n    trigger: cron\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))

	_, err := Load(path)
	var fileErr *FileError
	require.ErrorAs(t, err, &fileErr)
	assert.Equal(t, path, fileErr.Path)
	var invalid *InvalidError
	assert.ErrorAs(t, err, &invalid)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFunctionName(t *testing.T) {
	c := Default()
	assert.Equal(t, "projects/emulator/locations/local/functions/echo", c.FunctionName("echo"))
	assert.Equal(t, "projects/a/locations/b/functions/c", c.FunctionName("projects/a/locations/b/functions/c"))
}

func TestExampleConfig(t *testing.T) {
	c, err := Load("../../emulator.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, "dev", c.Log.Format)

	descs, err := c.Descriptors()
	require.NoError(t, err)
	require.NotEmpty(t, descs)
	for _, d := range descs {
		info, err := os.Stat(d.SourcePath)
		require.NoError(t, err, d.Name)
		assert.True(t, info.IsDir(), d.Name)
	}
}
