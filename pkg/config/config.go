// Package config loads the supervisor configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/supervisor"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/pool"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/processRuntime"
)

const (
	DefaultProject  = "emulator"
	DefaultLocation = "local"
	pidFileName     = "workers.json"
	binDirName      = "bin"
)

type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Pool       PoolConfig       `yaml:"pool"`
	Launcher   LauncherConfig   `yaml:"launcher"`
	Registry   RegistryConfig   `yaml:"registry"`
	Events     EventsConfig     `yaml:"events"`
	Log        LogConfig        `yaml:"log"`
	// StateDir holds the pid registry and built function binaries.
	StateDir string `yaml:"stateDir"`
	// Functions are registered in the in-memory registry when no etcd
	// endpoints are configured.
	Functions []FunctionConfig `yaml:"functions"`

	// dir resolves relative paths. It is the directory of the loaded file.
	dir string
}

type SupervisorConfig struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CrashStderrWait time.Duration `yaml:"crashStderrWait"`
}

type PoolConfig struct {
	PruneInterval time.Duration `yaml:"pruneInterval"`
	MaxIdle       time.Duration `yaml:"maxIdle"`
	CloseGrace    time.Duration `yaml:"closeGrace"`
	StartTimeout  time.Duration `yaml:"startTimeout"`
	Mock          bool          `yaml:"mock"`
	Watch         bool          `yaml:"watch"`
}

type LauncherConfig struct {
	GoBinary       string   `yaml:"goBinary"`
	DefaultCommand []string `yaml:"defaultCommand"`
	StderrLimit    int      `yaml:"stderrLimit"`
}

type RegistryConfig struct {
	// Endpoints of the etcd cluster. Empty selects the in-memory registry.
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	// Project and Location complete short function names.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

type EventsConfig struct {
	// ListenerTimeout is how long a disconnected event stream stays reclaimable.
	ListenerTimeout time.Duration `yaml:"listenerTimeout"`
	SampleRate      float64       `yaml:"sampleRate"`
	BufferSize      int64         `yaml:"bufferSize"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// FunctionConfig declares a function in the config file.
type FunctionConfig struct {
	// Name is either fully qualified or a short name completed with the
	// registry project and location.
	Name       string   `yaml:"name"`
	Source     string   `yaml:"source"`
	EntryPoint string   `yaml:"entryPoint"`
	Trigger    string   `yaml:"trigger"`
	Timeout    string   `yaml:"timeout"`
	Command    []string `yaml:"command"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path and fills in defaults. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	c.dir = abs
	return c, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(raw []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Supervisor.Address == "" {
		c.Supervisor.Address = "127.0.0.1:8010"
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		c.Supervisor.ShutdownTimeout = 10 * time.Second
	}
	if c.Registry.Project == "" {
		c.Registry.Project = DefaultProject
	}
	if c.Registry.Location == "" {
		c.Registry.Location = DefaultLocation
	}
	if c.Events.ListenerTimeout <= 0 {
		c.Events.ListenerTimeout = 10 * time.Second
	}
	if c.Events.SampleRate <= 0 {
		c.Events.SampleRate = 1
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 10000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(os.TempDir(), "hyperfaas-emulator")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Events.SampleRate > 1 {
		return &InvalidError{Field: "events.sampleRate", Reason: "must be at most 1"}
	}
	switch c.Log.Format {
	case "text", "json", "dev":
	default:
		return &InvalidError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	for i, f := range c.Functions {
		if _, err := c.descriptor(f); err != nil {
			return &InvalidError{Field: fmt.Sprintf("functions[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

// SupervisorOptions returns the settings of the HTTP surface.
func (c *Config) SupervisorOptions() supervisor.Config {
	return supervisor.Config{
		Address:         c.Supervisor.Address,
		GRPCAddress:     c.Supervisor.GRPCAddress,
		ShutdownTimeout: c.Supervisor.ShutdownTimeout,
		CrashStderrWait: c.Supervisor.CrashStderrWait,
	}
}

func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		PruneInterval: c.Pool.PruneInterval,
		MaxIdle:       c.Pool.MaxIdle,
		CloseGrace:    c.Pool.CloseGrace,
		StartTimeout:  c.Pool.StartTimeout,
		Mock:          c.Pool.Mock,
		Watch:         c.Pool.Watch,
	}
}

func (c *Config) LauncherOptions() processRuntime.LauncherConfig {
	return processRuntime.LauncherConfig{
		GoBinary:       c.Launcher.GoBinary,
		BinDir:         filepath.Join(c.StateDir, binDirName),
		DefaultCommand: c.Launcher.DefaultCommand,
		StderrLimit:    c.Launcher.StderrLimit,
	}
}

func (c *Config) RegistryOptions() metadata.Options {
	return metadata.Options{Prefix: c.Registry.Prefix, DialTimeout: c.Registry.DialTimeout}
}

// PIDFile is where the pid registry is persisted.
func (c *Config) PIDFile() string {
	return filepath.Join(c.StateDir, pidFileName)
}

// FunctionName completes a short name with the configured project and
// location. Fully-qualified names are returned as they are.
func (c *Config) FunctionName(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return metadata.FunctionName{Project: c.Registry.Project, Location: c.Registry.Location, ShortName: name}.String()
}

// Descriptors converts the declared functions into registry records.
func (c *Config) Descriptors() ([]*metadata.FunctionDescriptor, error) {
	out := make([]*metadata.FunctionDescriptor, 0, len(c.Functions))
	for _, f := range c.Functions {
		d, err := c.descriptor(f)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Config) descriptor(f FunctionConfig) (*metadata.FunctionDescriptor, error) {
	name, err := metadata.ParseName(c.FunctionName(f.Name))
	if err != nil {
		return nil, err
	}
	source := f.Source
	if source != "" && !filepath.IsAbs(source) && c.dir != "" {
		source = filepath.Join(c.dir, source)
	}
	trigger := metadata.TriggerKind(strings.ToUpper(f.Trigger))
	if trigger == "" {
		trigger = metadata.TriggerHTTP
	}
	d := &metadata.FunctionDescriptor{
		Name:       name.String(),
		ShortName:  name.ShortName,
		SourcePath: source,
		EntryPoint: f.EntryPoint,
		Trigger:    trigger,
		Status:     metadata.StatusReady,
		Command:    f.Command,
	}
	if f.Timeout != "" {
		d.Timeout = &metadata.Timeout{Seconds: f.Timeout}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
