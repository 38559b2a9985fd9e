package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/config"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/supervisor"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/pool"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/processRuntime"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "supervisor",
		Usage: "run functions locally as on-demand worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", Sources: cli.EnvVars("EMULATOR_CONFIG")},
			&cli.StringFlag{Name: "address", Usage: "listen address of the HTTP surface", Sources: cli.EnvVars("EMULATOR_ADDRESS")},
			&cli.StringFlag{Name: "grpc-address", Usage: "listen address of the gRPC health service", Sources: cli.EnvVars("EMULATOR_GRPC_ADDRESS")},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints of the function registry", Sources: cli.EnvVars("EMULATOR_ETCD_ENDPOINTS")},
			&cli.StringFlag{Name: "state-dir", Usage: "directory for the pid registry and built binaries", Sources: cli.EnvVars("EMULATOR_STATE_DIR")},
			&cli.DurationFlag{Name: "max-idle", Usage: "close workers idle for longer than this", Sources: cli.EnvVars("EMULATOR_MAX_IDLE")},
			&cli.BoolFlag{Name: "watch", Usage: "restart workers when their source changes", Sources: cli.EnvVars("EMULATOR_WATCH")},
			&cli.BoolFlag{Name: "mock", Usage: "serve the mock handler of every function", Sources: cli.EnvVars("EMULATOR_MOCK")},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Sources: cli.EnvVars("LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Usage: "text, json or dev", Sources: cli.EnvVars("LOG_FORMAT")},
			&cli.StringFlag{Name: "log-file", Usage: "log file path (defaults to stdout)", Sources: cli.EnvVars("LOG_FILE")},
		},
		Action: run,
	}
}

func main() {
	cmd := newCommand()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("address") {
		cfg.Supervisor.Address = cmd.String("address")
	}
	if cmd.IsSet("grpc-address") {
		cfg.Supervisor.GRPCAddress = cmd.String("grpc-address")
	}
	if cmd.IsSet("etcd") {
		cfg.Registry.Endpoints = cmd.StringSlice("etcd")
	}
	if cmd.IsSet("state-dir") {
		cfg.StateDir = cmd.String("state-dir")
	}
	if cmd.IsSet("max-idle") {
		cfg.Pool.MaxIdle = cmd.Duration("max-idle")
	}
	if cmd.IsSet("watch") {
		cfg.Pool.Watch = cmd.Bool("watch")
	}
	if cmd.IsSet("mock") {
		cfg.Pool.Mock = cmd.Bool("mock")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("log-file") {
		cfg.Log.File = cmd.String("log-file")
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := utils.SetupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	logger.Info("Current configuration", "config", cfg)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return err
	}

	registry, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	cache := metadata.NewCache(registry, logger)
	go cache.Run(ctx)

	pids := pool.NewPIDRegistry(cfg.PIDFile(), logger)
	if n, err := pids.ReapStale(ctx); err != nil {
		logger.Warn("Failed to reap workers of a previous run", "error", err)
	} else if n > 0 {
		logger.Info("Reaped workers of a previous run", "count", n)
	}

	statsManager := stats.NewStatsManager(logger, cfg.Events.ListenerTimeout, cfg.Events.SampleRate, cfg.Events.BufferSize)
	runtime := processRuntime.NewLauncher(cfg.LauncherOptions(), logger)
	workers := pool.NewPool(cfg.PoolOptions(), runtime, cache, pids, statsManager, logger)

	s := supervisor.New(cfg.SupervisorOptions(), workers, cache, statsManager, logger)
	return s.Run(ctx)
}

// openRegistry connects to etcd when endpoints are configured and otherwise
// serves the functions declared in the config file from memory.
func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metadata.Client, error) {
	if len(cfg.Registry.Endpoints) > 0 {
		return metadata.NewClient(cfg.Registry.Endpoints, cfg.RegistryOptions(), logger)
	}
	descs, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}
	registry := metadata.NewMemoryClient()
	for _, d := range descs {
		if err := registry.PutFunction(ctx, d); err != nil {
			registry.Close()
			return nil, err
		}
		logger.Info("Registered function", "function", d.Name, "source", d.SourcePath)
	}
	return registry, nil
}
