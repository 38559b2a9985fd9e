package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/config"
)

var addressFlag = &cli.StringFlag{
	Name:    "address",
	Aliases: []string{"a"},
	Usage:   "address of the supervisor",
	Value:   "127.0.0.1:8010",
	Sources: cli.EnvVars("EMULATOR_ADDRESS"),
}

var timeoutFlag = &cli.DurationFlag{
	Name:    "timeout",
	Usage:   "example: 30s, 1m, 1h",
	Aliases: []string{"t"},
	Value:   2 * time.Minute,
}

var retriesFlag = &cli.IntFlag{
	Name:  "retries",
	Usage: "attempts while the supervisor is not reachable",
	Value: 1,
}

var projectFlag = &cli.StringFlag{
	Name:    "project",
	Usage:   "project of short function names",
	Value:   config.DefaultProject,
	Sources: cli.EnvVars("EMULATOR_PROJECT"),
}

var locationFlag = &cli.StringFlag{
	Name:    "location",
	Usage:   "location of short function names",
	Value:   config.DefaultLocation,
	Sources: cli.EnvVars("EMULATOR_LOCATION"),
}

var dataFlag = &cli.StringFlag{
	Name:    "data",
	Usage:   "data to be passed to the function",
	Aliases: []string{"d"},
}

func main() {
	cmd := &cli.Command{
		Name:  "emulator-cli",
		Usage: "talk to the local function emulator",
		Flags: []cli.Flag{addressFlag, timeoutFlag, retriesFlag, projectFlag, locationFlag},
		Commands: []*cli.Command{
			deployCommand(),
			deleteCommand(),
			resetCommand(),
			debugCommand(),
			clearCommand(),
			callCommand(),
			workersCommand(),
			hostCommand(),
			eventsCommand(),
			runCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
