package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/client"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/processRuntime"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

const retryBackoff = 500 * time.Millisecond

var errNameRequired = errors.New("function name is required")

func newClient(cmd *cli.Command) *client.Client {
	return client.New(cmd.String("address"), utils.NewLogger(os.Stderr, "error", "text"))
}

// functionName completes a short name with --project and --location.
func functionName(cmd *cli.Command) (metadata.FunctionName, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return metadata.FunctionName{}, errNameRequired
	}
	if strings.Contains(arg, "/") {
		return metadata.ParseName(arg)
	}
	return metadata.NewFunctionName(cmd.String("project"), cmd.String("location"), arg)
}

// withTimeout bounds ctx with --timeout and retries fn --retries times.
func withTimeout[T any](ctx context.Context, cmd *cli.Command, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	return utils.CallWithRetry(ctx, func() (T, error) { return fn(ctx) }, max(int(cmd.Int("retries")), 1), retryBackoff)
}

func adminAction(op func(ctx context.Context, c *client.Client, name string, cmd *cli.Command) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		name, err := functionName(cmd)
		if err != nil {
			return err
		}
		c := newClient(cmd)
		_, err = withTimeout(ctx, cmd, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx, c, name.String(), cmd)
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", name)
		return nil
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "source", Usage: "directory of the function sources"},
		&cli.StringFlag{Name: "entry-point", Usage: "handler registered by the function"},
		&cli.StringFlag{Name: "trigger", Usage: "HTTP or EVENT", Value: string(metadata.TriggerHTTP)},
		&cli.StringFlag{Name: "function-timeout", Usage: "per-call timeout in seconds"},
	}
}

// descriptorFromFlags builds a descriptor when --source is given.
func descriptorFromFlags(cmd *cli.Command, name metadata.FunctionName) (*metadata.FunctionDescriptor, error) {
	source := cmd.String("source")
	if source == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, err
	}
	desc := &metadata.FunctionDescriptor{
		Name:       name.String(),
		ShortName:  name.ShortName,
		SourcePath: abs,
		EntryPoint: cmd.String("entry-point"),
		Trigger:    metadata.TriggerKind(strings.ToUpper(cmd.String("trigger"))),
	}
	if t := cmd.String("function-timeout"); t != "" {
		desc.Timeout = &metadata.Timeout{Seconds: t}
	}
	return desc, desc.Validate()
}

func deployCommand() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "start a fresh worker, optionally registering the function first",
		ArgsUsage: "function name",
		Flags:     sourceFlags(),
		Action: adminAction(func(ctx context.Context, c *client.Client, name string, cmd *cli.Command) error {
			parsed, _ := metadata.ParseName(name)
			desc, err := descriptorFromFlags(cmd, parsed)
			if err != nil {
				return err
			}
			return c.Deploy(ctx, name, desc)
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "close the worker of a function",
		ArgsUsage: "function name",
		Action: adminAction(func(ctx context.Context, c *client.Client, name string, _ *cli.Command) error {
			return c.Delete(ctx, name)
		}),
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "restart the worker of a function",
		ArgsUsage: "function name",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "keep", Usage: "keep the debug settings of the current worker"},
		},
		Action: adminAction(func(ctx context.Context, c *client.Client, name string, cmd *cli.Command) error {
			return c.Reset(ctx, name, cmd.Bool("keep"))
		}),
	}
}

func debugCommand() *cli.Command {
	return &cli.Command{
		Name:      "debug",
		Usage:     "restart the worker of a function with a debug listener",
		ArgsUsage: "function name",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Usage: "debug or inspect", Value: string(ipc.DebugTypeInspect)},
			&cli.IntFlag{Name: "port", Usage: "debug port", Value: 9229},
			&cli.BoolFlag{Name: "pause", Usage: "wait for a debugger before serving"},
		},
		Action: adminAction(func(ctx context.Context, c *client.Client, name string, cmd *cli.Command) error {
			return c.Debug(ctx, name, ipc.DebugOptions{
				Type:  ipc.DebugType(cmd.String("type")),
				Port:  int(cmd.Int("port")),
				Pause: cmd.Bool("pause"),
			})
		}),
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "close every worker",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd)
			_, err := withTimeout(ctx, cmd, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, c.Clear(ctx)
			})
			return err
		},
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "invoke a function through the supervisor",
		ArgsUsage: "function name [path]",
		Flags: []cli.Flag{
			dataFlag,
			&cli.StringFlag{Name: "method", Aliases: []string{"X"}, Value: http.MethodPost},
			&cli.StringFlag{Name: "content-type", Value: "application/json"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := functionName(cmd)
			if err != nil {
				return err
			}
			c := newClient(cmd)
			res, err := withTimeout(ctx, cmd, func(ctx context.Context) (*client.CallResult, error) {
				return c.Call(ctx, name, cmd.String("method"), cmd.Args().Get(1), cmd.String("content-type"), []byte(cmd.String("data")))
			})
			if err != nil {
				return err
			}
			if res.StatusCode >= http.StatusBadRequest {
				fmt.Fprintf(os.Stderr, "status %d\n", res.StatusCode)
			}
			fmt.Println(string(res.Body))
			return nil
		},
	}
}

func workersCommand() *cli.Command {
	return &cli.Command{
		Name:  "workers",
		Usage: "list the running workers",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd)
			list, err := withTimeout(ctx, cmd, c.Workers)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPID\tPORT\tSTATE\tIDLE\tCPU%\tRSS\tDEBUG")
			for _, w := range list {
				cpu, rss := "-", "-"
				if w.Usage != nil {
					cpu = fmt.Sprintf("%.1f", w.Usage.CPUPercent)
					rss = fmt.Sprintf("%dMiB", w.Usage.RSSBytes>>20)
				}
				debug := "-"
				if w.Debug != nil {
					debug = fmt.Sprintf("%s:%d", w.Debug.Type, w.Debug.Port)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n", w.Name, w.Pid, w.Port, w.State,
					time.Since(w.LastAccessed).Truncate(time.Second), cpu, rss, debug)
			}
			return tw.Flush()
		},
	}
}

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "show resource usage of the machine",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd)
			host, err := withTimeout(ctx, cmd, c.Host)
			if err != nil {
				return err
			}
			fmt.Printf("CPU usage: %v%%\n", host.CPUPercentPerCPU)
			fmt.Printf("RAM usage: %.1f%%\n", host.UsedRAMPercent)
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "follow worker lifecycle events",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "listener id of an earlier stream to resume"},
			&cli.DurationFlag{Name: "duration", Usage: "stop after this long, 0 follows until interrupted"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if d := cmd.Duration("duration"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			enc := json.NewEncoder(os.Stdout)
			id, err := newClient(cmd).Events(ctx, cmd.String("id"), func(su stats.StatusUpdate) error {
				return enc.Encode(su)
			})
			if id != "" {
				fmt.Fprintf(os.Stderr, "listener id: %s\n", id)
			}
			return err
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "build and run a function once without a supervisor",
		ArgsUsage: "function name",
		Flags: append([]cli.Flag{
			dataFlag,
			&cli.StringFlag{Name: "data-file", Usage: "read the event data from a file, - for stdin"},
			&cli.StringFlag{Name: "log-level", Value: "warn"},
		}, sourceFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := functionName(cmd)
			if err != nil {
				return err
			}
			if !cmd.IsSet("source") {
				return errors.New("--source is required")
			}
			desc, err := descriptorFromFlags(cmd, name)
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd)
			if err != nil {
				return err
			}

			logger := utils.NewLogger(os.Stderr, cmd.String("log-level"), "text")
			binDir, err := os.MkdirTemp("", "emulator-run-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(binDir)
			launcher := processRuntime.NewLauncher(processRuntime.LauncherConfig{BinDir: binDir}, logger)

			spec := processRuntime.Spec{
				Function: desc,
				Env:      processRuntime.FunctionEnv(desc, metadata.ResolveTimeout(desc, logger).Seconds()),
			}
			result, err := processRuntime.RunOnce(ctx, launcher, spec, payload, cmd.Duration("timeout"))
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

func readPayload(cmd *cli.Command) (json.RawMessage, error) {
	var raw []byte
	switch path := cmd.String("data-file"); path {
	case "":
		raw = []byte(cmd.String("data"))
	case "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("event data is not valid JSON")
	}
	return raw, nil
}
