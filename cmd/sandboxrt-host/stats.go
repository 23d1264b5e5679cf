package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nxml-run/sandboxrt/pkg/runtime"
)

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "show live runtime statistics (active/parked instances, cache hit rate, memory)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "engine-wasm", Usage: "path to the compiled script-engine WASM module", Required: true},
			&cli.StringFlag{Name: "compile-cache-dir", Usage: "override SANDBOXRT_COMPILE_CACHE_DIR for this invocation"},
			&cli.BoolFlag{Name: "no-tui", Usage: "print one snapshot instead of entering the live dashboard"},
			&cli.DurationFlag{Name: "interval", Usage: "dashboard refresh interval", Value: time.Second},
		},
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer rt.Shutdown(ctx, runtime.ShutdownGraceful)

	if c.Bool("no-tui") {
		fmt.Fprintln(os.Stdout, renderStatsStatic(rt))
		return nil
	}
	if err := runStatsTUI(rt, c.Duration("interval")); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
