package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nxml-run/sandboxrt/pkg/runtime"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "compile and execute a single handler, resolving suspensions from stdin",
		Flags:  commonFlags,
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := buildRuntime(ctx, c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer rt.Shutdown(ctx, runtime.ShutdownGraceful)

	source, err := os.ReadFile(c.String("script"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("read script: %v", err), 1)
	}
	compiled, err := rt.Compile(ctx, source)
	if err != nil {
		return cli.Exit(fmt.Sprintf("compile: %v", err), 1)
	}

	reg := buildExtensionRegistry(os.Stdin, os.Stderr)
	callCtx, err := buildCallContext(c, reg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	result, err := rt.Execute(ctx, compiled, callCtx, c.Int64("timeout-ms"))
	result, err = runToCompletion(ctx, rt, reg, result, err)

	printResult(result)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
