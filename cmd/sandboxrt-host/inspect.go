package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nxml-run/sandboxrt/pkg/runtime"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "compile a handler and print its fingerprint and bytecode size without executing it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "engine-wasm", Usage: "path to the compiled script-engine WASM module", Required: true},
			&cli.StringFlag{Name: "script", Usage: "path to the handler source file to compile", Required: true},
			&cli.StringFlag{Name: "compile-cache-dir", Usage: "override SANDBOXRT_COMPILE_CACHE_DIR for this invocation"},
		},
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer rt.Shutdown(ctx, runtime.ShutdownGraceful)

	source, err := os.ReadFile(c.String("script"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("read script: %v", err), 1)
	}

	statsBefore := rt.Stats()
	compiled, err := rt.Compile(ctx, source)
	if err != nil {
		return cli.Exit(fmt.Sprintf("compile: %v", err), 1)
	}
	statsAfter := rt.Stats()

	fmt.Printf("fingerprint: %x\n", compiled.Fingerprint)
	fmt.Printf("bytecode size: %d bytes\n", len(compiled.Bytecode))
	if statsAfter.TotalExecutions == statsBefore.TotalExecutions {
		fmt.Println("compile cache: served from cache or newly populated (no executions recorded by a compile-only call)")
	}
	return nil
}
